// Package config is the composition root: it wires the checkpoint store,
// artifact store, distro profiles and VM controller into a ready pipeline
// for the CLI.
package config

import (
	"errors"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/distrokit/relgate/internal/artifactstore"
	"github.com/distrokit/relgate/internal/checkpoint"
	"github.com/distrokit/relgate/internal/distro"
	"github.com/distrokit/relgate/internal/executor"
	"github.com/distrokit/relgate/internal/logging"
	"github.com/distrokit/relgate/internal/vm"
)

// Default locations. Everything lives under one state dir so a runner can
// be relocated by moving a single tree.
var (
	DefaultStateDir     = "/var/lib/relgate"
	DefaultProfilesPath = "/etc/relgate/distros.yaml"
)

// Options selects where the pipeline keeps state and how it boots guests.
type Options struct {
	// StateDir holds checkpoints/, store/ and runtime/ subdirectories.
	StateDir string
	// ProfilesPath is an optional YAML distro profile overlay. A missing
	// file falls back to the built-in profiles.
	ProfilesPath string
	QemuBinary   string
	Logger       *slog.Logger
}

// Pipeline bundles the wired components.
type Pipeline struct {
	Executor   *executor.Executor
	Artifacts  *artifactstore.Store
	Controller *vm.Controller
	Profiles   *distro.Set
}

// New wires a Pipeline from Options, applying defaults for anything unset.
func New(opts Options) (*Pipeline, error) {
	logger := logging.Ensure(opts.Logger)

	stateDir := opts.StateDir
	if stateDir == "" {
		stateDir = DefaultStateDir
	}

	profiles, err := loadProfiles(opts.ProfilesPath, logger)
	if err != nil {
		return nil, err
	}

	artifacts := &artifactstore.Store{
		BaseDir: filepath.Join(stateDir, "store"),
		Logger:  logger,
	}
	controller := &vm.Controller{
		RuntimeDir: filepath.Join(stateDir, "runtime"),
		QemuBinary: opts.QemuBinary,
		Logger:     logger,
	}
	exec := &executor.Executor{
		Checkpoints: &checkpoint.Store{
			BaseDir: filepath.Join(stateDir, "checkpoints"),
			Stages:  executor.NumStages(),
			Logger:  logger,
		},
		Artifacts:  artifacts,
		Profiles:   profiles,
		Launcher:   executor.NewVMLauncher(controller),
		RuntimeDir: filepath.Join(stateDir, "runtime"),
		Logger:     logger,
	}
	return &Pipeline{
		Executor:   exec,
		Artifacts:  artifacts,
		Controller: controller,
		Profiles:   profiles,
	}, nil
}

func loadProfiles(path string, logger *slog.Logger) (*distro.Set, error) {
	if path == "" {
		path = DefaultProfilesPath
	}
	set, err := distro.LoadFile(path)
	if err == nil {
		logger.Debug("loaded distro profiles", "path", path)
		return set, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		logger.Debug("no profile overlay, using built-in distros", "path", path)
		return distro.DefaultSet(), nil
	}
	return nil, err
}
