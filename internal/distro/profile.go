// Package distro describes the OS variants the pipeline verifies. Profiles
// are plain configuration values: stage policy differences between distros
// (login model, tool set, machine shape) live here as data, never as types.
package distro

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// MachineProfile defines the VM hardware shape used to boot a distro image.
type MachineProfile struct {
	Machine      string   `yaml:"machine"`
	CPUModel     string   `yaml:"cpu_model"`
	VCPUs        int      `yaml:"vcpus"`
	RAMMB        int      `yaml:"ram_mb"`
	DiskBus      string   `yaml:"disk_bus"`
	CDBus        string   `yaml:"cd_bus"`
	FirmwareCode string   `yaml:"firmware_code"`
	FirmwareVars string   `yaml:"firmware_vars"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// Profile is the full per-distro policy consumed by the executor and the
// VM controller.
type Profile struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`

	// ArtifactDir is where the build collaborator drops artifact files and
	// their companion fingerprint files.
	ArtifactDir string `yaml:"artifact_dir"`

	// Login model: autologin distros reach a shell without credentials.
	Autologin     bool   `yaml:"autologin"`
	LoginUser     string `yaml:"login_user"`
	LoginPassword string `yaml:"login_password"`

	// Markers emitted on the guest serial console at known lifecycle points.
	ShellReadyMarker  string `yaml:"shell_ready_marker"`
	LoginPromptMarker string `yaml:"login_prompt_marker"`

	// Commands probed inside the guest per stage.
	ToolProbes     []string `yaml:"tool_probes"`
	ServiceProbes  []string `yaml:"service_probes"`
	InstallCommand string   `yaml:"install_command"`
	UpdateCommand  string   `yaml:"update_command"`

	// InstallDiskMB is the size of the blank target disk created for the
	// install stage.
	InstallDiskMB int `yaml:"install_disk_mb"`

	Machine MachineProfile `yaml:"machine"`
}

// ArtifactPath joins a file name onto the profile's artifact directory.
func (p Profile) ArtifactPath(name string) string {
	return filepath.Join(p.ArtifactDir, name)
}

func (p Profile) validate() error {
	if p.ID == "" {
		return fmt.Errorf("profile without id")
	}
	if p.ShellReadyMarker == "" {
		return fmt.Errorf("profile %s: shell_ready_marker is required", p.ID)
	}
	if !p.Autologin && p.LoginPromptMarker == "" {
		return fmt.Errorf("profile %s: login_prompt_marker is required without autologin", p.ID)
	}
	return nil
}

// Set holds the known profiles in declaration order.
type Set struct {
	profiles []Profile
	byID     map[string]Profile
}

// NewSet builds a Set from the provided profiles.
func NewSet(profiles []Profile) (*Set, error) {
	set := &Set{byID: make(map[string]Profile, len(profiles))}
	for _, profile := range profiles {
		if err := profile.validate(); err != nil {
			return nil, err
		}
		if _, dup := set.byID[profile.ID]; dup {
			return nil, fmt.Errorf("duplicate profile id %q", profile.ID)
		}
		set.profiles = append(set.profiles, profile)
		set.byID[profile.ID] = profile
	}
	return set, nil
}

// Lookup returns the profile for the id.
func (s *Set) Lookup(id string) (Profile, error) {
	profile, ok := s.byID[id]
	if !ok {
		return Profile{}, fmt.Errorf("unknown distro %q", id)
	}
	return profile, nil
}

// All returns the profiles in declaration order.
func (s *Set) All() []Profile {
	out := make([]Profile, len(s.profiles))
	copy(out, s.profiles)
	return out
}

// LoadFile reads a YAML profile list. Entries with an id matching a built-in
// profile replace it; new ids are appended.
func LoadFile(path string) (*Set, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles %s: %w", path, err)
	}

	var doc struct {
		Distros []Profile `yaml:"distros"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse profiles %s: %w", path, err)
	}

	merged := Defaults()
	for _, override := range doc.Distros {
		replaced := false
		for i, existing := range merged {
			if existing.ID == override.ID {
				merged[i] = override
				replaced = true
				break
			}
		}
		if !replaced {
			merged = append(merged, override)
		}
	}
	return NewSet(merged)
}

// DefaultSet returns the built-in profiles.
func DefaultSet() *Set {
	set, err := NewSet(Defaults())
	if err != nil {
		panic(err)
	}
	return set
}
