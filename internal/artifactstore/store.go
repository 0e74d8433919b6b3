// Package artifactstore persists build outputs in a content-addressed
// layout: index/<kind>/<input-key>.json metadata documents pointing at
// blobs/sha256/<aa>/<hash> immutable blobs. Byte-identical outputs stored
// under different keys or kinds share a single blob.
package artifactstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/distrokit/relgate/internal/logging"
)

// Kind identifies the class of build output an entry describes.
type Kind string

// Supported artifact kinds.
const (
	KindKernelPayload    Kind = "kernel"
	KindRootfsImage      Kind = "rootfs"
	KindInitramfs        Kind = "initramfs"
	KindInstallInitramfs Kind = "install-initramfs"
	KindIso              Kind = "iso"
	KindIsoChecksum      Kind = "iso-checksum"
)

// Kinds lists every supported artifact kind.
func Kinds() []Kind {
	return []Kind{
		KindKernelPayload,
		KindRootfsImage,
		KindInitramfs,
		KindInstallInitramfs,
		KindIso,
		KindIsoChecksum,
	}
}

// Entry is the metadata document stored in the index for one (kind, input key).
type Entry struct {
	Kind        Kind      `json:"kind"`
	InputKey    string    `json:"input_key"`
	ContentHash string    `json:"content_hash"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// CorruptionError reports a blob whose bytes no longer hash to the digest
// encoded in its path. It is surfaced, never silently repaired.
type CorruptionError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("blob %s is corrupt: content hashes to %s, path records %s", e.Path, e.Actual, e.Expected)
}

// ErrNotFound is returned by Get when no index entry exists for the key.
var ErrNotFound = errors.New("artifact not found")

// Store is a content-addressed artifact cache rooted at BaseDir.
// All mutation is write-temp-then-rename; GC and Prune take an exclusive
// file lock so they never race a concurrent Put.
type Store struct {
	BaseDir string
	Logger  *slog.Logger
}

func (s *Store) logger() *slog.Logger {
	return logging.Ensure(s.Logger).With("component", "artifactstore")
}

// Put stores the provided bytes under (kind, inputKey). If a blob with the
// same content hash already exists the blob write is skipped; the index
// entry is written (or overwritten) either way. Calling twice with
// identical bytes is a no-op after the first write.
func (s *Store) Put(kind Kind, inputKey string, data []byte) (Entry, error) {
	if err := validateKey(inputKey); err != nil {
		return Entry{}, err
	}

	unlock, err := s.lock(false)
	if err != nil {
		return Entry{}, err
	}
	defer unlock()

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if err := s.writeBlob(hash, data); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		Kind:        kind,
		InputKey:    inputKey,
		ContentHash: hash,
		Size:        int64(len(data)),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.writeEntry(entry); err != nil {
		return Entry{}, err
	}

	s.logger().Debug("artifact stored", "kind", string(kind), "key", inputKey, "hash", hash, "size", entry.Size)
	return entry, nil
}

// PutFile stores the contents of path under (kind, inputKey).
func (s *Store) PutFile(kind Kind, inputKey, path string) (Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Entry{}, fmt.Errorf("read artifact %s: %w", path, err)
	}
	return s.Put(kind, inputKey, data)
}

// Get looks up the index entry for (kind, inputKey). It performs no I/O
// beyond reading the index document and returns ErrNotFound when absent.
func (s *Store) Get(kind Kind, inputKey string) (Entry, error) {
	if err := validateKey(inputKey); err != nil {
		return Entry{}, err
	}

	raw, err := os.ReadFile(s.entryPath(kind, inputKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, err
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("parse index entry for %s/%s: %w", kind, inputKey, err)
	}
	return entry, nil
}

// ReadBlob returns the stored bytes for an entry, verifying that they still
// hash to the entry's content hash. A mismatch is a CorruptionError.
func (s *Store) ReadBlob(entry Entry) ([]byte, error) {
	path := s.blobPath(entry.ContentHash)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", entry.ContentHash, err)
	}

	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if actual != entry.ContentHash {
		return nil, &CorruptionError{Path: path, Expected: entry.ContentHash, Actual: actual}
	}
	return data, nil
}

// Entries returns every index entry for the provided kind, newest first.
func (s *Store) Entries(kind Kind) ([]Entry, error) {
	dir := filepath.Join(s.BaseDir, "index", string(kind))
	items, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	for _, item := range items {
		if item.IsDir() || !strings.HasSuffix(item.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, item.Name()))
		if err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("parse index entry %s: %w", item.Name(), err)
		}
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Store) writeBlob(hash string, data []byte) error {
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return atomicWrite(path, data, 0o444)
}

func (s *Store) writeEntry(entry Entry) error {
	path := s.entryPath(entry.Kind, entry.InputKey)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	payload, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(path, payload, 0o644)
}

func (s *Store) entryPath(kind Kind, inputKey string) string {
	return filepath.Join(s.BaseDir, "index", string(kind), inputKey+".json")
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.BaseDir, "blobs", "sha256", hash[:2], hash)
}

// atomicWrite writes data to a sibling temp file and renames it into place,
// so readers never observe a partially written document.
func atomicWrite(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func validateKey(inputKey string) error {
	if inputKey == "" {
		return errors.New("input key is required")
	}
	if strings.ContainsAny(inputKey, "/\\") || inputKey == "." || inputKey == ".." {
		return fmt.Errorf("input key %q must not contain path separators", inputKey)
	}
	return nil
}
