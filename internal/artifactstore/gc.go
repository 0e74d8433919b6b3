package artifactstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// GC deletes every blob whose content hash is not referenced by any index
// entry of any kind. It holds the store's exclusive lock for the duration,
// so a concurrent Put can never be mid-write on a blob GC would sweep.
func (s *Store) GC() error {
	unlock, err := s.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	return s.sweepLocked()
}

// Prune keeps, per kind, the keepLastN newest index entries, deletes the
// rest, and then sweeps unreferenced blobs. Blobs still referenced by a
// surviving entry of any kind are retained.
func (s *Store) Prune(keepLastN int) error {
	if keepLastN < 0 {
		return errors.New("keep count must not be negative")
	}

	unlock, err := s.lock(true)
	if err != nil {
		return err
	}
	defer unlock()

	for _, kind := range Kinds() {
		entries, err := s.Entries(kind)
		if err != nil {
			return err
		}
		for _, entry := range entries[min(keepLastN, len(entries)):] {
			if err := os.Remove(s.entryPath(entry.Kind, entry.InputKey)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return err
			}
			s.logger().Debug("index entry pruned", "kind", string(entry.Kind), "key", entry.InputKey)
		}
	}

	return s.sweepLocked()
}

// sweepLocked removes unreferenced blobs. Callers must hold the exclusive lock.
func (s *Store) sweepLocked() error {
	referenced := make(map[string]struct{})
	for _, kind := range Kinds() {
		entries, err := s.Entries(kind)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			referenced[entry.ContentHash] = struct{}{}
		}
	}

	blobRoot := filepath.Join(s.BaseDir, "blobs", "sha256")
	shards, err := os.ReadDir(blobRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	removed := 0
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(blobRoot, shard.Name())
		blobs, err := os.ReadDir(shardDir)
		if err != nil {
			return err
		}
		for _, blob := range blobs {
			if _, ok := referenced[blob.Name()]; ok {
				continue
			}
			if err := os.Remove(filepath.Join(shardDir, blob.Name())); err != nil {
				return err
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger().Info("unreferenced blobs removed", "count", removed)
	}
	return nil
}

// lock acquires the store-wide file lock: shared for Put, exclusive for
// GC/Prune. The returned function releases it.
func (s *Store) lock(exclusive bool) (func(), error) {
	if err := os.MkdirAll(s.BaseDir, 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(s.BaseDir, ".lock"), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	how := unix.LOCK_SH
	if exclusive {
		how = unix.LOCK_EX
	}
	if err := unix.Flock(int(f.Fd()), how); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}
