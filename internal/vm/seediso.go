package vm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/kdomanski/iso9660"
)

// WriteSeedISO packs the provided files into a small ISO9660 image at
// outPath. Guests pick the image up as secondary media, so per-run probe
// payloads reach the VM without any network dependency.
func WriteSeedISO(files map[string][]byte, outPath, volumeLabel string) error {
	if len(files) == 0 {
		return fmt.Errorf("seed iso needs at least one file")
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := writer.AddFile(bytes.NewReader(files[name]), name); err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure seed iso directory: %w", err)
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create seed iso: %w", err)
	}

	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(outPath)
		return fmt.Errorf("write seed iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(outPath)
		return fmt.Errorf("finalize seed iso: %w", err)
	}
	return nil
}

// SeedEnv renders KEY=VALUE pairs in stable order for a seed ISO payload.
func SeedEnv(values map[string]string) []byte {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, key := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", key, values[key])
	}
	return buf.Bytes()
}
