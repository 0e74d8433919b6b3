package vm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kdomanski/iso9660"
)

func TestWriteSeedISORoundTrip(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "seed.iso")
	payload := SeedEnv(map[string]string{
		"TARGET_DISK": "/dev/vda",
		"HOSTNAME":    "aurora-test",
	})

	err := WriteSeedISO(map[string][]byte{
		"probe.env": payload,
	}, outPath, "RELGATE_SEED")
	if err != nil {
		t.Fatalf("write seed iso: %v", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	defer f.Close()

	image, err := iso9660.OpenImage(f)
	if err != nil {
		t.Fatalf("parse image: %v", err)
	}
	root, err := image.RootDir()
	if err != nil {
		t.Fatalf("root dir: %v", err)
	}
	children, err := root.GetChildren()
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(children) != 1 {
		t.Fatalf("expected 1 file in image, found %d", len(children))
	}
}

func TestWriteSeedISORejectsEmptyPayload(t *testing.T) {
	if err := WriteSeedISO(nil, filepath.Join(t.TempDir(), "x.iso"), "X"); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestSeedEnvIsStable(t *testing.T) {
	values := map[string]string{"B": "2", "A": "1"}
	if got := string(SeedEnv(values)); got != "A=1\nB=2\n" {
		t.Fatalf("unexpected rendering: %q", got)
	}
}
