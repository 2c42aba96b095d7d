package util

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

func TestClampScalar(t *testing.T) {
	cases := []struct {
		in   float32
		want float32
	}{
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{-0.1, 0},
		{1.5, 1},
		{float32(math.NaN()), 0},
	}

	for _, c := range cases {
		if got := ClampScalar(c.in); got != c.want {
			t.Errorf("ClampScalar(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestFileExists(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")

	if FileExists(file) {
		t.Fatalf("FileExists(%s) = true before creating it", file)
	}

	if err := os.WriteFile(file, []byte("ui_port: 1\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	if !FileExists(file) {
		t.Errorf("FileExists(%s) = false after creating it", file)
	}

	if FileExists(dir) {
		t.Errorf("FileExists(%s) = true for a directory", dir)
	}
}

func TestEnsureDirExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs", "nested")

	if err := EnsureDirExists(dir); err != nil {
		t.Fatalf("EnsureDirExists: %v", err)
	}

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Errorf("expected %s to be a directory, stat err: %v", dir, err)
	}
}
