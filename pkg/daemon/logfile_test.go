package daemon

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenLogRotates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "picobot.out.log")
	cfg := LogConfig{MaxSize: 10, MaxBackups: 2}

	for i, content := range []string{"first-run-output", "second-run-output", "third-run-output"} {
		f, err := openLog(path, cfg)
		if err != nil {
			t.Fatalf("run %d: openLog() error: %v", i, err)
		}
		if _, err := f.WriteString(content); err != nil {
			t.Fatal(err)
		}
		f.Close()
	}

	read := func(p string) string {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		return string(data)
	}
	if got := read(path); got != "third-run-output" {
		t.Fatalf("current log = %q", got)
	}
	if got := read(path + ".1"); got != "second-run-output" {
		t.Fatalf("backup 1 = %q", got)
	}
	if got := read(path + ".2"); got != "first-run-output" {
		t.Fatalf("backup 2 = %q", got)
	}
}

func TestRotateIfLargeSkipsSmallFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "picobot.err.log")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", 5)), 0o644); err != nil {
		t.Fatal(err)
	}

	rotated, err := rotateIfLarge(path, LogConfig{MaxSize: 10, MaxBackups: 1})
	if err != nil || rotated {
		t.Fatalf("rotateIfLarge() = %v, %v; want false, nil", rotated, err)
	}

	rotated, err = rotateIfLarge(filepath.Join(t.TempDir(), "missing.log"), DefaultLogConfig())
	if err != nil || rotated {
		t.Fatalf("rotateIfLarge(missing) = %v, %v; want false, nil", rotated, err)
	}
}
