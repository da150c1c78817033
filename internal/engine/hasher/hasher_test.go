package hasher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	domainerrors "symindex/internal/core/errors"
)

func TestFileMatchesBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.h")
	content := []byte("struct Widget { int x; };\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	h := New(time.Second, 0)
	got, err := h.File(context.Background(), path)
	if err != nil {
		t.Fatalf("hash file: %v", err)
	}
	if got != Bytes(content) {
		t.Fatalf("file digest %s differs from buffer digest %s", got, Bytes(content))
	}

	if err := os.WriteFile(path, append(content, '\n'), 0o644); err != nil {
		t.Fatal(err)
	}
	changed, err := h.File(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if changed == got {
		t.Fatal("expected digest to change with content")
	}
}

func TestFileSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.cpp")
	if err := os.WriteFile(path, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(time.Second, 100).File(context.Background(), path)
	if !domainerrors.IsCode(err, domainerrors.CodeValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFileCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.cpp")
	if err := os.WriteFile(path, []byte("int main() {}"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(time.Second, 0).File(ctx, path)
	if !domainerrors.IsCode(err, domainerrors.CodeTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestArgsOrderAndBoundaries(t *testing.T) {
	if Args([]string{"-I", "inc"}) == Args([]string{"-Iinc"}) {
		t.Fatal("argument boundaries must affect the digest")
	}
	if Args([]string{"-O2", "-g"}) == Args([]string{"-g", "-O2"}) {
		t.Fatal("argument order must affect the digest")
	}
	if Args(nil) != Args([]string{}) {
		t.Fatal("nil and empty args should hash the same")
	}
}

func TestPathKeyStable(t *testing.T) {
	if PathKey("/src/a.cpp") != PathKey("/src/a.cpp") {
		t.Fatal("expected stable key")
	}
	if PathKey("/src/a.cpp") == PathKey("/src/b.cpp") {
		t.Fatal("expected distinct keys")
	}
	if len(PathKey("x")) != 16 {
		t.Fatalf("expected 16 hex chars, got %q", PathKey("x"))
	}
}

func TestFileFingerprintMissing(t *testing.T) {
	if _, err := FileFingerprint(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
