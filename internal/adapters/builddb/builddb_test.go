package builddb

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestLoadArgumentsAndCommand(t *testing.T) {
	dir := t.TempDir()
	db := `[
  {"directory": "` + dir + `", "file": "src/a.cpp", "arguments": ["clang++", "-Iinc", "-DX=1", "-c", "src/a.cpp", "-o", "a.o"]},
  {"directory": "` + dir + `", "file": "src/b.cpp", "command": "/usr/bin/g++ -I /opt/inc -DNAME=\"two words\" -c src/b.cpp"}
]`
	path := filepath.Join(dir, "compile_commands.json")
	if err := os.WriteFile(path, []byte(db), 0o644); err != nil {
		t.Fatal(err)
	}

	d := Load(path, []string{"-std=c++17"})
	if d.Degraded() {
		t.Fatalf("unexpected degraded mode: %v", d.Err())
	}

	got := d.CompileArgs(filepath.Join(dir, "src", "a.cpp"))
	want := []string{"-I" + filepath.Join(dir, "inc"), "-DX=1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("a.cpp args = %v, want %v", got, want)
	}

	got = d.CompileArgs(filepath.Join(dir, "src", "b.cpp"))
	want = []string{"-I", "/opt/inc", "-DNAME=two words"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("b.cpp args = %v, want %v", got, want)
	}

	if got := d.CompileArgs(filepath.Join(dir, "src", "c.h")); !reflect.DeepEqual(got, []string{"-std=c++17"}) {
		t.Fatalf("unknown file must use fallback, got %v", got)
	}
	if d.Len() != 2 || !d.Has(filepath.Join(dir, "src", "a.cpp")) {
		t.Fatalf("expected two entries")
	}
}

func TestDegradedWhenUnreadable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compile_commands.json")

	missing := Load(path, []string{"-std=c++17"})
	if !missing.Degraded() {
		t.Fatal("missing database must be degraded")
	}
	if missing.Fingerprint() == "" {
		t.Fatal("degraded provider still needs a fingerprint")
	}

	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	broken := Load(path, []string{"-std=c++17"})
	if !broken.Degraded() {
		t.Fatal("malformed database must be degraded")
	}
	if got := broken.CompileArgs("/any.cpp"); !reflect.DeepEqual(got, []string{"-std=c++17"}) {
		t.Fatalf("degraded args = %v", got)
	}
}

func TestReloadDetectsChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "compile_commands.json")
	write := func(body string) {
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write(`[{"directory":"/p","file":"a.cpp","arguments":["cc","-DA"]}]`)
	d := Load(path, nil)
	first := d.Fingerprint()

	if d.Reload() {
		t.Fatal("unchanged database must keep its fingerprint")
	}
	write(`[{"directory":"/p","file":"a.cpp","arguments":["cc","-DB"]}]`)
	if !d.Reload() {
		t.Fatal("edited database must change fingerprint")
	}
	if d.Fingerprint() == first {
		t.Fatal("fingerprint did not change")
	}
}

func TestSplitCommand(t *testing.T) {
	got, err := SplitCommand(`cc -DMSG='hello world' -I"a b" x\ y.c`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"cc", "-DMSG=hello world", "-Ia b", "x y.c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := SplitCommand(`cc "unterminated`); err == nil {
		t.Fatal("expected error for unterminated quote")
	}
}
