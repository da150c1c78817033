package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, `
[project]
name = "engine"
root = "`+filepath.ToSlash(root)+`"
extensions = ["cpp", ".H"]
include = ["src/**"]

[project.exclude]
dirs = ["build*"]

[index]
workers = 3

[query]
regex_timeout = "750ms"
policy = "Block"

[refresh]
max_retries = 4
extract_rate = 20.5

[watch]
debounce = "1s"

[db]
enabled = false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Project.Name != "engine" {
		t.Errorf("expected project name engine, got %q", cfg.Project.Name)
	}
	if got := strings.Join(cfg.Project.Extensions, ","); got != ".cpp,.h" {
		t.Errorf("expected normalized extensions, got %s", got)
	}
	if cfg.Index.Workers != 3 {
		t.Errorf("expected 3 workers, got %d", cfg.Index.Workers)
	}
	if cfg.Query.RegexTimeout != 750*time.Millisecond {
		t.Errorf("expected regex timeout 750ms, got %v", cfg.Query.RegexTimeout)
	}
	if cfg.Query.Policy != "block" {
		t.Errorf("expected lower-cased policy, got %q", cfg.Query.Policy)
	}
	if cfg.Refresh.MaxRetries != 4 || cfg.Refresh.ExtractRate != 20.5 {
		t.Errorf("unexpected refresh section: %+v", cfg.Refresh)
	}
	if cfg.Watch.Debounce != time.Second {
		t.Errorf("expected debounce 1s, got %v", cfg.Watch.Debounce)
	}
	if cfg.DB.IsEnabled() {
		t.Error("expected db to be disabled")
	}
	if cfg.SourcePath == "" || !filepath.IsAbs(cfg.SourcePath) {
		t.Errorf("expected absolute source path, got %q", cfg.SourcePath)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Query.RegexTimeout != 2*time.Second {
		t.Errorf("expected 2s regex budget, got %v", cfg.Query.RegexTimeout)
	}
	if cfg.Refresh.MaxRetries != 2 {
		t.Errorf("expected 2 retries, got %d", cfg.Refresh.MaxRetries)
	}
	if cfg.Query.LargeResultThreshold != 20 {
		t.Errorf("expected large threshold 20, got %d", cfg.Query.LargeResultThreshold)
	}
	if cfg.Query.Policy != "allow_partial" {
		t.Errorf("expected allow_partial, got %q", cfg.Query.Policy)
	}
	if !cfg.DB.IsEnabled() {
		t.Error("expected db enabled by default")
	}
	if cfg.Index.Workers < 1 {
		t.Errorf("expected at least one worker, got %d", cfg.Index.Workers)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"bad policy":     "[query]\npolicy = \"wait\"\n",
		"bad glob":       "[project.exclude]\nfiles = [\"[\"]\n",
		"future version": "version = 9\n",
		"args no cmd":    "[extractor]\nargs = [\"-x\"]\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, content)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYMINDEX_INDEX_WORKERS", "7")
	t.Setenv("SYMINDEX_QUERY_REGEX_TIMEOUT", "100ms")
	t.Setenv("SYMINDEX_DB_ENABLED", "false")

	cfg := Default(t.TempDir())
	if cfg.Index.Workers != 7 {
		t.Errorf("expected workers override, got %d", cfg.Index.Workers)
	}
	if cfg.Query.RegexTimeout != 100*time.Millisecond {
		t.Errorf("expected regex timeout override, got %v", cfg.Query.RegexTimeout)
	}
	if cfg.DB.IsEnabled() {
		t.Error("expected db disabled by env")
	}
}

func TestProjectKeyStable(t *testing.T) {
	a := ProjectKey("/src/engine", "/src/engine/symindex.toml")
	b := ProjectKey("/src/engine", "/src/engine/symindex.toml")
	c := ProjectKey("/src/engine", "")
	if a != b {
		t.Fatalf("expected stable key, got %s and %s", a, b)
	}
	if a == c {
		t.Fatal("expected config path to change the key")
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d", len(a))
	}
}
