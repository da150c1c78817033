package config

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// ActiveProject is the resolved identity of the tree being indexed. Key scopes every
// persisted unit (snapshot, file entries, claim table) to one (source dir, config) pair.
type ActiveProject struct {
	Name       string
	Root       string
	ConfigFile string
	Key        string
}

func ResolveActiveProject(cfg *Config, cwd string) (ActiveProject, error) {
	root := ResolveRelative(cwd, cfg.Project.Root)
	abs, err := filepath.Abs(root)
	if err != nil {
		return ActiveProject{}, err
	}
	root = filepath.Clean(abs)

	name := strings.TrimSpace(cfg.Project.Name)
	if name == "" {
		name = filepath.Base(root)
	}
	return ActiveProject{
		Name:       name,
		Root:       root,
		ConfigFile: cfg.SourcePath,
		Key:        ProjectKey(root, cfg.SourcePath),
	}, nil
}

// ProjectKey is sha256("root|config")[:16]. An empty config path means "defaults".
func ProjectKey(root, configPath string) string {
	sum := sha256.Sum256([]byte(root + "|" + configPath))
	return hex.EncodeToString(sum[:])[:16]
}

// DirName returns the per-project directory name used under cache and database dirs.
func (p ActiveProject) DirName() string {
	return sanitizeName(p.Name) + "_" + p.Key
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "project"
	}
	return b.String()
}
