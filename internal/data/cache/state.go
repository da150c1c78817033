package cache

import (
	"context"
	"path/filepath"
	"sync"

	"symindex/internal/engine/depgraph"
)

const (
	stateFile    = "state.json"
	stateVersion = 1
)

type projectState struct {
	Claims     map[string]string    `json:"claims,omitempty"`
	Inclusions []depgraph.Inclusion `json:"inclusions,omitempty"`
}

type stateDoc struct {
	Version  int                      `json:"version"`
	Projects map[string]*projectState `json:"projects"`
}

// StateFile keeps header claims and inclusion edges in a JSON file next to the
// snapshot. It is the persistence backend when the SQLite store is disabled.
type StateFile struct {
	mu   sync.Mutex
	c    *Cache
	path string
}

func (c *Cache) StateFile() *StateFile {
	return &StateFile{c: c, path: filepath.Join(c.dir, stateFile)}
}

func (s *StateFile) load() stateDoc {
	var doc stateDoc
	if !s.c.readJSON("state", s.path, &doc) || doc.Version != stateVersion || doc.Projects == nil {
		return stateDoc{Version: stateVersion, Projects: make(map[string]*projectState)}
	}
	return doc
}

func (s *StateFile) update(projectKey string, fn func(*projectState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := s.load()
	ps := doc.Projects[projectKey]
	if ps == nil {
		ps = &projectState{}
		doc.Projects[projectKey] = ps
	}
	fn(ps)
	return s.c.writeJSON(s.path, doc)
}

func (s *StateFile) LoadClaims(_ context.Context, projectKey string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]string)
	if ps := s.load().Projects[projectKey]; ps != nil {
		for k, v := range ps.Claims {
			out[k] = v
		}
	}
	return out, nil
}

func (s *StateFile) SaveClaims(_ context.Context, projectKey string, claims map[string]string) error {
	return s.update(projectKey, func(ps *projectState) {
		ps.Claims = claims
	})
}

func (s *StateFile) LoadInclusions(_ context.Context, projectKey string) ([]depgraph.Inclusion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ps := s.load().Projects[projectKey]; ps != nil {
		return append([]depgraph.Inclusion(nil), ps.Inclusions...), nil
	}
	return nil, nil
}

func (s *StateFile) SaveInclusions(_ context.Context, projectKey string, edges []depgraph.Inclusion) error {
	return s.update(projectKey, func(ps *projectState) {
		ps.Inclusions = edges
	})
}

func (s *StateFile) Close() error { return nil }
