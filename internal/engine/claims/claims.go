// Package claims implements first-claim-wins bookkeeping for shared headers.
//
// Each header moves unclaimed -> in progress -> completed(hash). A worker that wins the
// claim extracts the header; everyone else skips it for the same content version.
package claims

import (
	"sync"

	"symindex/internal/shared/observability"
	"symindex/internal/shared/util"
)

type Result int

const (
	// Granted means the caller now owns the header for this pass.
	Granted Result = iota
	// AlreadyDone means the header was completed with the same hash.
	AlreadyDone
	// Busy means another caller holds the header in progress.
	Busy
)

func (r Result) String() string {
	switch r {
	case Granted:
		return "granted"
	case AlreadyDone:
		return "already_done"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

type phase int

const (
	inProgress phase = iota + 1
	completed
)

type claim struct {
	phase phase
	hash  string
}

type Tracker struct {
	mu     sync.Mutex
	claims map[string]claim
}

func NewTracker() *Tracker {
	return &Tracker{claims: make(map[string]claim)}
}

// TryClaim atomically attempts to take path for the content version hash.
func (t *Tracker) TryClaim(path, hash string) Result {
	t.mu.Lock()
	defer t.mu.Unlock()

	res := Granted
	c, ok := t.claims[path]
	switch {
	case !ok:
	case c.phase == inProgress:
		res = Busy
	case c.hash == hash:
		res = AlreadyDone
	}
	if res == Granted {
		t.claims[path] = claim{phase: inProgress, hash: hash}
	}

	observability.HeaderClaimsTotal.WithLabelValues(res.String()).Inc()
	return res
}

// MarkCompleted records that path was extracted at hash.
func (t *Tracker) MarkCompleted(path, hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claims[path] = claim{phase: completed, hash: hash}
}

// Release reverts an in-progress claim to unclaimed. Completed claims are left alone.
func (t *Tracker) Release(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.claims[path]; ok && c.phase == inProgress {
		delete(t.claims, path)
	}
}

// ReleaseInProgress reverts every in-progress claim and returns the affected paths.
// Called when a pass is interrupted so no header stays claimed forever.
func (t *Tracker) ReleaseInProgress() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []string
	for path, c := range t.claims {
		if c.phase == inProgress {
			delete(t.claims, path)
			released = append(released, path)
		}
	}
	return released
}

// Invalidate forgets path entirely, so the next claim is granted.
func (t *Tracker) Invalidate(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.claims, path)
}

func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.claims = make(map[string]claim)
}

// Completed returns path -> hash for every completed claim, for persistence.
func (t *Tracker) Completed() map[string]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]string, len(t.claims))
	for path, c := range t.claims {
		if c.phase == completed {
			out[path] = c.hash
		}
	}
	return out
}

// Restore replaces the tracker contents with completed claims loaded from storage.
func (t *Tracker) Restore(done map[string]string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.claims = make(map[string]claim, len(done))
	for _, path := range util.SortedStringKeys(done) {
		if path == "" || done[path] == "" {
			continue
		}
		t.claims[path] = claim{phase: completed, hash: done[path]}
	}
}

type Stats struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	var s Stats
	for _, c := range t.claims {
		if c.phase == inProgress {
			s.InProgress++
		} else {
			s.Completed++
		}
	}
	return s
}
