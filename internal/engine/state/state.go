// Package state tracks the indexing lifecycle and how much of the current pass is done.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	domainerrors "symindex/internal/core/errors"
	"symindex/internal/shared/observability"
)

type State string

const (
	Empty      State = "empty"
	Indexing   State = "indexing"
	Ready      State = "ready"
	Refreshing State = "refreshing"
	Error      State = "error"
)

var allStates = []State{Empty, Indexing, Ready, Refreshing, Error}

// Any state may move to Error; these are the other legal moves.
var transitions = map[State][]State{
	Empty:      {Indexing},
	Indexing:   {Ready},
	Ready:      {Refreshing},
	Refreshing: {Ready},
	Error:      {Indexing, Refreshing},
}

// Progress describes the pass in flight, or the last one when idle.
type Progress struct {
	Total       int    `json:"total_files"`
	Processed   int    `json:"processed_files"`
	Failed      int    `json:"failed_files"`
	CacheHits   int    `json:"cache_hits"`
	CurrentFile string `json:"current_file,omitempty"`
}

// Completeness is attached to every query answer.
type Completeness struct {
	State    State   `json:"state"`
	Fraction float64 `json:"fraction"`
	Complete bool    `json:"complete"`
}

type Snapshot struct {
	State     State     `json:"state"`
	Progress  Progress  `json:"progress"`
	Since     time.Time `json:"since"`
	LastError string    `json:"last_error,omitempty"`
}

// Machine is the indexing state machine. Waiters block on a channel that is closed
// whenever the state settles in Ready or Error.
type Machine struct {
	mu       sync.RWMutex
	state    State
	progress Progress
	since    time.Time
	lastErr  error
	settled  chan struct{}
	// built is set once a pass has drained; later passes are refreshes.
	built bool
}

func NewMachine() *Machine {
	m := &Machine{state: Empty, since: time.Now(), settled: make(chan struct{})}
	m.publishLocked()
	return m
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to next, failing with a validation error on an illegal move.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transitionLocked(next, nil)
}

// Begin starts a pass of total files: Indexing from Empty, Refreshing otherwise.
func (m *Machine) Begin(total int) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := Indexing
	if m.built {
		next = Refreshing
	}
	if err := m.transitionLocked(next, nil); err != nil {
		return m.state, err
	}
	m.progress = Progress{Total: total}
	m.publishLocked()
	return next, nil
}

// Finish marks the pass drained and returns to Ready.
func (m *Machine) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.CurrentFile = ""
	if err := m.transitionLocked(Ready, nil); err != nil {
		return err
	}
	m.built = true
	return nil
}

// Fail moves to Error from any state and remembers err.
func (m *Machine) Fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_ = m.transitionLocked(Error, err)
}

func (m *Machine) transitionLocked(next State, cause error) error {
	if next != Error && !allowed(m.state, next) {
		return domainerrors.New(domainerrors.CodeValidationError,
			fmt.Sprintf("illegal state transition %s -> %s", m.state, next))
	}

	m.state = next
	m.since = time.Now()
	if next == Error {
		m.lastErr = cause
	} else {
		m.lastErr = nil
	}

	switch next {
	case Ready, Error:
		select {
		case <-m.settled:
		default:
			close(m.settled)
		}
	default:
		select {
		case <-m.settled:
			m.settled = make(chan struct{})
		default:
		}
	}
	m.publishLocked()
	return nil
}

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SetTotal adjusts the file count once the work set is known.
func (m *Machine) SetTotal(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Total = total
	m.publishLocked()
}

// FileDone records one processed file.
func (m *Machine) FileDone(path string, failed, cacheHit bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.progress.Processed++
	m.progress.CurrentFile = path
	if failed {
		m.progress.Failed++
	}
	if cacheHit {
		m.progress.CacheHits++
	}
	m.publishLocked()
}

func (m *Machine) Progress() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress
}

// Completeness reports how far the current pass has got. Ready means complete.
func (m *Machine) Completeness() Completeness {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completenessLocked()
}

func (m *Machine) completenessLocked() Completeness {
	c := Completeness{State: m.state}
	switch m.state {
	case Ready:
		c.Fraction = 1
		c.Complete = true
	case Empty:
	default:
		if m.progress.Total > 0 {
			c.Fraction = float64(m.progress.Processed) / float64(m.progress.Total)
			if c.Fraction > 1 {
				c.Fraction = 1
			}
		}
	}
	return c
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Snapshot{State: m.state, Progress: m.progress, Since: m.since}
	if m.lastErr != nil {
		s.LastError = m.lastErr.Error()
	}
	return s
}

func (m *Machine) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Wait blocks until the machine settles in Ready or Error, or ctx ends.
func (m *Machine) Wait(ctx context.Context) (State, error) {
	for {
		m.mu.RLock()
		st, ch := m.state, m.settled
		m.mu.RUnlock()

		if st == Ready || st == Error {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-ch:
		}
	}
}

func (m *Machine) publishLocked() {
	for _, s := range allStates {
		v := 0.0
		if s == m.state {
			v = 1
		}
		observability.IndexState.WithLabelValues(string(s)).Set(v)
	}
	observability.IndexCompleteness.Set(m.completenessLocked().Fraction)
}
