package state

import (
	"context"
	"fmt"
	"strings"

	domainerrors "symindex/internal/core/errors"
)

// Policy decides what a caller does with a query issued before the index is complete.
// The engine itself always answers with partial data; policies are applied by callers.
type Policy string

const (
	AllowPartial Policy = "allow_partial"
	Block        Policy = "block"
	Reject       Policy = "reject"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "", AllowPartial:
		return AllowPartial, nil
	case Block, Reject:
		return p, nil
	default:
		return "", domainerrors.New(domainerrors.CodeValidationError, fmt.Sprintf("unknown query policy %q", s))
	}
}

// Admit applies p against m. Block waits for the pass to settle; Reject fails with
// NOT_READY while a pass is running. An empty index is never queryable.
func (p Policy) Admit(ctx context.Context, m *Machine) error {
	st := m.State()
	if st == Empty {
		return domainerrors.New(domainerrors.CodeNotReady, "index has not been built")
	}
	if st == Ready || st == Error {
		return nil
	}

	switch p {
	case Block:
		_, err := m.Wait(ctx)
		return err
	case Reject:
		c := m.Completeness()
		return domainerrors.New(domainerrors.CodeNotReady,
			fmt.Sprintf("index is %s (%.0f%% complete)", c.State, c.Fraction*100))
	default:
		return nil
	}
}
