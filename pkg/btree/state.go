package btree

import sopErrors "github.com/sopdb/sop/errors"

// State is a Tree handle's lifecycle within its owning transaction
// (spec §4.4): Open → Dirty (first mutation) → Committing → Committed
// or Aborted. Invalid is terminal and reachable from any state once
// the owning transaction has closed; any operation against an Invalid
// handle fails with InvalidState.
type State int

const (
	StateOpen State = iota
	StateDirty
	StateCommitting
	StateCommitted
	StateAborted
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateDirty:
		return "dirty"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	case StateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

func (t *Tree) checkUsable() error {
	if t.state == StateInvalid {
		return sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.checkUsable", sopErrors.WithLogicalIDs(t.info.StoreName))
	}
	if t.state == StateCommitted || t.state == StateAborted {
		return sopErrors.Wrap(sopErrors.ErrInvalidState, "btree.checkUsable", sopErrors.WithLogicalIDs(t.info.StoreName))
	}
	return nil
}

func (t *Tree) markDirty() {
	if t.state == StateOpen {
		t.state = StateDirty
	}
}

// BeginCommit is called by the owning transaction manager as it enters
// P2/P3; further mutations are rejected once committing starts.
func (t *Tree) BeginCommit() error {
	if err := t.checkUsable(); err != nil {
		return err
	}
	t.state = StateCommitting
	return nil
}

// MarkCommitted transitions a committing handle to its terminal
// success state once C2's cas_update has published every write.
func (t *Tree) MarkCommitted() {
	if t.state == StateCommitting {
		t.state = StateCommitted
	}
}

// MarkAborted transitions the handle to its terminal failure state,
// usable from any non-terminal state (a P1-P4 failure aborts
// regardless of how far the commit got).
func (t *Tree) MarkAborted() {
	if t.state != StateCommitted && t.state != StateInvalid {
		t.state = StateAborted
	}
}

// Invalidate is called once the owning transaction has fully closed
// (committed or rolled back); any further use of this handle fails.
func (t *Tree) Invalidate() {
	t.state = StateInvalid
}

// State reports the handle's current lifecycle state.
func (t *Tree) State() State { return t.state }
