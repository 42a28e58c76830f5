package sync

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSyncDisabled is returned when the engine is draining for shutdown
	// or a password change.
	ErrSyncDisabled   = errors.New("sync disabled")
	ErrDigestMismatch = errors.New("downloaded content does not match catalogue digest")

	// ErrCatalogueBehind means new content was committed at an existing
	// location but the catalogue still holds the old digest. Other clients
	// fail to download the name until it is uploaded again.
	ErrCatalogueBehind = errors.New("blob updated but catalogue not")
)

// ActionError is the failure of the action for one name. It never stops the
// other actions of the same cycle.
type ActionError struct {
	Name    string
	Outcome Outcome
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Outcome, e.Name, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// SyncReport summarizes one reconciliation cycle.
type SyncReport struct {
	// Results is every divergence found by the diff.
	Results []CompareResult
	// Completed lists divergences whose action succeeded.
	Completed []CompareResult
	// Conflicts lists names left untouched for manual resolution.
	Conflicts []string
	// Skipped lists names another caller was already syncing.
	Skipped []string
	// Failures holds one entry per failed action.
	Failures []*ActionError
	// Adopted counts names recorded as synced without a transfer.
	Adopted  int
	Duration time.Duration
}

func (r *SyncReport) HasChanges() bool {
	return len(r.Results) > 0 || r.Adopted > 0
}

// Messages renders each failure and conflict as its own line.
func (r *SyncReport) Messages() []string {
	msgs := make([]string, 0, len(r.Failures)+len(r.Conflicts))
	for _, f := range r.Failures {
		msgs = append(msgs, f.Error())
	}
	for _, name := range r.Conflicts {
		msgs = append(msgs, fmt.Sprintf("%s %s: changed locally and on the server", Conflicted, name))
	}
	return msgs
}
