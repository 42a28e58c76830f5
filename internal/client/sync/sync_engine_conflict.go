package sync

import (
	"log/slog"
)

// handleConflict leaves both sides untouched. The name stays marked until a
// later cycle finds it converged.
func (se *SyncEngine) handleConflict(name string) {
	slog.Warn("sync", "op", Conflicted, "name", name, "action", "manual resolution required")
	se.syncStatus.SetConflicted(name)
}
