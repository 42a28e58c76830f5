package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/transport"
)

// handleRemoteDelete propagates a local removal: the catalogue entry goes
// first, then the blob it pointed to.
func (se *SyncEngine) handleRemoteDelete(ctx context.Context, cf catalog.ClientFile) error {
	if err := se.vault.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		kf.Remove(cf.Name)
		return nil
	}); err != nil {
		return err
	}

	if cf.Location != "" {
		if err := se.vault.DeleteFile(ctx, cf.Location); err != nil && !errors.Is(err, transport.ErrNotFound) {
			return fmt.Errorf("delete blob: %w", err)
		}
	}

	if err := se.store.Delete(cf.Name); err != nil {
		return err
	}
	slog.Info("sync", "op", LocalRemoved, "status", "Completed", "name", cf.Name)
	return nil
}

// handleLocalDelete propagates a removal on the server to the sync
// directory.
func (se *SyncEngine) handleLocalDelete(name string) error {
	se.ignoreOnce(name)
	if err := se.fs.Remove(pathFromName(se.rootDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	se.localState.Forget(name)

	if err := se.store.Delete(name); err != nil {
		return err
	}
	slog.Info("sync", "op", ServerRemoved, "status", "Completed", "name", name)
	return nil
}
