package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/utils"
)

// handleDownload writes the plaintext of cf next to its destination and
// renames it into place only when its digest matches the catalogue.
func (se *SyncEngine) handleDownload(ctx context.Context, op Outcome, cf catalog.ClientFile) error {
	dst := pathFromName(se.rootDir, cf.Name)
	if err := se.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create parent: %w", err)
	}

	rc, err := se.vault.OpenFile(ctx, cf)
	if err != nil {
		return err
	}
	defer rc.Close()

	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+uuid.NewString()[:8]+tempSuffix)
	f, err := se.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	dw := utils.NewDigestWriter(f)
	n, copyErr := utils.Copy(ctx, dw, rc)
	closeErr := f.Close()
	if copyErr != nil || closeErr != nil {
		se.fs.Remove(tmp)
		if copyErr != nil {
			return copyErr
		}
		return closeErr
	}

	digest := dw.Sum()
	if digest != cf.Hash {
		se.fs.Remove(tmp)
		return fmt.Errorf("%w: got %s want %s", ErrDigestMismatch, digest, cf.Hash)
	}

	se.ignoreOnce(cf.Name)
	if err := se.fs.Rename(tmp, dst); err != nil {
		se.fs.Remove(tmp)
		return fmt.Errorf("move into place: %w", err)
	}
	se.localState.Forget(cf.Name)

	if err := se.store.Set(cf.Name, digest); err != nil {
		return err
	}
	slog.Info("sync", "op", op, "status", "Completed", "name", cf.Name, "size", humanize.Bytes(uint64(n)))
	return nil
}
