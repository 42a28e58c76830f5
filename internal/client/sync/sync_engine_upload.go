package sync

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dustin/go-humanize"
	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/seal"
	"github.com/openmined/sealbox/internal/utils"
)

// handleUploadNew seals a new local file under a fresh key and adds it to
// the catalogue.
func (se *SyncEngine) handleUploadNew(ctx context.Context, name string) error {
	w, err := se.vault.CreateFile(ctx)
	if err != nil {
		return err
	}
	digest, n, err := se.upload(ctx, name, w)
	if err != nil {
		return err
	}

	cf := catalog.ClientFile{
		Name:     name,
		Location: w.Location(),
		Key:      w.Key(),
		Hash:     digest,
		Scheme:   w.Scheme(),
	}
	if err := se.vault.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		return kf.Add(cf)
	}); err != nil {
		se.removeOrphan(ctx, cf.Location)
		return err
	}

	if err := se.store.Set(name, digest); err != nil {
		return err
	}
	slog.Info("sync", "op", LocalAdded, "status", "Completed", "name", name, "size", humanize.Bytes(uint64(n)))
	return nil
}

// handleUploadUpdate reseals a modified local file under its existing key
// and records the new digest in the catalogue.
func (se *SyncEngine) handleUploadUpdate(ctx context.Context, cf catalog.ClientFile) error {
	w, err := se.vault.UpdateFile(ctx, cf)
	if err != nil {
		return err
	}
	digest, n, err := se.upload(ctx, cf.Name, w)
	if err != nil {
		return err
	}

	if err := se.vault.UpdateCatalogue(ctx, func(kf *catalog.KeyFile) error {
		cur, ok := kf.Get(cf.Name)
		if !ok {
			return fmt.Errorf("%w: %q", catalog.ErrNotFound, cf.Name)
		}
		cur.Hash = digest
		cur.Scheme = w.Scheme()
		return kf.Update(cur)
	}); err != nil {
		slog.Error("sync catalogue behind blob", "name", cf.Name, "location", cf.Location, "digest", digest, "error", err)
		return fmt.Errorf("%w: %w", ErrCatalogueBehind, err)
	}

	if err := se.store.Set(cf.Name, digest); err != nil {
		return err
	}
	slog.Info("sync", "op", LocalUpdated, "status", "Completed", "name", cf.Name, "size", humanize.Bytes(uint64(n)))
	return nil
}

// upload copies the local file into w while digesting it and commits w.
// On failure w is aborted.
func (se *SyncEngine) upload(ctx context.Context, name string, w *seal.FileWriter) (string, int64, error) {
	f, err := se.fs.Open(pathFromName(se.rootDir, name))
	if err != nil {
		w.Abort()
		return "", 0, err
	}
	defer f.Close()

	dr := utils.NewDigestReader(f)
	n, err := utils.Copy(ctx, w, dr)
	if err != nil {
		w.Abort()
		return "", 0, err
	}
	if err := w.Commit(); err != nil {
		return "", 0, err
	}
	return dr.Sum(), n, nil
}

// removeOrphan deletes a blob that never made it into the catalogue.
func (se *SyncEngine) removeOrphan(ctx context.Context, location string) {
	if err := se.vault.DeleteFile(ctx, location); err != nil {
		slog.Warn("sync orphan blob", "location", location, "error", err)
	}
}
