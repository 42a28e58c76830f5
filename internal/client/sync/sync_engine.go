package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/sealbox/internal/catalog"
	"github.com/openmined/sealbox/internal/gate"
	"github.com/openmined/sealbox/internal/queue"
	"github.com/openmined/sealbox/internal/seal"
	"github.com/openmined/sealbox/internal/transport"
	"github.com/spf13/afero"
)

const DefaultSyncInterval = 30 * time.Second

// action order within a cycle: removals free names before anything is
// written, downloads land before uploads read the tree
var outcomePriority = map[Outcome]int{
	LocalRemoved:  0,
	ServerRemoved: 0,
	ServerAdded:   1,
	ServerUpdated: 1,
	LocalAdded:    2,
	LocalUpdated:  2,
	Conflicted:    3,
}

type SyncEngineConfig struct {
	Fs       afero.Fs
	RootDir  string
	Vault    *seal.Vault
	Store    *HashStore
	Gate     *gate.Gate
	Ignore   *SyncIgnoreList
	Interval time.Duration
}

// SyncEngine reconciles the sync directory with the server catalogue. Every
// entry point runs inside a gate critical section; several may run at once.
type SyncEngine struct {
	fs         afero.Fs
	rootDir    string
	vault      *seal.Vault
	store      *HashStore
	gate       *gate.Gate
	ignoreList *SyncIgnoreList
	localState *SyncLocalState
	syncStatus *SyncStatus
	watcher    *FileWatcher
	interval   time.Duration
}

func NewSyncEngine(cfg SyncEngineConfig) (*SyncEngine, error) {
	switch {
	case cfg.Fs == nil:
		return nil, fmt.Errorf("sync engine: missing filesystem")
	case cfg.RootDir == "":
		return nil, fmt.Errorf("sync engine: missing root dir")
	case cfg.Vault == nil || cfg.Store == nil || cfg.Gate == nil:
		return nil, fmt.Errorf("sync engine: missing vault, store or gate")
	}
	if cfg.Ignore == nil {
		cfg.Ignore = NewSyncIgnoreList(cfg.Fs, cfg.RootDir)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSyncInterval
	}

	return &SyncEngine{
		fs:         cfg.Fs,
		rootDir:    cfg.RootDir,
		vault:      cfg.Vault,
		store:      cfg.Store,
		gate:       cfg.Gate,
		ignoreList: cfg.Ignore,
		localState: NewSyncLocalState(cfg.Fs, cfg.RootDir, cfg.Ignore),
		syncStatus: NewSyncStatus(),
		interval:   cfg.Interval,
	}, nil
}

// SetWatcher lets the engine suppress the events caused by its own writes.
func (se *SyncEngine) SetWatcher(w *FileWatcher) {
	se.watcher = w
}

func (se *SyncEngine) Status() *SyncStatus {
	return se.syncStatus
}

// Run performs an initial cycle and then one cycle per interval until ctx is
// done. It returns early only on an authentication failure, which needs the
// user to act.
func (se *SyncEngine) Run(ctx context.Context) error {
	slog.Info("sync start", "dir", se.rootDir, "interval", se.interval)

	// reset only after a cycle finishes
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync stop")
			return nil
		case <-timer.C:
			_, err := se.RunSync(ctx)
			switch {
			case err == nil, errors.Is(err, context.Canceled):
			case errors.Is(err, ErrSyncDisabled):
				slog.Debug("sync skipped", "reason", err)
			case errors.Is(err, transport.ErrAuthentication):
				return err
			default:
				slog.Error("sync failed", "error", err)
			}
			timer.Reset(se.interval)
		}
	}
}

// RunSync runs one full reconciliation cycle.
func (se *SyncEngine) RunSync(ctx context.Context) (*SyncReport, error) {
	if !se.gate.StartCritical() {
		return nil, ErrSyncDisabled
	}
	defer se.gate.StopCritical()

	tStart := time.Now()
	se.ignoreList.Load()

	cat, err := se.vault.FetchCatalogue(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalogue: %w", err)
	}
	tCatalogue := time.Since(tStart)

	snap, err := se.localState.Scan()
	if err != nil {
		return nil, err
	}

	saved, err := se.store.GetState()
	if err != nil {
		return nil, fmt.Errorf("hash store: %w", err)
	}

	report := &SyncReport{}
	adopt := baseline(cat, snap, saved)
	if err := se.store.SetMany(adopt); err != nil {
		return nil, fmt.Errorf("hash store: %w", err)
	}
	for name, digest := range adopt {
		saved[name] = digest
	}
	report.Adopted = len(adopt)

	for _, name := range stale(cat, snap, saved) {
		if err := se.store.Delete(name); err != nil {
			return nil, fmt.Errorf("hash store: %w", err)
		}
		delete(saved, name)
	}

	report.Results = se.filter(Compare(cat, snap, saved))

	conflicted := mapset.NewThreadUnsafeSet[string]()
	for _, r := range report.Results {
		if r.Outcome == Conflicted {
			conflicted.Add(r.Name)
		}
	}
	for _, name := range se.syncStatus.ResolveConflicts(conflicted) {
		slog.Info("sync conflict resolved", "name", name)
	}

	se.execute(ctx, cat, report)
	report.Duration = time.Since(tStart)

	if report.HasChanges() {
		slog.Info("sync",
			"results", len(report.Results),
			"completed", len(report.Completed),
			"failed", len(report.Failures),
			"conflicts", len(report.Conflicts),
			"skipped", len(report.Skipped),
			"adopted", report.Adopted,
			"tsCatalogue", tCatalogue,
			"tsTotal", report.Duration,
		)
	}
	return report, ctx.Err()
}

// SyncName reconciles a single name. It is the entry point for file
// watcher events.
func (se *SyncEngine) SyncName(ctx context.Context, name string) (*SyncReport, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if se.ignoreList.ShouldIgnore(name) {
		return &SyncReport{}, nil
	}
	if !se.gate.StartCritical() {
		return nil, ErrSyncDisabled
	}
	defer se.gate.StopCritical()

	tStart := time.Now()
	cat, err := se.vault.FetchCatalogue(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch catalogue: %w", err)
	}
	local, err := se.localState.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", name, err)
	}
	saved, hasSaved, err := se.store.Get(name)
	if err != nil {
		return nil, fmt.Errorf("hash store: %w", err)
	}

	var remote *catalog.ClientFile
	if cf, ok := cat.Get(name); ok {
		remote = &cf
	}

	report := &SyncReport{}
	switch {
	case remote != nil && local != nil && remote.Hash == local.Digest && (!hasSaved || saved != local.Digest):
		if err := se.store.Set(name, local.Digest); err != nil {
			return nil, fmt.Errorf("hash store: %w", err)
		}
		report.Adopted = 1
	case hasSaved && remote == nil && local == nil:
		if err := se.store.Delete(name); err != nil {
			return nil, fmt.Errorf("hash store: %w", err)
		}
	}

	if outcome, ok := compareOne(remote, local, saved, hasSaved); ok {
		report.Results = []CompareResult{{Name: name, Outcome: outcome}}
		se.execute(ctx, cat, report)
	}
	report.Duration = time.Since(tStart)
	return report, ctx.Err()
}

// filter drops ignored names and names that cannot be mapped into the sync
// directory.
func (se *SyncEngine) filter(results []CompareResult) []CompareResult {
	kept := results[:0]
	for _, r := range results {
		if err := validateName(r.Name); err != nil {
			slog.Warn("sync skip", "name", r.Name, "outcome", r.Outcome, "error", err)
			continue
		}
		if se.ignoreList.ShouldIgnore(r.Name) {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

// execute runs one action per result. A failed action is recorded and the
// remaining ones still run.
func (se *SyncEngine) execute(ctx context.Context, cat *catalog.KeyFile, report *SyncReport) {
	pq := queue.NewPriorityQueue[CompareResult]()
	for _, r := range report.Results {
		pq.Enqueue(r, outcomePriority[r.Outcome])
	}

	for _, r := range pq.DequeueAll() {
		if ctx.Err() != nil {
			return
		}
		if !se.syncStatus.TrySetSyncing(r.Name) {
			report.Skipped = append(report.Skipped, r.Name)
			continue
		}

		if r.Outcome == Conflicted {
			se.handleConflict(r.Name)
			report.Conflicts = append(report.Conflicts, r.Name)
			continue
		}

		if err := se.apply(ctx, cat, r); err != nil {
			slog.Error("sync error", "op", r.Outcome, "name", r.Name, "error", err)
			se.syncStatus.SetError(r.Name, err)
			report.Failures = append(report.Failures, &ActionError{Name: r.Name, Outcome: r.Outcome, Err: err})
			continue
		}
		se.syncStatus.SetCompleted(r.Name)
		report.Completed = append(report.Completed, r)
	}
}

func (se *SyncEngine) apply(ctx context.Context, cat *catalog.KeyFile, r CompareResult) error {
	entry := func() (catalog.ClientFile, error) {
		cf, ok := cat.Get(r.Name)
		if !ok {
			return cf, fmt.Errorf("%w: %q", catalog.ErrNotFound, r.Name)
		}
		return cf, nil
	}

	switch r.Outcome {
	case ServerAdded, ServerUpdated:
		cf, err := entry()
		if err != nil {
			return err
		}
		return se.handleDownload(ctx, r.Outcome, cf)
	case LocalAdded:
		return se.handleUploadNew(ctx, r.Name)
	case LocalUpdated:
		cf, err := entry()
		if err != nil {
			return err
		}
		return se.handleUploadUpdate(ctx, cf)
	case LocalRemoved:
		cf, err := entry()
		if err != nil {
			return err
		}
		return se.handleRemoteDelete(ctx, cf)
	case ServerRemoved:
		return se.handleLocalDelete(r.Name)
	case Conflicted:
		return nil
	}
	return fmt.Errorf("unhandled outcome %s", r.Outcome)
}

func (se *SyncEngine) ignoreOnce(name string) {
	if se.watcher != nil {
		se.watcher.IgnoreOnce(name)
	}
}
