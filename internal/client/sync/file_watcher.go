package sync

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/openmined/sealbox/internal/queue"
)

const (
	DefaultIgnoreTimeout   = 5 * time.Second
	defaultCleanupInterval = 15 * time.Second
)

// ChangeHandler is called with the logical name of a changed path.
type ChangeHandler func(ctx context.Context, name string)

// FileWatcher reports changes below watchDir. One goroutine only drains
// fsnotify into an unbounded queue; a second one resolves names, registers
// new directories and calls the handler. A slow handler therefore never
// stalls delivery of native events.
type FileWatcher struct {
	watchDir        string
	ignoreList      *SyncIgnoreList
	handler         ChangeHandler
	cleanupInterval time.Duration

	watcher *fsnotify.Watcher
	events  *queue.Unbounded[fsnotify.Event]

	ignore   map[string]time.Time
	ignoreMu sync.Mutex

	done        chan struct{}
	wg          sync.WaitGroup
	releaseOnce sync.Once
	stopOnce    sync.Once
}

func NewFileWatcher(watchDir string, ignoreList *SyncIgnoreList) *FileWatcher {
	return &FileWatcher{
		watchDir:        watchDir,
		ignoreList:      ignoreList,
		cleanupInterval: defaultCleanupInterval,
		ignore:          make(map[string]time.Time),
		done:            make(chan struct{}),
	}
}

// OnChange sets the handler. It must be called before Start.
func (fw *FileWatcher) OnChange(handler ChangeHandler) {
	fw.handler = handler
}

func (fw *FileWatcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", fw.watchDir)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	fw.watcher = w

	if _, err := fw.addTree(fw.watchDir, false); err != nil {
		w.Close()
		return err
	}

	fw.run(ctx, w.Events, w.Errors)
	return nil
}

// run starts both stages over the given native channels.
func (fw *FileWatcher) run(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	fw.events = queue.NewUnbounded[fsnotify.Event]()

	fw.wg.Add(3)
	go fw.produce(ctx, events, errs)
	go fw.consume(ctx)
	go fw.cleanupExpiredEntries(ctx)
}

// Stop interrupts both stages and waits for them.
func (fw *FileWatcher) Stop() {
	fw.stopOnce.Do(func() {
		slog.Info("file watcher stopping")
		close(fw.done)
		fw.release()
		fw.wg.Wait()
		slog.Info("file watcher stopped")
	})
}

// release closes the native watch and the queue. Whichever stage exits
// first calls it.
func (fw *FileWatcher) release() {
	fw.releaseOnce.Do(func() {
		if fw.watcher != nil {
			if err := fw.watcher.Close(); err != nil {
				slog.Warn("file watcher close", "error", err)
			}
		}
		if fw.events != nil {
			fw.events.Close()
		}
	})
}

// produce does no file I/O: it only moves native events into the queue.
func (fw *FileWatcher) produce(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) {
	defer fw.wg.Done()
	defer fw.release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			fw.events.Push(event)
		case err, ok := <-errs:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("file watcher overflow, changes will be picked up by the next full sync")
				continue
			}
			slog.Error("file watcher", "error", err)
		}
	}
}

func (fw *FileWatcher) consume(ctx context.Context) {
	defer fw.wg.Done()
	defer fw.release()
	defer slog.Debug("file watcher consumer done")

	stop, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-fw.done:
			cancel()
		case <-stop.Done():
		}
	}()

	for {
		event, err := fw.events.Pop(stop)
		if err != nil {
			return
		}

		// coalesce whatever else is already queued
		var pending []string
		seen := make(map[string]struct{})
		add := func(name string) {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				pending = append(pending, name)
			}
		}
		fw.resolve(event, add)
		for {
			next, ok, _ := fw.events.TryPop()
			if !ok {
				break
			}
			fw.resolve(next, add)
		}

		for _, name := range pending {
			if stop.Err() != nil {
				return
			}
			if fw.handler != nil {
				fw.handler(stop, name)
			}
		}
	}
}

// resolve maps a native event to logical names. A new directory is
// registered and the files already inside it are reported too, since they
// may have been created before the watch existed.
func (fw *FileWatcher) resolve(event fsnotify.Event, add func(string)) {
	if event.Op == fsnotify.Chmod {
		return
	}

	name, err := nameFromPath(fw.watchDir, event.Name)
	if err != nil {
		return
	}
	if fw.ignoreList != nil && fw.ignoreList.ShouldIgnore(name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			files, err := fw.addTree(event.Name, true)
			if err != nil {
				slog.Warn("file watcher add", "path", event.Name, "error", err)
			}
			for _, f := range files {
				add(f)
			}
			return
		}
	}

	if fw.isPathTemporarilyIgnored(name) {
		return
	}
	add(name)
}

// addTree registers dir and every directory below it. With collect set it
// returns the names of the regular files found.
func (fw *FileWatcher) addTree(dir string, collect bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == dir {
				return walkErr
			}
			return nil
		}
		if path != fw.watchDir {
			name, err := nameFromPath(fw.watchDir, path)
			if err != nil || (fw.ignoreList != nil && fw.ignoreList.ShouldIgnore(name)) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.IsDir() {
				if collect && d.Type().IsRegular() {
					files = append(files, name)
				}
				return nil
			}
		}
		if err := fw.watcher.Add(path); err != nil {
			return err
		}
		slog.Debug("file watcher add", "dir", path)
		return nil
	})
	return files, err
}

// IgnoreOnce suppresses the next event for name, for up to
// DefaultIgnoreTimeout.
func (fw *FileWatcher) IgnoreOnce(name string) {
	fw.IgnoreOnceWithTimeout(name, DefaultIgnoreTimeout)
}

func (fw *FileWatcher) IgnoreOnceWithTimeout(name string, timeout time.Duration) {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()
	fw.ignore[name] = time.Now().Add(timeout)
}

func (fw *FileWatcher) isPathTemporarilyIgnored(name string) bool {
	fw.ignoreMu.Lock()
	defer fw.ignoreMu.Unlock()

	expiry, ok := fw.ignore[name]
	if !ok {
		return false
	}
	delete(fw.ignore, name)
	return time.Now().Before(expiry)
}

func (fw *FileWatcher) cleanupExpiredEntries(ctx context.Context) {
	defer fw.wg.Done()

	ticker := time.NewTicker(fw.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.done:
			return
		case <-ticker.C:
			fw.ignoreMu.Lock()
			now := time.Now()
			for name, expiry := range fw.ignore {
				if now.After(expiry) {
					delete(fw.ignore, name)
				}
			}
			fw.ignoreMu.Unlock()
		}
	}
}
