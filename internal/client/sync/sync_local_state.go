package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/sealbox/internal/utils"
	"github.com/spf13/afero"
)

const digestCacheSize = 16 * 1024

type cachedDigest struct {
	size    int64
	modTime time.Time
	digest  string
}

// SyncLocalState scans the sync directory. Digests are cached by name and
// reused while size and modification time are unchanged.
type SyncLocalState struct {
	fs      afero.Fs
	rootDir string
	ignore  *SyncIgnoreList
	digests *lru.Cache[string, cachedDigest]
}

func NewSyncLocalState(fsys afero.Fs, rootDir string, ignore *SyncIgnoreList) *SyncLocalState {
	cache, _ := lru.New[string, cachedDigest](digestCacheSize)
	return &SyncLocalState{
		fs:      fsys,
		rootDir: rootDir,
		ignore:  ignore,
		digests: cache,
	}
}

// Scan hashes every regular, non-ignored file under the root.
func (s *SyncLocalState) Scan() (Snapshot, error) {
	snap := make(Snapshot)

	err := afero.Walk(s.fs, s.rootDir, func(path string, info fs.FileInfo, walkErr error) error {
		if walkErr != nil {
			if path == s.rootDir {
				return walkErr
			}
			slog.Warn("local scan", "path", path, "error", walkErr)
			return nil
		}
		if path == s.rootDir {
			return nil
		}

		name, err := nameFromPath(s.rootDir, path)
		if err != nil {
			return fmt.Errorf("walk rel path: %w", err)
		}
		if s.ignore != nil && s.ignore.ShouldIgnore(name) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		meta, err := s.describe(name, path, info)
		if err != nil {
			// vanished or unreadable; the next scan will see it again
			slog.Warn("local scan digest", "name", name, "error", err)
			return nil
		}
		snap[name] = meta
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("local scan failed: %w", err)
	}
	return snap, nil
}

// Stat describes a single name. It returns nil, nil when the name is
// missing, ignored or not a regular file.
func (s *SyncLocalState) Stat(name string) (*FileMetadata, error) {
	if s.ignore != nil && s.ignore.ShouldIgnore(name) {
		return nil, nil
	}
	path := pathFromName(s.rootDir, name)
	info, err := s.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.digests.Remove(name)
			return nil, nil
		}
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil
	}
	return s.describe(name, path, info)
}

func (s *SyncLocalState) describe(name, path string, info fs.FileInfo) (*FileMetadata, error) {
	size, modTime := info.Size(), info.ModTime()

	digest := ""
	if c, ok := s.digests.Get(name); ok && c.size == size && c.modTime.Equal(modTime) {
		digest = c.digest
	} else {
		d, err := utils.FileHash(s.fs, path)
		if err != nil {
			return nil, err
		}
		digest = d
		s.digests.Add(name, cachedDigest{size: size, modTime: modTime, digest: digest})
	}

	return &FileMetadata{
		Name:    name,
		Size:    size,
		ModTime: modTime,
		Digest:  digest,
	}, nil
}

// Forget drops the cached digest of name.
func (s *SyncLocalState) Forget(name string) {
	s.digests.Remove(name)
}
