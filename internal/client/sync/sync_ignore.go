package sync

import (
	"bufio"
	"log/slog"
	"path"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

const ignoreFileName = ".sealignore"

// tempSuffix marks partial downloads; they are renamed into place once
// verified.
const tempSuffix = ".sealtmp"

var defaultIgnoreLines = []string{
	ignoreFileName,
	"*" + tempSuffix,
	// editors
	".vscode",
	".idea",
	"*.swp",
	"*~",
	// vcs
	".git",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// SyncIgnoreList decides which names are never synced: built-in rules, the
// rules in .sealignore at the sync root and any extra rules added by the
// client (for instance a state directory inside the sync root).
type SyncIgnoreList struct {
	fs      afero.Fs
	baseDir string
	extra   []string

	mu     sync.RWMutex
	ignore *gitignore.GitIgnore
}

func NewSyncIgnoreList(fsys afero.Fs, baseDir string, extra ...string) *SyncIgnoreList {
	s := &SyncIgnoreList{fs: fsys, baseDir: baseDir, extra: extra}
	s.ignore = gitignore.CompileIgnoreLines(s.lines(nil)...)
	return s
}

func (s *SyncIgnoreList) lines(user []string) []string {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(s.extra)+len(user))
	lines = append(lines, defaultIgnoreLines...)
	lines = append(lines, s.extra...)
	return append(lines, user...)
}

// Load (re)reads .sealignore.
func (s *SyncIgnoreList) Load() {
	ignorePath := pathFromName(s.baseDir, ignoreFileName)

	var user []string
	if f, err := s.fs.Open(ignorePath); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				user = append(user, line)
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("ignore file read", "path", ignorePath, "error", err)
		} else {
			slog.Info("ignore file loaded", "path", ignorePath, "rules", len(user))
		}
		f.Close()
	}

	compiled := gitignore.CompileIgnoreLines(s.lines(user)...)
	s.mu.Lock()
	s.ignore = compiled
	s.mu.Unlock()
}

// ShouldIgnore matches a logical name.
func (s *SyncIgnoreList) ShouldIgnore(name string) bool {
	if path.Base(name) == ignoreFileName {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ignore.MatchesPath(name)
}
