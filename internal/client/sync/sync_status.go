package sync

import (
	"fmt"
	"maps"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

type SyncState string

const (
	SyncStateSyncing   SyncState = "syncing"
	SyncStateCompleted SyncState = "completed"
	SyncStateError     SyncState = "error"
)

type ConflictState string

const (
	ConflictStateNone       ConflictState = "none"
	ConflictStateConflicted ConflictState = "conflicted"
)

// PathStatus is the last known sync status of one name.
type PathStatus struct {
	SyncState     SyncState
	ConflictState ConflictState
	Error         error
	ErrorCount    int
	LastUpdated   time.Time
}

func (s PathStatus) String() string {
	return fmt.Sprintf("SyncState: %s, ConflictState: %s, Error: %v, ErrorCount: %d", s.SyncState, s.ConflictState, s.Error, s.ErrorCount)
}

// SyncStatus tracks names that are being synced, failed or are in
// conflict. Clean completed names are dropped.
type SyncStatus struct {
	mu    sync.RWMutex
	files map[string]*PathStatus
}

func NewSyncStatus() *SyncStatus {
	return &SyncStatus{files: make(map[string]*PathStatus)}
}

func (s *SyncStatus) getOrCreate(name string) *PathStatus {
	if status, ok := s.files[name]; ok {
		return status
	}
	status := &PathStatus{ConflictState: ConflictStateNone}
	s.files[name] = status
	return status
}

// TrySetSyncing claims name for the caller. It reports false if another
// caller is already syncing it.
func (s *SyncStatus) TrySetSyncing(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(name)
	if status.SyncState == SyncStateSyncing {
		return false
	}
	status.SyncState = SyncStateSyncing
	status.Error = nil
	status.LastUpdated = time.Now()
	return true
}

// SetCompleted marks name done. A successful action also resolves any
// previous conflict.
func (s *SyncStatus) SetCompleted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, name)
}

func (s *SyncStatus) SetError(name string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(name)
	status.SyncState = SyncStateError
	status.Error = err
	status.ErrorCount++
	status.LastUpdated = time.Now()
}

// SetConflicted marks name as needing manual resolution.
func (s *SyncStatus) SetConflicted(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.getOrCreate(name)
	status.SyncState = SyncStateCompleted
	status.ConflictState = ConflictStateConflicted
	status.Error = nil
	status.LastUpdated = time.Now()
}

func (s *SyncStatus) IsSyncing(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.files[name]
	return ok && status.SyncState == SyncStateSyncing
}

func (s *SyncStatus) IsConflicted(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.files[name]
	return ok && status.ConflictState == ConflictStateConflicted
}

func (s *SyncStatus) GetStatus(name string) (PathStatus, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status, ok := s.files[name]
	if !ok {
		return PathStatus{}, false
	}
	return *status, true
}

// GetAllStatus returns a copy of every tracked status.
func (s *SyncStatus) GetAllStatus() map[string]PathStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PathStatus, len(s.files))
	for name, status := range maps.All(s.files) {
		out[name] = *status
	}
	return out
}

// ResolveConflicts clears the conflict mark of every name not in still and
// returns the names it cleared.
func (s *SyncStatus) ResolveConflicts(still mapset.Set[string]) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var resolved []string
	for name, status := range s.files {
		if status.ConflictState != ConflictStateConflicted || still.Contains(name) {
			continue
		}
		if status.SyncState == SyncStateSyncing {
			continue
		}
		delete(s.files, name)
		resolved = append(resolved, name)
	}
	return resolved
}
