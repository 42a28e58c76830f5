package sync

import (
	"time"
)

// FileMetadata describes one regular file in the sync directory.
type FileMetadata struct {
	Name    string
	Size    int64
	ModTime time.Time
	Digest  string
}

// Snapshot maps logical names to the files found by a scan.
type Snapshot map[string]*FileMetadata
