package sync

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/sealbox/internal/catalog"
)

// Outcome classifies how one name diverges between the server catalogue,
// the local tree and the last synced state.
type Outcome int

const (
	ServerAdded Outcome = iota
	LocalAdded
	ServerRemoved
	LocalRemoved
	ServerUpdated
	LocalUpdated
	Conflicted
)

func (o Outcome) String() string {
	switch o {
	case ServerAdded:
		return "SERVER_ADDED"
	case LocalAdded:
		return "LOCAL_ADDED"
	case ServerRemoved:
		return "SERVER_REMOVED"
	case LocalRemoved:
		return "LOCAL_REMOVED"
	case ServerUpdated:
		return "SERVER_UPDATED"
	case LocalUpdated:
		return "LOCAL_UPDATED"
	case Conflicted:
		return "CONFLICTED"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

type CompareResult struct {
	Name    string
	Outcome Outcome
}

func (r CompareResult) String() string {
	return r.Name + ":" + r.Outcome.String()
}

// Compare classifies every name known to the server or present locally.
// saved holds the digests recorded after the last successful sync. Names
// that are unchanged everywhere produce no result. A name whose local and
// server content are equal never produces a result either, whatever saved
// holds for it; baseline records such names instead. The order of the
// returned results is unspecified.
func Compare(server *catalog.KeyFile, local Snapshot, saved map[string]string) []CompareResult {
	names := mapset.NewThreadUnsafeSet[string](server.Names()...)
	for name := range local {
		names.Add(name)
	}

	results := make([]CompareResult, 0)
	for _, name := range names.ToSlice() {
		var remote *catalog.ClientFile
		if cf, ok := server.Get(name); ok {
			remote = &cf
		}
		digest, hasSaved := saved[name]
		if outcome, ok := compareOne(remote, local[name], digest, hasSaved); ok {
			results = append(results, CompareResult{Name: name, Outcome: outcome})
		}
	}
	return results
}

// compareOne classifies a single name. remote and local are nil when the
// name is absent on that side; hasSaved reports whether a synced digest was
// recorded at all, so an absent entry is never compared as a value.
func compareOne(remote *catalog.ClientFile, local *FileMetadata, saved string, hasSaved bool) (Outcome, bool) {
	switch {
	case remote != nil && local != nil:
		if local.Digest == remote.Hash {
			// identical content needs no transfer; baseline records it
			return 0, false
		}
		if !hasSaved {
			return Conflicted, true
		}
		serverChanged := saved != remote.Hash
		localChanged := saved != local.Digest
		switch {
		case serverChanged && localChanged:
			return Conflicted, true
		case localChanged:
			return LocalUpdated, true
		case serverChanged:
			return ServerUpdated, true
		}
		return 0, false

	case remote != nil:
		if hasSaved {
			return LocalRemoved, true
		}
		return ServerAdded, true

	case local != nil:
		if hasSaved {
			return ServerRemoved, true
		}
		return LocalAdded, true
	}
	return 0, false
}

// baseline returns names present on both sides with equal digests whose
// recorded synced digest is missing or different.
func baseline(server *catalog.KeyFile, local Snapshot, saved map[string]string) map[string]string {
	adopt := make(map[string]string)
	for name, meta := range local {
		if digest, ok := saved[name]; ok && digest == meta.Digest {
			continue
		}
		if cf, ok := server.Get(name); ok && cf.Hash == meta.Digest {
			adopt[name] = meta.Digest
		}
	}
	return adopt
}

// stale returns saved names that exist neither locally nor on the server.
func stale(server *catalog.KeyFile, local Snapshot, saved map[string]string) []string {
	var names []string
	for name := range saved {
		if _, ok := local[name]; ok {
			continue
		}
		if _, ok := server.Get(name); ok {
			continue
		}
		names = append(names, name)
	}
	return names
}
