// Package catalog holds the catalogue data model: the server-held map of
// logical file names to storage location, per-file key and content digest.
package catalog

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/openmined/sealbox/internal/codec"
)

const (
	formatVersion = 1
	FileKeySize   = 32
)

var (
	ErrInvalidEntry = errors.New("catalog: invalid entry")
	ErrExists       = errors.New("catalog: entry already exists")
	ErrNotFound     = errors.New("catalog: entry not found")
)

// Scheme identifies how a file's content was encrypted.
type Scheme int

const (
	// SchemeLegacyIV is the zero value: content encrypted with the fixed IV of
	// older clients, no IV stored with the ciphertext.
	SchemeLegacyIV Scheme = iota
	// SchemeRandomIV prefixes each ciphertext with a fresh random IV.
	SchemeRandomIV
)

// ClientFile is one server-known file.
type ClientFile struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Key      []byte `json:"key"`
	Hash     string `json:"hash"`
	Scheme   Scheme `json:"scheme,omitempty"`
}

// Validate rejects entries that cannot be acted upon.
func (cf ClientFile) Validate() error {
	switch {
	case cf.Name == "":
		return fmt.Errorf("%w: missing name", ErrInvalidEntry)
	case cf.Location == "":
		return fmt.Errorf("%w: %q has no location", ErrInvalidEntry, cf.Name)
	case len(cf.Key) == 0:
		return fmt.Errorf("%w: %q has no key", ErrInvalidEntry, cf.Name)
	case len(cf.Key) != FileKeySize:
		return fmt.Errorf("%w: %q key is %d bytes", ErrInvalidEntry, cf.Name, len(cf.Key))
	}
	return nil
}

func (cf ClientFile) clone() ClientFile {
	cf.Key = slices.Clone(cf.Key)
	return cf
}

// KeyFile is the catalogue. Names are unique; a secondary index maps storage
// locations back to names. Safe for concurrent use.
type KeyFile struct {
	mu         sync.RWMutex
	files      map[string]ClientFile
	byLocation map[string]string
}

func New() *KeyFile {
	return &KeyFile{
		files:      make(map[string]ClientFile),
		byLocation: make(map[string]string),
	}
}

// Add inserts a new entry. The name must not exist yet.
func (k *KeyFile) Add(cf ClientFile) error {
	if err := cf.Validate(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.files[cf.Name]; ok {
		return fmt.Errorf("%w: %q", ErrExists, cf.Name)
	}
	k.put(cf)
	return nil
}

// Update replaces an existing entry.
func (k *KeyFile) Update(cf ClientFile) error {
	if err := cf.Validate(); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	prev, ok := k.files[cf.Name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, cf.Name)
	}
	if k.byLocation[prev.Location] == cf.Name {
		delete(k.byLocation, prev.Location)
	}
	k.put(cf)
	return nil
}

func (k *KeyFile) put(cf ClientFile) {
	cf = cf.clone()
	k.files[cf.Name] = cf
	if cf.Location != "" {
		k.byLocation[cf.Location] = cf.Name
	}
}

// Remove deletes the entry for name and returns it.
func (k *KeyFile) Remove(name string) (ClientFile, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	cf, ok := k.files[name]
	if !ok {
		return ClientFile{}, false
	}
	delete(k.files, name)
	if k.byLocation[cf.Location] == name {
		delete(k.byLocation, cf.Location)
	}
	return cf, true
}

func (k *KeyFile) Get(name string) (ClientFile, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	cf, ok := k.files[name]
	if !ok {
		return ClientFile{}, false
	}
	return cf.clone(), true
}

func (k *KeyFile) GetByLocation(location string) (ClientFile, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()

	name, ok := k.byLocation[location]
	if !ok {
		return ClientFile{}, false
	}
	return k.files[name].clone(), true
}

func (k *KeyFile) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.files)
}

// Names returns all names in lexical order.
func (k *KeyFile) Names() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	names := make([]string, 0, len(k.files))
	for name := range k.files {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Files returns a copy of all entries ordered by name.
func (k *KeyFile) Files() []ClientFile {
	k.mu.RLock()
	defer k.mu.RUnlock()

	files := make([]ClientFile, 0, len(k.files))
	for _, cf := range k.files {
		files = append(files, cf.clone())
	}
	slices.SortFunc(files, func(a, b ClientFile) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return files
}

// Clone returns a deep copy.
func (k *KeyFile) Clone() *KeyFile {
	k.mu.RLock()
	defer k.mu.RUnlock()

	c := New()
	for _, cf := range k.files {
		c.put(cf)
	}
	return c
}

type keyFileJSON struct {
	Version int          `json:"version"`
	Files   []ClientFile `json:"files"`
}

func (k *KeyFile) MarshalJSON() ([]byte, error) {
	return codec.Marshal(keyFileJSON{
		Version: formatVersion,
		Files:   k.Files(),
	})
}

// UnmarshalJSON keeps records that fail Validate so that one bad record does
// not hide the others; they are rejected when acted upon. Duplicate names are
// an error.
func (k *KeyFile) UnmarshalJSON(data []byte) error {
	var raw keyFileJSON
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Version > formatVersion {
		return fmt.Errorf("catalog: unsupported format version %d", raw.Version)
	}

	next := New()
	for _, cf := range raw.Files {
		if _, dup := next.files[cf.Name]; dup {
			return fmt.Errorf("%w: duplicate %q", ErrInvalidEntry, cf.Name)
		}
		next.put(cf)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.files = next.files
	k.byLocation = next.byLocation
	return nil
}
