package sync

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/sealbox/internal/db"
)

const hashStoreSchema = `
CREATE TABLE IF NOT EXISTS hash_store (
    name TEXT PRIMARY KEY,
    digest TEXT NOT NULL,
    synced_at TEXT NOT NULL -- RFC3339
);
`

type hashRow struct {
	Name     string `db:"name"`
	Digest   string `db:"digest"`
	SyncedAt string `db:"synced_at"`
}

// HashStore records the digest of each name as of its last successful sync.
// Every write is committed before it returns.
type HashStore struct {
	db     *sqlx.DB
	dbPath string
}

func NewHashStore(dbPath string) *HashStore {
	return &HashStore{dbPath: dbPath}
}

func (s *HashStore) Open() error {
	if s.db != nil {
		return fmt.Errorf("hash store already open")
	}

	database, err := db.NewSqliteDB(
		db.WithPath(s.dbPath),
		db.WithMaxOpenConns(1),
		db.WithSchema(hashStoreSchema),
	)
	if err != nil {
		return fmt.Errorf("open hash store: %w", err)
	}
	s.db = database
	return nil
}

func (s *HashStore) Close() error {
	if s.db == nil {
		return fmt.Errorf("hash store not open")
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		slog.Error("hash store close", "error", err)
		return err
	}
	slog.Debug("hash store closed")
	return nil
}

// Get returns the synced digest for name. ok is false when name was never
// synced.
func (s *HashStore) Get(name string) (digest string, ok bool, err error) {
	err = s.db.Get(&digest, "SELECT digest FROM hash_store WHERE name = ?", name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query %s: %w", name, err)
	}
	return digest, true, nil
}

func (s *HashStore) Set(name, digest string) error {
	row := hashRow{
		Name:     name,
		Digest:   digest,
		SyncedAt: time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.db.NamedExec(`INSERT OR REPLACE INTO hash_store (name, digest, synced_at)
		VALUES (:name, :digest, :synced_at)`, row)
	if err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	slog.Debug("hash store set", "name", name, "digest", digest)
	return nil
}

// SetMany records several digests in one transaction.
func (s *HashStore) SetMany(digests map[string]string) error {
	if len(digests) == 0 {
		return nil
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(time.RFC3339)
	for name, digest := range digests {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO hash_store (name, digest, synced_at) VALUES (?, ?, ?)`,
			name, digest, now); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	return tx.Commit()
}

func (s *HashStore) Delete(name string) error {
	if _, err := s.db.Exec("DELETE FROM hash_store WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

// GetState returns all recorded digests keyed by name.
func (s *HashStore) GetState() (map[string]string, error) {
	var rows []hashRow
	if err := s.db.Select(&rows, "SELECT name, digest, synced_at FROM hash_store"); err != nil {
		return nil, fmt.Errorf("query state: %w", err)
	}

	state := make(map[string]string, len(rows))
	for _, row := range rows {
		state[row.Name] = row.Digest
	}
	return state, nil
}

func (s *HashStore) Count() (int, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM hash_store"); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return count, nil
}
