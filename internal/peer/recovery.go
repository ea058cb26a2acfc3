package peer

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"archipel/pkg/types"
)

// RecoveryRecord is the only state a peer persists: enough to attempt a
// silent re-registration after a full process restart.
type RecoveryRecord struct {
	Identity    types.Identity
	DisplayName string
	SavedAt     time.Time
}

// RecoveryStore keeps the single recovery record in a local sqlite file.
type RecoveryStore struct {
	db *sql.DB
}

// OpenRecoveryStore opens (creating if needed) the recovery database.
func OpenRecoveryStore(path string) (*RecoveryStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open recovery store: %w", err)
	}
	// Single-row table: the peer has at most one identity to recover.
	const schema = `CREATE TABLE IF NOT EXISTS session_record (
		row          INTEGER PRIMARY KEY CHECK (row = 0),
		identity     INTEGER NOT NULL,
		display_name TEXT    NOT NULL,
		saved_at     INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create recovery schema: %w", err)
	}
	return &RecoveryStore{db: db}, nil
}

// Save replaces the recovery record.
func (s *RecoveryStore) Save(rec RecoveryRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO session_record (row, identity, display_name, saved_at) VALUES (0, ?, ?, ?)
		 ON CONFLICT(row) DO UPDATE SET identity = excluded.identity,
		   display_name = excluded.display_name, saved_at = excluded.saved_at`,
		uint32(rec.Identity), rec.DisplayName, rec.SavedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save recovery record: %w", err)
	}
	return nil
}

// Load returns the stored record if it is complete and younger than maxAge;
// otherwise it returns nil and clears any stale row.
func (s *RecoveryStore) Load(maxAge time.Duration) (*RecoveryRecord, error) {
	row := s.db.QueryRow(`SELECT identity, display_name, saved_at FROM session_record WHERE row = 0`)
	var (
		identity uint32
		name     string
		savedAt  int64
	)
	switch err := row.Scan(&identity, &name, &savedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load recovery record: %w", err)
	}

	rec := RecoveryRecord{
		Identity:    types.Identity(identity),
		DisplayName: name,
		SavedAt:     time.Unix(savedAt, 0),
	}
	if rec.Identity == 0 || rec.DisplayName == "" || time.Since(rec.SavedAt) > maxAge {
		_ = s.Clear()
		return nil, nil
	}
	return &rec, nil
}

// Clear removes the recovery record.
func (s *RecoveryStore) Clear() error {
	_, err := s.db.Exec(`DELETE FROM session_record WHERE row = 0`)
	return err
}

// Close releases the database handle.
func (s *RecoveryStore) Close() error {
	return s.db.Close()
}
