package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const schemaVersionKey = "schema_version"

// ErrSchemaTooNew is returned when the database was migrated by a newer release.
var ErrSchemaTooNew = errors.New("database schema is newer than this binary")

// SetMetadata upserts a key-value pair in the app_metadata table.
func (s *Store) SetMetadata(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO app_metadata (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetMetadata returns the value for a metadata key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetMetadata(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM app_metadata WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// recordSchemaVersion stamps the database with SchemaVersion. A database
// stamped by a newer release is left untouched.
func (s *Store) recordSchemaVersion() error {
	stored, err := s.GetMetadata(schemaVersionKey)
	if err != nil {
		return err
	}
	if stored != "" {
		have, err := strconv.Atoi(stored)
		if err != nil {
			return fmt.Errorf("parse schema version %q: %w", stored, err)
		}
		want, _ := strconv.Atoi(SchemaVersion)
		if have > want {
			return fmt.Errorf("%w: %d > %d", ErrSchemaTooNew, have, want)
		}
	}
	return s.SetMetadata(schemaVersionKey, SchemaVersion)
}
