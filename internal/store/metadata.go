package store

import (
	"context"
	"time"
)

// SetImportedFileHash records the content hash of an imported roster file.
func (s *Store) SetImportedFileHash(ctx context.Context, path, hash string) error {
	_, err := s.q.ExecContext(ctx, s.rebind(
		`INSERT INTO imported_files (path, hash, imported_at) VALUES (?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET hash = excluded.hash, imported_at = excluded.imported_at`),
		path, hash, time.Now().UTC())
	return err
}

// GetImportedFileHash returns the hash recorded for path.
// Returns empty string and nil error if the file was never imported.
func (s *Store) GetImportedFileHash(ctx context.Context, path string) (string, error) {
	var hash string
	err := s.q.GetContext(ctx, &hash, s.rebind(`SELECT hash FROM imported_files WHERE path = ?`), path)
	if isNoRows(err) {
		return "", nil
	}
	return hash, err
}
