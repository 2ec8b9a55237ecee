package storage

import (
	"fmt"
	"time"
)

func (s *Store) SaveExport(e ExportRecord) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO exports (id, run_id, job_id, format, filename, url, size, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RunID, e.JobID, e.Format, e.Filename, e.URL, e.Size, e.Error,
		createdAt.UTC().Format(time.RFC3339),
	)
	return err
}

// ListExports returns export records, newest first. An empty runID lists
// every run's exports.
func (s *Store) ListExports(runID string, limit int) ([]ExportRecord, error) {
	query := `SELECT id, run_id, job_id, format, filename, url, size, error, created_at FROM exports`
	args := []any{}
	if runID != "" {
		query += ` WHERE run_id = ?`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ExportRecord
	for rows.Next() {
		var e ExportRecord
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RunID, &e.JobID, &e.Format, &e.Filename, &e.URL, &e.Size, &e.Error, &createdAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		e.CreatedAt = t
		results = append(results, e)
	}
	return results, rows.Err()
}
