package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/jreplay/internal/journey"
)

// SaveRun stores run, replacing an earlier import with the same id.
func (s *Store) SaveRun(run *journey.Run) error {
	if run.ID == "" {
		return errors.New("run has no id")
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", run.ID, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO runs (id, journey_id, name, step_count, span_ms, imported_at, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			journey_id = excluded.journey_id, name = excluded.name, step_count = excluded.step_count,
			span_ms = excluded.span_ms, imported_at = excluded.imported_at, data_json = excluded.data_json`,
		run.ID, run.JourneyID, run.Name, len(run.Steps), run.SpanMs(),
		time.Now().UTC().Format(time.RFC3339), string(data),
	)
	return err
}

// GetRun loads the full run graph.
func (s *Store) GetRun(id string) (*journey.Run, error) {
	var data string
	err := s.db.QueryRow(`SELECT data_json FROM runs WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run, err := journey.Decode(bytes.NewReader([]byte(data)))
	if err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recently imported runs first.
func (s *Store) ListRuns(limit int) ([]RunSummary, error) {
	rows, err := s.db.Query(`
		SELECT id, journey_id, name, step_count, span_ms, imported_at
		FROM runs ORDER BY imported_at DESC, id ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []RunSummary
	for rows.Next() {
		var r RunSummary
		var importedAt string
		if err := rows.Scan(&r.ID, &r.JourneyID, &r.Name, &r.StepCount, &r.SpanMs, &importedAt); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339, importedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing imported_at: %w", err)
		}
		r.ImportedAt = t
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteRun removes a run and every share link pointing at it.
func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := affectedOne(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM share_links WHERE run_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}
