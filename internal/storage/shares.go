package storage

import (
	"database/sql"
	"time"
)

// Share link times are stored as Unix nanoseconds so expiry comparisons in
// SQL are exact.

func (s *Store) CreateShareLink(l ShareLink) error {
	_, err := s.db.Exec(`
		INSERT INTO share_links (token, journey_id, run_id, expiry, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		l.Token, l.JourneyID, l.RunID, l.Expiry, l.CreatedAt.UnixNano(), l.ExpiresAt.UnixNano(),
	)
	return err
}

func (s *Store) GetShareLink(token string) (ShareLink, error) {
	var l ShareLink
	var createdAt, expiresAt int64
	err := s.db.QueryRow(`
		SELECT token, journey_id, run_id, expiry, created_at, expires_at
		FROM share_links WHERE token = ?`, token,
	).Scan(&l.Token, &l.JourneyID, &l.RunID, &l.Expiry, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return ShareLink{}, ErrNotFound
	}
	if err != nil {
		return ShareLink{}, err
	}
	l.CreatedAt = time.Unix(0, createdAt).UTC()
	l.ExpiresAt = time.Unix(0, expiresAt).UTC()
	return l, nil
}

// ListShareLinks returns the links for runID, newest first.
func (s *Store) ListShareLinks(runID string) ([]ShareLink, error) {
	rows, err := s.db.Query(`
		SELECT token, journey_id, run_id, expiry, created_at, expires_at
		FROM share_links WHERE run_id = ? ORDER BY created_at DESC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ShareLink
	for rows.Next() {
		var l ShareLink
		var createdAt, expiresAt int64
		if err := rows.Scan(&l.Token, &l.JourneyID, &l.RunID, &l.Expiry, &createdAt, &expiresAt); err != nil {
			return nil, err
		}
		l.CreatedAt = time.Unix(0, createdAt).UTC()
		l.ExpiresAt = time.Unix(0, expiresAt).UTC()
		results = append(results, l)
	}
	return results, rows.Err()
}

func (s *Store) DeleteShareLink(token string) error {
	res, err := s.db.Exec(`DELETE FROM share_links WHERE token = ?`, token)
	if err != nil {
		return err
	}
	return affectedOne(res)
}

// DeleteExpiredShareLinks removes links whose deadline lies strictly before
// now and reports how many were removed.
func (s *Store) DeleteExpiredShareLinks(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM share_links WHERE expires_at < ?`, now.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
