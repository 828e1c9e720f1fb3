package database

import (
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Attempt is one row of the update history.
type Attempt struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

const maxDetails = 200

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// LogAttempt records an update lifecycle event. Failures are ignored; the
// history is informational.
func (db *DB) LogAttempt(a Attempt) {
	a.Details = truncate(a.Details, maxDetails)
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, _ = db.Exec(
		"INSERT INTO update_attempts (id, event, status, version, error_kind, details, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.Event, a.Status, a.Version, a.ErrorKind, a.Details, a.CreatedAt,
	)
}

// RecentAttempts returns the newest attempts first.
func (db *DB) RecentAttempts(limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(
		"SELECT id, event, status, version, error_kind, details, created_at FROM update_attempts ORDER BY created_at DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.Event, &a.Status, &a.Version, &a.ErrorKind, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneAttempts drops history rows older than maxAge.
func (db *DB) PruneAttempts(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := db.Exec("DELETE FROM update_attempts WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return res.RowsAffected()
}
