// Package pg provides the optional Postgres-backed session archive: a
// durable mirror of the file-backed session store for deployments that
// want queryable history surviving the data directory.
package pg

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nanobot-ai/nanobot/internal/errs"
	"github.com/nanobot-ai/nanobot/internal/sessions"
)

// Archive writes session turns into Postgres. It implements
// sessions.Archiver; the file store remains the source of truth.
type Archive struct {
	db *sql.DB
}

// NewArchive wraps an open database handle.
func NewArchive(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// AppendTurn inserts one turn row.
func (a *Archive) AppendTurn(key string, t sessions.Turn) error {
	var media []byte
	if len(t.Media) > 0 {
		media, _ = json.Marshal(t.Media)
	}
	_, err := a.db.Exec(
		`INSERT INTO session_turns (id, session_key, role, content, media, ts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.Must(uuid.NewV7()), key, t.Role, t.Content, media, t.TS.UTC(),
	)
	if err != nil {
		return errs.New(errs.External, "pg.AppendTurn", err)
	}
	return nil
}

// TurnCount returns the number of archived turns for key, for doctor.
func (a *Archive) TurnCount(key string) (int64, error) {
	var n int64
	err := a.db.QueryRow(`SELECT COUNT(*) FROM session_turns WHERE session_key = $1`, key).Scan(&n)
	if err != nil {
		return 0, errs.New(errs.External, "pg.TurnCount", err)
	}
	return n, nil
}

// RecentSessions lists the most recently archived session keys.
func (a *Archive) RecentSessions(limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := a.db.Query(
		`SELECT session_key, COUNT(*), MAX(ts)
		 FROM session_turns GROUP BY session_key ORDER BY MAX(ts) DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errs.New(errs.External, "pg.RecentSessions", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var s SessionSummary
		if err := rows.Scan(&s.Key, &s.TurnCount, &s.LastTurnAt); err != nil {
			return nil, errs.New(errs.External, "pg.RecentSessions", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SessionSummary describes one archived session.
type SessionSummary struct {
	Key        string
	TurnCount  int64
	LastTurnAt time.Time
}
