package db

import (
	"fmt"
	"time"

	"github.com/banshee-data/rovercam/internal/mjpeg"
	"github.com/banshee-data/rovercam/internal/monitoring"
)

// RecordSession stores one finished stream session.
func (db *DB) RecordSession(rec mjpeg.SessionRecord) error {
	_, err := db.Exec(`
		INSERT INTO stream_sessions (
			session_id, server, remote_addr, requested,
			started_unix_nanos, ended_unix_nanos, frames, bytes, close_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Server, rec.Remote, rec.Requested,
		rec.Started.UnixNano(), rec.Ended.UnixNano(), rec.Frames, rec.Bytes, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, most recently ended first.
func (db *DB) RecentSessions(limit int) ([]mjpeg.SessionRecord, error) {
	rows, err := db.Query(`
		SELECT session_id, server, remote_addr, requested,
			started_unix_nanos, ended_unix_nanos, frames, bytes, close_reason
		FROM stream_sessions
		ORDER BY ended_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []mjpeg.SessionRecord
	for rows.Next() {
		var (
			rec            mjpeg.SessionRecord
			started, ended int64
		)
		if err := rows.Scan(&rec.ID, &rec.Server, &rec.Remote, &rec.Requested,
			&started, &ended, &rec.Frames, &rec.Bytes, &rec.Reason); err != nil {
			return nil, err
		}
		rec.Started = time.Unix(0, started)
		rec.Ended = time.Unix(0, ended)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// OnSessionEnd records rec, logging rather than returning failures.
func (db *DB) OnSessionEnd(rec mjpeg.SessionRecord) {
	if err := db.RecordSession(rec); err != nil {
		monitoring.Logf("db: %v", err)
	}
}
