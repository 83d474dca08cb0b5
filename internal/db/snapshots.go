package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/banshee-data/rovercam/internal/monitoring"
)

// StoredSnapshot is a persisted stats snapshot.
type StoredSnapshot struct {
	ID           int64                         `json:"id"`
	Taken        time.Time                     `json:"taken"`
	Interval     time.Duration                 `json:"interval"`
	Counters     map[string]int64              `json:"counters"`
	Observations map[string]monitoring.Summary `json:"observations"`
}

// RecordSnapshot stores snap, which covered interval.
func (db *DB) RecordSnapshot(snap monitoring.Snapshot, interval time.Duration) error {
	counters, err := json.Marshal(snap.Counters)
	if err != nil {
		return fmt.Errorf("failed to encode counters: %w", err)
	}
	observations, err := json.Marshal(snap.Observations)
	if err != nil {
		return fmt.Errorf("failed to encode observations: %w", err)
	}
	_, err = db.Exec(`
		INSERT INTO stats_snapshots (taken_unix_nanos, interval_ms, counters_json, observations_json)
		VALUES (?, ?, ?, ?)`,
		snap.Taken.UnixNano(), interval.Milliseconds(), string(counters), string(observations))
	if err != nil {
		return fmt.Errorf("failed to insert stats snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, oldest first.
func (db *DB) RecentSnapshots(limit int) ([]StoredSnapshot, error) {
	rows, err := db.Query(`
		SELECT snapshot_id, taken_unix_nanos, interval_ms, counters_json, observations_json
		FROM (
			SELECT * FROM stats_snapshots ORDER BY taken_unix_nanos DESC LIMIT ?
		)
		ORDER BY taken_unix_nanos ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredSnapshot
	for rows.Next() {
		var (
			s                      StoredSnapshot
			taken, intervalMs      int64
			counters, observations string
		)
		if err := rows.Scan(&s.ID, &taken, &intervalMs, &counters, &observations); err != nil {
			return nil, err
		}
		s.Taken = time.Unix(0, taken)
		s.Interval = time.Duration(intervalMs) * time.Millisecond
		if err := json.Unmarshal([]byte(counters), &s.Counters); err != nil {
			return nil, fmt.Errorf("snapshot %d counters: %w", s.ID, err)
		}
		if err := json.Unmarshal([]byte(observations), &s.Observations); err != nil {
			return nil, fmt.Errorf("snapshot %d observations: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes snapshots taken before cutoff and returns how many
// were removed.
func (db *DB) PruneSnapshots(cutoff time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM stats_snapshots WHERE taken_unix_nanos < ?", cutoff.UnixNano())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
