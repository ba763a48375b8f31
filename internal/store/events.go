package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/wavemux/wavemux/pkg/models"
)

// AppendEvent writes one entry to the append-only observability log.
func (s *Store) AppendEvent(ev models.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	var payload any
	if len(ev.Payload) > 0 {
		raw, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(raw)
	}

	_, err := s.exec(`
		INSERT INTO events (type, timestamp, run_id, wave_id, task_id, worker_id, message, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(ev.Type), formatTime(ev.Timestamp), ev.RunID, ev.WaveID,
		ev.TaskID, ev.WorkerID, ev.Message, payload)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// ListEvents returns the event log for a run, oldest first.
func (s *Store) ListEvents(runID string) ([]models.Event, error) {
	rows, err := s.query(`
		SELECT type, timestamp, COALESCE(run_id, ''), COALESCE(wave_id, ''),
			COALESCE(task_id, ''), COALESCE(worker_id, ''), COALESCE(message, ''), payload
		FROM events WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var evType, ts string
		var payload sql.NullString
		if err := rows.Scan(&evType, &ts, &ev.RunID, &ev.WaveID, &ev.TaskID, &ev.WorkerID, &ev.Message, &payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = models.EventType(evType)
		if t, err := parseTime(ts); err == nil {
			ev.Timestamp = t
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
