package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of session event
type EventType string

const (
	EventSessionStarted    EventType = "session_started"
	EventSessionResumed    EventType = "session_resumed"
	EventSessionDetached   EventType = "session_detached"
	EventResumeRejected    EventType = "resume_rejected"
	EventSessionDraining   EventType = "session_draining"
	EventSessionClosed     EventType = "session_closed"
	EventSessionTerminated EventType = "session_terminated"
	EventLivenessTimeout   EventType = "liveness_timeout"
	EventProtocolError     EventType = "protocol_error"
	EventUpstreamError     EventType = "upstream_error"
	EventSegmentFailed     EventType = "segment_failed"
	EventSessionUsage      EventType = "session_usage"
)

// Schema creates the audit table when it does not exist yet.
const Schema = `
CREATE TABLE IF NOT EXISTS session_events (
	id          BIGSERIAL PRIMARY KEY,
	session_id  TEXT NOT NULL,
	event_type  TEXT NOT NULL,
	event_data  JSONB NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS session_events_session_id_idx ON session_events (session_id, id);
`

// Event is one stored audit record.
type Event struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"session_id"`
	Type      EventType      `json:"event_type"`
	Data      map[string]any `json:"event_data"`
	CreatedAt time.Time      `json:"created_at"`
}

// Logger provides async event logging to the database
type Logger struct {
	db *pgxpool.Pool
}

// New creates a new event logger. A nil pool disables logging.
func New(db *pgxpool.Pool) *Logger {
	return &Logger{db: db}
}

// Enabled reports whether events are persisted.
func (l *Logger) Enabled() bool {
	return l != nil && l.db != nil
}

// EnsureSchema creates the session_events table.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if !l.Enabled() {
		return nil
	}
	if _, err := l.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create session_events: %w", err)
	}
	return nil
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, sessionID string, eventType EventType, data map[string]any) error {
	if !l.Enabled() || sessionID == "" {
		return nil // Silently skip if no DB or session ID
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO session_events (session_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, sessionID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(sessionID string, eventType EventType, data map[string]any) {
	if !l.Enabled() || sessionID == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.Log(ctx, sessionID, eventType, data)
	}()
}

// Recent returns up to limit events for a session, oldest first.
func (l *Logger) Recent(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !l.Enabled() || sessionID == "" {
		return nil, nil
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := l.db.Query(ctx, `
		SELECT id, session_id, event_type, event_data, created_at
		FROM (
			SELECT id, session_id, event_type, event_data, created_at
			FROM session_events
			WHERE session_id = $1
			ORDER BY id DESC
			LIMIT $2
		) recent
		ORDER BY id
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query session_events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var eventType string
		var raw []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &eventType, &raw, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session_events: %w", err)
		}
		ev.Type = EventType(eventType)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &ev.Data); err != nil {
				ev.Data = map[string]any{"raw": string(raw)}
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Prune deletes events created before cutoff and returns how many were removed.
func (l *Logger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if !l.Enabled() {
		return 0, nil
	}
	tag, err := l.db.Exec(ctx, `DELETE FROM session_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune session_events: %w", err)
	}
	return tag.RowsAffected(), nil
}
