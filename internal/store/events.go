// ABOUTME: Tracked analytics event persistence: idempotent save, filtered listing, count.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// SaveTrackedEvent records e. Saving an event id that is already stored is
// a no-op, so redelivered events are kept once.
func (s *SQLiteStore) SaveTrackedEvent(ctx context.Context, e *TrackedEvent) error {
	if e.EventID == "" || e.Name == "" {
		return ErrInvalidEvent
	}

	var props sql.NullString
	if len(e.Props) > 0 {
		data, err := json.Marshal(e.Props)
		if err != nil {
			return fmt.Errorf("encoding props for %s: %w", e.EventID, err)
		}
		props = sql.NullString{String: string(data), Valid: true}
	}

	eventTime := e.Time
	if eventTime.IsZero() {
		eventTime = time.Now()
	}
	receivedAt := e.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_events (event_id, name, identity, event_time, props_json, received_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID, e.Name, e.Identity,
		eventTime.UTC().Format(time.RFC3339Nano), props,
		receivedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving tracked event %s: %w", e.EventID, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		s.logger.Debug("tracked event already stored", "event_id", e.EventID)
	}
	return nil
}

// ListTrackedEvents returns events in event-time order, oldest first.
func (s *SQLiteStore) ListTrackedEvents(ctx context.Context, p ListParams) ([]TrackedEvent, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := `SELECT event_id, name, identity, event_time, props_json, received_at FROM tracked_events`
	args := []any{}
	if p.Name != "" {
		query += ` WHERE name = ?`
		args = append(args, p.Name)
	}
	query += ` ORDER BY event_time ASC, event_id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tracked events: %w", err)
	}
	defer rows.Close()

	var events []TrackedEvent
	for rows.Next() {
		e, err := scanTrackedEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tracked events: %w", err)
	}
	return events, nil
}

// CountTrackedEvents returns the number of stored events.
func (s *SQLiteStore) CountTrackedEvents(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tracked_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting tracked events: %w", err)
	}
	return n, nil
}

func scanTrackedEvent(rows *sql.Rows) (TrackedEvent, error) {
	var (
		e                     TrackedEvent
		eventTime, receivedAt string
		props                 sql.NullString
	)
	if err := rows.Scan(&e.EventID, &e.Name, &e.Identity, &eventTime, &props, &receivedAt); err != nil {
		return e, fmt.Errorf("scanning tracked event: %w", err)
	}

	var err error
	if e.Time, err = time.Parse(time.RFC3339Nano, eventTime); err != nil {
		return e, fmt.Errorf("parsing event_time for %s: %w", e.EventID, err)
	}
	if e.ReceivedAt, err = time.Parse(time.RFC3339Nano, receivedAt); err != nil {
		return e, fmt.Errorf("parsing received_at for %s: %w", e.EventID, err)
	}
	if props.Valid {
		if err := json.Unmarshal([]byte(props.String), &e.Props); err != nil {
			return e, fmt.Errorf("decoding props for %s: %w", e.EventID, err)
		}
	}
	return e, nil
}
