package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/edge-service/internal/store"

	"github.com/google/uuid"
)

// appendEvent runs inside the caller's IMMEDIATE transaction, which already
// excludes concurrent appends, so the max timestamp read here stays current
// until commit.
func appendEvent(ctx context.Context, tx *sql.Tx, tenantID, eventType string, payload any, at time.Time) (store.Event, error) {
	body, err := store.EncodePayload(payload)
	if err != nil {
		return store.Event{}, err
	}

	var lastNull sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM events WHERE tenant_id = ?`, tenantID).Scan(&lastNull); err != nil {
		return store.Event{}, err
	}
	var last time.Time
	if lastNull.Valid {
		last = fromMicros(lastNull.Int64)
	}

	event := store.Event{
		EventID:   uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   body,
		CreatedAt: store.NextEventTime(at, last, eventTimeResolution),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, tenant_id, type, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.EventID, event.TenantID, event.Type, string(body), toMicros(event.CreatedAt)); err != nil {
		return store.Event{}, err
	}
	return event, nil
}

func (s *Store) AppendEvent(ctx context.Context, tenantID, eventType string, payload any) (event store.Event, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Event{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	event, err = appendEvent(ctx, tx, tenantID, eventType, payload, s.now())
	if err != nil {
		return store.Event{}, err
	}
	if err = tx.Commit(); err != nil {
		return store.Event{}, err
	}
	return event, nil
}

func (s *Store) ReadSince(ctx context.Context, tenantID, cursor string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = defaultEventBatch
	}

	var cursorAt int64
	if cursor != "" {
		err := s.db.QueryRowContext(ctx, `
			SELECT created_at
			FROM events
			WHERE event_id = ? AND tenant_id = ?
		`, cursor, tenantID).Scan(&cursorAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrEventNotFound
			}
			return nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM events
		WHERE tenant_id = ? AND created_at >= ? AND event_id <> ?
		ORDER BY created_at ASC, event_id ASC
		LIMIT ?
	`, tenantID, cursorAt, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []store.Event{}
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) LatestEvent(ctx context.Context, tenantID string) (store.Event, bool, error) {
	return latestEvent(ctx, s.db, tenantID)
}

func latestEvent(ctx context.Context, q querier, tenantID string) (store.Event, bool, error) {
	event, err := scanEvent(q.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM events
		WHERE tenant_id = ?
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1
	`, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Event{}, false, nil
		}
		return store.Event{}, false, err
	}
	return event, true, nil
}

func (s *Store) LatestAt(ctx context.Context, tenantID string, at time.Time) (store.Event, bool, error) {
	event, err := scanEvent(s.db.QueryRowContext(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM events
		WHERE tenant_id = ? AND created_at <= ?
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1
	`, tenantID, toMicros(at)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Event{}, false, nil
		}
		return store.Event{}, false, err
	}
	return event, true, nil
}

func scanEvent(row rowScanner) (store.Event, error) {
	var event store.Event
	var payload string
	var createdAt int64
	if err := row.Scan(&event.EventID, &event.TenantID, &event.Type, &payload, &createdAt); err != nil {
		return store.Event{}, err
	}
	event.Payload = []byte(payload)
	event.CreatedAt = fromMicros(createdAt)
	return event, nil
}
