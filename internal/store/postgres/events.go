package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// appendEvent writes an event inside the caller's transaction. The advisory
// lock serializes appends per tenant until commit, so timestamp order and
// commit order agree and a reader never sees a later event before an
// earlier one.
func appendEvent(ctx context.Context, tx pgx.Tx, tenantID, eventType string, payload any, at time.Time) (store.Event, error) {
	body, err := store.EncodePayload(payload)
	if err != nil {
		return store.Event{}, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "events:"+tenantID); err != nil {
		return store.Event{}, err
	}

	var lastNull sql.NullTime
	if err := tx.QueryRow(ctx, `SELECT MAX(created_at) FROM events WHERE tenant_id = $1`, tenantID).Scan(&lastNull); err != nil {
		return store.Event{}, err
	}
	var last time.Time
	if lastNull.Valid {
		last = lastNull.Time
	}

	event := store.Event{
		EventID:   uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   body,
		CreatedAt: store.NextEventTime(at, last, eventTimeResolution),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO events (event_id, tenant_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, event.EventID, event.TenantID, event.Type, []byte(body), event.CreatedAt)
	if err != nil {
		return store.Event{}, err
	}
	return event, nil
}

func (s *Store) AppendEvent(ctx context.Context, tenantID, eventType string, payload any) (event store.Event, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Event{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	event, err = appendEvent(ctx, tx, tenantID, eventType, payload, s.now())
	if err != nil {
		return store.Event{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return store.Event{}, err
	}
	return event, nil
}

// ReadSince returns events at or after the cursor's timestamp, excluding
// the cursor itself, ordered by (created_at, event_id). An empty cursor
// reads from the start of the log.
func (s *Store) ReadSince(ctx context.Context, tenantID, cursor string, limit int) ([]store.Event, error) {
	if limit <= 0 {
		limit = defaultEventBatch
	}

	var cursorAt time.Time
	if cursor != "" {
		row := s.pool.QueryRow(ctx, `
			SELECT created_at
			FROM events
			WHERE event_id::text = $1 AND tenant_id = $2
		`, cursor, tenantID)
		if err := row.Scan(&cursorAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, store.ErrEventNotFound
			}
			return nil, err
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM events
		WHERE tenant_id = $1 AND created_at >= $2 AND event_id::text <> $3
		ORDER BY created_at ASC, event_id ASC
		LIMIT $4
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
	return latestEvent(ctx, s.pool, tenantID)
}

func latestEvent(ctx context.Context, q querier, tenantID string) (store.Event, bool, error) {
	event, err := scanEvent(q.QueryRow(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM events
		WHERE tenant_id = $1
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1
	`, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Event{}, false, nil
		}
		return store.Event{}, false, err
	}
	return event, true, nil
}

func (s *Store) LatestAt(ctx context.Context, tenantID string, at time.Time) (store.Event, bool, error) {
	event, err := scanEvent(s.pool.QueryRow(ctx, `
		SELECT event_id, tenant_id, type, payload_json, created_at
		FROM events
		WHERE tenant_id = $1 AND created_at <= $2
		ORDER BY created_at DESC, event_id DESC
		LIMIT 1
	`, tenantID, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Event{}, false, nil
		}
		return store.Event{}, false, err
	}
	return event, true, nil
}

func scanEvent(row pgx.Row) (store.Event, error) {
	var event store.Event
	if err := row.Scan(&event.EventID, &event.TenantID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
		return store.Event{}, err
	}
	event.CreatedAt = event.CreatedAt.UTC()
	return event, nil
}
