// Package sqlite keeps the edge queue in a single local SQLite file, for
// sites that run without a Postgres server.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"qms/edge-service/internal/models"
	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	eventTimeResolution = time.Microsecond
	defaultEventBatch   = 50
	defaultListLimit    = 100
	defaultNoShowBatch  = 100
)

const ticketSelect = `
	SELECT t.ticket_id, t.ticket_code, t.tenant_id, t.service_id, s.name, t.priority, t.status,
		t.issued_at, t.called_at, t.service_started_at, t.completed_at,
		t.counter_id, c.name, t.operator_id, o.full_name, t.recall_count
	FROM tickets t
	JOIN services s ON s.service_id = t.service_id
	LEFT JOIN counters c ON c.counter_id = t.counter_id
	LEFT JOIN operators o ON o.operator_id = t.operator_id
`

const waitingOrder = `CASE t.priority WHEN 'preferential' THEN 0 ELSE 1 END, t.issued_at, t.ticket_id`

// Store serializes every write through one connection; transactions start
// with BEGIN IMMEDIATE, so a claim holds the write lock from its first read.
type Store struct {
	db       *sql.DB
	location *time.Location
	now      func() time.Time
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Open opens the database file at path and applies embedded migrations.
func Open(ctx context.Context, path string, options Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	location := options.Location
	if location == nil {
		location = time.Local
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{db: db, location: location, now: now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) EmitTicket(ctx context.Context, input store.EmitInput) (admission store.Admission, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Admission{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	service, err := getService(ctx, tx, input.TenantID, input.ServiceID)
	if err != nil {
		return store.Admission{}, err
	}
	if !service.Active {
		return store.Admission{}, store.ErrServiceNotFound
	}

	issuedAt := input.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}
	issuedAt = issuedAt.UTC().Truncate(time.Microsecond)
	priority := store.ResolvePriority(input.Priority, service.PriorityMode)
	prefix := store.NormalizePrefix(service.TicketPrefix)
	sequenceDate := store.SequenceDate(issuedAt, s.location)

	seq, err := nextTicketNumber(ctx, tx, input.TenantID, prefix, sequenceDate)
	if err != nil {
		return store.Admission{}, err
	}

	var ahead int
	if err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE tenant_id = ? AND status = 'waiting' AND priority = ? AND issued_at < ?
	`, input.TenantID, priority, toMicros(issuedAt)).Scan(&ahead); err != nil {
		return store.Admission{}, err
	}

	ticket := models.Ticket{
		TicketID:    uuid.NewString(),
		TicketCode:  store.FormatTicketCode(prefix, seq),
		TenantID:    input.TenantID,
		ServiceID:   service.ServiceID,
		ServiceName: service.Name,
		Priority:    priority,
		Status:      models.StatusWaiting,
		IssuedAt:    issuedAt,
	}
	if _, err = tx.ExecContext(ctx, `
		INSERT INTO tickets (
			ticket_id, tenant_id, service_id, ticket_code, ticket_prefix, sequence_date,
			priority, status, issued_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ticket.TicketID, ticket.TenantID, ticket.ServiceID, ticket.TicketCode, prefix, sequenceDate, ticket.Priority, ticket.Status, toMicros(ticket.IssuedAt)); err != nil {
		return store.Admission{}, err
	}

	payload := store.NewTicketPayload(ticket, issuedAt)
	payload.Ticket.Position = ahead + 1
	event, err := appendEvent(ctx, tx, input.TenantID, store.EventTicketCreated, payload, issuedAt)
	if err != nil {
		return store.Admission{}, err
	}

	if err = tx.Commit(); err != nil {
		return store.Admission{}, err
	}
	return store.Admission{Ticket: ticket, Position: ahead + 1, EventID: event.EventID}, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.CallInput) (call store.Call, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Call{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	operatorID, err := linkOperator(ctx, tx, input.TenantID, input.CounterID, input.OperatorID)
	if err != nil {
		return store.Call{}, err
	}

	status, exists, err := loadTicketState(ctx, tx, input.TicketID, input.TenantID)
	if err != nil {
		return store.Call{}, err
	}
	if !exists {
		return store.Call{}, store.ErrTicketNotFound
	}
	if !store.ValidTransition(store.ActionCall, status) {
		return store.Call{}, store.InvalidTransition(store.ActionCall, status)
	}
	recall := status == models.StatusCalled

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = s.now()
	}
	calledAt = calledAt.UTC()

	if _, err = tx.ExecContext(ctx, `
		UPDATE tickets
		SET status = 'called',
			called_at = ?,
			counter_id = ?,
			operator_id = COALESCE(?, operator_id),
			recall_count = recall_count + 1
		WHERE ticket_id = ? AND tenant_id = ? AND status = ?
	`, toMicros(calledAt), input.CounterID, nullIfEmpty(operatorID), input.TicketID, input.TenantID, status); err != nil {
		return store.Call{}, err
	}

	ticket, err := getTicket(ctx, tx, input.TenantID, input.TicketID)
	if err != nil {
		return store.Call{}, err
	}
	event, err := appendEvent(ctx, tx, input.TenantID, store.EventTypeForAction(store.ActionCall, recall), store.NewCallPayload(ticket, recall).WithOperatorName(input.OperatorName), calledAt)
	if err != nil {
		return store.Call{}, err
	}

	if err = tx.Commit(); err != nil {
		return store.Call{}, err
	}
	return store.Call{Ticket: ticket, Recall: recall, EventID: event.EventID}, nil
}

// CallNext selects and claims in a single statement under the write lock.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (call store.Call, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Call{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	operatorID, err := linkOperator(ctx, tx, input.TenantID, input.CounterID, input.OperatorID)
	if err != nil {
		return store.Call{}, err
	}

	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = s.now()
	}
	calledAt = calledAt.UTC()

	var ticketID string
	row := tx.QueryRowContext(ctx, `
		UPDATE tickets
		SET status = 'called',
			called_at = ?,
			counter_id = ?,
			operator_id = ?,
			recall_count = recall_count + 1
		WHERE ticket_id = (
			SELECT t.ticket_id
			FROM tickets t
			WHERE t.tenant_id = ?
				AND t.status = 'waiting'
				AND (? = '' OR t.priority = ?)
			ORDER BY `+waitingOrder+`
			LIMIT 1
		) AND status = 'waiting'
		RETURNING ticket_id
	`, toMicros(calledAt), input.CounterID, nullIfEmpty(operatorID), input.TenantID, input.Priority, input.Priority)
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Call{}, store.ErrQueueEmpty
		}
		return store.Call{}, err
	}

	ticket, err := getTicket(ctx, tx, input.TenantID, ticketID)
	if err != nil {
		return store.Call{}, err
	}
	event, err := appendEvent(ctx, tx, input.TenantID, store.EventTicketCalled, store.NewCallPayload(ticket, false).WithOperatorName(input.OperatorName), calledAt)
	if err != nil {
		return store.Call{}, err
	}

	if err = tx.Commit(); err != nil {
		return store.Call{}, err
	}
	return store.Call{Ticket: ticket, EventID: event.EventID}, nil
}

func (s *Store) StartService(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateTicketStatus(ctx, input, store.ActionStart)
}

func (s *Store) CompleteTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateTicketStatus(ctx, input, store.ActionComplete)
}

func (s *Store) NoShowTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateTicketStatus(ctx, input, store.ActionNoShow)
}

func (s *Store) CancelTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return s.updateTicketStatus(ctx, input, store.ActionCancel)
}

func (s *Store) updateTicketStatus(ctx context.Context, input store.TicketActionInput, action string) (ticket models.Ticket, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	occurredAt = occurredAt.UTC()

	allowed := store.AllowedFrom(action)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(allowed)), ", ")
	args := []any{store.TargetStatus(action), toMicros(occurredAt), input.TicketID, input.TenantID}
	for _, status := range allowed {
		args = append(args, status)
	}
	updateQuery := fmt.Sprintf(`
		UPDATE tickets
		SET status = ?, %s = ?
		WHERE ticket_id = ? AND tenant_id = ? AND status IN (%s)
		RETURNING ticket_id
	`, store.TimestampColumn(action), placeholders)

	var ticketID string
	if err = tx.QueryRowContext(ctx, updateQuery, args...).Scan(&ticketID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			state, exists, loadErr := loadTicketState(ctx, tx, input.TicketID, input.TenantID)
			if loadErr != nil {
				return models.Ticket{}, loadErr
			}
			if !exists {
				return models.Ticket{}, store.ErrTicketNotFound
			}
			return models.Ticket{}, store.InvalidTransition(action, state)
		}
		return models.Ticket{}, err
	}

	ticket, err = getTicket(ctx, tx, input.TenantID, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if _, err = appendEvent(ctx, tx, input.TenantID, store.EventTypeForAction(action, false), store.NewTicketPayload(ticket, occurredAt), occurredAt); err != nil {
		return models.Ticket{}, err
	}

	if err = tx.Commit(); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

func (s *Store) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) (processed int, err error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultNoShowBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	now := s.now().UTC()
	rows, err := tx.QueryContext(ctx, `
		UPDATE tickets
		SET status = 'no_show', completed_at = ?
		WHERE ticket_id IN (
			SELECT ticket_id
			FROM tickets
			WHERE status = 'called' AND called_at <= ?
			ORDER BY called_at ASC
			LIMIT ?
		)
		RETURNING tenant_id, ticket_id
	`, toMicros(now), toMicros(now.Add(-grace)), batchSize)
	if err != nil {
		return 0, err
	}
	type expired struct {
		tenantID string
		ticketID string
	}
	var items []expired
	for rows.Next() {
		var item expired
		if err = rows.Scan(&item.tenantID, &item.ticketID); err != nil {
			_ = rows.Close()
			return 0, err
		}
		items = append(items, item)
	}
	if err = rows.Close(); err != nil {
		return 0, err
	}
	if err = rows.Err(); err != nil {
		return 0, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].tenantID < items[j].tenantID })
	for _, item := range items {
		ticket, getErr := getTicket(ctx, tx, item.tenantID, item.ticketID)
		if getErr != nil {
			return 0, getErr
		}
		if _, err = appendEvent(ctx, tx, item.tenantID, store.EventTicketNoShow, store.NewTicketPayload(ticket, now), now); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *Store) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	return getTicket(ctx, s.db, tenantID, ticketID)
}

func (s *Store) ListQueue(ctx context.Context, tenantID, priority string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return queryTickets(ctx, s.db, `
		WHERE t.tenant_id = ? AND t.status = 'waiting' AND (? = '' OR t.priority = ?)
		ORDER BY `+waitingOrder+`
		LIMIT ?
	`, tenantID, priority, priority, limit)
}

func (s *Store) QueueStats(ctx context.Context, tenantID string) (store.QueueStats, error) {
	var stats store.QueueStats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE priority = 'normal'),
			COUNT(*) FILTER (WHERE priority = 'preferential')
		FROM tickets
		WHERE tenant_id = ? AND status = 'waiting'
	`, tenantID)
	if err := row.Scan(&stats.Normal, &stats.Preferential); err != nil {
		return store.QueueStats{}, err
	}
	stats.Total = stats.Normal + stats.Preferential
	return stats, nil
}

func (s *Store) ListInService(ctx context.Context, tenantID string) ([]models.Ticket, error) {
	return listInService(ctx, s.db, tenantID)
}

func (s *Store) ListHistory(ctx context.Context, tenantID string, limit int) ([]models.Ticket, error) {
	return listHistory(ctx, s.db, tenantID, limit)
}

func (s *Store) OperatorTicket(ctx context.Context, tenantID, operatorID string) (models.Ticket, bool, error) {
	tickets, err := queryTickets(ctx, s.db, `
		WHERE t.tenant_id = ? AND t.operator_id = ? AND t.status IN ('called', 'in_service')
		ORDER BY t.called_at DESC
		LIMIT 1
	`, tenantID, operatorID)
	if err != nil {
		return models.Ticket{}, false, err
	}
	if len(tickets) == 0 {
		return models.Ticket{}, false, nil
	}
	return tickets[0], true, nil
}

func (s *Store) Snapshot(ctx context.Context, tenantID string, waitingLimit, historyLimit int) (snapshot store.Snapshot, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Snapshot{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if snapshot.Current, err = listInService(ctx, tx, tenantID); err != nil {
		return store.Snapshot{}, err
	}
	if waitingLimit <= 0 {
		waitingLimit = defaultListLimit
	}
	if snapshot.Waiting, err = queryTickets(ctx, tx, `
		WHERE t.tenant_id = ? AND t.status = 'waiting'
		ORDER BY `+waitingOrder+`
		LIMIT ?
	`, tenantID, waitingLimit); err != nil {
		return store.Snapshot{}, err
	}
	if snapshot.History, err = listHistory(ctx, tx, tenantID, historyLimit); err != nil {
		return store.Snapshot{}, err
	}
	latest, found, err := latestEvent(ctx, tx, tenantID)
	if err != nil {
		return store.Snapshot{}, err
	}
	if found {
		snapshot.LastEventID = latest.EventID
	}

	if err = tx.Commit(); err != nil {
		return store.Snapshot{}, err
	}
	return snapshot, nil
}

func listInService(ctx context.Context, q querier, tenantID string) ([]models.Ticket, error) {
	return queryTickets(ctx, q, `
		WHERE t.tenant_id = ? AND t.status IN ('called', 'in_service')
		ORDER BY t.called_at DESC, t.ticket_id
	`, tenantID)
}

func listHistory(ctx context.Context, q querier, tenantID string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return queryTickets(ctx, q, `
		WHERE t.tenant_id = ? AND t.status IN ('completed', 'no_show', 'cancelled')
		ORDER BY t.completed_at DESC NULLS LAST, t.ticket_id
		LIMIT ?
	`, tenantID, limit)
}

func nextTicketNumber(ctx context.Context, q querier, tenantID, prefix, sequenceDate string) (int64, error) {
	var next int64
	row := q.QueryRowContext(ctx, `
		INSERT INTO ticket_sequences (tenant_id, ticket_prefix, sequence_date, current_number)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (tenant_id, ticket_prefix, sequence_date)
		DO UPDATE SET current_number = current_number + 1
		RETURNING current_number
	`, tenantID, prefix, sequenceDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// linkOperator checks the counter and returns the operator id to store on
// the ticket. Operators are managed upstream and may be missing from the
// local directory; those calls go through with no operator link.
func linkOperator(ctx context.Context, q querier, tenantID, counterID, operatorID string) (string, error) {
	counter, err := getCounter(ctx, q, tenantID, counterID)
	if err != nil {
		return "", err
	}
	if !counter.Active {
		return "", store.ErrCounterNotFound
	}
	if operatorID == "" {
		return "", nil
	}
	operator, err := getOperator(ctx, q, tenantID, operatorID)
	if errors.Is(err, store.ErrOperatorNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if !operator.Active {
		return "", nil
	}
	return operator.OperatorID, nil
}

func loadTicketState(ctx context.Context, q querier, ticketID, tenantID string) (string, bool, error) {
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT status
		FROM tickets
		WHERE ticket_id = ? AND tenant_id = ?
	`, ticketID, tenantID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

func getTicket(ctx context.Context, q querier, tenantID, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(q.QueryRowContext(ctx, ticketSelect+`
		WHERE t.ticket_id = ? AND t.tenant_id = ?
	`, ticketID, tenantID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func queryTickets(ctx context.Context, q querier, clause string, args ...any) ([]models.Ticket, error) {
	rows, err := q.QueryContext(ctx, ticketSelect+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tickets := []models.Ticket{}
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row rowScanner) (models.Ticket, error) {
	var ticket models.Ticket
	var issuedAt int64
	var calledAt, startedAt, completedAt sql.NullInt64
	var counterID, counterName, operatorID, operatorName sql.NullString
	if err := row.Scan(
		&ticket.TicketID, &ticket.TicketCode, &ticket.TenantID, &ticket.ServiceID, &ticket.ServiceName,
		&ticket.Priority, &ticket.Status, &issuedAt, &calledAt, &startedAt, &completedAt,
		&counterID, &counterName, &operatorID, &operatorName, &ticket.RecallCount,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.IssuedAt = fromMicros(issuedAt)
	ticket.CalledAt = nullTimePtr(calledAt)
	ticket.ServiceStartedAt = nullTimePtr(startedAt)
	ticket.CompletedAt = nullTimePtr(completedAt)
	ticket.CounterID = nullStringPtr(counterID)
	ticket.CounterName = nullStringPtr(counterName)
	ticket.OperatorID = nullStringPtr(operatorID)
	ticket.OperatorName = nullStringPtr(operatorName)
	return ticket, nil
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMicros(value.Int64)
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
