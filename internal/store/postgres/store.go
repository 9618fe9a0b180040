package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"qms/edge-service/internal/models"
	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
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

type Store struct {
	pool     *pgxpool.Pool
	location *time.Location
	now      func() time.Time
}

type Options struct {
	// Location decides which calendar day a ticket number belongs to.
	Location *time.Location
	Now      func() time.Time
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	location := options.Location
	if location == nil {
		location = time.Local
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Store{pool: pool, location: location, now: now}
}

func (s *Store) EmitTicket(ctx context.Context, input store.EmitInput) (admission store.Admission, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Admission{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
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
	issuedAt = issuedAt.UTC()
	priority := store.ResolvePriority(input.Priority, service.PriorityMode)
	prefix := store.NormalizePrefix(service.TicketPrefix)
	sequenceDate := store.SequenceDate(issuedAt, s.location)

	seq, err := nextTicketNumber(ctx, tx, input.TenantID, prefix, sequenceDate)
	if err != nil {
		return store.Admission{}, err
	}

	var ahead int
	if err = tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM tickets
		WHERE tenant_id = $1 AND status = 'waiting' AND priority = $2 AND issued_at < $3
	`, input.TenantID, priority, issuedAt).Scan(&ahead); err != nil {
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
	if _, err = tx.Exec(ctx, `
		INSERT INTO tickets (
			ticket_id, tenant_id, service_id, ticket_code, ticket_prefix, sequence_date,
			priority, status, issued_at
		) VALUES ($1, $2, $3, $4, $5, $6::date, $7, $8, $9)
	`, ticket.TicketID, ticket.TenantID, ticket.ServiceID, ticket.TicketCode, prefix, sequenceDate, ticket.Priority, ticket.Status, ticket.IssuedAt); err != nil {
		return store.Admission{}, err
	}

	payload := store.NewTicketPayload(ticket, issuedAt)
	payload.Ticket.Position = ahead + 1
	event, err := appendEvent(ctx, tx, input.TenantID, store.EventTicketCreated, payload, issuedAt)
	if err != nil {
		return store.Admission{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Admission{}, err
	}
	return store.Admission{Ticket: ticket, Position: ahead + 1, EventID: event.EventID}, nil
}

func (s *Store) CallTicket(ctx context.Context, input store.CallInput) (call store.Call, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Call{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	operatorID, err := linkOperator(ctx, tx, input.TenantID, input.CounterID, input.OperatorID)
	if err != nil {
		return store.Call{}, err
	}

	status, exists, err := loadTicketState(ctx, tx, input.TicketID, input.TenantID, true)
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

	tag, err := tx.Exec(ctx, `
		UPDATE tickets
		SET status = 'called',
			called_at = $1,
			counter_id = $2,
			operator_id = COALESCE($3::uuid, operator_id),
			recall_count = recall_count + 1
		WHERE ticket_id = $4 AND tenant_id = $5 AND status = $6
	`, calledAt, input.CounterID, nullIfEmpty(operatorID), input.TicketID, input.TenantID, status)
	if err != nil {
		return store.Call{}, err
	}
	if tag.RowsAffected() == 0 {
		return store.Call{}, store.InvalidTransition(store.ActionCall, status)
	}

	ticket, err := getTicket(ctx, tx, input.TenantID, input.TicketID)
	if err != nil {
		return store.Call{}, err
	}
	event, err := appendEvent(ctx, tx, input.TenantID, store.EventTypeForAction(store.ActionCall, recall), store.NewCallPayload(ticket, recall).WithOperatorName(input.OperatorName), calledAt)
	if err != nil {
		return store.Call{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return store.Call{}, err
	}
	return store.Call{Ticket: ticket, Recall: recall, EventID: event.EventID}, nil
}

// CallNext claims the next eligible waiting ticket. Rows locked by a
// concurrent claim are skipped, so two callers never receive the same ticket.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (call store.Call, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return store.Call{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
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
	row := tx.QueryRow(ctx, `
		WITH next_ticket AS (
			SELECT t.ticket_id
			FROM tickets t
			WHERE t.tenant_id = $1
				AND t.status = 'waiting'
				AND ($2::text = '' OR t.priority = $2::text)
			ORDER BY `+waitingOrder+`
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tickets
		SET status = 'called',
			called_at = $3,
			counter_id = $4,
			operator_id = $5::uuid,
			recall_count = tickets.recall_count + 1
		FROM next_ticket
		WHERE tickets.ticket_id = next_ticket.ticket_id AND tickets.status = 'waiting'
		RETURNING tickets.ticket_id
	`, input.TenantID, input.Priority, calledAt, input.CounterID, nullIfEmpty(operatorID))
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

	if err = tx.Commit(ctx); err != nil {
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
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	occurredAt = occurredAt.UTC()

	updateQuery := fmt.Sprintf(`
		UPDATE tickets
		SET status = $1, %s = $2
		WHERE ticket_id = $3 AND tenant_id = $4 AND status = ANY($5::text[])
		RETURNING ticket_id
	`, store.TimestampColumn(action))

	var ticketID string
	row := tx.QueryRow(ctx, updateQuery, store.TargetStatus(action), occurredAt, input.TicketID, input.TenantID, store.AllowedFrom(action))
	if err = row.Scan(&ticketID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			state, exists, loadErr := loadTicketState(ctx, tx, input.TicketID, input.TenantID, false)
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

	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return ticket, nil
}

// AutoNoShow closes tickets left in called longer than grace.
func (s *Store) AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) (processed int, err error) {
	if grace <= 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = defaultNoShowBatch
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	now := s.now().UTC()
	rows, err := tx.Query(ctx, `
		UPDATE tickets
		SET status = 'no_show', completed_at = $1
		WHERE ticket_id IN (
			SELECT ticket_id
			FROM tickets
			WHERE status = 'called' AND called_at <= $2
			ORDER BY called_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		RETURNING tenant_id, ticket_id
	`, now, now.Add(-grace), batchSize)
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
			rows.Close()
			return 0, err
		}
		items = append(items, item)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	// one advisory lock per tenant, always taken in the same order
	sort.Slice(items, func(i, j int) bool { return items[i].tenantID < items[j].tenantID })
	for _, item := range items {
		ticket, err := getTicket(ctx, tx, item.tenantID, item.ticketID)
		if err != nil {
			return 0, err
		}
		if _, err := appendEvent(ctx, tx, item.tenantID, store.EventTicketNoShow, store.NewTicketPayload(ticket, now), now); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(items), nil
}

func (s *Store) GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error) {
	return getTicket(ctx, s.pool, tenantID, ticketID)
}

func (s *Store) ListQueue(ctx context.Context, tenantID, priority string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return queryTickets(ctx, s.pool, `
		WHERE t.tenant_id = $1 AND t.status = 'waiting' AND ($2::text = '' OR t.priority = $2::text)
		ORDER BY `+waitingOrder+`
		LIMIT $3
	`, tenantID, priority, limit)
}

func (s *Store) QueueStats(ctx context.Context, tenantID string) (store.QueueStats, error) {
	var stats store.QueueStats
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE priority = 'normal'),
			COUNT(*) FILTER (WHERE priority = 'preferential')
		FROM tickets
		WHERE tenant_id = $1 AND status = 'waiting'
	`, tenantID)
	if err := row.Scan(&stats.Normal, &stats.Preferential); err != nil {
		return store.QueueStats{}, err
	}
	stats.Total = stats.Normal + stats.Preferential
	return stats, nil
}

func (s *Store) ListInService(ctx context.Context, tenantID string) ([]models.Ticket, error) {
	return listInService(ctx, s.pool, tenantID)
}

func (s *Store) ListHistory(ctx context.Context, tenantID string, limit int) ([]models.Ticket, error) {
	return listHistory(ctx, s.pool, tenantID, limit)
}

func (s *Store) OperatorTicket(ctx context.Context, tenantID, operatorID string) (models.Ticket, bool, error) {
	tickets, err := queryTickets(ctx, s.pool, `
		WHERE t.tenant_id = $1 AND t.operator_id = $2 AND t.status IN ('called', 'in_service')
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

// Snapshot reads the board and the newest event id in one repeatable-read
// transaction.
func (s *Store) Snapshot(ctx context.Context, tenantID string, waitingLimit, historyLimit int) (snapshot store.Snapshot, err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return store.Snapshot{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if snapshot.Current, err = listInService(ctx, tx, tenantID); err != nil {
		return store.Snapshot{}, err
	}
	if waitingLimit <= 0 {
		waitingLimit = defaultListLimit
	}
	if snapshot.Waiting, err = queryTickets(ctx, tx, `
		WHERE t.tenant_id = $1 AND t.status = 'waiting'
		ORDER BY `+waitingOrder+`
		LIMIT $2
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

	if err = tx.Commit(ctx); err != nil {
		return store.Snapshot{}, err
	}
	return snapshot, nil
}

func listInService(ctx context.Context, q querier, tenantID string) ([]models.Ticket, error) {
	return queryTickets(ctx, q, `
		WHERE t.tenant_id = $1 AND t.status IN ('called', 'in_service')
		ORDER BY t.called_at DESC, t.ticket_id
	`, tenantID)
}

func listHistory(ctx context.Context, q querier, tenantID string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return queryTickets(ctx, q, `
		WHERE t.tenant_id = $1 AND t.status IN ('completed', 'no_show', 'cancelled')
		ORDER BY t.completed_at DESC NULLS LAST, t.ticket_id
		LIMIT $2
	`, tenantID, limit)
}

func nextTicketNumber(ctx context.Context, tx pgx.Tx, tenantID, prefix, sequenceDate string) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO ticket_sequences (tenant_id, ticket_prefix, sequence_date, current_number)
		VALUES ($1, $2, $3::date, 1)
		ON CONFLICT (tenant_id, ticket_prefix, sequence_date)
		DO UPDATE SET current_number = ticket_sequences.current_number + 1
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

func loadTicketState(ctx context.Context, q querier, ticketID, tenantID string, lock bool) (string, bool, error) {
	query := `
		SELECT status
		FROM tickets
		WHERE ticket_id = $1 AND tenant_id = $2
	`
	if lock {
		query += " FOR UPDATE"
	}
	var status string
	if err := q.QueryRow(ctx, query, ticketID, tenantID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

func getTicket(ctx context.Context, q querier, tenantID, ticketID string) (models.Ticket, error) {
	ticket, err := scanTicket(q.QueryRow(ctx, ticketSelect+`
		WHERE t.ticket_id = $1 AND t.tenant_id = $2
	`, ticketID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

func queryTickets(ctx context.Context, q querier, clause string, args ...any) ([]models.Ticket, error) {
	rows, err := q.Query(ctx, ticketSelect+clause, args...)
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

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var calledAtNull, startedAtNull, completedAtNull sql.NullTime
	var counterIDNull, counterNameNull, operatorIDNull, operatorNameNull sql.NullString
	if err := row.Scan(
		&ticket.TicketID, &ticket.TicketCode, &ticket.TenantID, &ticket.ServiceID, &ticket.ServiceName,
		&ticket.Priority, &ticket.Status, &ticket.IssuedAt, &calledAtNull, &startedAtNull, &completedAtNull,
		&counterIDNull, &counterNameNull, &operatorIDNull, &operatorNameNull, &ticket.RecallCount,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.IssuedAt = ticket.IssuedAt.UTC()
	ticket.CalledAt = nullTimePtr(calledAtNull)
	ticket.ServiceStartedAt = nullTimePtr(startedAtNull)
	ticket.CompletedAt = nullTimePtr(completedAtNull)
	ticket.CounterID = nullStringPtr(counterIDNull)
	ticket.CounterName = nullStringPtr(counterNameNull)
	ticket.OperatorID = nullStringPtr(operatorIDNull)
	ticket.OperatorName = nullStringPtr(operatorNameNull)
	return ticket, nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
