package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"qms/edge-service/internal/models"
	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	tenantID       string
	normalID       string
	preferentialID string
	closedID       string
	counterA       string
	counterB       string
	closedCounter  string
	operatorID     string
}

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func newTestStore(t *testing.T) (*Store, fixture, *stepClock) {
	t.Helper()
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC), step: time.Second}
	st, err := Open(ctx, filepath.Join(t.TempDir(), "edge.db"), Options{Location: time.UTC, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fx := fixture{
		tenantID:       uuid.NewString(),
		normalID:       uuid.NewString(),
		preferentialID: uuid.NewString(),
		closedID:       uuid.NewString(),
		counterA:       uuid.NewString(),
		counterB:       uuid.NewString(),
		closedCounter:  uuid.NewString(),
		operatorID:     uuid.NewString(),
	}
	require.NoError(t, st.SeedDirectory(ctx, store.DirectorySeed{
		Tenant: models.Tenant{TenantID: fx.tenantID, Name: "Clinica Central"},
		Services: []models.Service{
			{ServiceID: fx.normalID, Name: "Atendimento", TicketPrefix: "A", PriorityMode: models.PriorityNormal, Active: true},
			{ServiceID: fx.preferentialID, Name: "Preferencial", TicketPrefix: "P", PriorityMode: models.PriorityPreferential, Active: true},
			{ServiceID: fx.closedID, Name: "Fechado", TicketPrefix: "F", PriorityMode: models.PriorityNormal, Active: false},
		},
		Counters: []models.Counter{
			{CounterID: fx.counterA, Name: "Guichê 01", Active: true},
			{CounterID: fx.counterB, Name: "Guichê 02", Active: true},
			{CounterID: fx.closedCounter, Name: "Guichê 09", Active: false},
		},
		Operators: []models.Operator{
			{OperatorID: fx.operatorID, FullName: "Maria Souza", Active: true},
		},
	}))
	return st, fx, clock
}

func emit(t *testing.T, st *Store, fx fixture, serviceID, priority string) store.Admission {
	t.Helper()
	admission, err := st.EmitTicket(context.Background(), store.EmitInput{TenantID: fx.tenantID, ServiceID: serviceID, Priority: priority})
	require.NoError(t, err)
	return admission
}

func TestEmitTicketNumbersPerPrefixAndDay(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	assert.Equal(t, "A-001", emit(t, st, fx, fx.normalID, "").Ticket.TicketCode)
	assert.Equal(t, "A-002", emit(t, st, fx, fx.normalID, "").Ticket.TicketCode)
	assert.Equal(t, "P-001", emit(t, st, fx, fx.preferentialID, "").Ticket.TicketCode)

	nextDay, err := st.EmitTicket(ctx, store.EmitInput{
		TenantID:  fx.tenantID,
		ServiceID: fx.normalID,
		IssuedAt:  time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, "A-001", nextDay.Ticket.TicketCode)
}

func TestEmitTicketConcurrentIsGapless(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	codes := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admission, err := st.EmitTicket(ctx, store.EmitInput{TenantID: fx.tenantID, ServiceID: fx.normalID})
			if err != nil {
				t.Errorf("emit ticket: %v", err)
				return
			}
			codes <- admission.Ticket.TicketCode
		}()
	}
	wg.Wait()
	close(codes)

	var got []string
	for code := range codes {
		got = append(got, code)
	}
	sort.Strings(got)
	require.Len(t, got, n)
	for i, code := range got {
		assert.Equal(t, store.FormatTicketCode("A", int64(i+1)), code)
	}
}

func TestEmitTicketRejectsUnknownOrInactiveService(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	_, err := st.EmitTicket(ctx, store.EmitInput{TenantID: fx.tenantID, ServiceID: fx.closedID})
	assert.True(t, errors.Is(err, store.ErrServiceNotFound))

	_, err = st.EmitTicket(ctx, store.EmitInput{TenantID: fx.tenantID, ServiceID: uuid.NewString()})
	assert.True(t, errors.Is(err, store.ErrServiceNotFound))

	// a failed admission must not consume a number
	assert.Equal(t, "A-001", emit(t, st, fx, fx.normalID, "").Ticket.TicketCode)
}

func TestEmitTicketPositionIsPerPriorityClass(t *testing.T) {
	st, fx, _ := newTestStore(t)

	assert.Equal(t, 1, emit(t, st, fx, fx.normalID, "").Position)
	assert.Equal(t, 2, emit(t, st, fx, fx.normalID, "").Position)
	preferential := emit(t, st, fx, fx.normalID, "preferential")
	assert.Equal(t, models.PriorityPreferential, preferential.Ticket.Priority)
	assert.Equal(t, 1, preferential.Position)
	forced := emit(t, st, fx, fx.preferentialID, "normal")
	assert.Equal(t, models.PriorityPreferential, forced.Ticket.Priority)
	assert.Equal(t, 2, forced.Position)
	assert.Equal(t, models.PriorityNormal, emit(t, st, fx, fx.normalID, "urgent").Ticket.Priority)
}

func TestCallNextOrdering(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	n1 := emit(t, st, fx, fx.normalID, "")
	n2 := emit(t, st, fx, fx.normalID, "")
	p1 := emit(t, st, fx, fx.preferentialID, "")

	call, err := st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA, Priority: models.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, n1.Ticket.TicketID, call.Ticket.TicketID)

	call, err = st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	require.NoError(t, err)
	assert.Equal(t, p1.Ticket.TicketID, call.Ticket.TicketID)
	assert.Equal(t, "Guichê 01", *call.Ticket.CounterName)

	call, err = st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterB, OperatorID: fx.operatorID})
	require.NoError(t, err)
	assert.Equal(t, n2.Ticket.TicketID, call.Ticket.TicketID)
	assert.Equal(t, "Maria Souza", *call.Ticket.OperatorName)
	assert.Equal(t, 1, call.Ticket.RecallCount)
	assert.False(t, call.Recall)

	_, err = st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	assert.True(t, errors.Is(err, store.ErrQueueEmpty))
}

func TestCallNextConcurrentClaimsAreDistinct(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	const tickets = 4
	const callers = 10
	for i := 0; i < tickets; i++ {
		emit(t, st, fx, fx.normalID, "")
	}

	type result struct {
		ticketID string
		err      error
	}
	var wg sync.WaitGroup
	results := make(chan result, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			call, err := st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
			results <- result{ticketID: call.Ticket.TicketID, err: err}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[string]bool{}
	empty := 0
	for r := range results {
		if errors.Is(r.err, store.ErrQueueEmpty) {
			empty++
			continue
		}
		require.NoError(t, r.err)
		assert.False(t, seen[r.ticketID], "ticket claimed twice")
		seen[r.ticketID] = true
	}
	assert.Len(t, seen, tickets)
	assert.Equal(t, callers-tickets, empty)
}

func TestCallNextRejectsInactiveCounter(t *testing.T) {
	st, fx, _ := newTestStore(t)
	emit(t, st, fx, fx.normalID, "")

	_, err := st.CallNext(context.Background(), store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.closedCounter})
	assert.True(t, errors.Is(err, store.ErrCounterNotFound))

	stats, err := st.QueueStats(context.Background(), fx.tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Normal)
}

func TestCallTicketRecall(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	admission := emit(t, st, fx, fx.normalID, "")

	first, err := st.CallTicket(ctx, store.CallInput{TenantID: fx.tenantID, TicketID: admission.Ticket.TicketID, CounterID: fx.counterA, OperatorID: fx.operatorID})
	require.NoError(t, err)
	assert.False(t, first.Recall)

	second, err := st.CallTicket(ctx, store.CallInput{TenantID: fx.tenantID, TicketID: admission.Ticket.TicketID, CounterID: fx.counterB})
	require.NoError(t, err)
	assert.True(t, second.Recall)
	assert.Equal(t, 2, second.Ticket.RecallCount)
	assert.Equal(t, "Guichê 02", *second.Ticket.CounterName)
	require.NotNil(t, second.Ticket.OperatorID)
	assert.Equal(t, fx.operatorID, *second.Ticket.OperatorID)
	assert.True(t, second.Ticket.CalledAt.After(*first.Ticket.CalledAt))

	events, err := st.ReadSince(ctx, fx.tenantID, admission.EventID, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.EventTicketCalled, events[0].Type)
	assert.Equal(t, store.EventTicketRecalled, events[1].Type)

	var payload store.CallPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.True(t, payload.Call.IsRecall)
	assert.Equal(t, admission.Ticket.TicketCode, payload.Call.TicketCode)
	assert.Equal(t, "Guichê 02", payload.Call.CounterName)
}

func TestTicketLifecycle(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	admission := emit(t, st, fx, fx.normalID, "")
	action := store.TicketActionInput{TenantID: fx.tenantID, TicketID: admission.Ticket.TicketID}

	_, err := st.StartService(ctx, action)
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	_, err = st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	require.NoError(t, err)

	started, err := st.StartService(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInService, started.Status)
	require.NotNil(t, started.ServiceStartedAt)

	completed, err := st.CompleteTicket(ctx, action)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	duration, ok := completed.ServiceDuration()
	require.True(t, ok)
	assert.Equal(t, time.Second, duration)

	for _, op := range []func(context.Context, store.TicketActionInput) (models.Ticket, error){
		st.StartService, st.CompleteTicket, st.NoShowTicket, st.CancelTicket,
	} {
		_, err := op(ctx, action)
		assert.True(t, errors.Is(err, store.ErrInvalidTransition))
	}
	_, err = st.CallTicket(ctx, store.CallInput{TenantID: fx.tenantID, TicketID: admission.Ticket.TicketID, CounterID: fx.counterA})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	_, err = st.CancelTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: uuid.NewString()})
	assert.True(t, errors.Is(err, store.ErrTicketNotFound))

	history, err := st.ListHistory(ctx, fx.tenantID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, admission.Ticket.TicketID, history[0].TicketID)
}

func TestCancelAndNoShow(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	waiting := emit(t, st, fx, fx.normalID, "")
	called := emit(t, st, fx, fx.normalID, "")

	cancelled, err := st.CancelTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: waiting.Ticket.TicketID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	_, err = st.NoShowTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: called.Ticket.TicketID})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))

	_, err = st.CallTicket(ctx, store.CallInput{TenantID: fx.tenantID, TicketID: called.Ticket.TicketID, CounterID: fx.counterA})
	require.NoError(t, err)
	noShow, err := st.NoShowTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: called.Ticket.TicketID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, noShow.Status)

	latest, found, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.EventTicketNoShow, latest.Type)
}

func TestEventLogTimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	st, err := Open(ctx, filepath.Join(t.TempDir(), "edge.db"), Options{Location: time.UTC, Now: func() time.Time { return fixed }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	tenantID := uuid.NewString()
	var ids []string
	for i := 0; i < 5; i++ {
		event, err := st.AppendEvent(ctx, tenantID, store.EventTicketCreated, store.TicketPayload{})
		require.NoError(t, err)
		ids = append(ids, event.EventID)
	}

	events, err := st.ReadSince(ctx, tenantID, ids[0], 10)
	require.NoError(t, err)
	require.Len(t, events, 4)
	for i, event := range events {
		assert.Equal(t, ids[i+1], event.EventID)
		if i > 0 {
			assert.True(t, event.CreatedAt.After(events[i-1].CreatedAt))
		}
	}

	limited, err := st.ReadSince(ctx, tenantID, ids[0], 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	tail, err := st.ReadSince(ctx, tenantID, ids[4], 10)
	require.NoError(t, err)
	assert.Empty(t, tail)

	all, err := st.ReadSince(ctx, tenantID, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[0], all[0].EventID)

	_, err = st.ReadSince(ctx, tenantID, uuid.NewString(), 10)
	assert.True(t, errors.Is(err, store.ErrEventNotFound))

	_, err = st.ReadSince(ctx, uuid.NewString(), ids[0], 10)
	assert.True(t, errors.Is(err, store.ErrEventNotFound))
}

func TestAppendEventRejectsUntypedPayload(t *testing.T) {
	st, fx, _ := newTestStore(t)

	_, err := st.AppendEvent(context.Background(), fx.tenantID, store.EventTicketCalled, map[string]any{"x": 1})
	assert.True(t, errors.Is(err, store.ErrValidation))

	_, found, err := st.LatestEvent(context.Background(), fx.tenantID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshotCarriesLatestEvent(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	empty, err := st.Snapshot(ctx, fx.tenantID, 20, 10)
	require.NoError(t, err)
	assert.Empty(t, empty.LastEventID)
	assert.Empty(t, empty.Current)

	emit(t, st, fx, fx.normalID, "")
	emit(t, st, fx, fx.normalID, "")
	call, err := st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	require.NoError(t, err)

	snapshot, err := st.Snapshot(ctx, fx.tenantID, 20, 10)
	require.NoError(t, err)
	require.Len(t, snapshot.Current, 1)
	assert.Equal(t, call.Ticket.TicketID, snapshot.Current[0].TicketID)
	assert.Len(t, snapshot.Waiting, 1)
	assert.Equal(t, call.EventID, snapshot.LastEventID)

	tail, err := st.ReadSince(ctx, fx.tenantID, snapshot.LastEventID, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestReadModels(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()

	emit(t, st, fx, fx.normalID, "")
	emit(t, st, fx, fx.normalID, "")
	emit(t, st, fx, fx.preferentialID, "")

	stats, err := st.QueueStats(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Equal(t, store.QueueStats{Normal: 2, Preferential: 1, Total: 3}, stats)

	queue, err := st.ListQueue(ctx, fx.tenantID, "", 10)
	require.NoError(t, err)
	require.Len(t, queue, 3)
	assert.Equal(t, models.PriorityPreferential, queue[0].Priority)

	normals, err := st.ListQueue(ctx, fx.tenantID, models.PriorityNormal, 10)
	require.NoError(t, err)
	assert.Len(t, normals, 2)

	_, found, err := st.OperatorTicket(ctx, fx.tenantID, fx.operatorID)
	require.NoError(t, err)
	assert.False(t, found)

	call, err := st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA, OperatorID: fx.operatorID})
	require.NoError(t, err)
	mine, found, err := st.OperatorTicket(ctx, fx.tenantID, fx.operatorID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, call.Ticket.TicketID, mine.TicketID)

	inService, err := st.ListInService(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Len(t, inService, 1)

	services, err := st.ListServices(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Len(t, services, 2)
	counters, err := st.ListCounters(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Len(t, counters, 2)

	tenant, err := st.GetTenant(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Equal(t, "Clinica Central", tenant.Name)
	_, err = st.GetTenant(ctx, uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrTenantNotFound))
}

func TestAutoNoShow(t *testing.T) {
	st, fx, clock := newTestStore(t)
	ctx := context.Background()

	admission := emit(t, st, fx, fx.normalID, "")
	_, err := st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	require.NoError(t, err)

	count, err := st.AutoNoShow(ctx, 0, 10)
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = st.AutoNoShow(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Zero(t, count)

	clock.mu.Lock()
	clock.now = clock.now.Add(5 * time.Minute)
	clock.mu.Unlock()

	count, err = st.AutoNoShow(ctx, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	ticket, err := st.GetTicket(ctx, fx.tenantID, admission.Ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, ticket.Status)

	latest, found, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, store.EventTicketNoShow, latest.Type)
}

func TestCallWithOperatorMissingFromDirectory(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	admission := emit(t, st, fx, fx.normalID, "")
	unknown := uuid.NewString()

	call, err := st.CallNext(ctx, store.CallNextInput{
		TenantID:     fx.tenantID,
		CounterID:    fx.counterA,
		OperatorID:   unknown,
		OperatorName: "Joao Lima",
	})
	require.NoError(t, err)
	assert.Equal(t, admission.Ticket.TicketID, call.Ticket.TicketID)
	assert.Nil(t, call.Ticket.OperatorID)

	latest, found, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)
	require.True(t, found)
	var payload store.CallPayload
	require.NoError(t, json.Unmarshal(latest.Payload, &payload))
	assert.Equal(t, "Joao Lima", payload.Call.OperatorName)
	assert.Equal(t, "Guichê 01", payload.Call.CounterName)

	recall, err := st.CallTicket(ctx, store.CallInput{
		TenantID:     fx.tenantID,
		TicketID:     admission.Ticket.TicketID,
		CounterID:    fx.counterA,
		OperatorID:   unknown,
		OperatorName: "Joao Lima",
	})
	require.NoError(t, err)
	assert.True(t, recall.Recall)

	// the counter check stays strict
	emit(t, st, fx, fx.normalID, "")
	_, err = st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.closedCounter, OperatorID: unknown})
	assert.True(t, errors.Is(err, store.ErrCounterNotFound))
}

func TestRejectedTransitionsLeaveTicketAndLogUnchanged(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	admission := emit(t, st, fx, fx.normalID, "")
	ticketID := admission.Ticket.TicketID

	before, found, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)
	require.True(t, found)

	_, err = st.CallTicket(ctx, store.CallInput{TenantID: fx.tenantID, TicketID: ticketID, CounterID: fx.closedCounter})
	assert.True(t, errors.Is(err, store.ErrCounterNotFound))
	_, err = st.StartService(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: ticketID})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))
	_, err = st.CompleteTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: ticketID})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition))
	_, err = st.CancelTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: uuid.NewString()})
	assert.True(t, errors.Is(err, store.ErrTicketNotFound))

	after, found, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, before.EventID, after.EventID)

	ticket, err := st.GetTicket(ctx, fx.tenantID, ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, ticket.Status)
	assert.Nil(t, ticket.CalledAt)
	assert.Nil(t, ticket.CounterID)
	assert.Zero(t, ticket.RecallCount)
}

func TestTransitionRollsBackWhenEventAppendFails(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	admission := emit(t, st, fx, fx.normalID, "")
	before, _, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)

	_, err = st.db.ExecContext(ctx, `
		CREATE TRIGGER reject_events BEFORE INSERT ON events
		BEGIN
			SELECT RAISE(ABORT, 'event log unavailable');
		END
	`)
	require.NoError(t, err)

	_, err = st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	require.Error(t, err)
	_, err = st.CallTicket(ctx, store.CallInput{TenantID: fx.tenantID, TicketID: admission.Ticket.TicketID, CounterID: fx.counterA})
	require.Error(t, err)
	_, err = st.CancelTicket(ctx, store.TicketActionInput{TenantID: fx.tenantID, TicketID: admission.Ticket.TicketID})
	require.Error(t, err)
	_, err = st.EmitTicket(ctx, store.EmitInput{TenantID: fx.tenantID, ServiceID: fx.normalID})
	require.Error(t, err)

	ticket, err := st.GetTicket(ctx, fx.tenantID, admission.Ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, ticket.Status)
	assert.Nil(t, ticket.CalledAt)
	assert.Zero(t, ticket.RecallCount)

	stats, err := st.QueueStats(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	_, err = st.db.ExecContext(ctx, `DROP TRIGGER reject_events`)
	require.NoError(t, err)

	latest, _, err := st.LatestEvent(ctx, fx.tenantID)
	require.NoError(t, err)
	assert.Equal(t, before.EventID, latest.EventID)

	// the failed emit did not consume a number
	assert.Equal(t, "A-002", emit(t, st, fx, fx.normalID, "").Ticket.TicketCode)
	call, err := st.CallNext(ctx, store.CallNextInput{TenantID: fx.tenantID, CounterID: fx.counterA})
	require.NoError(t, err)
	assert.Equal(t, admission.Ticket.TicketID, call.Ticket.TicketID)
}

func TestLatestAtBoundsByCreationTime(t *testing.T) {
	st, fx, _ := newTestStore(t)
	ctx := context.Background()
	first := emit(t, st, fx, fx.normalID, "")
	second := emit(t, st, fx, fx.normalID, "")

	_, found, err := st.LatestAt(ctx, fx.tenantID, first.Ticket.IssuedAt.Add(-time.Millisecond))
	require.NoError(t, err)
	assert.False(t, found)

	event, found, err := st.LatestAt(ctx, fx.tenantID, first.Ticket.IssuedAt)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, first.EventID, event.EventID)

	event, found, err = st.LatestAt(ctx, fx.tenantID, second.Ticket.IssuedAt.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, second.EventID, event.EventID)
}
