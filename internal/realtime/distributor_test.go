package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"qms/edge-service/internal/notify"
	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryLog struct {
	mu     sync.Mutex
	events []store.Event
	err    error
	clock  time.Time
}

func newMemoryLog() *memoryLog {
	return &memoryLog{clock: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (l *memoryLog) AppendEvent(_ context.Context, tenantID, eventType string, payload any) (store.Event, error) {
	body, err := store.EncodePayload(payload)
	if err != nil {
		return store.Event{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clock = l.clock.Add(time.Millisecond)
	event := store.Event{EventID: uuid.NewString(), TenantID: tenantID, Type: eventType, Payload: body, CreatedAt: l.clock}
	l.events = append(l.events, event)
	return event, nil
}

func (l *memoryLog) ReadSince(_ context.Context, tenantID, cursor string, limit int) ([]store.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	start := 0
	if cursor != "" {
		start = -1
		for i, event := range l.events {
			if event.EventID == cursor && event.TenantID == tenantID {
				start = i + 1
			}
		}
		if start < 0 {
			return nil, store.ErrEventNotFound
		}
	}
	var out []store.Event
	for _, event := range l.events[start:] {
		if event.TenantID == tenantID && len(out) < limit {
			out = append(out, event)
		}
	}
	return out, nil
}

func (l *memoryLog) LatestEvent(_ context.Context, tenantID string) (store.Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return store.Event{}, false, l.err
	}
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].TenantID == tenantID {
			return l.events[i], true, nil
		}
	}
	return store.Event{}, false, nil
}

func (l *memoryLog) LatestAt(_ context.Context, tenantID string, at time.Time) (store.Event, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return store.Event{}, false, l.err
	}
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].TenantID == tenantID && !l.events[i].CreatedAt.After(at) {
			return l.events[i], true, nil
		}
	}
	return store.Event{}, false, nil
}

func (l *memoryLog) now() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.clock
}

func (l *memoryLog) setErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.err = err
}

func appendCalled(t *testing.T, log *memoryLog, tenantID, code string) store.Event {
	t.Helper()
	event, err := log.AppendEvent(context.Background(), tenantID, store.EventTicketCalled,
		store.CallPayload{Call: store.CallRecord{TicketCode: code}})
	require.NoError(t, err)
	return event
}

func fastConfig() Config {
	return Config{
		PollInterval:      10 * time.Millisecond,
		KeepAliveInterval: time.Hour,
		BatchSize:         2,
		RetryMax:          20 * time.Millisecond,
	}
}

// next returns the next non keep-alive message.
func next(t *testing.T, messages <-chan Message) Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-messages:
			require.True(t, ok, "stream closed")
			if msg.KeepAlive() {
				continue
			}
			return msg
		case <-timeout:
			t.Fatal("no message before timeout")
		}
	}
}

func assertQuiet(t *testing.T, messages <-chan Message, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case msg := <-messages:
			if !msg.KeepAlive() {
				t.Fatalf("unexpected message %s %s", msg.Type, msg.ID)
			}
		case <-deadline:
			return
		}
	}
}

func TestFreshStreamSkipsHistory(t *testing.T) {
	log := newMemoryLog()
	tenantID := uuid.NewString()
	appendCalled(t, log, tenantID, "A001")
	appendCalled(t, log, tenantID, "A002")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, nil, fastConfig(), nil, nil).Stream(ctx, tenantID, "")

	assertQuiet(t, messages, 50*time.Millisecond)

	fresh := appendCalled(t, log, tenantID, "A003")
	msg := next(t, messages)
	assert.Equal(t, fresh.EventID, msg.ID)
	assert.Equal(t, store.EventTicketCalled, msg.Type)

	var payload store.CallPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "A003", payload.Call.TicketCode)
}

func TestFreshStreamOnEmptyLogDeliversFirstEvent(t *testing.T) {
	log := newMemoryLog()
	tenantID := uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, nil, fastConfig(), nil, nil).Stream(ctx, tenantID, "")

	first := appendCalled(t, log, tenantID, "A001")
	assert.Equal(t, first.EventID, next(t, messages).ID)
}

func TestCursorReplaysInOrderAcrossBatches(t *testing.T) {
	log := newMemoryLog()
	tenantID := uuid.NewString()
	cursor := appendCalled(t, log, tenantID, "A001")
	var want []string
	for _, code := range []string{"A002", "A003", "A004", "A005", "A006"} {
		want = append(want, appendCalled(t, log, tenantID, code).EventID)
	}
	appendCalled(t, log, uuid.NewString(), "B001")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, nil, fastConfig(), nil, nil).Stream(ctx, tenantID, cursor.EventID)

	var got []string
	for range want {
		got = append(got, next(t, messages).ID)
	}
	assert.Equal(t, want, got)
	assertQuiet(t, messages, 50*time.Millisecond)
}

func TestUnknownCursorActsFresh(t *testing.T) {
	log := newMemoryLog()
	tenantID := uuid.NewString()
	appendCalled(t, log, tenantID, "A001")

	for _, cursor := range []string{uuid.NewString(), "not-an-id"} {
		ctx, cancel := context.WithCancel(context.Background())
		messages := NewDistributor(log, nil, fastConfig(), nil, nil).Stream(ctx, tenantID, cursor)
		assertQuiet(t, messages, 40*time.Millisecond)

		fresh := appendCalled(t, log, tenantID, "A002")
		assert.Equal(t, fresh.EventID, next(t, messages).ID)
		cancel()
	}
}

func TestReadFailureSignalsAndRecovers(t *testing.T) {
	log := newMemoryLog()
	tenantID := uuid.NewString()
	cursor := appendCalled(t, log, tenantID, "A001")
	log.setErr(errors.New("connection refused"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, nil, fastConfig(), nil, nil).Stream(ctx, tenantID, cursor.EventID)

	msg := next(t, messages)
	assert.Equal(t, ErrorType, msg.Type)
	assert.Empty(t, msg.ID)

	pending := appendCalled(t, log, tenantID, "A002")
	log.setErr(nil)

	for {
		msg = next(t, messages)
		if msg.Type != ErrorType {
			break
		}
		assert.Empty(t, msg.ID)
	}
	assert.Equal(t, pending.EventID, msg.ID)
}

func TestFreshStreamDuringOutageKeepsEventsAfterConnect(t *testing.T) {
	log := newMemoryLog()
	tenantID := uuid.NewString()
	appendCalled(t, log, tenantID, "A001")
	log.setErr(errors.New("connection refused"))

	config := fastConfig()
	config.Now = log.now
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, nil, config, nil, nil).Stream(ctx, tenantID, "")

	msg := next(t, messages)
	assert.Equal(t, ErrorType, msg.Type)

	missed := appendCalled(t, log, tenantID, "A002")
	log.setErr(nil)

	for {
		msg = next(t, messages)
		if msg.Type != ErrorType {
			break
		}
	}
	assert.Equal(t, missed.EventID, msg.ID)

	var payload store.CallPayload
	require.NoError(t, json.Unmarshal(msg.Data, &payload))
	assert.Equal(t, "A002", payload.Call.TicketCode)
	assertQuiet(t, messages, 50*time.Millisecond)
}

func TestKeepAliveOnIdleStream(t *testing.T) {
	log := newMemoryLog()
	config := fastConfig()
	config.KeepAliveInterval = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, nil, config, nil, nil).Stream(ctx, uuid.NewString(), "")

	select {
	case msg := <-messages:
		assert.True(t, msg.KeepAlive())
		assert.Empty(t, msg.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no keep-alive")
	}
}

func TestWakeUpDeliversBeforePoll(t *testing.T) {
	log := newMemoryLog()
	hub := notify.NewHub()
	tenantID := uuid.NewString()
	config := fastConfig()
	config.PollInterval = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages := NewDistributor(log, hub, config, nil, nil).Stream(ctx, tenantID, "")

	event := appendCalled(t, log, tenantID, "A001")
	require.NoError(t, hub.Publish(ctx, tenantID))
	assert.Equal(t, event.EventID, next(t, messages).ID)
}

func TestCancelClosesStream(t *testing.T) {
	log := newMemoryLog()
	hub := notify.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	messages := NewDistributor(log, hub, fastConfig(), nil, nil).Stream(ctx, uuid.NewString(), "")
	cancel()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-messages:
			if !ok {
				assert.Eventually(t, func() bool { return hub.Len() == 0 }, time.Second, 5*time.Millisecond)
				return
			}
		case <-deadline:
			t.Fatal("stream not closed")
		}
	}
}
