// Package realtime streams a tenant's event log to connected displays.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"qms/edge-service/internal/metrics"
	"qms/edge-service/internal/notify"
	"qms/edge-service/internal/store"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	ErrorType     = "edge.error"
	KeepAliveType = "keep-alive"
)

// Message is one unit on a display stream. Only event messages carry an
// ID, so error and keep-alive messages never become a resume cursor.
type Message struct {
	ID   string          `json:"id,omitempty"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (m Message) KeepAlive() bool { return m.Type == KeepAliveType }

type Config struct {
	PollInterval      time.Duration
	KeepAliveInterval time.Duration
	BatchSize         int
	RetryMax          time.Duration
	Buffer            int
	Now               func() time.Time
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 15 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 30 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 16
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type Distributor struct {
	events   store.EventLog
	notifier notify.Notifier
	config   Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewDistributor(events store.EventLog, notifier notify.Notifier, config Config, logger *zap.Logger, m *metrics.Metrics) *Distributor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Distributor{
		events:   events,
		notifier: notifier,
		config:   config.withDefaults(),
		logger:   logger,
		metrics:  m,
	}
}

// Stream starts a loop for one display and returns its messages. With a
// cursor the log is replayed from just after it; without one (or with a
// cursor the log does not know) only events appended after the call are
// delivered. The channel is closed once ctx is done.
func (d *Distributor) Stream(ctx context.Context, tenantID, cursor string) <-chan Message {
	out := make(chan Message, d.config.Buffer)
	s := &stream{
		Distributor: d,
		tenantID:    tenantID,
		out:         out,
		connectedAt: d.config.Now(),
		seen:        make(map[string]struct{}),
		retry:       backoff.NewExponentialBackOff(),
	}
	s.retry.InitialInterval = d.config.PollInterval
	s.retry.MaxInterval = d.config.RetryMax
	if validCursor(cursor) {
		s.cursor = cursor
		s.resolved = true
	}

	var wake <-chan struct{}
	if d.notifier != nil {
		sub := d.notifier.Subscribe(tenantID)
		wake = sub.C
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}

	// a fresh cursor is pinned before returning, so events appended after
	// Stream returns are never mistaken for history
	if !s.resolved {
		s.resolve(ctx)
	}
	s.late = true
	go s.run(ctx, wake)
	return out
}

type stream struct {
	*Distributor
	tenantID string
	out      chan Message

	connectedAt time.Time
	// set once Stream has returned; later pins use connectedAt
	late     bool
	cursor   string
	resolved bool
	// ids already delivered at the newest delivered timestamp
	seen     map[string]struct{}
	seenAt   time.Time
	retry    *backoff.ExponentialBackOff
	retryAt  <-chan time.Time
	failures int
}

func (s *stream) run(ctx context.Context, wake <-chan struct{}) {
	defer close(s.out)

	poll := time.NewTicker(s.config.PollInterval)
	defer poll.Stop()
	keepAlive := time.NewTicker(s.config.KeepAliveInterval)
	defer keepAlive.Stop()

	if s.retryAt == nil {
		s.step(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if !s.send(ctx, Message{Type: KeepAliveType}) {
				return
			}
		case <-s.retryAt:
			s.retryAt = nil
			s.step(ctx)
		case <-poll.C:
			if s.retryAt == nil {
				s.step(ctx)
			}
		case <-wake:
			if s.retryAt == nil {
				s.step(ctx)
			}
		}
	}
}

// step reads until the log is drained or a read fails.
func (s *stream) step(ctx context.Context) {
	for ctx.Err() == nil {
		if !s.resolved && !s.resolve(ctx) {
			return
		}
		events, err := s.events.ReadSince(ctx, s.tenantID, s.cursor, s.config.BatchSize)
		if errors.Is(err, store.ErrEventNotFound) {
			s.logger.Info("stream cursor unknown, resuming from connection time",
				zap.String("tenant", s.tenantID), zap.String("cursor", s.cursor))
			s.cursor = ""
			s.resolved = false
			continue
		}
		if err != nil {
			s.fail(ctx, err)
			return
		}
		s.recovered()

		for _, event := range events {
			if !s.deliver(ctx, event) {
				return
			}
		}
		if len(events) < s.config.BatchSize {
			return
		}
	}
}

// resolve pins the cursor to the newest event in the log, or after Stream
// has returned, to the newest event created by the connection time. An
// empty result leaves an empty cursor, which reads from the start.
func (s *stream) resolve(ctx context.Context) bool {
	var (
		latest store.Event
		found  bool
		err    error
	)
	if s.late {
		latest, found, err = s.events.LatestAt(ctx, s.tenantID, s.connectedAt)
	} else {
		latest, found, err = s.events.LatestEvent(ctx, s.tenantID)
	}
	if err != nil {
		s.fail(ctx, err)
		return false
	}
	s.cursor = ""
	if found {
		s.cursor = latest.EventID
		s.markSeen(latest)
	}
	s.resolved = true
	return true
}

func (s *stream) deliver(ctx context.Context, event store.Event) bool {
	if _, dup := s.seen[event.EventID]; dup && event.CreatedAt.Equal(s.seenAt) {
		s.cursor = event.EventID
		return true
	}
	if !s.send(ctx, Message{ID: event.EventID, Type: event.Type, Data: event.Payload}) {
		return false
	}
	s.cursor = event.EventID
	s.markSeen(event)
	return true
}

func (s *stream) markSeen(event store.Event) {
	if !event.CreatedAt.Equal(s.seenAt) {
		s.seen = make(map[string]struct{})
		s.seenAt = event.CreatedAt
	}
	s.seen[event.EventID] = struct{}{}
}

func (s *stream) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.failures++
	s.metrics.StreamReadError()
	delay := s.retry.NextBackOff()
	s.logger.Warn("event stream read failed",
		zap.String("tenant", s.tenantID),
		zap.Int("attempt", s.failures),
		zap.Duration("retry_in", delay),
		zap.Error(err))

	data, _ := json.Marshal(map[string]any{
		"message": "event log unavailable",
		"attempt": s.failures,
	})
	s.send(ctx, Message{Type: ErrorType, Data: data})
	s.retryAt = time.After(delay)
}

func (s *stream) recovered() {
	if s.failures == 0 {
		return
	}
	s.logger.Info("event stream recovered", zap.String("tenant", s.tenantID), zap.Int("attempts", s.failures))
	s.failures = 0
	s.retry.Reset()
}

func (s *stream) send(ctx context.Context, msg Message) bool {
	select {
	case s.out <- msg:
		s.metrics.StreamMessage(messageKind(msg))
		return true
	case <-ctx.Done():
		return false
	}
}

func validCursor(cursor string) bool {
	if cursor == "" {
		return false
	}
	_, err := uuid.Parse(cursor)
	return err == nil
}

func messageKind(msg Message) string {
	switch {
	case msg.KeepAlive():
		return "keepalive"
	case msg.Type == ErrorType:
		return "error"
	}
	return "event"
}
