package announce

import (
	"context"
	"time"

	"qms/edge-service/internal/metrics"

	"go.uber.org/zap"
)

const (
	defaultQueueSize = 64
	speakTimeout     = 20 * time.Second
)

// Queue is an Announcer backed by a bounded channel. When the channel is
// full the announcement is dropped and counted.
type Queue struct {
	provider Provider
	jobs     chan Announcement
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

func NewQueue(provider Provider, size int, logger *zap.Logger, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		provider: provider,
		jobs:     make(chan Announcement, size),
		logger:   logger,
		metrics:  m,
	}
}

func (q *Queue) Announce(ctx context.Context, a Announcement) {
	select {
	case q.jobs <- a:
		q.metrics.Announcement("queued")
	default:
		q.metrics.Announcement("dropped")
		q.logger.Warn("announcement queue full, dropping", zap.String("tenant", a.TenantID), zap.String("ticket_code", a.TicketCode))
	}
}

// Run speaks queued announcements until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-q.jobs:
			q.speak(ctx, a)
		}
	}
}

func (q *Queue) speak(ctx context.Context, a Announcement) {
	ctx, cancel := context.WithTimeout(ctx, speakTimeout)
	defer cancel()

	text := Text(a.TicketCode, a.Label)
	if err := q.provider.Speak(ctx, a, text); err != nil {
		q.metrics.Announcement("failed")
		q.logger.Warn("announcement failed", zap.String("tenant", a.TenantID), zap.String("ticket_code", a.TicketCode), zap.Error(err))
		return
	}
	q.metrics.Announcement("sent")
}
