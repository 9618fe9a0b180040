package store

import (
	"context"
	"time"

	"qms/edge-service/internal/models"
)

type EmitInput struct {
	TenantID  string
	ServiceID string
	Priority  string
	IssuedAt  time.Time
}

type CallInput struct {
	TenantID   string
	TicketID   string
	CounterID  string
	OperatorID string
	// OperatorName is reported on the call event when the operator is not
	// in the local directory.
	OperatorName string
	CalledAt     time.Time
}

type CallNextInput struct {
	TenantID     string
	CounterID    string
	OperatorID   string
	OperatorName string
	Priority     string
	CalledAt     time.Time
}

type TicketActionInput struct {
	TenantID   string
	TicketID   string
	OccurredAt time.Time
}

// Admission is the result of emitting a ticket.
type Admission struct {
	Ticket   models.Ticket `json:"ticket"`
	Position int           `json:"position_in_queue"`
	EventID  string        `json:"-"`
}

// Call is the result of a call, recall or call-next.
type Call struct {
	Ticket  models.Ticket
	Recall  bool
	EventID string
}

type QueueStats struct {
	Normal       int `json:"normal"`
	Preferential int `json:"preferential"`
	Total        int `json:"total"`
}

// Snapshot is a consistent view of a tenant's board. LastEventID is the
// newest event visible to the same read, so a display that renders the
// snapshot can resume the event stream from it without gaps.
type Snapshot struct {
	Current     []models.Ticket `json:"current_calls"`
	Waiting     []models.Ticket `json:"waiting_queue"`
	History     []models.Ticket `json:"history"`
	LastEventID string          `json:"last_event_id,omitempty"`
}

type Directory interface {
	GetTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	GetService(ctx context.Context, tenantID, serviceID string) (models.Service, error)
	GetCounter(ctx context.Context, tenantID, counterID string) (models.Counter, error)
	GetOperator(ctx context.Context, tenantID, operatorID string) (models.Operator, error)
	ListServices(ctx context.Context, tenantID string) ([]models.Service, error)
	ListCounters(ctx context.Context, tenantID string) ([]models.Counter, error)
}

type EventLog interface {
	AppendEvent(ctx context.Context, tenantID, eventType string, payload any) (Event, error)
	ReadSince(ctx context.Context, tenantID, cursor string, limit int) ([]Event, error)
	LatestEvent(ctx context.Context, tenantID string) (Event, bool, error)
	// LatestAt returns the newest event created at or before at.
	LatestAt(ctx context.Context, tenantID string, at time.Time) (Event, bool, error)
}

type TicketStore interface {
	Directory
	EventLog

	EmitTicket(ctx context.Context, input EmitInput) (Admission, error)
	CallTicket(ctx context.Context, input CallInput) (Call, error)
	CallNext(ctx context.Context, input CallNextInput) (Call, error)
	StartService(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CompleteTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	NoShowTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	CancelTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	AutoNoShow(ctx context.Context, grace time.Duration, batchSize int) (int, error)

	GetTicket(ctx context.Context, tenantID, ticketID string) (models.Ticket, error)
	ListQueue(ctx context.Context, tenantID, priority string, limit int) ([]models.Ticket, error)
	QueueStats(ctx context.Context, tenantID string) (QueueStats, error)
	ListInService(ctx context.Context, tenantID string) ([]models.Ticket, error)
	ListHistory(ctx context.Context, tenantID string, limit int) ([]models.Ticket, error)
	OperatorTicket(ctx context.Context, tenantID, operatorID string) (models.Ticket, bool, error)
	Snapshot(ctx context.Context, tenantID string, waitingLimit, historyLimit int) (Snapshot, error)
}
