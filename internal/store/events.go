package store

import (
	"encoding/json"
	"fmt"
	"time"

	"qms/edge-service/internal/models"
)

const (
	EventTicketCreated   = "ticket.created"
	EventTicketCalled    = "ticket.called"
	EventTicketRecalled  = "ticket.recalled"
	EventTicketStarted   = "ticket.started"
	EventTicketCompleted = "ticket.completed"
	EventTicketNoShow    = "ticket.no_show"
	EventTicketCancelled = "ticket.cancelled"
)

type Event struct {
	EventID   string          `json:"event_id"`
	TenantID  string          `json:"tenant_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// CallPayload is carried by ticket.called and ticket.recalled.
type CallPayload struct {
	Call CallRecord `json:"call"`
}

type CallRecord struct {
	TicketID     string    `json:"id"`
	TicketCode   string    `json:"ticket_code"`
	ServiceName  string    `json:"service_name"`
	Priority     string    `json:"priority"`
	CounterName  string    `json:"counter_name"`
	OperatorName string    `json:"operator_name,omitempty"`
	CalledAt     time.Time `json:"called_at"`
	IsRecall     bool      `json:"is_recall"`
	RecallCount  int       `json:"recall_count"`
}

// TicketPayload is carried by every other ticket lifecycle event.
type TicketPayload struct {
	Ticket TicketRecord `json:"ticket"`
}

type TicketRecord struct {
	TicketID        string    `json:"id"`
	TicketCode      string    `json:"ticket_code"`
	ServiceName     string    `json:"service_name"`
	Priority        string    `json:"priority"`
	Status          string    `json:"status"`
	CounterName     string    `json:"counter_name,omitempty"`
	Position        int       `json:"position_in_queue,omitempty"`
	OccurredAt      time.Time `json:"occurred_at"`
	DurationSeconds *int64    `json:"duration_seconds,omitempty"`
}

func NewCallPayload(ticket models.Ticket, recall bool) CallPayload {
	record := CallRecord{
		TicketID:    ticket.TicketID,
		TicketCode:  ticket.TicketCode,
		ServiceName: ticket.ServiceName,
		Priority:    ticket.Priority,
		IsRecall:    recall,
		RecallCount: ticket.RecallCount,
	}
	if ticket.CounterName != nil {
		record.CounterName = *ticket.CounterName
	}
	if ticket.OperatorName != nil {
		record.OperatorName = *ticket.OperatorName
	}
	if ticket.CalledAt != nil {
		record.CalledAt = *ticket.CalledAt
	}
	return CallPayload{Call: record}
}

// WithOperatorName fills in the operator name when the ticket row has none.
func (p CallPayload) WithOperatorName(name string) CallPayload {
	if p.Call.OperatorName == "" {
		p.Call.OperatorName = name
	}
	return p
}

func NewTicketPayload(ticket models.Ticket, occurredAt time.Time) TicketPayload {
	record := TicketRecord{
		TicketID:    ticket.TicketID,
		TicketCode:  ticket.TicketCode,
		ServiceName: ticket.ServiceName,
		Priority:    ticket.Priority,
		Status:      ticket.Status,
		OccurredAt:  occurredAt,
	}
	if ticket.CounterName != nil {
		record.CounterName = *ticket.CounterName
	}
	if duration, ok := ticket.ServiceDuration(); ok && ticket.Status == models.StatusCompleted {
		seconds := int64(duration / time.Second)
		record.DurationSeconds = &seconds
	}
	return TicketPayload{Ticket: record}
}

// EventTypeForAction maps a lifecycle action onto the event it appends.
func EventTypeForAction(action string, recall bool) string {
	switch action {
	case ActionCall:
		if recall {
			return EventTicketRecalled
		}
		return EventTicketCalled
	case ActionStart:
		return EventTicketStarted
	case ActionComplete:
		return EventTicketCompleted
	case ActionNoShow:
		return EventTicketNoShow
	case ActionCancel:
		return EventTicketCancelled
	}
	return ""
}

// EncodePayload accepts only the typed event records, or raw JSON that
// already parses, so untyped maps never reach the log.
func EncodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case CallPayload, TicketPayload, *CallPayload, *TicketPayload:
		return json.Marshal(p)
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, Validation("event payload is not valid JSON")
		}
		return p, nil
	default:
		return nil, Validation(fmt.Sprintf("unsupported event payload %T", payload))
	}
}

// NextEventTime keeps per-tenant event timestamps strictly increasing at
// the store's resolution.
func NextEventTime(now, last time.Time, resolution time.Duration) time.Time {
	next := now.UTC().Truncate(resolution)
	if last.IsZero() {
		return next
	}
	last = last.UTC()
	if !next.After(last) {
		return last.Add(resolution)
	}
	return next
}
