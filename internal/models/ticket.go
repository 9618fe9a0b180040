package models

import "time"

type Ticket struct {
	TicketID         string     `json:"ticket_id"`
	TicketCode       string     `json:"ticket_code"`
	TenantID         string     `json:"tenant_id,omitempty"`
	ServiceID        string     `json:"service_id"`
	ServiceName      string     `json:"service_name"`
	Priority         string     `json:"priority"`
	Status           string     `json:"status"`
	IssuedAt         time.Time  `json:"issued_at"`
	CalledAt         *time.Time `json:"called_at,omitempty"`
	ServiceStartedAt *time.Time `json:"service_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CounterID        *string    `json:"counter_id,omitempty"`
	CounterName      *string    `json:"counter_name,omitempty"`
	OperatorID       *string    `json:"operator_id,omitempty"`
	OperatorName     *string    `json:"operator_name,omitempty"`
	RecallCount      int        `json:"recall_count"`
}

const (
	StatusWaiting   = "waiting"
	StatusCalled    = "called"
	StatusInService = "in_service"
	StatusCompleted = "completed"
	StatusNoShow    = "no_show"
	StatusCancelled = "cancelled"
)

const (
	PriorityNormal       = "normal"
	PriorityPreferential = "preferential"
)

func ValidPriority(value string) bool {
	return value == PriorityNormal || value == PriorityPreferential
}

// IsTerminal reports whether no further transition can leave status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusNoShow, StatusCancelled:
		return true
	}
	return false
}

// ServiceDuration is the time between the start of service (or the call,
// when service was never started explicitly) and completion.
func (t Ticket) ServiceDuration() (time.Duration, bool) {
	if t.CompletedAt == nil {
		return 0, false
	}
	start := t.ServiceStartedAt
	if start == nil {
		start = t.CalledAt
	}
	if start == nil {
		return 0, false
	}
	return t.CompletedAt.Sub(*start), true
}
