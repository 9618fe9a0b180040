package models

type Tenant struct {
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
}

type Service struct {
	ServiceID    string `json:"service_id"`
	TenantID     string `json:"tenant_id,omitempty"`
	Name         string `json:"name"`
	TicketPrefix string `json:"ticket_prefix"`
	PriorityMode string `json:"priority_mode"`
	Active       bool   `json:"active"`
}

type Counter struct {
	CounterID string `json:"counter_id"`
	TenantID  string `json:"tenant_id,omitempty"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
}

type Operator struct {
	OperatorID string `json:"operator_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	FullName   string `json:"full_name"`
	Active     bool   `json:"active"`
}
