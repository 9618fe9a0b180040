// Package dispatch drives tickets through their lifecycle. Every mutation is
// a single store transaction that also appends the matching event; the
// announcer, the receipt printer and stream wake-ups run only after commit
// and can never fail an operation.
package dispatch

import (
	"context"
	"time"

	"qms/edge-service/internal/announce"
	"qms/edge-service/internal/metrics"
	"qms/edge-service/internal/models"
	"qms/edge-service/internal/receipt"
	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "qms/edge-service/dispatch"

// Waker is told after each committed append so stream loops can read early.
type Waker interface {
	Publish(ctx context.Context, tenantID string) error
}

type Options struct {
	Store     store.TicketStore
	Announcer announce.Announcer
	Printer   receipt.Printer
	Waker     Waker
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// Location is the zone receipts show the issue time in.
	Location *time.Location
}

type Engine struct {
	store     store.TicketStore
	announcer announce.Announcer
	printer   receipt.Printer
	waker     Waker
	logger    *zap.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	location  *time.Location
}

func New(opts Options) *Engine {
	e := &Engine{
		store:     opts.Store,
		announcer: opts.Announcer,
		printer:   opts.Printer,
		waker:     opts.Waker,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		tracer:    otel.Tracer(tracerName),
		location:  opts.Location,
	}
	if e.location == nil {
		e.location = time.Local
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.announcer == nil {
		e.announcer = announce.Nop{}
	}
	if e.printer == nil {
		e.printer = receipt.NewLogPrinter(e.logger)
	}
	return e
}

type EmitRequest struct {
	TenantID     string
	ServiceID    string
	Priority     string
	PrintReceipt bool
}

type EmitResult struct {
	store.Admission
	Printed   bool   `json:"printed"`
	PrintText string `json:"print_text,omitempty"`
}

type Completion struct {
	Ticket   models.Ticket
	Duration time.Duration
}

func (e *Engine) Emit(ctx context.Context, req EmitRequest) (result EmitResult, err error) {
	ctx, finish := e.begin(ctx, "emit", req.TenantID)
	defer func() { finish(err) }()

	if err = requireID("tenant_id", req.TenantID); err != nil {
		return EmitResult{}, err
	}
	if err = requireID("service_id", req.ServiceID); err != nil {
		return EmitResult{}, err
	}

	admission, err := e.store.EmitTicket(ctx, store.EmitInput{
		TenantID:  req.TenantID,
		ServiceID: req.ServiceID,
		Priority:  req.Priority,
	})
	if err != nil {
		return EmitResult{}, err
	}
	if e.metrics != nil {
		e.metrics.TicketsEmitted.WithLabelValues(admission.Ticket.Priority).Inc()
	}
	e.wake(ctx, req.TenantID)

	result = EmitResult{Admission: admission}
	if req.PrintReceipt {
		result.PrintText, result.Printed = e.print(ctx, admission.Ticket)
	}
	return result, nil
}

// Call calls a specific ticket, or recalls it when it is already called.
func (e *Engine) Call(ctx context.Context, input store.CallInput) (call store.Call, err error) {
	ctx, finish := e.begin(ctx, "call", input.TenantID)
	defer func() { finish(err) }()

	if err = requireID("ticket_id", input.TicketID); err != nil {
		return store.Call{}, err
	}
	if err = requireStaff(input.TenantID, input.CounterID, input.OperatorID); err != nil {
		return store.Call{}, err
	}

	call, err = e.store.CallTicket(ctx, input)
	if err != nil {
		return store.Call{}, err
	}
	e.afterCall(ctx, call)
	return call, nil
}

func (e *Engine) CallNext(ctx context.Context, input store.CallNextInput) (call store.Call, err error) {
	ctx, finish := e.begin(ctx, "call_next", input.TenantID)
	defer func() { finish(err) }()

	if err = requireStaff(input.TenantID, input.CounterID, input.OperatorID); err != nil {
		return store.Call{}, err
	}
	if input.Priority != "" && !models.ValidPriority(input.Priority) {
		return store.Call{}, store.Validation("priority must be normal or preferential")
	}

	call, err = e.store.CallNext(ctx, input)
	if err != nil {
		return store.Call{}, err
	}
	e.afterCall(ctx, call)
	return call, nil
}

func (e *Engine) Start(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return e.transition(ctx, "start", input, e.store.StartService)
}

func (e *Engine) Complete(ctx context.Context, input store.TicketActionInput) (Completion, error) {
	ticket, err := e.transition(ctx, "complete", input, e.store.CompleteTicket)
	if err != nil {
		return Completion{}, err
	}
	duration, _ := ticket.ServiceDuration()
	return Completion{Ticket: ticket, Duration: duration}, nil
}

func (e *Engine) NoShow(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return e.transition(ctx, "no_show", input, e.store.NoShowTicket)
}

func (e *Engine) Cancel(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	return e.transition(ctx, "cancel", input, e.store.CancelTicket)
}

func (e *Engine) transition(ctx context.Context, operation string, input store.TicketActionInput, apply func(context.Context, store.TicketActionInput) (models.Ticket, error)) (ticket models.Ticket, err error) {
	ctx, finish := e.begin(ctx, operation, input.TenantID)
	defer func() { finish(err) }()

	if err = requireID("tenant_id", input.TenantID); err != nil {
		return models.Ticket{}, err
	}
	if err = requireID("ticket_id", input.TicketID); err != nil {
		return models.Ticket{}, err
	}
	ticket, err = apply(ctx, input)
	if err != nil {
		return models.Ticket{}, err
	}
	e.wake(ctx, input.TenantID)
	return ticket, nil
}

// SweepNoShows closes tickets left called for longer than grace.
func (e *Engine) SweepNoShows(ctx context.Context, grace time.Duration, batchSize int) (count int, err error) {
	ctx, finish := e.begin(ctx, "auto_no_show", "")
	defer func() { finish(err) }()

	count, err = e.store.AutoNoShow(ctx, grace, batchSize)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if e.metrics != nil {
			e.metrics.AutoNoShowTotal.Add(float64(count))
		}
		e.logger.Info("auto no-show", zap.Int("count", count))
	}
	return count, nil
}

// RunNoShowSweeper sweeps every interval until ctx is done. A zero grace
// disables it.
func (e *Engine) RunNoShowSweeper(ctx context.Context, interval, grace time.Duration, batchSize int) error {
	if grace <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := e.SweepNoShows(ctx, grace, batchSize); err != nil && ctx.Err() == nil {
				e.logger.Warn("auto no-show sweep failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) afterCall(ctx context.Context, call store.Call) {
	e.wake(ctx, call.Ticket.TenantID)
	counterName := ""
	if call.Ticket.CounterName != nil {
		counterName = *call.Ticket.CounterName
	}
	// the request context may be cancelled as soon as the response is written
	e.announcer.Announce(context.WithoutCancel(ctx), announce.Announcement{
		TenantID:   call.Ticket.TenantID,
		TicketCode: call.Ticket.TicketCode,
		Label:      announce.Label(call.Ticket.ServiceName, counterName),
	})
}

// print sends the receipt to the printer and returns its text along with
// whether the printer accepted it.
func (e *Engine) print(ctx context.Context, ticket models.Ticket) (string, bool) {
	tenantName := ""
	if tenant, err := e.store.GetTenant(ctx, ticket.TenantID); err != nil {
		e.logger.Warn("receipt tenant lookup failed", zap.String("tenant", ticket.TenantID), zap.Error(err))
	} else {
		tenantName = tenant.Name
	}
	r := receipt.Receipt{
		TicketCode:  ticket.TicketCode,
		ServiceName: ticket.ServiceName,
		Priority:    ticket.Priority,
		IssuedAt:    ticket.IssuedAt,
		TenantName:  tenantName,
	}
	return receipt.Text(r, e.location), e.printer.Print(ctx, r)
}

func (e *Engine) wake(ctx context.Context, tenantID string) {
	if e.waker == nil {
		return
	}
	if err := e.waker.Publish(ctx, tenantID); err != nil {
		e.logger.Warn("stream wake-up failed", zap.String("tenant", tenantID), zap.Error(err))
	}
}

func (e *Engine) begin(ctx context.Context, operation, tenantID string) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := e.tracer.Start(ctx, "dispatch."+operation, trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		e.metrics.ObserveOperation(operation, started, err)
	}
}

func requireStaff(tenantID, counterID, operatorID string) error {
	if err := requireID("tenant_id", tenantID); err != nil {
		return err
	}
	if err := requireID("counter_id", counterID); err != nil {
		return err
	}
	if operatorID == "" {
		return nil
	}
	return requireID("operator_id", operatorID)
}

func requireID(field, value string) error {
	if value == "" {
		return store.Validation(field + " is required")
	}
	if _, err := uuid.Parse(value); err != nil {
		return store.Validation(field + " must be a uuid")
	}
	return nil
}
