package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qms/edge-service/internal/dispatch"
	"qms/edge-service/internal/metrics"
	"qms/edge-service/internal/models"
	"qms/edge-service/internal/realtime"
	"qms/edge-service/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	stateWaitingLimit = 20
	stateHistoryLimit = 10
	defaultHistory    = 20
	maxHistory        = 100
	defaultEventLimit = 50
	maxEventLimit     = 500
)

// Streamer produces the message stream of one display connection.
type Streamer interface {
	Stream(ctx context.Context, tenantID, cursor string) <-chan realtime.Message
}

type Handler struct {
	engine   *dispatch.Engine
	store    store.TicketStore
	streamer Streamer
	auth     *Authenticator
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

type Options struct {
	Engine   *dispatch.Engine
	Store    store.TicketStore
	Streamer Streamer
	Auth     *Authenticator
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

type emitRequest struct {
	RequestID string `json:"request_id"`
	ServiceID string `json:"service_id"`
	Priority  string `json:"priority"`
}

type callRequest struct {
	RequestID string `json:"request_id"`
	CounterID string `json:"counter_id"`
}

type callNextRequest struct {
	RequestID string `json:"request_id"`
	CounterID string `json:"counter_id"`
	Priority  string `json:"priority"`
}

type callResponse struct {
	Ticket   models.Ticket `json:"ticket"`
	IsRecall bool          `json:"is_recall"`
}

type ticketResponse struct {
	Ticket models.Ticket `json:"ticket"`
}

type completeResponse struct {
	Ticket          models.Ticket `json:"ticket"`
	DurationSeconds int64         `json:"duration_seconds"`
}

type queueItem struct {
	models.Ticket
	WaitSeconds int64 `json:"wait_seconds"`
}

type historyItem struct {
	models.Ticket
	DurationSeconds *int64 `json:"duration_seconds"`
}

type stateResponse struct {
	store.Snapshot
	ServerTime time.Time `json:"server_time"`
}

type errorResponse struct {
	RequestID string        `json:"request_id"`
	Error     responseError `json:"error"`
}

type responseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewHandler(options Options) *Handler {
	h := &Handler{
		engine:   options.Engine,
		store:    options.Store,
		streamer: options.Streamer,
		auth:     options.Auth,
		logger:   options.Logger,
		metrics:  options.Metrics,
		now:      options.Now,
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /tickets/emit", h.require(h.handleEmit, roleDevice, roleOperator))
	mux.HandleFunc("POST /totem/emit", h.require(h.handleTotemEmit, roleDevice))
	mux.HandleFunc("POST /tickets/call-next", h.require(h.handleCallNext, roleOperator))
	mux.HandleFunc("POST /tickets/{id}/call", h.require(h.handleCall, roleOperator))
	mux.HandleFunc("POST /tickets/{id}/start", h.require(h.handleStart, roleOperator))
	mux.HandleFunc("POST /tickets/{id}/complete", h.require(h.handleComplete, roleOperator))
	mux.HandleFunc("POST /tickets/{id}/no-show", h.require(h.handleNoShow, roleOperator))
	mux.HandleFunc("POST /tickets/{id}/cancel", h.require(h.handleCancel, roleOperator))

	mux.HandleFunc("GET /tickets/queue", h.require(h.handleQueue, roleOperator, roleDevice))
	mux.HandleFunc("GET /tickets/queue/stats", h.require(h.handleQueueStats, roleOperator, roleDevice))
	mux.HandleFunc("GET /tickets/in-service", h.require(h.handleInService, roleOperator, roleDevice))
	mux.HandleFunc("GET /tickets/history", h.require(h.handleHistory, roleOperator, roleDevice))
	mux.HandleFunc("GET /operator/my-ticket", h.require(h.handleMyTicket, roleOperator))

	mux.HandleFunc("GET /api/tickets/{id}", h.require(h.handleGetTicket, roleOperator, roleDevice))
	mux.HandleFunc("GET /api/events", h.require(h.handleEvents, roleOperator, roleDevice))
	mux.HandleFunc("GET /api/services", h.require(h.handleServices, roleOperator, roleDevice))
	mux.HandleFunc("GET /api/counters", h.require(h.handleCounters, roleOperator, roleDevice))

	mux.HandleFunc("GET /tv/state", h.require(h.handleTVState, roleDevice))
	mux.HandleFunc("GET /tv/events", h.require(h.handleTVEvents, roleDevice))
	mux.Handle("/realtime/", h.sockJSHandler())
	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) handleEmit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEmit(w, r)
	if !ok {
		return
	}
	principal, _ := principalFromContext(r.Context())
	result, err := h.engine.Emit(r.Context(), dispatch.EmitRequest{
		TenantID:  principal.TenantID,
		ServiceID: req.ServiceID,
		Priority:  req.Priority,
	})
	if err != nil {
		h.writeStoreError(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, result.Admission)
}

func (h *Handler) handleTotemEmit(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeEmit(w, r)
	if !ok {
		return
	}
	principal, _ := principalFromContext(r.Context())
	result, err := h.engine.Emit(r.Context(), dispatch.EmitRequest{
		TenantID:     principal.TenantID,
		ServiceID:    req.ServiceID,
		Priority:     req.Priority,
		PrintReceipt: true,
	})
	if err != nil {
		h.writeStoreError(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (h *Handler) decodeEmit(w http.ResponseWriter, r *http.Request) (emitRequest, bool) {
	var req emitRequest
	if !decodeRequest(w, r, &req) {
		return req, false
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))

	if req.ServiceID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "service_id is required")
		return req, false
	}
	if !isValidUUID(req.ServiceID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "service_id must be a UUID")
		return req, false
	}
	if req.Priority != "" && !models.ValidPriority(req.Priority) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must be normal or preferential")
		return req, false
	}
	return req, true
}

func (h *Handler) handleCallNext(w http.ResponseWriter, r *http.Request) {
	var req callNextRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	req.Priority = strings.ToLower(strings.TrimSpace(req.Priority))

	if req.CounterID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}
	if req.Priority != "" && !models.ValidPriority(req.Priority) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "priority must be normal or preferential")
		return
	}

	principal, _ := principalFromContext(r.Context())
	call, err := h.engine.CallNext(r.Context(), store.CallNextInput{
		TenantID:     principal.TenantID,
		CounterID:    req.CounterID,
		OperatorID:   principal.OperatorID,
		OperatorName: principal.Name,
		Priority:     req.Priority,
	})
	if err != nil {
		h.writeStoreError(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Ticket: call.Ticket, IsRecall: call.Recall})
}

func (h *Handler) handleCall(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDFromPath(w, r)
	if !ok {
		return
	}
	var req callRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.CounterID = strings.TrimSpace(req.CounterID)
	if req.CounterID == "" {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id is required")
		return
	}
	if !isValidUUID(req.CounterID) {
		writeError(w, req.RequestID, http.StatusBadRequest, "invalid_request", "counter_id must be a UUID")
		return
	}

	principal, _ := principalFromContext(r.Context())
	call, err := h.engine.Call(r.Context(), store.CallInput{
		TenantID:     principal.TenantID,
		TicketID:     ticketID,
		CounterID:    req.CounterID,
		OperatorID:   principal.OperatorID,
		OperatorName: principal.Name,
	})
	if err != nil {
		h.writeStoreError(w, r, req.RequestID, err)
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Ticket: call.Ticket, IsRecall: call.Recall})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Start)
}

func (h *Handler) handleNoShow(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.NoShow)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.handleTransition(w, r, h.engine.Cancel)
}

func (h *Handler) handleTransition(w http.ResponseWriter, r *http.Request, apply func(context.Context, store.TicketActionInput) (models.Ticket, error)) {
	input, ok := actionInput(w, r)
	if !ok {
		return
	}
	ticket, err := apply(r.Context(), input)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, ticketResponse{Ticket: ticket})
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	input, ok := actionInput(w, r)
	if !ok {
		return
	}
	completion, err := h.engine.Complete(r.Context(), input)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, completeResponse{
		Ticket:          completion.Ticket,
		DurationSeconds: int64(completion.Duration / time.Second),
	})
}

func actionInput(w http.ResponseWriter, r *http.Request) (store.TicketActionInput, bool) {
	ticketID, ok := ticketIDFromPath(w, r)
	if !ok {
		return store.TicketActionInput{}, false
	}
	principal, _ := principalFromContext(r.Context())
	return store.TicketActionInput{TenantID: principal.TenantID, TicketID: ticketID}, true
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	priority := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("priority")))
	if !models.ValidPriority(priority) {
		priority = ""
	}
	tickets, err := h.store.ListQueue(r.Context(), principal.TenantID, priority, 0)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	now := h.now()
	items := make([]queueItem, 0, len(tickets))
	for _, ticket := range tickets {
		wait := int64(now.Sub(ticket.IssuedAt) / time.Second)
		if wait < 0 {
			wait = 0
		}
		items = append(items, queueItem{Ticket: ticket, WaitSeconds: wait})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	stats, err := h.store.QueueStats(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleInService(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	tickets, err := h.store.ListInService(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultHistory, maxHistory)
	if !ok {
		return
	}
	principal, _ := principalFromContext(r.Context())
	tickets, err := h.store.ListHistory(r.Context(), principal.TenantID, limit)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	items := make([]historyItem, 0, len(tickets))
	for _, ticket := range tickets {
		item := historyItem{Ticket: ticket}
		if duration, ok := ticket.ServiceDuration(); ok && ticket.Status == models.StatusCompleted {
			seconds := int64(duration / time.Second)
			item.DurationSeconds = &seconds
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) handleMyTicket(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	ticket, found, err := h.store.OperatorTicket(r.Context(), principal.TenantID, principal.OperatorID)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, (*models.Ticket)(nil))
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleGetTicket(w http.ResponseWriter, r *http.Request) {
	ticketID, ok := ticketIDFromPath(w, r)
	if !ok {
		return
	}
	principal, _ := principalFromContext(r.Context())
	ticket, err := h.store.GetTicket(r.Context(), principal.TenantID, ticketID)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(w, r, defaultEventLimit, maxEventLimit)
	if !ok {
		return
	}
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if cursor != "" && !isValidUUID(cursor) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "cursor must be a UUID")
		return
	}
	principal, _ := principalFromContext(r.Context())
	events, err := h.store.ReadSince(r.Context(), principal.TenantID, cursor, limit)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *Handler) handleServices(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	services, err := h.store.ListServices(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (h *Handler) handleCounters(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	counters, err := h.store.ListCounters(r.Context(), principal.TenantID)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}

func (h *Handler) handleTVState(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	snapshot, err := h.store.Snapshot(r.Context(), principal.TenantID, stateWaitingLimit, stateHistoryLimit)
	if err != nil {
		h.writeStoreError(w, r, requestIDFromRequest(r), err)
		return
	}
	writeJSON(w, http.StatusOK, stateResponse{Snapshot: snapshot, ServerTime: h.now().UTC()})
}

func ticketIDFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	ticketID := strings.TrimSpace(r.PathValue("id"))
	if !isValidUUID(ticketID) {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "ticket id must be a UUID")
		return "", false
	}
	return ticketID, true
}

func parseLimit(w http.ResponseWriter, r *http.Request, fallback, max int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > max {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_request", "limit must be between 1 and "+strconv.Itoa(max))
		return 0, false
	}
	return limit, true
}

func isValidUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func decodeRequest(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		writeError(w, requestIDFromRequest(r), http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return false
	}
	return true
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	status, code, msg := mapError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	if requestID == "" {
		requestID = requestIDFromRequest(r)
	}
	writeError(w, requestID, status, code, msg)
}

func mapError(err error) (int, string, string) {
	switch {
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, store.ErrServiceNotFound):
		return http.StatusNotFound, "service_not_found", "service not found"
	case errors.Is(err, store.ErrCounterNotFound):
		return http.StatusNotFound, "counter_not_found", "counter not found"
	case errors.Is(err, store.ErrTicketNotFound):
		return http.StatusNotFound, "ticket_not_found", "ticket not found"
	case errors.Is(err, store.ErrOperatorNotFound):
		return http.StatusNotFound, "operator_not_found", "operator not found"
	case errors.Is(err, store.ErrTenantNotFound):
		return http.StatusNotFound, "tenant_not_found", "tenant not found"
	case errors.Is(err, store.ErrEventNotFound):
		return http.StatusNotFound, "event_not_found", "event not found"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found", "not found"
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, store.ErrQueueEmpty):
		return http.StatusConflict, "queue_empty", "no tickets waiting"
	default:
		return http.StatusInternalServerError, "internal_error", "internal server error"
	}
}

func writeError(w http.ResponseWriter, requestID string, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: requestID,
		Error: responseError{
			Code:    code,
			Message: message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
