package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"qms/edge-service/internal/realtime"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	transportSSE    = "sse"
	transportSockJS = "sockjs"
)

// handleTVEvents serves the display stream as server-sent events. The
// resume cursor comes from Last-Event-ID, which browsers send on
// reconnect, or from ?last_event_id= on the first connection.
func (h *Handler) handleTVEvents(w http.ResponseWriter, r *http.Request) {
	principal, _ := principalFromContext(r.Context())
	cursor := strings.TrimSpace(r.Header.Get("Last-Event-ID"))
	if cursor == "" {
		cursor = strings.TrimSpace(r.URL.Query().Get("last_event_id"))
	}

	controller := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, ": connected\n\n"); err != nil {
		return
	}
	if err := controller.Flush(); err != nil {
		h.logger.Warn("sse flush unsupported", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.metrics.StreamOpened(transportSSE)
	defer h.metrics.StreamClosed(transportSSE)
	h.logger.Info("display connected",
		zap.String("transport", transportSSE),
		zap.String("tenant", principal.TenantID),
		zap.Bool("resume", cursor != ""))

	for msg := range h.streamer.Stream(ctx, principal.TenantID, cursor) {
		if _, err := w.Write(encodeSSE(msg)); err != nil {
			return
		}
		if err := controller.Flush(); err != nil {
			return
		}
	}
}

func encodeSSE(msg realtime.Message) []byte {
	if msg.KeepAlive() {
		return []byte(": keep-alive\n\n")
	}
	var buf bytes.Buffer
	if msg.ID != "" {
		fmt.Fprintf(&buf, "id: %s\n", msg.ID)
	}
	fmt.Fprintf(&buf, "event: %s\n", msg.Type)
	data := msg.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

// sockJSHandler serves the same stream to SockJS clients, one JSON
// message per frame.
func (h *Handler) sockJSHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		principal, err := h.auth.Authenticate(req)
		if err != nil {
			_ = session.Close(4001, "unauthorized")
			return
		}
		cursor := strings.TrimSpace(req.URL.Query().Get("last_event_id"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			defer cancel()
			for {
				if _, err := session.Recv(); err != nil {
					return
				}
			}
		}()

		h.metrics.StreamOpened(transportSockJS)
		defer h.metrics.StreamClosed(transportSockJS)
		h.logger.Info("display connected",
			zap.String("transport", transportSockJS),
			zap.String("tenant", principal.TenantID),
			zap.Bool("resume", cursor != ""))
		for msg := range h.streamer.Stream(ctx, principal.TenantID, cursor) {
			frame, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := session.Send(string(frame)); err != nil {
				return
			}
		}
	})
}
