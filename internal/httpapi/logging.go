package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"qms/edge-service/internal/metrics"

	"go.uber.org/zap"
)

type requestInfoKey struct{}

// requestInfo collects fields for the access log that are only known
// deeper in the handler chain.
type requestInfo struct {
	tenantID string
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func LoggingMiddleware(logger *zap.Logger, m *metrics.Metrics, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		info := &requestInfo{}
		next.ServeHTTP(writer, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		duration := time.Since(start)
		if m != nil {
			m.HTTPRequests.WithLabelValues(r.Method, strconv.Itoa(writer.status)).Inc()
		}
		logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", duration.Milliseconds()),
			zap.String("tenant", info.tenantID),
			zap.String("request_id", requestIDFromRequest(r)))
	})
}
