package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/atlanticdynamic/storegate/internal/gateway/proxy"
	"github.com/atlanticdynamic/storegate/internal/logging"
)

// Correlation assigns each request a correlation id (client-supplied or
// generated), echoes it on the response, and attaches a logger annotated
// with it so every line emitted while serving the request carries the id.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(proxy.HeaderCorrelationID)
		if id == "" {
			generated, err := uuid.NewV4()
			if err != nil {
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}
			id = generated.String()
		}

		w.Header().Set(proxy.HeaderCorrelationID, id)

		ctx := WithCorrelationID(r.Context(), id)
		logger := logging.FromContext(ctx).With("correlation_id", id)
		ctx = logging.WithContext(ctx, logger)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Deadline derives the request deadline from the ingress timeout. Every
// downstream attempt and saga step inherits it.
func Deadline(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLog emits one structured line per request.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		logging.FromContext(r.Context()).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// WriteError emits the gateway's JSON error shape. The correlation id is
// always included so operators can join client reports to logs.
func WriteError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":          code,
		"message":        message,
		"correlation_id": CorrelationID(r.Context()),
	})
}
