package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	log "github.com/sirupsen/logrus"
)

type ctxKey int

const loggerKey ctxKey = iota

const requestIDHeader = "X-Request-Id"

func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Requested-With, "+requestIDHeader)
		w.Header().Set("Access-Control-Expose-Headers", requestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRequestID tags every request with an id, echoed in the response and
// attached to the request's logger.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			u, err := uuid.NewV4()
			if err == nil {
				id = u.String()
			}
		}
		w.Header().Set(requestIDHeader, id)

		logger := log.WithField("request_id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), loggerKey, logger)))
	})
}

func entry(r *http.Request) *log.Entry {
	if l, ok := r.Context().Value(loggerKey).(*log.Entry); ok {
		return l
	}
	return log.NewEntry(log.StandardLogger())
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument logs each request and records it under path.
func (h *Handler) instrument(path string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		entry(r).WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": elapsed.String(),
		}).Debug("[HTTP] Request served")

		h.metrics.Requests.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		h.metrics.RequestDuration.WithLabelValues(path).Observe(elapsed.Seconds())
	})
}
