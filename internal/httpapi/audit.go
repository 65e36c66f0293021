package httpapi

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cosmasemerah/verify-nft-claim/internal/metrics"
)

// AuditMiddleware logs every request served by next with its outcome and
// counts it by status code. requestIDHeader names the response header next
// sets for correlation.
func AuditMiddleware(logger *slog.Logger, requestIDHeader string, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	auditLogger := logger.With("component", "trigger_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sw, r)

		metrics.TriggerRequestsTotal.WithLabelValues(strconv.Itoa(sw.statusCode)).Inc()
		auditLogger.Info("trigger request",
			"request_id", sw.Header().Get(requestIDHeader),
			"remote_addr", r.RemoteAddr,
			"client_ip", extractClientIP(r),
			"method", r.Method,
			"path", r.URL.Path,
			"user_agent", r.UserAgent(),
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// extractClientIP checks X-Forwarded-For (first IP), X-Real-IP, then
// r.RemoteAddr.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
