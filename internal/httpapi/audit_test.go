package httpapi

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"
)

func TestAuditMiddleware_LogsOutcome(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	handler := AuditMiddleware(logger, "X-Request-ID", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-Request-ID", "req-7")
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	entry := gjson.Parse(logBuf.String())
	assert.Equal(t, "trigger request", entry.Get("msg").String())
	assert.Equal(t, "req-7", entry.Get("request_id").String())
	assert.Equal(t, "POST", entry.Get("method").String())
	assert.Equal(t, "/api", entry.Get("path").String())
	assert.EqualValues(t, 500, entry.Get("response_status").Int())
}

func TestAuditMiddleware_DefaultStatusIsOK(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	handler := AuditMiddleware(logger, "X-Request-ID", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("done"))
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api", nil))

	assert.EqualValues(t, 200, gjson.Get(logBuf.String(), "response_status").Int())
}

func TestStatusWriter_KeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
}

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header http.Header
		remote string
		want   string
	}{
		{"forwarded list", http.Header{"X-Forwarded-For": {"1.1.1.1, 2.2.2.2"}}, "9.9.9.9:1", "1.1.1.1"},
		{"forwarded single", http.Header{"X-Forwarded-For": {" 1.1.1.1 "}}, "9.9.9.9:1", "1.1.1.1"},
		{"real ip", http.Header{"X-Real-Ip": {"3.3.3.3"}}, "9.9.9.9:1", "3.3.3.3"},
		{"remote addr", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"remote without port", nil, "9.9.9.9", "9.9.9.9"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api", nil)
			req.RemoteAddr = tc.remote
			for k, vs := range tc.header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			assert.Equal(t, tc.want, extractClientIP(req))
		})
	}
}
