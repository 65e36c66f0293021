package batch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// RequestIDHeader carries the per-trigger correlation id.
const RequestIDHeader = "X-Request-ID"

const (
	completedMessage = "Event processing completed"
	internalError    = "Internal server error"
)

// Runnable is the part of Runner the HTTP trigger needs.
type Runnable interface {
	Run(ctx context.Context) (Result, error)
}

type messageBody struct {
	Message string `json:"message"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler triggers one batch run per GET or POST request and reports the
// outcome. A run started by a request continues if the client disconnects.
func Handler(runner Runnable, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "batch_handler")

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requestID := strings.TrimSpace(req.Header.Get(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		if req.Method != http.MethodGet && req.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "Method not allowed"})
			return
		}

		result, err := runner.Run(context.WithoutCancel(req.Context()))
		if err != nil {
			logger.Error("batch trigger failed", "request_id", requestID, "run_id", result.RunID, "error", err)
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: internalError})
			return
		}

		logger.Info("batch trigger completed",
			"request_id", requestID,
			"run_id", result.RunID,
			"fetched", result.Fetched,
			"failed", result.Failed,
			"duration", result.Duration.String(),
		)
		writeJSON(w, http.StatusOK, messageBody{Message: completedMessage})
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
