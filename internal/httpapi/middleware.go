package httpapi

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	internalerrors "github.com/rcourtman/slipgate/internal/errors"
	"github.com/rcourtman/slipgate/internal/logging"
)

// APIError is the JSON body of every failed request.
type APIError struct {
	ErrorMessage string `json:"error"`
	Code         string `json:"code,omitempty"`
	StatusCode   int    `json:"status_code"`
	Timestamp    int64  `json:"timestamp"`
	RequestID    string `json:"request_id,omitempty"`
}

// ErrorHandler assigns a correlation ID, recovers panics and logs failed requests.
func ErrorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		incomingID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		ctx, requestID := logging.WithCorrelationID(r.Context(), incomingID)
		r = r.WithContext(ctx)

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		rw.Header().Set("X-Request-ID", requestID)

		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("error", rec).
					Str("path", r.URL.Path).
					Str("method", r.Method).
					Str("request_id", requestID).
					Bytes("stack", debug.Stack()).
					Msg("Panic recovered in HTTP handler")
				writeErrorResponse(rw, r, http.StatusInternalServerError, "internal_error", "An unexpected error occurred")
			}
		}()

		next.ServeHTTP(rw, r)

		if rw.statusCode >= 400 {
			log.Warn().
				Str("path", r.URL.Path).
				Str("method", r.Method).
				Int("status", rw.statusCode).
				Str("request_id", requestID).
				Msg("Request failed")
		}
	})
}

// writeFault maps a classified failure onto an HTTP status.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := internalerrors.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case internalerrors.KindNotFound, internalerrors.KindMissingEntity:
		status = http.StatusNotFound
	case internalerrors.KindValidation, internalerrors.KindConfiguration:
		status = http.StatusBadRequest
	case internalerrors.KindInvalidTransition:
		status = http.StatusConflict
	case internalerrors.KindTransient:
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context()).Error().Err(err).Msg("Request failed with internal error")
	}
	writeErrorResponse(w, r, status, string(kind), internalerrors.UserMessage(err))
}

func writeErrorResponse(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, APIError{
		ErrorMessage: message,
		Code:         code,
		StatusCode:   status,
		Timestamp:    time.Now().Unix(),
		RequestID:    logging.CorrelationID(r.Context()),
	})
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("httpapi: encode response")
	}
}

// responseWriter captures the status code for logging.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.ResponseWriter.WriteHeader(code)
		rw.written = true
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// Flush implements http.Flusher when the underlying writer supports it.
func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
