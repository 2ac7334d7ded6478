package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	nwerrors "github.com/nctiggy/nwha/internal/errors"
)

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail describes an error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes
const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeEngineFailed   = "ENGINE_FAILED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

// writeErr maps a domain error to a status code and logs it at the error's
// severity. Internal errors that are not user facing get a generic message.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()

	log := s.logger.With("method", r.Method, "path", r.URL.Path, "status", status, "error", err.Error())
	switch severity := nwerrors.GetSeverity(err); {
	case status == http.StatusInternalServerError, severity >= nwerrors.SeverityError:
		log.Error("request failed")
	case severity == nwerrors.SeverityWarning:
		log.Warn("request failed")
	default:
		log.Debug("request failed")
	}

	if status == http.StatusInternalServerError && !nwerrors.IsUserFacing(err) {
		msg = "Internal server error"
	}
	writeError(w, status, code, msg)
}

func classify(err error) (int, string) {
	var (
		notFound *nwerrors.NotFoundError
		exists   *nwerrors.AlreadyExistsError
		timeout  *nwerrors.TimeoutError
	)
	switch {
	case errors.As(err, &notFound), errors.Is(err, nwerrors.ErrSessionNotFound), errors.Is(err, nwerrors.ErrProjectNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.As(err, &exists), errors.Is(err, nwerrors.ErrProjectExists):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, nwerrors.ErrInvalidInput), errors.Is(err, nwerrors.ErrEmptyPrompt):
		return http.StatusBadRequest, ErrCodeInvalidRequest
	case errors.Is(err, nwerrors.ErrInvalidTransition),
		errors.Is(err, nwerrors.ErrSessionPaused),
		errors.Is(err, nwerrors.ErrSessionStopped),
		errors.Is(err, nwerrors.ErrIterationLimit):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, nwerrors.ErrPrimaryFailed), errors.Is(err, nwerrors.ErrBothFailed):
		return http.StatusBadGateway, ErrCodeEngineFailed
	case errors.As(err, &timeout), errors.Is(err, nwerrors.ErrTimeout):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	default:
		return http.StatusInternalServerError, ErrCodeInternalError
	}
}

// decodeJSON reads a JSON body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return nwerrors.NewValidationError("invalid JSON body").WithCause(err)
	}
	return nil
}
