package httpx

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/target/researchq/internal/errors"
)

// ClientIDHeader carries the caller identity used for admission control.
const ClientIDHeader = "X-Client-ID"

// clientID resolves the caller identity from the X-Client-ID header, falling
// back to the client_id query parameter.
func clientID(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(ClientIDHeader)); v != "" {
		return v
	}
	return strings.TrimSpace(r.URL.Query().Get("client_id"))
}

// statusFor maps an application error onto an HTTP status code.
func statusFor(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.ErrCodeValidation:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict, apperrors.ErrCodeForeignKey:
		return http.StatusConflict
	case apperrors.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrCodeQueueUnavailable, apperrors.ErrCodeStore, apperrors.ErrCodeLogStore:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeAppError writes err using its application error code.
func writeAppError(w http.ResponseWriter, err error) {
	code := string(apperrors.GetCode(err))
	if code == "" {
		code = string(apperrors.ErrCodeInternal)
	}
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak internals of unexpected failures.
		message = "internal server error"
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", retryAfterSeconds(apperrors.GetRetryAfter(err)))
	}
	WriteError(w, status, code, message)
}

// retryAfterSeconds renders d as whole seconds, rounded up, never below one.
func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(int(math.Ceil(d.Seconds())), 1))
}
