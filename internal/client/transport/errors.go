package transport

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/atinyakov/hammerchat/internal/apperr"
)

const maxErrorBody = 4 << 10

// classifyTransportError maps a failed round trip to a Connection error.
// Deadline, refused connection and DNS failures are all retryable here.
func classifyTransportError(op string, err error) error {
	return apperr.Wrap(apperr.Connection, op+": message store unavailable", err)
}

// statusError maps a non-success response to an apperr kind. The response
// body is the server's plain-text message.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return apperr.Wrap(kindForStatus(resp.StatusCode), msg, fmt.Errorf("%s: status %d", op, resp.StatusCode))
}

func kindForStatus(code int) apperr.Kind {
	switch {
	case code == http.StatusBadRequest, code == http.StatusUnprocessableEntity, code == http.StatusUnsupportedMediaType:
		return apperr.Validation
	case code == http.StatusUnauthorized:
		return apperr.Authentication
	case code == http.StatusForbidden:
		return apperr.Forbidden
	case code == http.StatusNotFound:
		return apperr.NotFound
	case code == http.StatusConflict:
		return apperr.Conflict
	case code == http.StatusTooManyRequests, code >= 500:
		return apperr.Connection
	default:
		return apperr.Unknown
	}
}
