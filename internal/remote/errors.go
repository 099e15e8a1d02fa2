package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNetworkUnavailable covers transport failures, timeouts and server
	// errors. It is expected while the device is offline and always retryable.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrRemoteRejected means the server refused the request; retrying the
	// same payload will not help.
	ErrRemoteRejected = errors.New("remote rejected request")
)

// Error is a non-success response from the remote API.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote status %d", e.Status)
	}
	return fmt.Sprintf("remote status %d: %s", e.Status, e.Message)
}

// Unwrap classifies the response: server errors, timeouts and throttling are
// ErrNetworkUnavailable, everything else ErrRemoteRejected.
func (e *Error) Unwrap() error {
	if Retryable(e.Status) {
		return ErrNetworkUnavailable
	}
	return ErrRemoteRejected
}

// Retryable reports whether a response status is worth retrying.
func Retryable(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// Reason extracts the message to record as a record's sync error.
func Reason(err error) string {
	var re *Error
	if errors.As(err, &re) && re.Message != "" {
		return re.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
