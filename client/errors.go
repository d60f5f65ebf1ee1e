package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/passd/api"
)

// ErrConflict indicates a conditional write lost the race: the row no
// longer matched the expected state when the update was applied.
var ErrConflict = errors.New("client: conditional write conflict")

// APIError carries the HTTP status and the store's error envelope.
type APIError struct {
	Status  int
	Method  string
	Path    string
	Message string
	Code    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("store: %s %s: %d %s", e.Method, e.Path, e.Status, msg)
}

func decodeAPIError(resp *http.Response, method, path string) error {
	apiErr := &APIError{Status: resp.StatusCode, Method: method, Path: path}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if err == nil && len(body) > 0 {
		var envelope api.Error
		if json.Unmarshal(body, &envelope) == nil && envelope.Message != "" {
			apiErr.Message = envelope.Message
			apiErr.Code = envelope.Code
		} else {
			apiErr.Message = strings.TrimSpace(string(body))
		}
	}
	return apiErr
}

// transient reports whether err is worth an in-call retry: network errors
// and 5xx responses are; 4xx responses and conflicts are not.
func transient(err error) bool {
	if errors.Is(err, ErrConflict) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	// Anything without an HTTP status is a transport failure.
	return true
}

// isConflictStatus reports whether err is an APIError with a duplicate-key
// style status (409).
func isConflictStatus(err error, out **APIError) bool {
	if errors.As(err, out) {
		return (*out).Status == http.StatusConflict
	}
	return false
}
