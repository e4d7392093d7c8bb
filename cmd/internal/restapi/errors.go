package restapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrCircuitOpen is returned while the breaker rejects calls to a failing backend.
var ErrCircuitOpen = errors.New("restapi: circuit open")

// APIError is a failed REST call.
// Status is 0 when the request never produced a response (network failure).
type APIError struct {
	Status  int
	Message string
	Err     error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("restapi: network: %s", e.Message)
	}
	return fmt.Sprintf("restapi: status %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == status
}

// errorMessage extracts a user-facing message from an error body.
// Lookup order: message, error, validationErrors.password, then a plain-text body,
// then "Error <status>".
func errorMessage(status int, body []byte) string {
	var peek struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ValidationErrors struct {
			Password string `json:"password"`
		} `json:"validationErrors"`
	}
	if err := json.Unmarshal(body, &peek); err == nil {
		switch {
		case peek.Message != "":
			return peek.Message
		case peek.Error != "":
			return peek.Error
		case peek.ValidationErrors.Password != "":
			return peek.ValidationErrors.Password
		}
	} else if s := strings.TrimSpace(string(body)); s != "" && len(s) <= 200 {
		return s
	}
	return fmt.Sprintf("Error %d", status)
}
