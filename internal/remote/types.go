package remote

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Request is one replayable HTTP call against the remote API.
type Request struct {
	Method string
	URL    string // absolute, or relative to the client's base URL
	Body   []byte
	Header http.Header
}

// Response carries the outcome of a Send. OK reports a 2xx status.
type Response struct {
	OK     bool
	Status int
	JSON   json.RawMessage
}

// StatusError is returned by Send when the remote answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote returned HTTP %d", e.Status)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", e.Status, e.Body)
}
