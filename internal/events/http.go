package events

import (
	"net/http"
	"time"
)

// HTTPStart is emitted when the HTTP transport sends a request.
// Context carries the operation context.
type HTTPStart struct {
	Request *http.Request
	Attempt int
}

// HTTPFinish is emitted after the response headers arrive or the round trip failed.
type HTTPFinish struct {
	Request  *http.Request
	Status   int
	Err      error
	Duration time.Duration
}
