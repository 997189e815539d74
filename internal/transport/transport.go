// Package transport moves GraphQL operations between the client and a server.
//
// Transport covers request/response operations (queries and mutations) and
// Subscriber covers streaming operations. HTTP implements Transport over
// GraphQL-over-HTTP; WebSocket implements Subscriber with the
// graphql-transport-ws protocol.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	language "github.com/hanpama/queryset/internal/language"
)

var (
	// ErrClosed is returned by a transport that has been closed.
	ErrClosed = errors.New("transport: closed")
)

// Request is one GraphQL operation as sent on the wire.
type Request struct {
	Query         string
	OperationName string
	OperationType language.Operation
	Variables     map[string]any
	Extensions    map[string]any
	// Context is the per-operation context supplied by the caller. The HTTP
	// transport reads "headers" from it (map[string]string or http.Header).
	Context map[string]any
}

// NewRequest builds a Request for doc.
func NewRequest(doc *language.Document, vars map[string]any, opctx map[string]any) Request {
	return Request{
		Query:         doc.Source,
		OperationName: doc.OperationName,
		OperationType: doc.Operation,
		Variables:     vars,
		Context:       opctx,
	}
}

// Response is a GraphQL response body.
type Response struct {
	Data       json.RawMessage    `json:"data,omitempty"`
	Errors     language.ErrorList `json:"errors,omitempty"`
	Extensions map[string]any     `json:"extensions,omitempty"`
}

// HasData reports whether the response carried a non-null data member.
func (r *Response) HasData() bool {
	return r != nil && len(r.Data) > 0 && string(r.Data) != "null"
}

// Message is one event on a subscription stream. Exactly one of Response and
// Err is set.
type Message struct {
	Response *Response
	Err      error
}

// Transport executes request/response operations.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// Subscriber starts streaming operations. The returned channel is closed when
// the server completes the operation, the stream fails, or ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, req Request) (<-chan Message, error)
}

// Split routes request/response operations to Transport and subscriptions to
// Subscriber.
type Split struct {
	Transport
	Subscriber
}

// HTTPError reports a non-2xx answer that did not carry a GraphQL response.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("transport: unexpected HTTP status %d: %s", e.StatusCode, e.Body)
}

// wirePayload is the JSON body of an operation on both HTTP and WebSocket.
type wirePayload struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func payloadOf(req Request) wirePayload {
	return wirePayload{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Extensions:    req.Extensions,
	}
}
