package client

import (
	"errors"
	"strings"

	language "github.com/hanpama/queryset/internal/language"
	"github.com/mitchellh/mapstructure"
)

var (
	// ErrNoTransport is returned when an operation needs the network but the
	// client has no transport for it.
	ErrNoTransport = errors.New("client: no transport configured")
	// ErrCacheMiss is returned by one-shot cache-only reads that find nothing.
	ErrCacheMiss = errors.New("client: cache miss")
)

// FetchPolicy decides how the cache and the network are consulted.
type FetchPolicy string

const (
	CacheFirst      FetchPolicy = "cache-first"
	CacheAndNetwork FetchPolicy = "cache-and-network"
	NetworkOnly     FetchPolicy = "network-only"
	CacheOnly       FetchPolicy = "cache-only"
	NoCache         FetchPolicy = "no-cache"
	Standby         FetchPolicy = "standby"
)

// ErrorPolicy decides how GraphQL errors in a response are folded into the
// result.
type ErrorPolicy string

const (
	// ErrorPolicyNone reports GraphQL errors and discards the response data.
	ErrorPolicyNone ErrorPolicy = "none"
	// ErrorPolicyIgnore keeps the data and drops the errors.
	ErrorPolicyIgnore ErrorPolicy = "ignore"
	// ErrorPolicyAll keeps both.
	ErrorPolicyAll ErrorPolicy = "all"
)

// NetworkStatus mirrors the status codes of watched queries.
type NetworkStatus int

const (
	StatusLoading      NetworkStatus = 1
	StatusSetVariables NetworkStatus = 2
	StatusFetchMore    NetworkStatus = 3
	StatusRefetch      NetworkStatus = 4
	StatusPoll         NetworkStatus = 6
	StatusReady        NetworkStatus = 7
	StatusError        NetworkStatus = 8
)

func (s NetworkStatus) String() string {
	switch s {
	case StatusLoading:
		return "loading"
	case StatusSetVariables:
		return "setVariables"
	case StatusFetchMore:
		return "fetchMore"
	case StatusRefetch:
		return "refetch"
	case StatusPoll:
		return "poll"
	case StatusReady:
		return "ready"
	case StatusError:
		return "error"
	}
	return "unknown"
}

// InFlight reports whether s denotes an active request.
func (s NetworkStatus) InFlight() bool { return s < StatusReady }

// Error is the error of one operation: GraphQL errors from the response, a
// network error, or both.
type Error struct {
	GraphQLErrors language.ErrorList
	NetworkError  error
}

func (e *Error) Error() string {
	if e.NetworkError != nil {
		return "network error: " + e.NetworkError.Error()
	}
	msgs := make([]string, len(e.GraphQLErrors))
	for i, ge := range e.GraphQLErrors {
		msgs[i] = ge.Message
	}
	return strings.Join(msgs, "; ")
}

func (e *Error) Unwrap() error { return e.NetworkError }

// Result is the state of one operation.
type Result struct {
	// Data is nil until a response or cache hit provided it.
	Data          map[string]any
	Loading       bool
	Error         error
	Called        bool
	NetworkStatus NetworkStatus
}

// Decode copies Data into v, matching json tags.
func (r Result) Decode(v any) error { return Decode(r.Data, v) }

// Decode copies data into v, matching json tags and converting JSON numbers.
func Decode(data map[string]any, v any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           v,
	})
	if err != nil {
		return err
	}
	return dec.Decode(data)
}
