package queries

import (
	"context"
	"errors"
	"time"

	client "github.com/hanpama/queryset/internal/client"
	language "github.com/hanpama/queryset/internal/language"
)

// ErrSkipped is returned by controls of a handle whose config is skipped.
var ErrSkipped = errors.New("queries: query is skipped")

// Watcher starts watched queries. *client.Client implements it.
type Watcher interface {
	Watch(doc *language.Document, opts client.WatchOptions) *client.ObservableQuery
}

var _ Watcher = (*client.Client)(nil)

// Config describes one query of a coordinated list. The zero ErrorPolicy and
// FetchPolicy defer to the client's defaults.
type Config struct {
	Query                       *language.Document
	Variables                   map[string]any
	Skip                        bool
	ErrorPolicy                 client.ErrorPolicy
	FetchPolicy                 client.FetchPolicy
	NotifyOnNetworkStatusChange bool
	PollInterval                time.Duration
	Context                     map[string]any
	OnCompleted                 func(data map[string]any)
	OnError                     func(err error)
}

func (c Config) watchOptions() client.WatchOptions {
	return client.WatchOptions{
		Variables:                   c.Variables,
		Skip:                        c.Skip,
		ErrorPolicy:                 c.ErrorPolicy,
		FetchPolicy:                 c.FetchPolicy,
		NotifyOnNetworkStatusChange: c.NotifyOnNetworkStatusChange,
		PollInterval:                c.PollInterval,
		Context:                     c.Context,
		OnCompleted:                 c.OnCompleted,
		OnError:                     c.OnError,
	}
}

// Handle is the state of one slot as of a Run, plus the controls of its
// watched query.
type Handle struct {
	Data          map[string]any
	Loading       bool
	Error         error
	Called        bool
	NetworkStatus client.NetworkStatus

	q *client.ObservableQuery
}

func newHandle(q *client.ObservableQuery, skip bool) Handle {
	r := q.Current()
	h := Handle{
		Data:          r.Data,
		Loading:       r.Loading,
		Error:         r.Error,
		Called:        r.Called,
		NetworkStatus: r.NetworkStatus,
	}
	if !skip {
		h.q = q
	}
	return h
}

// Refetch reruns the query, merging vars over its variables. A skipped
// handle returns ErrSkipped.
func (h Handle) Refetch(ctx context.Context, vars map[string]any) (*client.Result, error) {
	if h.q == nil {
		return nil, ErrSkipped
	}
	return h.q.Refetch(ctx, vars)
}

// FetchMore fetches another page and merges it into Data.
func (h Handle) FetchMore(ctx context.Context, opts client.FetchMoreOptions) (*client.Result, error) {
	if h.q == nil {
		return nil, ErrSkipped
	}
	return h.q.FetchMore(ctx, opts)
}

// UpdateQuery rewrites the cached result. It does nothing when skipped.
func (h Handle) UpdateQuery(fn func(prev map[string]any) map[string]any) {
	if h.q != nil {
		h.q.UpdateQuery(fn)
	}
}

// StartPolling refetches every d.
func (h Handle) StartPolling(d time.Duration) {
	if h.q != nil {
		h.q.StartPolling(d)
	}
}

// StopPolling stops polling.
func (h Handle) StopPolling() {
	if h.q != nil {
		h.q.StopPolling()
	}
}

// SubscribeToMore folds a subscription's payloads into the result.
func (h Handle) SubscribeToMore(ctx context.Context, opts client.SubscribeToMoreOptions) (unsubscribe func()) {
	if h.q == nil {
		return func() {}
	}
	return h.q.SubscribeToMore(ctx, opts)
}

// Decode copies Data into v, matching json tags.
func (h Handle) Decode(v any) error { return client.Decode(h.Data, v) }

func (h Handle) skipped() bool { return h.q == nil }

// SuspenseHandle is a resolved slot of a SuspenseCoordinator. Data is set
// unless the slot is skipped; Error is only set when the slot's error policy
// kept data alongside errors.
type SuspenseHandle struct {
	Data          map[string]any
	Error         error
	NetworkStatus client.NetworkStatus

	q *client.ObservableQuery
}

// Refetch reruns the query, merging vars over its variables.
func (h SuspenseHandle) Refetch(ctx context.Context, vars map[string]any) (*client.Result, error) {
	if h.q == nil {
		return nil, ErrSkipped
	}
	return h.q.Refetch(ctx, vars)
}

// FetchMore fetches another page and merges it into the result.
func (h SuspenseHandle) FetchMore(ctx context.Context, opts client.FetchMoreOptions) (*client.Result, error) {
	if h.q == nil {
		return nil, ErrSkipped
	}
	return h.q.FetchMore(ctx, opts)
}

// SubscribeToMore folds a subscription's payloads into the result.
func (h SuspenseHandle) SubscribeToMore(ctx context.Context, opts client.SubscribeToMoreOptions) (unsubscribe func()) {
	if h.q == nil {
		return func() {}
	}
	return h.q.SubscribeToMore(ctx, opts)
}

// Decode copies Data into v, matching json tags.
func (h SuspenseHandle) Decode(v any) error { return client.Decode(h.Data, v) }

func (h SuspenseHandle) skipped() bool { return h.q == nil }
