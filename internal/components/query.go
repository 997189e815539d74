// Package components offers render-callback wrappers over the client
// primitives. A wrapper drives one operation and invokes its children callback
// once per state the caller should render.
package components

import (
	"context"

	client "github.com/hanpama/queryset/internal/client"
	language "github.com/hanpama/queryset/internal/language"
)

// QueryResult is what a Query child renders.
type QueryResult struct {
	client.Result
	// Query exposes the controls of the running query.
	Query *client.ObservableQuery
}

// Query watches doc and calls children with the initial state and after every
// change, one call at a time, until ctx ends. It returns ctx.Err().
func Query(ctx context.Context, c *client.Client, doc *language.Document, opts client.WatchOptions, children func(QueryResult)) error {
	q := c.Watch(doc, opts)
	defer q.Stop()

	changed := make(chan struct{}, 1)
	defer q.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})()

	for {
		children(QueryResult{Result: q.Current(), Query: q})
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// SuspenseQueryOptions configures SuspenseQuery.
type SuspenseQueryOptions struct {
	Variables   map[string]any
	FetchPolicy client.FetchPolicy
	ErrorPolicy client.ErrorPolicy
	Context     map[string]any
	// Selector maps the data before children sees it.
	Selector func(data map[string]any) map[string]any
	// Fallback is called once when the data is not available right away.
	Fallback func()
}

// SuspenseResult is what a SuspenseQuery child renders.
type SuspenseResult struct {
	Data          map[string]any
	Error         error
	NetworkStatus client.NetworkStatus
	Query         *client.ObservableQuery
}

// SuspenseQuery blocks until doc has data, then calls children once. Failures
// are returned instead of rendered so an enclosing Boundary can catch them.
func SuspenseQuery(ctx context.Context, c *client.Client, doc *language.Document, opts SuspenseQueryOptions, children func(SuspenseResult)) error {
	q := c.Watch(doc, client.WatchOptions{
		Variables:   opts.Variables,
		FetchPolicy: opts.FetchPolicy,
		ErrorPolicy: opts.ErrorPolicy,
		Context:     opts.Context,
	})
	defer q.Stop()

	if opts.Fallback != nil && q.Current().Loading {
		opts.Fallback()
	}
	r, err := q.Wait(ctx)
	if err != nil {
		return err
	}
	if r.Error != nil && (r.Data == nil || opts.ErrorPolicy == client.ErrorPolicyNone) {
		return r.Error
	}
	data := r.Data
	if opts.Selector != nil {
		data = opts.Selector(data)
	}
	children(SuspenseResult{Data: data, Error: r.Error, NetworkStatus: r.NetworkStatus, Query: q})
	return nil
}

// SubscriptionResult is what a Subscription child renders.
type SubscriptionResult struct {
	Data    map[string]any
	Loading bool
	Error   error
}

// Subscription runs doc and calls children with a loading state and then with
// every payload. It returns nil when the server completes the stream and
// ctx.Err() when ctx ends first.
func Subscription(ctx context.Context, c *client.Client, doc *language.Document, vars map[string]any, children func(SubscriptionResult)) error {
	stream, err := c.Subscribe(ctx, doc, client.SubscribeOptions{Variables: vars})
	if err != nil {
		return err
	}
	children(SubscriptionResult{Loading: true})
	for r := range stream {
		children(SubscriptionResult{Data: r.Data, Error: r.Error})
	}
	return ctx.Err()
}
