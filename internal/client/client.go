// Package client implements the single-operation primitives the coordinators
// build on: one-shot queries, mutations, subscriptions, and watched queries
// (ObservableQuery) that keep their result current through refetches,
// polling, cache writes and subscription updates.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	cache "github.com/hanpama/queryset/internal/cache"
	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	language "github.com/hanpama/queryset/internal/language"
	opid "github.com/hanpama/queryset/internal/opid"
	transport "github.com/hanpama/queryset/internal/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Client executes operations against a transport and keeps results in a
// shared cache.
type Client struct {
	transport   transport.Transport
	subscriber  transport.Subscriber
	cache       *cache.Cache
	logger      *logrus.Logger
	fetchPolicy FetchPolicy
	errorPolicy ErrorPolicy

	inflight singleflight.Group

	mu     sync.Mutex
	active map[*ObservableQuery]struct{}
}

type Option func(*Client)

// WithTransport sets the request/response transport. A transport that also
// implements transport.Subscriber serves subscriptions too, unless
// WithSubscriber overrides it.
func WithTransport(t transport.Transport) Option {
	return func(c *Client) {
		c.transport = t
		if s, ok := t.(transport.Subscriber); ok && c.subscriber == nil {
			c.subscriber = s
		}
	}
}

func WithSubscriber(s transport.Subscriber) Option { return func(c *Client) { c.subscriber = s } }
func WithCache(cc *cache.Cache) Option             { return func(c *Client) { c.cache = cc } }
func WithLogger(l *logrus.Logger) Option           { return func(c *Client) { c.logger = l } }

// WithDefaultFetchPolicy applies p to operations that leave FetchPolicy empty.
func WithDefaultFetchPolicy(p FetchPolicy) Option { return func(c *Client) { c.fetchPolicy = p } }

// WithDefaultErrorPolicy applies p to operations that leave ErrorPolicy empty.
func WithDefaultErrorPolicy(p ErrorPolicy) Option { return func(c *Client) { c.errorPolicy = p } }

// New creates a client. Without WithCache it owns a cache of
// cache.DefaultSize entries; without WithLogger it logs nowhere.
func New(opts ...Option) *Client {
	c := &Client{
		fetchPolicy: CacheFirst,
		errorPolicy: ErrorPolicyNone,
		active:      map[*ObservableQuery]struct{}{},
	}
	for _, f := range opts {
		f(c)
	}
	if c.cache == nil {
		c.cache = cache.New(0)
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetOutput(io.Discard)
	}
	return c
}

// Cache returns the client's result cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

func (c *Client) fetchPolicyOr(p FetchPolicy) FetchPolicy {
	if p == "" {
		return c.fetchPolicy
	}
	return p
}

func (c *Client) errorPolicyOr(p ErrorPolicy) ErrorPolicy {
	if p == "" {
		return c.errorPolicy
	}
	return p
}

// QueryOptions configures a one-shot query.
type QueryOptions struct {
	Variables   map[string]any
	FetchPolicy FetchPolicy
	ErrorPolicy ErrorPolicy
	Context     map[string]any
}

// Query runs doc once. The returned error is the operation error under
// ErrorPolicyNone; other policies report GraphQL errors on the result only.
func (c *Client) Query(ctx context.Context, doc *language.Document, opts QueryOptions) (*Result, error) {
	policy := c.fetchPolicyOr(opts.FetchPolicy)
	errPolicy := c.errorPolicyOr(opts.ErrorPolicy)
	switch policy {
	case CacheFirst, CacheOnly, Standby:
		if data, ok := c.readCache(ctx, doc, opts.Variables); ok {
			return &Result{Data: data, Called: true, NetworkStatus: StatusReady}, nil
		}
		if policy != CacheFirst {
			return nil, ErrCacheMiss
		}
	}
	res := c.execute(ctx, doc, opts.Variables, opts.Context, errPolicy, policy != NoCache)
	return &res, resultErr(res, errPolicy)
}

// resultErr is the error a promise-style call reports for res.
func resultErr(res Result, policy ErrorPolicy) error {
	if res.Error == nil {
		return nil
	}
	if e, ok := res.Error.(*Error); ok && e.NetworkError == nil && policy != ErrorPolicyNone {
		return nil
	}
	return res.Error
}

func (c *Client) readCache(ctx context.Context, doc *language.Document, vars map[string]any) (map[string]any, bool) {
	data, ok := c.cache.Read(cache.KeyOf(doc.Source, vars))
	eventbus.Publish(ctx, events.CacheRead{OperationName: doc.OperationName, Hit: ok})
	return data, ok
}

// execute sends doc to the network and folds the response per errPolicy.
// Identical concurrent queries share one request.
func (c *Client) execute(ctx context.Context, doc *language.Document, vars, opctx map[string]any, errPolicy ErrorPolicy, writeCache bool) Result {
	if c.transport == nil {
		return Result{Error: &Error{NetworkError: ErrNoTransport}, Called: true, NetworkStatus: StatusError}
	}

	var resp *transport.Response
	var err error
	if doc.Operation == language.Query {
		key := string(cache.KeyOf(doc.Source, vars)) + "\x00" + cache.CanonicalJSON(opctx)
		ch := c.inflight.DoChan(key, func() (any, error) {
			return c.send(context.WithoutCancel(ctx), doc, vars, opctx)
		})
		select {
		case r := <-ch:
			resp, _ = r.Val.(*transport.Response)
			err = r.Err
		case <-ctx.Done():
			err = ctx.Err()
		}
	} else {
		resp, err = c.send(ctx, doc, vars, opctx)
	}

	if err != nil {
		c.logger.WithFields(logrus.Fields{"operation": doc.OperationName, "error": err}).Debug("operation failed")
		return Result{Error: &Error{NetworkError: err}, Called: true, NetworkStatus: StatusError}
	}

	var data map[string]any
	if resp.HasData() {
		if err := json.Unmarshal(resp.Data, &data); err != nil {
			return Result{Error: &Error{NetworkError: fmt.Errorf("client: decode data: %w", err)}, Called: true, NetworkStatus: StatusError}
		}
	}

	res := Result{Data: data, Called: true, NetworkStatus: StatusReady}
	if len(resp.Errors) > 0 {
		switch errPolicy {
		case ErrorPolicyIgnore:
		case ErrorPolicyAll:
			res.Error = &Error{GraphQLErrors: resp.Errors}
			res.NetworkStatus = StatusError
		default:
			res.Data = nil
			res.Error = &Error{GraphQLErrors: resp.Errors}
			res.NetworkStatus = StatusError
		}
	}
	if writeCache && res.Data != nil && doc.Operation == language.Query {
		c.cache.Write(cache.KeyOf(doc.Source, vars), res.Data)
	}
	return res
}

func (c *Client) send(ctx context.Context, doc *language.Document, vars, opctx map[string]any) (*transport.Response, error) {
	ctx, _ = opid.NewContext(ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.OperationStart{OperationName: doc.OperationName, OperationType: string(doc.Operation)})
	resp, err := c.transport.Do(ctx, transport.NewRequest(doc, vars, opctx))
	var errs []error
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, ge := range resp.Errors {
			errs = append(errs, ge)
		}
	}
	eventbus.Publish(ctx, events.OperationFinish{
		OperationName: doc.OperationName,
		OperationType: string(doc.Operation),
		Errors:        errs,
		Duration:      time.Since(start),
	})
	return resp, err
}

// MutateOptions configures a mutation.
type MutateOptions struct {
	Variables   map[string]any
	ErrorPolicy ErrorPolicy
	Context     map[string]any
	// RefetchQueries names active watched queries to refetch afterwards.
	RefetchQueries []string
	// AwaitRefetchQueries makes Mutate return only after those refetches.
	AwaitRefetchQueries bool
	// Update runs against the cache once the mutation succeeded.
	Update      func(c *cache.Cache, data map[string]any)
	OnCompleted func(data map[string]any)
	OnError     func(err error)
}

// Mutate runs a mutation. Mutations never read the cache and are never
// deduplicated.
func (c *Client) Mutate(ctx context.Context, doc *language.Document, opts MutateOptions) (*Result, error) {
	errPolicy := c.errorPolicyOr(opts.ErrorPolicy)
	res := c.execute(ctx, doc, opts.Variables, opts.Context, errPolicy, false)
	err := resultErr(res, errPolicy)
	if err != nil {
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return &res, err
	}
	if opts.Update != nil && res.Data != nil {
		opts.Update(c.cache, res.Data)
	}
	if len(opts.RefetchQueries) > 0 {
		refetch := func(ctx context.Context) {
			for _, q := range c.activeNamed(opts.RefetchQueries) {
				_, _ = q.Refetch(ctx, nil)
			}
		}
		if opts.AwaitRefetchQueries {
			refetch(ctx)
		} else {
			go refetch(context.WithoutCancel(ctx))
		}
	}
	if opts.OnCompleted != nil {
		opts.OnCompleted(res.Data)
	}
	return &res, nil
}

func (c *Client) track(q *ObservableQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[q] = struct{}{}
}

func (c *Client) untrack(q *ObservableQuery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, q)
}

func (c *Client) activeNamed(names []string) []*ObservableQuery {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*ObservableQuery
	for q := range c.active {
		if want[q.doc.OperationName] {
			out = append(out, q)
		}
	}
	return out
}

// Stop stops every active watched query.
func (c *Client) Stop() {
	c.mu.Lock()
	qs := make([]*ObservableQuery, 0, len(c.active))
	for q := range c.active {
		qs = append(qs, q)
	}
	c.mu.Unlock()
	for _, q := range qs {
		q.Stop()
	}
}
