package client

import (
	"context"
	"errors"
	"sync"
	"time"

	cache "github.com/hanpama/queryset/internal/cache"
	language "github.com/hanpama/queryset/internal/language"
)

// ErrStopped is returned by controls of a stopped ObservableQuery.
var ErrStopped = errors.New("client: query stopped")

// WatchOptions configures a watched query.
type WatchOptions struct {
	Variables                   map[string]any
	Skip                        bool
	FetchPolicy                 FetchPolicy
	ErrorPolicy                 ErrorPolicy
	NotifyOnNetworkStatusChange bool
	PollInterval                time.Duration
	Context                     map[string]any
	OnCompleted                 func(data map[string]any)
	OnError                     func(err error)
}

// FetchMoreOptions configures ObservableQuery.FetchMore.
type FetchMoreOptions struct {
	// Query defaults to the watched document.
	Query *language.Document
	// Variables are merged over the watched query's variables.
	Variables map[string]any
	// UpdateQuery merges the fetched page into the current data. Without it
	// the fetched data replaces the current data.
	UpdateQuery func(prev, more map[string]any) map[string]any
}

// SubscribeToMoreOptions configures ObservableQuery.SubscribeToMore.
type SubscribeToMoreOptions struct {
	Document    *language.Document
	Variables   map[string]any
	UpdateQuery func(prev, next map[string]any) map[string]any
	OnError     func(err error)
}

// ObservableQuery is a long-lived query whose Result changes over time. It
// starts fetching when created by Client.Watch and runs until Stop.
//
// Callbacks passed to UpdateQuery, FetchMoreOptions.UpdateQuery and
// SubscribeToMoreOptions.UpdateQuery run while the query is locked and must
// not call back into it.
type ObservableQuery struct {
	client *Client
	doc    *language.Document

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	opts      WatchOptions
	result    Result
	seq       uint64
	stopped   bool
	listeners map[uint64]func()
	nextID    uint64
	watchKey  cache.Key
	unwatch   func()
	pollStop  chan struct{}
}

type fetchPlan struct {
	doc        *language.Document
	vars       map[string]any
	writeCache bool
	merge      func(prev, more map[string]any) map[string]any
}

// Watch starts a watched query for doc. Skipped and standby queries stay idle
// and never reach the network.
func (c *Client) Watch(doc *language.Document, opts WatchOptions) *ObservableQuery {
	ctx, cancel := context.WithCancel(context.Background())
	q := &ObservableQuery{
		client:    c,
		doc:       doc,
		ctx:       ctx,
		cancel:    cancel,
		opts:      opts,
		listeners: map[uint64]func(){},
	}
	c.track(q)

	q.mu.Lock()
	seq, plan, fetch := q.beginLocked(StatusLoading)
	q.mu.Unlock()
	if fetch {
		go q.complete(q.ctx, seq, plan)
	}
	if opts.PollInterval > 0 && !opts.Skip {
		q.StartPolling(opts.PollInterval)
	}
	return q
}

// beginLocked resets the result for the current options and reports whether
// a network request must follow.
func (q *ObservableQuery) beginLocked(status NetworkStatus) (uint64, fetchPlan, bool) {
	q.seq++
	policy := q.client.fetchPolicyOr(q.opts.FetchPolicy)
	q.rewatchLocked(policy)
	plan := fetchPlan{doc: q.doc, vars: q.opts.Variables, writeCache: policy != NoCache}
	if q.opts.Skip || policy == Standby {
		q.result = Result{NetworkStatus: StatusReady}
		return q.seq, plan, false
	}

	var data map[string]any
	hit := false
	if policy != NetworkOnly && policy != NoCache {
		data, hit = q.client.readCache(q.ctx, q.doc, q.opts.Variables)
	}
	switch {
	case hit && (policy == CacheFirst || policy == CacheOnly):
		q.result = Result{Data: data, Called: true, NetworkStatus: StatusReady}
		return q.seq, plan, false
	case policy == CacheOnly:
		q.result = Result{Called: true, NetworkStatus: StatusReady}
		return q.seq, plan, false
	}
	q.result = Result{Data: data, Loading: true, Called: true, NetworkStatus: status}
	return q.seq, plan, true
}

func (q *ObservableQuery) rewatchLocked(policy FetchPolicy) {
	if policy == NoCache || q.opts.Skip {
		if q.unwatch != nil {
			q.unwatch()
			q.unwatch = nil
			q.watchKey = ""
		}
		return
	}
	key := cache.KeyOf(q.doc.Source, q.opts.Variables)
	if q.unwatch != nil && key == q.watchKey {
		return
	}
	if q.unwatch != nil {
		q.unwatch()
	}
	q.watchKey = key
	q.unwatch = q.client.cache.Watch(key, q.onCacheWrite)
}

func (q *ObservableQuery) onCacheWrite(data map[string]any) {
	q.mu.Lock()
	if q.stopped || q.result.Loading {
		q.mu.Unlock()
		return
	}
	q.result.Data = data
	q.mu.Unlock()
	q.emit()
}

// announceLocked claims a new request sequence and, when show is set,
// exposes the in-flight status.
func (q *ObservableQuery) announceLocked(status NetworkStatus, show bool) uint64 {
	q.seq++
	if show {
		q.result.Loading = true
		q.result.Called = true
		q.result.NetworkStatus = status
	}
	return q.seq
}

// complete runs plan and applies its outcome unless a newer request or Stop
// superseded it.
func (q *ObservableQuery) complete(ctx context.Context, seq uint64, plan fetchPlan) Result {
	q.mu.Lock()
	errPolicy := q.client.errorPolicyOr(q.opts.ErrorPolicy)
	opctx := q.opts.Context
	q.mu.Unlock()

	res := q.client.execute(ctx, plan.doc, plan.vars, opctx, errPolicy, plan.writeCache && plan.merge == nil)

	q.mu.Lock()
	if q.stopped || seq != q.seq {
		q.mu.Unlock()
		return res
	}
	if plan.merge != nil {
		if res.Error != nil && res.Data == nil {
			q.result.Loading = false
			q.result.NetworkStatus = StatusReady
			if q.result.Error != nil {
				q.result.NetworkStatus = StatusError
			}
			q.mu.Unlock()
			q.emit()
			return res
		}
		res.Data = plan.merge(q.result.Data, res.Data)
		key := cache.KeyOf(q.doc.Source, q.opts.Variables)
		write := plan.writeCache
		q.mu.Unlock()
		if write {
			q.client.cache.Write(key, res.Data)
		}
		q.mu.Lock()
		if q.stopped || seq != q.seq {
			q.mu.Unlock()
			return res
		}
	}
	q.result = res
	q.result.Called = true
	onCompleted, onError := q.opts.OnCompleted, q.opts.OnError
	q.mu.Unlock()

	q.emit()
	if res.Error != nil {
		if onError != nil {
			onError(res.Error)
		}
	} else if onCompleted != nil {
		onCompleted(res.Data)
	}
	return res
}

// Current returns the latest result.
func (q *ObservableQuery) Current() Result {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.result
}

// Document returns the watched operation.
func (q *ObservableQuery) Document() *language.Document { return q.doc }

// Variables returns the variables of the latest request.
func (q *ObservableQuery) Variables() map[string]any {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.opts.Variables
}

// OnChange registers fn to run after every result change.
func (q *ObservableQuery) OnChange(fn func()) (unsubscribe func()) {
	q.mu.Lock()
	q.nextID++
	id := q.nextID
	q.listeners[id] = fn
	q.mu.Unlock()
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.listeners, id)
	}
}

func (q *ObservableQuery) emit() {
	q.mu.Lock()
	fns := make([]func(), 0, len(q.listeners))
	for _, fn := range q.listeners {
		fns = append(fns, fn)
	}
	q.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Stopped reports whether Stop was called.
func (q *ObservableQuery) Stopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// Wait blocks until the query is not loading and returns that result. It
// returns ErrStopped once the query is stopped.
func (q *ObservableQuery) Wait(ctx context.Context) (Result, error) {
	changed := make(chan struct{}, 1)
	unsubscribe := q.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()
	for {
		q.mu.Lock()
		r, stopped := q.result, q.stopped
		q.mu.Unlock()
		if stopped {
			return r, ErrStopped
		}
		if !r.Loading {
			return r, nil
		}
		select {
		case <-ctx.Done():
			return r, ctx.Err()
		case <-changed:
		}
	}
}

// SetOptions replaces the options. Changed variables, fetch policy or skip
// restart the query; a changed poll interval restarts polling. Polling
// started by hand survives unchanged options.
func (q *ObservableQuery) SetOptions(opts WatchOptions) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	prev := q.opts
	q.opts = opts
	restart := cache.CanonicalJSON(prev.Variables) != cache.CanonicalJSON(opts.Variables) ||
		q.client.fetchPolicyOr(prev.FetchPolicy) != q.client.fetchPolicyOr(opts.FetchPolicy) ||
		prev.Skip != opts.Skip
	var (
		seq   uint64
		plan  fetchPlan
		fetch bool
	)
	if restart {
		status := StatusSetVariables
		if !q.result.Called {
			status = StatusLoading
		}
		seq, plan, fetch = q.beginLocked(status)
	}
	q.mu.Unlock()

	if restart {
		q.emit()
	}
	if fetch {
		go q.complete(q.ctx, seq, plan)
	}
	switch {
	case opts.Skip && !prev.Skip:
		q.StopPolling()
	case opts.Skip:
	case opts.PollInterval > 0 && (opts.PollInterval != prev.PollInterval || prev.Skip):
		q.StartPolling(opts.PollInterval)
	case opts.PollInterval <= 0 && prev.PollInterval > 0:
		q.StopPolling()
	}
}

// Refetch re-runs the query against the network, merging vars over the
// current variables. It waits for the response; the error follows the
// query's error policy.
func (q *ObservableQuery) Refetch(ctx context.Context, vars map[string]any) (*Result, error) {
	return q.refetch(ctx, vars, StatusRefetch)
}

func (q *ObservableQuery) refetch(ctx context.Context, vars map[string]any, status NetworkStatus) (*Result, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	if len(vars) > 0 {
		q.opts.Variables = mergeVars(q.opts.Variables, vars)
	}
	policy := q.client.fetchPolicyOr(q.opts.FetchPolicy)
	errPolicy := q.client.errorPolicyOr(q.opts.ErrorPolicy)
	q.rewatchLocked(policy)
	plan := fetchPlan{doc: q.doc, vars: q.opts.Variables, writeCache: policy != NoCache}
	show := q.opts.NotifyOnNetworkStatusChange
	seq := q.announceLocked(status, show)
	q.mu.Unlock()

	if show {
		q.emit()
	}
	res := q.complete(ctx, seq, plan)
	return &res, resultErr(res, errPolicy)
}

// FetchMore fetches another page and merges it into the current data.
func (q *ObservableQuery) FetchMore(ctx context.Context, opts FetchMoreOptions) (*Result, error) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	doc := opts.Query
	if doc == nil {
		doc = q.doc
	}
	merge := opts.UpdateQuery
	if merge == nil {
		merge = func(_, more map[string]any) map[string]any { return more }
	}
	policy := q.client.fetchPolicyOr(q.opts.FetchPolicy)
	errPolicy := q.client.errorPolicyOr(q.opts.ErrorPolicy)
	plan := fetchPlan{
		doc:        doc,
		vars:       mergeVars(q.opts.Variables, opts.Variables),
		writeCache: policy != NoCache,
		merge:      merge,
	}
	show := q.opts.NotifyOnNetworkStatusChange
	seq := q.announceLocked(StatusFetchMore, show)
	q.mu.Unlock()

	if show {
		q.emit()
	}
	res := q.complete(ctx, seq, plan)
	return &res, resultErr(res, errPolicy)
}

// UpdateQuery replaces the current data with fn(current) and writes it to the
// cache so other watchers of the same request observe it.
func (q *ObservableQuery) UpdateQuery(fn func(prev map[string]any) map[string]any) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	next := fn(q.result.Data)
	q.result.Data = next
	write := q.client.fetchPolicyOr(q.opts.FetchPolicy) != NoCache
	key := cache.KeyOf(q.doc.Source, q.opts.Variables)
	q.mu.Unlock()

	if write {
		q.client.cache.Write(key, next)
	}
	q.emit()
}

// StartPolling refetches from the network every d until StopPolling or Stop.
func (q *ObservableQuery) StartPolling(d time.Duration) {
	if d <= 0 {
		return
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	if q.pollStop != nil {
		close(q.pollStop)
	}
	stop := make(chan struct{})
	q.pollStop = stop
	q.mu.Unlock()

	go func() {
		tick := time.NewTicker(d)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-q.ctx.Done():
				return
			case <-tick.C:
				_, _ = q.refetch(q.ctx, nil, StatusPoll)
			}
		}
	}()
}

// StopPolling stops a poller started by StartPolling or PollInterval.
func (q *ObservableQuery) StopPolling() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pollStop != nil {
		close(q.pollStop)
		q.pollStop = nil
	}
}

// SubscribeToMore starts a subscription whose payloads are folded into the
// query's data with opts.UpdateQuery. It ends with Stop, ctx, or unsubscribe.
func (q *ObservableQuery) SubscribeToMore(ctx context.Context, opts SubscribeToMoreOptions) (unsubscribe func()) {
	sctx, cancel := context.WithCancel(ctx)
	stopWithQuery := context.AfterFunc(q.ctx, cancel)
	unsubscribe = func() {
		stopWithQuery()
		cancel()
	}

	q.mu.Lock()
	opctx := q.opts.Context
	q.mu.Unlock()
	stream, err := q.client.Subscribe(sctx, opts.Document, SubscribeOptions{Variables: opts.Variables, Context: opctx})
	if err != nil {
		unsubscribe()
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return unsubscribe
	}
	go func() {
		for r := range stream {
			r := r
			if r.Error != nil {
				if opts.OnError != nil {
					opts.OnError(r.Error)
				}
				continue
			}
			if opts.UpdateQuery == nil || r.Data == nil {
				continue
			}
			q.UpdateQuery(func(prev map[string]any) map[string]any {
				return opts.UpdateQuery(prev, r.Data)
			})
		}
	}()
	return unsubscribe
}

// Stop releases the query: in-flight requests are abandoned, polling and
// subscriptions end, and the cache is no longer watched. Listeners are told
// once more so that waiters observe the stop.
func (q *ObservableQuery) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.result.Loading = false
	if q.unwatch != nil {
		q.unwatch()
		q.unwatch = nil
	}
	if q.pollStop != nil {
		close(q.pollStop)
		q.pollStop = nil
	}
	q.mu.Unlock()
	q.cancel()
	q.client.untrack(q)
	q.emit()
}

func mergeVars(base, over map[string]any) map[string]any {
	if len(over) == 0 {
		return base
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}
