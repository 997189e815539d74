package queries

import (
	"context"
	"sync"

	cache "github.com/hanpama/queryset/internal/cache"
	client "github.com/hanpama/queryset/internal/client"
)

// SuspenseCoordinator runs a fixed-shape list of queries and only hands back
// the list once every slot has data.
type SuspenseCoordinator struct {
	watcher Watcher

	// run serializes Run; mu guards slots and is never held across the join.
	run   sync.Mutex
	mu    sync.Mutex
	slots []slot
}

// NewSuspenseCoordinator returns a coordinator that watches through w.
func NewSuspenseCoordinator(w Watcher) *SuspenseCoordinator {
	return &SuspenseCoordinator{watcher: w}
}

type settled struct {
	index  int
	result client.Result
	err    error
}

// Run registers every slot in order, then waits for all of them. It returns
// every handle once each slot has data, or the first failure as soon as it is
// observed, or ctx.Err(). It never returns a partial list.
//
// A slot fails when it ends with an error and no data, or with any error under
// ErrorPolicyNone. Slots that resolved in an earlier Run with the same
// variables, fetch policy and skip flag are not waited on again. A Close or a
// stopped client ends the wait with client.ErrStopped.
func (s *SuspenseCoordinator) Run(ctx context.Context, configs []Config) ([]SuspenseHandle, error) {
	s.run.Lock()
	defer s.run.Unlock()

	s.mu.Lock()
	for i, cfg := range configs {
		key := configKey(cfg)
		if i < len(s.slots) {
			s.slots[i].q.SetOptions(cfg.watchOptions())
			if s.slots[i].configKey != key {
				s.slots[i].configKey = key
				s.slots[i].resolved = false
			}
			continue
		}
		q := s.watcher.Watch(cfg.Query, cfg.watchOptions())
		s.slots = append(s.slots, slot{q: q, unwatch: func() {}, configKey: key})
	}
	qs := make([]*client.ObservableQuery, len(configs))
	resolved := make([]bool, len(configs))
	for i := range configs {
		qs[i] = s.slots[i].q
		resolved[i] = s.slots[i].resolved
	}
	s.mu.Unlock()

	jctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]client.Result, len(configs))
	waiting := make([]bool, len(configs))
	ch := make(chan settled, len(configs))
	pending := 0
	for i, q := range qs {
		i, q := i, q
		if q.Stopped() {
			return nil, client.ErrStopped
		}
		cur := q.Current()
		if resolved[i] || !cur.Loading {
			results[i] = cur
			continue
		}
		waiting[i] = true
		pending++
		go func() {
			r, err := q.Wait(jctx)
			ch <- settled{index: i, result: r, err: err}
		}()
	}

	for i, cfg := range configs {
		if waiting[i] {
			continue
		}
		if err := failure(cfg, results[i]); err != nil {
			return nil, err
		}
	}
	for ; pending > 0; pending-- {
		st := <-ch
		if st.err != nil {
			return nil, st.err
		}
		if err := failure(configs[st.index], st.result); err != nil {
			return nil, err
		}
		results[st.index] = st.result
	}

	s.mu.Lock()
	for i, q := range qs {
		if i < len(s.slots) && s.slots[i].q == q {
			s.slots[i].resolved = true
		}
	}
	s.mu.Unlock()

	handles := make([]SuspenseHandle, len(configs))
	for i, cfg := range configs {
		h := SuspenseHandle{
			Data:          results[i].Data,
			Error:         results[i].Error,
			NetworkStatus: results[i].NetworkStatus,
		}
		if !cfg.Skip {
			h.q = qs[i]
		}
		handles[i] = h
	}
	return handles, nil
}

// Close stops every slot's query, ending a Run that is waiting on them. A
// later Run starts over with fresh slots.
func (s *SuspenseCoordinator) Close() {
	s.mu.Lock()
	slots := s.slots
	s.slots = nil
	s.mu.Unlock()
	for _, sl := range slots {
		sl.q.Stop()
	}
}

func failure(cfg Config, r client.Result) error {
	if r.Error == nil {
		return nil
	}
	if r.Data == nil || cfg.ErrorPolicy == client.ErrorPolicyNone {
		return r.Error
	}
	return nil
}

func configKey(cfg Config) string {
	skip := "0"
	if cfg.Skip {
		skip = "1"
	}
	return string(cfg.FetchPolicy) + "\x00" + skip + "\x00" + cache.CanonicalJSON(cfg.Variables)
}
