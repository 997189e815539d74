package queries

import (
	"context"

	client "github.com/hanpama/queryset/internal/client"
)

// AreLoading reports whether any handle is loading.
func AreLoading(hs []Handle) bool {
	for _, h := range hs {
		if h.Loading {
			return true
		}
	}
	return false
}

// CombinedLoading is AreLoading under the name render code tends to use.
func CombinedLoading(hs []Handle) bool { return AreLoading(hs) }

// HasErrors reports whether any handle carries an error.
func HasErrors(hs []Handle) bool {
	for _, h := range hs {
		if h.Error != nil {
			return true
		}
	}
	return false
}

// Errors returns the handles' errors in handle order, leaving out handles
// without one.
func Errors(hs []Handle) []error {
	out := []error{}
	for _, h := range hs {
		if h.Error != nil {
			out = append(out, h.Error)
		}
	}
	return out
}

// AreComplete reports whether every handle has settled with data and no
// error. It is true for an empty list.
func AreComplete(hs []Handle) bool {
	for _, h := range hs {
		if h.Loading || h.Error != nil || h.Data == nil {
			return false
		}
	}
	return true
}

// AllData returns each handle's data in handle order; pending or failed slots
// contribute nil.
func AllData(hs []Handle) []map[string]any {
	out := make([]map[string]any, len(hs))
	for i, h := range hs {
		out[i] = h.Data
	}
	return out
}

// RefetchAll refetches every handle concurrently. It returns the results in
// handle order once all succeeded, or the first error as soon as it arrives
// without waiting for the remaining refetches. Skipped handles are left out
// and keep a nil result.
func RefetchAll(ctx context.Context, hs []Handle) ([]*client.Result, error) {
	return refetchAll(ctx, hs)
}

// HasSuspenseErrors reports whether any suspense handle carries an error.
func HasSuspenseErrors(hs []SuspenseHandle) bool {
	for _, h := range hs {
		if h.Error != nil {
			return true
		}
	}
	return false
}

// SuspenseErrors returns the errors of suspense handles in handle order.
func SuspenseErrors(hs []SuspenseHandle) []error {
	out := []error{}
	for _, h := range hs {
		if h.Error != nil {
			out = append(out, h.Error)
		}
	}
	return out
}

// AllSuspenseData returns each suspense handle's data in handle order.
func AllSuspenseData(hs []SuspenseHandle) []map[string]any {
	out := make([]map[string]any, len(hs))
	for i, h := range hs {
		out[i] = h.Data
	}
	return out
}

// RefetchAllSuspense is RefetchAll for suspense handles.
func RefetchAllSuspense(ctx context.Context, hs []SuspenseHandle) ([]*client.Result, error) {
	return refetchAll(ctx, hs)
}

// SuspenseSummary is the aggregate view returned next to a suspense run.
type SuspenseSummary struct {
	HasErrors bool
	Errors    []error

	handles []SuspenseHandle
}

// Summarize folds resolved suspense handles.
func Summarize(hs []SuspenseHandle) SuspenseSummary {
	return SuspenseSummary{
		HasErrors: HasSuspenseErrors(hs),
		Errors:    SuspenseErrors(hs),
		handles:   hs,
	}
}

// RefetchAll refetches every summarized handle; see RefetchAllSuspense.
func (s SuspenseSummary) RefetchAll(ctx context.Context) ([]*client.Result, error) {
	return RefetchAllSuspense(ctx, s.handles)
}

type refetcher interface {
	Refetch(ctx context.Context, vars map[string]any) (*client.Result, error)
	skipped() bool
}

type refetched struct {
	index  int
	result *client.Result
	err    error
}

func refetchAll[H refetcher](ctx context.Context, hs []H) ([]*client.Result, error) {
	out := make([]*client.Result, len(hs))
	ch := make(chan refetched, len(hs))
	pending := 0
	for i, h := range hs {
		i, h := i, h
		if h.skipped() {
			continue
		}
		pending++
		go func() {
			r, err := h.Refetch(ctx, nil)
			ch <- refetched{index: i, result: r, err: err}
		}()
	}
	for ; pending > 0; pending-- {
		r := <-ch
		if r.err != nil {
			return nil, r.err
		}
		out[r.index] = r.result
	}
	return out, nil
}
