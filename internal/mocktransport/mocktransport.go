// Package mocktransport provides a scripted transport for tests and demos.
// Responses are matched by canonical query text and variables, and each mock
// is consumed once unless it allows more usages.
package mocktransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	language "github.com/hanpama/queryset/internal/language"
	transport "github.com/hanpama/queryset/internal/transport"
)

// ErrNoMock is returned when no remaining mock matches a request.
var ErrNoMock = errors.New("mocktransport: no more mocked responses")

// Result is one scripted GraphQL response.
type Result struct {
	Data   any
	Errors language.ErrorList
}

// Mock scripts the answer to one request.
type Mock struct {
	// Query is the operation the mock answers.
	Query *language.Document
	// Variables must equal the request variables (compared as JSON).
	Variables map[string]any
	// Result is returned after Delay unless Error is set.
	Result Result
	// Error is returned as a transport failure after Delay.
	Error error
	// Delay postpones the answer; it is cut short by context cancellation.
	Delay time.Duration
	// Stream holds subscription payloads, each sent after Delay.
	Stream []Result
	// MaxUsage is how many requests the mock answers. 0 means once, a
	// negative value means unlimited.
	MaxUsage int
}

// CallRecord captures a single request for assertions.
type CallRecord struct {
	OperationName string
	Query         string
	Variables     map[string]any
	Context       map[string]any
}

// Transport implements transport.Transport and transport.Subscriber with
// pre-seeded mocks, recording every request for inspection.
type Transport struct {
	mu    sync.Mutex
	mocks []*entry
	calls []CallRecord
}

type entry struct {
	Mock
	used int
}

// New creates a Transport answering with mocks.
func New(mocks ...Mock) *Transport {
	t := &Transport{}
	t.Add(mocks...)
	return t
}

// Add appends mocks after the existing ones.
func (t *Transport) Add(mocks ...Mock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range mocks {
		t.mocks = append(t.mocks, &entry{Mock: m})
	}
}

var (
	_ transport.Transport  = (*Transport)(nil)
	_ transport.Subscriber = (*Transport)(nil)
)

// Do answers req with the first matching unused mock.
func (t *Transport) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	m, err := t.take(req)
	if err != nil {
		return nil, err
	}
	if err := sleep(ctx, m.Delay); err != nil {
		return nil, err
	}
	if m.Error != nil {
		return nil, m.Error
	}
	return encode(m.Result)
}

// Subscribe streams the matching mock's Stream payloads, one per Delay.
func (t *Transport) Subscribe(ctx context.Context, req transport.Request) (<-chan transport.Message, error) {
	m, err := t.take(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan transport.Message)
	go func() {
		defer close(ch)
		for _, r := range m.Stream {
			if err := sleep(ctx, m.Delay); err != nil {
				return
			}
			resp, err := encode(r)
			msg := transport.Message{Response: resp, Err: err}
			select {
			case ch <- msg:
			case <-ctx.Done():
				return
			}
		}
		if m.Error != nil {
			select {
			case ch <- transport.Message{Err: m.Error}:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of the recorded requests in arrival order.
func (t *Transport) Calls() []CallRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CallRecord, len(t.calls))
	copy(out, t.calls)
	return out
}

// CallsFor returns the recorded requests for one operation name.
func (t *Transport) CallsFor(operationName string) []CallRecord {
	var out []CallRecord
	for _, c := range t.Calls() {
		if c.OperationName == operationName {
			out = append(out, c)
		}
	}
	return out
}

func (t *Transport) take(req transport.Request) (*entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, CallRecord{
		OperationName: req.OperationName,
		Query:         req.Query,
		Variables:     req.Variables,
		Context:       req.Context,
	})
	want := sameJSON(req.Variables)
	for _, e := range t.mocks {
		if e.Query == nil || e.Query.Source != req.Query {
			continue
		}
		if sameJSON(e.Variables) != want {
			continue
		}
		limit := e.MaxUsage
		if limit == 0 {
			limit = 1
		}
		if limit > 0 && e.used >= limit {
			continue
		}
		e.used++
		return e, nil
	}
	return nil, fmt.Errorf("%w for %s with variables %s", ErrNoMock, req.OperationName, want)
}

// sameJSON renders vars canonically; encoding/json sorts map keys.
func sameJSON(vars map[string]any) string {
	if len(vars) == 0 {
		return "{}"
	}
	b, err := json.Marshal(vars)
	if err != nil {
		return fmt.Sprint(vars)
	}
	return string(b)
}

func encode(r Result) (*transport.Response, error) {
	resp := &transport.Response{Errors: r.Errors}
	if r.Data != nil {
		b, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("mocktransport: encode data: %w", err)
		}
		resp.Data = b
	}
	return resp, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
