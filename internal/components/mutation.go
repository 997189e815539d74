package components

import (
	"context"
	"sync"

	client "github.com/hanpama/queryset/internal/client"
	language "github.com/hanpama/queryset/internal/language"
)

// MutationState holds the state of a mutation across calls to Mutate.
type MutationState struct {
	client *client.Client
	doc    *language.Document
	opts   client.MutateOptions

	mu      sync.Mutex
	data    map[string]any
	loading bool
	err     error
	called  bool
	seq     uint64
}

// Mutation prepares doc for execution with opts as defaults.
func Mutation(c *client.Client, doc *language.Document, opts client.MutateOptions) *MutationState {
	return &MutationState{client: c, doc: doc, opts: opts}
}

// Mutate runs the mutation. Non-nil vars replace the default variables.
func (m *MutationState) Mutate(ctx context.Context, vars map[string]any) (*client.Result, error) {
	opts := m.opts
	if vars != nil {
		opts.Variables = vars
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.loading = true
	m.called = true
	m.mu.Unlock()

	res, err := m.client.Mutate(ctx, m.doc, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if seq == m.seq {
		m.loading = false
		m.data = res.Data
		m.err = res.Error
	}
	return res, err
}

func (m *MutationState) Data() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func (m *MutationState) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

func (m *MutationState) Error() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *MutationState) Called() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.called
}

// Reset returns the state to before the first Mutate. A mutation still in
// flight no longer updates it.
func (m *MutationState) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.data, m.loading, m.err, m.called = nil, false, nil, false
}
