package components

import (
	"context"
	"fmt"
	"io"
	"sync"

	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	"github.com/sirupsen/logrus"
)

// Boundary contains failures of the render functions it wraps. Once it caught
// one it renders its fallback until Reset.
type Boundary struct {
	fallback func(err error, reset func())
	logger   *logrus.Logger

	mu  sync.Mutex
	err error
}

type BoundaryOption func(*Boundary)

func WithBoundaryLogger(l *logrus.Logger) BoundaryOption { return func(b *Boundary) { b.logger = l } }

// NewBoundary creates a boundary. fallback receives the caught error and a
// function that resets the boundary; it may be nil.
func NewBoundary(fallback func(err error, reset func()), opts ...BoundaryOption) *Boundary {
	b := &Boundary{fallback: fallback}
	for _, f := range opts {
		f(b)
	}
	if b.logger == nil {
		b.logger = logrus.New()
		b.logger.SetOutput(io.Discard)
	}
	return b
}

// Render runs fn unless the boundary already holds an error. An error returned
// by fn or a panic inside it is logged, published and kept, and the fallback
// is rendered instead. Render returns the error the boundary holds afterwards.
func (b *Boundary) Render(ctx context.Context, fn func() error) error {
	if err := b.Err(); err != nil {
		b.renderFallback(err)
		return err
	}

	recovered, err := run(fn)
	if err == nil {
		return nil
	}
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{"error": err, "panic": recovered}).Error("boundary caught error")
	eventbus.Publish(ctx, events.BoundaryCaught{Err: err, Recovered: recovered})
	b.renderFallback(err)
	return err
}

func run(fn func() error) (recovered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
			} else {
				err = fmt.Errorf("panic: %v", r)
			}
			recovered = true
		}
	}()
	return false, fn()
}

func (b *Boundary) renderFallback(err error) {
	if b.fallback != nil {
		b.fallback(err, b.Reset)
	}
}

// Err returns the caught error, or nil.
func (b *Boundary) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Reset clears the caught error so the next Render runs its function again.
func (b *Boundary) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.err = nil
}
