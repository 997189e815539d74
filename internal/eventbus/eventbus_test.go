package eventbus

import (
	"context"
	"testing"
)

type ping struct{ n int }
type pong struct{}

func TestDispatchByType(t *testing.T) {
	b := New()
	var got []int
	On(b, func(_ context.Context, p ping) { got = append(got, p.n) })
	pongs := 0
	On(b, func(_ context.Context, _ pong) { pongs++ })

	b.emit(context.Background(), ping{n: 1})
	b.emit(context.Background(), ping{n: 2})
	b.emit(context.Background(), pong{})

	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected pings %v", got)
	}
	if pongs != 1 {
		t.Fatalf("expected one pong, got %d", pongs)
	}
}

func TestUnsubscribeRemovesOnlyThatHandler(t *testing.T) {
	b := New()
	a, c := 0, 0
	unA := On(b, func(context.Context, ping) { a++ })
	On(b, func(context.Context, ping) { c++ })

	unA()
	unA()
	b.emit(context.Background(), ping{})
	if a != 0 || c != 1 {
		t.Fatalf("a=%d c=%d", a, c)
	}
}

func TestGlobalBus(t *testing.T) {
	Use(nil)
	Publish(context.Background(), ping{})
	if un := Subscribe(func(context.Context, ping) {}); un == nil {
		t.Fatalf("expected no-op unsubscribe")
	}

	b := New()
	Use(b)
	defer Use(nil)
	n := 0
	un := Subscribe(func(context.Context, ping) { n++ })
	Publish(context.Background(), ping{})
	un()
	Publish(context.Background(), ping{})
	if n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if global.Load() != b {
		t.Fatalf("current bus mismatch")
	}
}
