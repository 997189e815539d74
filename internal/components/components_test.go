package components

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	client "github.com/hanpama/queryset/internal/client"
	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	fragment "github.com/hanpama/queryset/internal/fragment"
	language "github.com/hanpama/queryset/internal/language"
	mocktransport "github.com/hanpama/queryset/internal/mocktransport"
	"github.com/stretchr/testify/require"
)

var (
	getUser    = language.MustParse(`query GetUser($id: ID!) { user(id: $id) { id name email } }`)
	addTodo    = language.MustParse(`mutation AddTodo($text: String!) { addTodo(text: $text) { id text } }`)
	onMessage  = language.MustParse(`subscription OnMessage { messageAdded { id } }`)
	userData   = map[string]any{"user": map[string]any{"id": "1", "name": "John", "email": "john@example.com"}}
	todoData   = map[string]any{"addTodo": map[string]any{"id": "t1", "text": "write tests"}}
	userVars   = map[string]any{"id": "1"}
	errUnavail = language.ErrorList{{Message: "user unavailable"}}
)

func newClient(mocks ...mocktransport.Mock) *client.Client {
	return client.New(client.WithTransport(mocktransport.New(mocks...)))
}

func TestQueryRendersEveryState(t *testing.T) {
	c := newClient(mocktransport.Mock{Query: getUser, Variables: userVars, Result: mocktransport.Result{Data: userData}, Delay: 5 * time.Millisecond})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var renders []QueryResult
	err := Query(ctx, c, getUser, client.WatchOptions{Variables: userVars}, func(r QueryResult) {
		renders = append(renders, r)
		if !r.Loading {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.GreaterOrEqual(t, len(renders), 2)
	require.True(t, renders[0].Loading)
	last := renders[len(renders)-1]
	require.Equal(t, userData, last.Data)
	require.NotNil(t, last.Query)
}

func TestSuspenseQuery(t *testing.T) {
	c := newClient(mocktransport.Mock{Query: getUser, Variables: userVars, Result: mocktransport.Result{Data: userData}, Delay: 5 * time.Millisecond})

	fallbacks := 0
	var got SuspenseResult
	err := SuspenseQuery(context.Background(), c, getUser, SuspenseQueryOptions{
		Variables: userVars,
		Selector: func(data map[string]any) map[string]any {
			return data["user"].(map[string]any)
		},
		Fallback: func() { fallbacks++ },
	}, func(r SuspenseResult) { got = r })
	require.NoError(t, err)
	require.Equal(t, 1, fallbacks)
	require.Equal(t, "John", got.Data["name"])
	require.Equal(t, client.StatusReady, got.NetworkStatus)
}

func TestSuspenseQueryErrorReachesBoundary(t *testing.T) {
	c := newClient(mocktransport.Mock{Query: getUser, Variables: userVars, Result: mocktransport.Result{Errors: errUnavail}})

	var fallbackErr error
	b := NewBoundary(func(err error, reset func()) { fallbackErr = err })
	rendered := false
	err := b.Render(context.Background(), func() error {
		return SuspenseQuery(context.Background(), c, getUser, SuspenseQueryOptions{Variables: userVars}, func(SuspenseResult) { rendered = true })
	})
	require.False(t, rendered)
	require.EqualError(t, err, "user unavailable")
	require.Equal(t, err, fallbackErr)

	var cerr *client.Error
	require.ErrorAs(t, b.Err(), &cerr)
}

func TestSuspenseQueryEndsWhenClientStops(t *testing.T) {
	c := newClient(mocktransport.Mock{Query: getUser, Variables: userVars, Result: mocktransport.Result{Data: userData}, Delay: 50 * time.Millisecond})

	errc := make(chan error, 1)
	go func() {
		errc <- SuspenseQuery(context.Background(), c, getUser, SuspenseQueryOptions{Variables: userVars}, func(SuspenseResult) {})
	}()
	time.Sleep(10 * time.Millisecond)
	c.Stop()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, client.ErrStopped)
	case <-time.After(30 * time.Millisecond):
		t.Fatal("SuspenseQuery still blocked after the client stopped")
	}
}

func TestMutationState(t *testing.T) {
	c := newClient(mocktransport.Mock{
		Query:     addTodo,
		Variables: map[string]any{"text": "write tests"},
		Result:    mocktransport.Result{Data: todoData},
		Delay:     10 * time.Millisecond,
	})
	m := Mutation(c, addTodo, client.MutateOptions{})
	require.False(t, m.Called())

	done := make(chan error, 1)
	go func() {
		_, err := m.Mutate(context.Background(), map[string]any{"text": "write tests"})
		done <- err
	}()
	require.Eventually(t, m.Loading, time.Second, time.Millisecond)
	require.NoError(t, <-done)

	require.False(t, m.Loading())
	require.True(t, m.Called())
	require.NoError(t, m.Error())
	if diff := cmp.Diff(todoData, m.Data()); diff != "" {
		t.Fatalf("mutation data mismatch (-want +got):\n%s", diff)
	}

	m.Reset()
	require.False(t, m.Called())
	require.Nil(t, m.Data())
}

func TestMutationError(t *testing.T) {
	c := newClient(mocktransport.Mock{
		Query:     addTodo,
		Variables: map[string]any{"text": "x"},
		Result:    mocktransport.Result{Errors: language.ErrorList{{Message: "text too short"}}},
	})
	m := Mutation(c, addTodo, client.MutateOptions{Variables: map[string]any{"text": "x"}})
	_, err := m.Mutate(context.Background(), nil)
	require.EqualError(t, err, "text too short")
	require.EqualError(t, m.Error(), "text too short")
	require.Nil(t, m.Data())
}

func TestSubscription(t *testing.T) {
	c := newClient(mocktransport.Mock{
		Query: onMessage,
		Stream: []mocktransport.Result{
			{Data: map[string]any{"messageAdded": map[string]any{"id": "m1"}}},
			{Data: map[string]any{"messageAdded": map[string]any{"id": "m2"}}},
		},
	})
	var renders []SubscriptionResult
	err := Subscription(context.Background(), c, onMessage, nil, func(r SubscriptionResult) {
		renders = append(renders, r)
	})
	require.NoError(t, err)
	require.Len(t, renders, 3)
	require.True(t, renders[0].Loading)
	require.Equal(t, map[string]any{"id": "m2"}, renders[2].Data["messageAdded"])
}

func TestBoundaryRecoversPanicsUntilReset(t *testing.T) {
	bus := eventbus.New()
	eventbus.Use(bus)
	defer eventbus.Use(nil)
	var (
		mu     sync.Mutex
		caught []events.BoundaryCaught
	)
	eventbus.On(bus, func(_ context.Context, e events.BoundaryCaught) {
		mu.Lock()
		defer mu.Unlock()
		caught = append(caught, e)
	})

	var resetFn func()
	fallbacks := 0
	b := NewBoundary(func(err error, reset func()) {
		fallbacks++
		resetFn = reset
	})

	err := b.Render(context.Background(), func() error { panic("render exploded") })
	require.EqualError(t, err, "panic: render exploded")

	calls := 0
	err = b.Render(context.Background(), func() error { calls++; return nil })
	require.Error(t, err)
	require.Zero(t, calls)
	require.Equal(t, 2, fallbacks)

	resetFn()
	require.NoError(t, b.Render(context.Background(), func() error { calls++; return nil }))
	require.Equal(t, 1, calls)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, caught, 1)
	require.True(t, caught[0].Recovered)
}

func TestBoundaryKeepsReturnedErrors(t *testing.T) {
	boom := errors.New("boom")
	b := NewBoundary(nil)
	require.ErrorIs(t, b.Render(context.Background(), func() error { return boom }), boom)
	require.ErrorIs(t, b.Err(), boom)
	b.Reset()
	require.NoError(t, b.Err())
}

func TestSuspenseFragment(t *testing.T) {
	doc, err := language.ParseFragments(`fragment UserFragment on User { user { name email } }`)
	require.NoError(t, err)

	var got map[string]any
	err = SuspenseFragment(doc, "UserFragment", userData, func(data map[string]any) { got = data })
	require.NoError(t, err)
	require.Equal(t, map[string]any{"user": map[string]any{"name": "John", "email": "john@example.com"}}, got)

	err = SuspenseFragment(doc, "UserFragment", map[string]any{"user": map[string]any{"name": "John"}}, func(map[string]any) {
		t.Fatal("incomplete data rendered")
	})
	require.ErrorIs(t, err, fragment.ErrIncomplete)
}
