package mocktransport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	language "github.com/hanpama/queryset/internal/language"
	transport "github.com/hanpama/queryset/internal/transport"
	"github.com/stretchr/testify/require"
)

var getUser = language.MustParse(`query GetUser($id: ID!) { user(id: $id) { id name } }`)

func TestMatchesQueryAndVariables(t *testing.T) {
	mt := New(
		Mock{Query: getUser, Variables: map[string]any{"id": "2"}, Result: Result{Data: map[string]any{"user": "two"}}},
		Mock{Query: getUser, Variables: map[string]any{"id": "1"}, Result: Result{Data: map[string]any{"user": "one"}}},
	)
	resp, err := mt.Do(context.Background(), transport.NewRequest(getUser, map[string]any{"id": "1"}, nil))
	require.NoError(t, err)
	require.JSONEq(t, `{"user":"one"}`, string(resp.Data))

	_, err = mt.Do(context.Background(), transport.NewRequest(getUser, map[string]any{"id": "1"}, nil))
	require.ErrorIs(t, err, ErrNoMock)

	want := []CallRecord{
		{OperationName: "GetUser", Query: getUser.Source, Variables: map[string]any{"id": "1"}},
		{OperationName: "GetUser", Query: getUser.Source, Variables: map[string]any{"id": "1"}},
	}
	if diff := cmp.Diff(want, mt.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestMaxUsageUnlimited(t *testing.T) {
	mt := New(Mock{Query: getUser, Variables: map[string]any{"id": "1"}, MaxUsage: -1, Result: Result{Data: map[string]any{}}})
	for i := 0; i < 3; i++ {
		_, err := mt.Do(context.Background(), transport.NewRequest(getUser, map[string]any{"id": "1"}, nil))
		require.NoError(t, err)
	}
	require.Len(t, mt.CallsFor("GetUser"), 3)
}

func TestErrorAndDelay(t *testing.T) {
	boom := errors.New("boom")
	mt := New(Mock{Query: getUser, Variables: map[string]any{"id": "1"}, Error: boom, Delay: 20 * time.Millisecond})
	start := time.Now()
	_, err := mt.Do(context.Background(), transport.NewRequest(getUser, map[string]any{"id": "1"}, nil))
	require.ErrorIs(t, err, boom)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDelayHonoursCancellation(t *testing.T) {
	mt := New(Mock{Query: getUser, Variables: map[string]any{"id": "1"}, Delay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := mt.Do(ctx, transport.NewRequest(getUser, map[string]any{"id": "1"}, nil))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeStreamsPayloads(t *testing.T) {
	onMessage := language.MustParse(`subscription OnMessage { message { id } }`)
	mt := New(Mock{Query: onMessage, Stream: []Result{
		{Data: map[string]any{"message": map[string]any{"id": "1"}}},
		{Data: map[string]any{"message": map[string]any{"id": "2"}}},
	}})
	ch, err := mt.Subscribe(context.Background(), transport.NewRequest(onMessage, nil, nil))
	require.NoError(t, err)
	var got []string
	for msg := range ch {
		require.NoError(t, msg.Err)
		got = append(got, string(msg.Response.Data))
	}
	require.Equal(t, []string{`{"message":{"id":"1"}}`, `{"message":{"id":"2"}}`}, got)
}
