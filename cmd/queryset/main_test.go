package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	language "github.com/hanpama/queryset/internal/language"
	mocktransport "github.com/hanpama/queryset/internal/mocktransport"
	mockserver "github.com/hanpama/queryset/internal/mockserver"
	"github.com/stretchr/testify/require"
)

const (
	userSource  = `query User($id: ID!) { user(id: $id) { name } }`
	postsSource = `query Posts { posts { title } }`
	brokenSrc   = `query Broken { broken }`
	ticksSource = `subscription Ticks { tick }`
)

func captureOutput(t *testing.T, fn func() error) (stdout, stderr string, err error) {
	t.Helper()
	oldOut, oldErr := os.Stdout, os.Stderr
	defer func() {
		os.Stdout, os.Stderr = oldOut, oldErr
	}()

	outR, outW, _ := os.Pipe()
	errR, errW, _ := os.Pipe()
	os.Stdout, os.Stderr = outW, errW

	doneOut := make(chan struct{})
	var bufOut bytes.Buffer
	go func() { io.Copy(&bufOut, outR); close(doneOut) }()

	doneErr := make(chan struct{})
	var bufErr bytes.Buffer
	go func() { io.Copy(&bufErr, errR); close(doneErr) }()

	err = fn()
	outW.Close()
	errW.Close()
	<-doneOut
	<-doneErr
	stdout, stderr = bufOut.String(), bufErr.String()
	return
}

func writeOperation(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func newBackend(t *testing.T) *mocktransport.Transport {
	t.Helper()
	return mocktransport.New(
		mocktransport.Mock{
			Query:     language.MustParse(userSource),
			Variables: map[string]any{"id": "1"},
			Delay:     20 * time.Millisecond,
			Result:    mocktransport.Result{Data: map[string]any{"user": map[string]any{"name": "Ada"}}},
			MaxUsage:  -1,
		},
		mocktransport.Mock{
			Query:    language.MustParse(postsSource),
			Result:   mocktransport.Result{Data: map[string]any{"posts": []any{map[string]any{"title": "Hello"}}}},
			MaxUsage: -1,
		},
		mocktransport.Mock{
			Query:    language.MustParse(brokenSrc),
			Result:   mocktransport.Result{Errors: language.ErrorList{{Message: "boom"}}},
			MaxUsage: -1,
		},
		mocktransport.Mock{
			Query: language.MustParse(ticksSource),
			Stream: []mocktransport.Result{
				{Data: map[string]any{"tick": 1}},
				{Data: map[string]any{"tick": 2}},
			},
		},
	)
}

func newServer(t *testing.T) (*httptest.Server, *mocktransport.Transport) {
	t.Helper()
	t.Setenv("QUERYSET_ENDPOINT", "")
	t.Setenv("QUERYSET_WS_ENDPOINT", "")
	t.Setenv("QUERYSET_TOKEN", "")
	mt := newBackend(t)
	srv := httptest.NewServer(mockserver.New(mt, mockserver.WithSubscriber(mt)))
	t.Cleanup(srv.Close)
	return srv, mt
}

func TestHelp(t *testing.T) {
	out, _, err := captureOutput(t, func() error {
		return run([]string{"help", "run"})
	})
	require.NoError(t, err)
	require.Contains(t, out, "run FLAGS")

	out, _, err = captureOutput(t, func() error {
		return run([]string{"help"})
	})
	require.NoError(t, err)
	require.Contains(t, out, "COMMANDS")
}

func TestUnknownCommand(t *testing.T) {
	_, stderr, err := captureOutput(t, func() error {
		return run([]string{"explode"})
	})
	require.Error(t, err)
	require.Contains(t, stderr, "USAGE")
}

func TestRunPrintsResultsInFileOrder(t *testing.T) {
	srv, _ := newServer(t)
	dir := t.TempDir()
	user := writeOperation(t, dir, "user.graphql", userSource)
	posts := writeOperation(t, dir, "posts.graphql", postsSource)

	out, _, err := captureOutput(t, func() error {
		return run([]string{"run", "-endpoint", srv.URL, "-var", `id="1"`, "-var", "unused=3", user, posts})
	})
	require.NoError(t, err)

	var got []outcome
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	want := []outcome{
		{Data: map[string]any{"user": map[string]any{"name": "Ada"}}, NetworkStatus: "ready"},
		{Data: map[string]any{"posts": []any{map[string]any{"title": "Hello"}}}, NetworkStatus: "ready"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("output mismatch (-want +got):\n%s", diff)
	}
}

func TestRunReportsFailures(t *testing.T) {
	srv, _ := newServer(t)
	dir := t.TempDir()
	posts := writeOperation(t, dir, "posts.graphql", postsSource)
	broken := writeOperation(t, dir, "broken.graphql", brokenSrc)

	out, _, err := captureOutput(t, func() error {
		return run([]string{"run", "-endpoint", srv.URL, posts, broken})
	})
	require.EqualError(t, err, "1 of 2 operations failed")

	var got []outcome
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	require.Empty(t, got[0].Errors)
	require.Equal(t, []string{"boom"}, got[1].Errors)
	require.Equal(t, "error", got[1].NetworkStatus)
}

func TestRunSuspenseFailsFast(t *testing.T) {
	srv, _ := newServer(t)
	dir := t.TempDir()
	user := writeOperation(t, dir, "user.graphql", userSource)
	broken := writeOperation(t, dir, "broken.graphql", brokenSrc)

	out, _, err := captureOutput(t, func() error {
		return run([]string{"run", "-suspense", "-endpoint", srv.URL, "-var", `id="1"`, user, broken})
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
	require.Empty(t, out)
}

func TestRunSuspenseWaitsForAll(t *testing.T) {
	srv, mt := newServer(t)
	dir := t.TempDir()
	user := writeOperation(t, dir, "user.graphql", userSource)
	posts := writeOperation(t, dir, "posts.graphql", postsSource)

	out, _, err := captureOutput(t, func() error {
		return run([]string{"run", "-suspense", "-endpoint", srv.URL, "-var", `id="1"`, user, posts})
	})
	require.NoError(t, err)
	var got []outcome
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	require.Equal(t, map[string]any{"user": map[string]any{"name": "Ada"}}, got[0].Data)
	require.Len(t, mt.CallsFor("User"), 1)
}

func TestRunRequiresEndpoint(t *testing.T) {
	_, _ = newServer(t)
	dir := t.TempDir()
	posts := writeOperation(t, dir, "posts.graphql", postsSource)
	_, _, err := captureOutput(t, func() error {
		return run([]string{"run", posts})
	})
	require.Error(t, err)
}

func TestWatchPrintsAggregateChanges(t *testing.T) {
	srv, _ := newServer(t)
	dir := t.TempDir()
	posts := writeOperation(t, dir, "posts.graphql", postsSource)

	out, _, err := captureOutput(t, func() error {
		return run([]string{"watch", "-endpoint", srv.URL, "-poll", "50ms", "-count", "2", posts})
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var first, second watchLine
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.True(t, first.Loading)
	require.False(t, second.Loading)
	require.True(t, second.Complete)
	require.Equal(t, []map[string]any{{"posts": []any{map[string]any{"title": "Hello"}}}}, second.Data)
}

func TestWatchRequiresPoll(t *testing.T) {
	_, _, err := captureOutput(t, func() error {
		return run([]string{"watch", "x.graphql"})
	})
	require.EqualError(t, err, "-poll is required")
}

func TestSubscribe(t *testing.T) {
	srv, _ := newServer(t)
	dir := t.TempDir()
	ticks := writeOperation(t, dir, "ticks.graphql", ticksSource)
	ws := "ws" + strings.TrimPrefix(srv.URL, "http")

	out, _, err := captureOutput(t, func() error {
		return run([]string{"subscribe", "-ws", ws, ticks})
	})
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	var got outcome
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &got))
	require.Equal(t, map[string]any{"tick": float64(2)}, got.Data)
}

func TestSubscribeRejectsQuery(t *testing.T) {
	_, _ = newServer(t)
	dir := t.TempDir()
	posts := writeOperation(t, dir, "posts.graphql", postsSource)
	_, _, err := captureOutput(t, func() error {
		return run([]string{"subscribe", "-ws", "ws://127.0.0.1:1", posts})
	})
	require.ErrorContains(t, err, "not a subscription")
}
