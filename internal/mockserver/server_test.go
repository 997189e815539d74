package mockserver

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/go-cmp/cmp"
	language "github.com/hanpama/queryset/internal/language"
	mocktransport "github.com/hanpama/queryset/internal/mocktransport"
)

var hello = language.MustParse(`query Hello { hello }`)

func newTestHandler(t *testing.T, opts ...Option) *Handler {
	t.Helper()
	mt := mocktransport.New(mocktransport.Mock{
		Query:    hello,
		MaxUsage: -1,
		Result:   mocktransport.Result{Data: map[string]any{"hello": "world"}},
	})
	return New(mt, opts...)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) any {
	t.Helper()
	var v any
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestPost(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"query Hello { hello }"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	want := map[string]any{"data": map[string]any{"hello": "world"}}
	if diff := cmp.Diff(want, decode(t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestGet(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest("GET", "/?query="+url.QueryEscape("query Hello { hello }"), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	want := map[string]any{"data": map[string]any{"hello": "world"}}
	if diff := cmp.Diff(want, decode(t, w)); diff != "" {
		t.Fatalf("response mismatch (-want +got):\n%s", diff)
	}
}

func TestBatch(t *testing.T) {
	h := newTestHandler(t)
	body := `[{"query":"query Hello { hello }"},{"query":"query Hello { hello }"}]`
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	got, ok := decode(t, w).([]any)
	if !ok || len(got) != 2 {
		t.Fatalf("expected batch of 2, got %s", w.Body.String())
	}
}

func TestUnmatchedOperationReportsError(t *testing.T) {
	h := newTestHandler(t)
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"query Other { other }"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	got := decode(t, w).(map[string]any)
	errs, _ := got["errors"].([]any)
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %s", w.Body.String())
	}
}

func TestRejections(t *testing.T) {
	h := newTestHandler(t, WithMaxBodyBytes(10))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("PUT", "/", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("POST", "/", bytes.NewBufferString(`{"query":"1234567890"}`)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "text/plain")
	h.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d", w.Code)
	}
}
