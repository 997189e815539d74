package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	language "github.com/hanpama/queryset/internal/language"
	opid "github.com/hanpama/queryset/internal/opid"
)

// OperationIDHeader carries the client-side operation id on every request.
const OperationIDHeader = "X-Operation-Id"

// HTTP is a GraphQL-over-HTTP transport.
type HTTP struct {
	endpoint string
	opts     *Options
}

func NewHTTP(endpoint string, opts ...Option) *HTTP {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	return &HTTP{endpoint: endpoint, opts: o}
}

// Ensure we satisfy Transport
var _ Transport = (*HTTP)(nil)

// Do sends req and decodes the GraphQL response. Network failures and
// gateway statuses are retried up to the configured number of retries.
func (t *HTTP) Do(ctx context.Context, req Request) (*Response, error) {
	if _, ok := ctx.Deadline(); !ok && t.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.Timeout)
		defer cancel()
	}

	var resp *Response
	attempt := 0
	op := func() error {
		attempt++
		hreq, err := t.newRequest(ctx, req)
		if err != nil {
			return backoff.Permanent(err)
		}
		r, err := t.roundTrip(ctx, hreq, attempt)
		if err != nil {
			if ctx.Err() != nil || !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}
	var b backoff.BackOff = backoff.NewExponentialBackOff()
	b = backoff.WithContext(backoff.WithMaxRetries(b, t.opts.Retries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return resp, nil
}

func (t *HTTP) roundTrip(ctx context.Context, hreq *http.Request, attempt int) (resp *Response, err error) {
	start := time.Now()
	status := 0
	eventbus.Publish(ctx, events.HTTPStart{Request: hreq, Attempt: attempt})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: hreq, Status: status, Err: err, Duration: time.Since(start)})
	}()

	var hresp *http.Response
	hresp, err = t.opts.Client.Do(hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()
	status = hresp.StatusCode

	var body []byte
	body, err = io.ReadAll(hresp.Body)
	if err != nil {
		return nil, err
	}

	var out Response
	if jerr := json.Unmarshal(body, &out); jerr != nil || (!out.HasData() && len(out.Errors) == 0) {
		if status < 200 || status > 299 {
			err = &HTTPError{StatusCode: status, Body: string(body)}
			return nil, err
		}
		if jerr != nil {
			err = fmt.Errorf("transport: decode response: %w", jerr)
			return nil, err
		}
	}
	return &out, nil
}

func (t *HTTP) newRequest(ctx context.Context, req Request) (*http.Request, error) {
	var hreq *http.Request
	if t.opts.UseGET && req.OperationType != language.Mutation {
		u, err := url.Parse(t.endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("query", req.Query)
		if req.OperationName != "" {
			q.Set("operationName", req.OperationName)
		}
		if len(req.Variables) > 0 {
			vb, err := json.Marshal(req.Variables)
			if err != nil {
				return nil, fmt.Errorf("transport: encode variables: %w", err)
			}
			q.Set("variables", string(vb))
		}
		u.RawQuery = q.Encode()
		hreq, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
	} else {
		body, err := json.Marshal(payloadOf(req))
		if err != nil {
			return nil, fmt.Errorf("transport: encode request: %w", err)
		}
		hreq, err = http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		hreq.Header.Set("Content-Type", "application/json")
	}
	hreq.Header.Set("Accept", "application/graphql-response+json, application/json")
	for k, vs := range t.opts.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	applyContextHeaders(hreq.Header, req.Context)
	if id, ok := opid.FromContext(ctx); ok {
		hreq.Header.Set(OperationIDHeader, id)
	}
	return hreq, nil
}

func applyContextHeaders(h http.Header, opctx map[string]any) {
	switch v := opctx["headers"].(type) {
	case map[string]string:
		for k, s := range v {
			h.Set(k, s)
		}
	case map[string]any:
		for k, s := range v {
			h.Set(k, fmt.Sprint(s))
		}
	case http.Header:
		for k, vs := range v {
			h[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
		}
	}
}

func retryable(err error) bool {
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}
