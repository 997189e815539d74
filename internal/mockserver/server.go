// Package mockserver serves a GraphQL endpoint backed by any transport, so
// scripted responses can be exercised through real HTTP and WebSocket
// round trips.
package mockserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	language "github.com/hanpama/queryset/internal/language"
	transport "github.com/hanpama/queryset/internal/transport"
)

// Handler is an http.Handler that serves a GraphQL endpoint.
// It parses requests, forwards them to the backend, and writes the backend's
// response per the GraphQL-over-HTTP conventions.
type Handler struct {
	backend  transport.Transport
	opt      Options
	upgrader websocket.Upgrader
}

type Options struct {
	// Pretty enables indented JSON responses.
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// Subscriber serves graphql-transport-ws upgrades when set.
	Subscriber transport.Subscriber
}

type Option func(*Options)

func WithPretty() Option              { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option { return func(o *Options) { o.MaxBodyBytes = n } }
func WithSubscriber(s transport.Subscriber) Option {
	return func(o *Options) { o.Subscriber = s }
}

// New creates a handler answering operations with backend.
func New(backend transport.Transport, opts ...Option) *Handler {
	var op Options
	for _, f := range opts {
		f(&op)
	}
	return &Handler{
		backend: backend,
		opt:     op,
		upgrader: websocket.Upgrader{
			Subprotocols: []string{transport.Subprotocol},
			CheckOrigin:  func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.opt.Subscriber != nil && websocket.IsWebSocketUpgrade(r) {
		h.serveWebSocket(w, r)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse("method not allowed"), h.opt.Pretty)
		return
	}

	req, batch, berr := parseRequest(r, h.opt.MaxBodyBytes)
	if berr != nil {
		status := http.StatusBadRequest
		if berr.Message == errBodyTooLargeMessage {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, errorResponse(berr.Message), h.opt.Pretty)
		return
	}

	ctx := r.Context()
	if batch != nil {
		out := make([]any, len(batch))
		for i := range batch {
			_, out[i] = h.executeOne(ctx, r, batch[i])
		}
		writeJSON(w, http.StatusOK, out, h.opt.Pretty)
		return
	}

	status, res := h.executeOne(ctx, r, req)
	writeJSON(w, status, res, h.opt.Pretty)
}

func (h *Handler) executeOne(ctx context.Context, r *http.Request, req GraphQLRequest) (int, any) {
	doc, err := language.ParseNamed(req.Query, req.OperationName)
	if err != nil {
		var ge *language.Error
		if errors.As(err, &ge) {
			return http.StatusOK, &transport.Response{Errors: language.ErrorList{ge}}
		}
		return http.StatusOK, errorResponse(err.Error())
	}

	headers := map[string]string{}
	for k := range r.Header {
		headers[k] = r.Header.Get(k)
	}
	treq := transport.NewRequest(doc, req.Variables, map[string]any{"headers": headers})
	treq.Extensions = req.Extensions

	resp, err := h.backend.Do(ctx, treq)
	if err != nil {
		var he *transport.HTTPError
		if errors.As(err, &he) {
			return he.StatusCode, errorResponse(he.Body)
		}
		return http.StatusOK, errorResponse(err.Error())
	}
	return http.StatusOK, resp
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, *language.Error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
		}
		var vars map[string]any
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, &language.Error{Message: "invalid 'variables' JSON"}
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" && !strings.HasPrefix(ct, "application/json;") {
		return GraphQLRequest{}, nil, &language.Error{Message: "unsupported Content-Type"}
	}
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "failed to read body"}
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return GraphQLRequest{}, nil, &language.Error{Message: errBodyTooLargeMessage}
	}

	// Try array (batch)
	if len(body) > 0 && body[0] == '[' {
		var arr []GraphQLRequest
		if err := json.Unmarshal(body, &arr); err != nil {
			return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
		}
		if len(arr) == 0 {
			return GraphQLRequest{}, nil, &language.Error{Message: "empty batch"}
		}
		return GraphQLRequest{}, arr, nil
	}
	var req GraphQLRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return GraphQLRequest{}, nil, &language.Error{Message: "invalid JSON"}
	}
	if req.Query == "" {
		return GraphQLRequest{}, nil, &language.Error{Message: "missing 'query'"}
	}
	return req, nil, nil
}

// ------------------ Response formatting ------------------

func errorResponse(msg string) *transport.Response {
	return &transport.Response{Errors: language.ErrorList{{Message: msg}}}
}

func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
}

const errBodyTooLargeMessage = "body too large"

// ------------------ graphql-transport-ws ------------------

type wsSession struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func (s *wsSession) write(m transport.WireMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.ws.WriteJSON(m)
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	var init transport.WireMessage
	if err := ws.ReadJSON(&init); err != nil || init.Type != transport.MsgConnectionInit {
		return
	}
	s := &wsSession{ws: ws, cancels: map[string]context.CancelFunc{}}
	if err := s.write(transport.WireMessage{Type: transport.MsgConnectionAck}); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	for {
		var m transport.WireMessage
		if err := ws.ReadJSON(&m); err != nil {
			return
		}
		switch m.Type {
		case transport.MsgPing:
			_ = s.write(transport.WireMessage{Type: transport.MsgPong})
		case transport.MsgSubscribe:
			h.startStream(ctx, s, m)
		case transport.MsgComplete:
			s.mu.Lock()
			if c, ok := s.cancels[m.ID]; ok {
				c()
				delete(s.cancels, m.ID)
			}
			s.mu.Unlock()
		}
	}
}

func (h *Handler) startStream(ctx context.Context, s *wsSession, m transport.WireMessage) {
	var req GraphQLRequest
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		h.sendError(s, m.ID, "invalid subscribe payload")
		return
	}
	doc, err := language.ParseNamed(req.Query, req.OperationName)
	if err != nil {
		h.sendError(s, m.ID, err.Error())
		return
	}
	sctx, cancel := context.WithCancel(ctx)
	stream, err := h.opt.Subscriber.Subscribe(sctx, transport.NewRequest(doc, req.Variables, nil))
	if err != nil {
		cancel()
		h.sendError(s, m.ID, err.Error())
		return
	}
	s.mu.Lock()
	s.cancels[m.ID] = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		for msg := range stream {
			if msg.Err != nil {
				h.sendError(s, m.ID, msg.Err.Error())
				return
			}
			payload, _ := json.Marshal(msg.Response)
			if err := s.write(transport.WireMessage{ID: m.ID, Type: transport.MsgNext, Payload: payload}); err != nil {
				return
			}
		}
		if sctx.Err() == nil {
			_ = s.write(transport.WireMessage{ID: m.ID, Type: transport.MsgComplete})
		}
	}()
}

func (h *Handler) sendError(s *wsSession, id, msg string) {
	payload, _ := json.Marshal(language.ErrorList{{Message: msg}})
	_ = s.write(transport.WireMessage{ID: id, Type: transport.MsgError, Payload: payload})
}
