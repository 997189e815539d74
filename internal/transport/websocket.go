package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	language "github.com/hanpama/queryset/internal/language"
	"golang.org/x/sync/errgroup"
)

// Subprotocol is the graphql-transport-ws websocket subprotocol.
const Subprotocol = "graphql-transport-ws"

// graphql-transport-ws message types.
const (
	MsgConnectionInit = "connection_init"
	MsgConnectionAck  = "connection_ack"
	MsgPing           = "ping"
	MsgPong           = "pong"
	MsgSubscribe      = "subscribe"
	MsgNext           = "next"
	MsgError          = "error"
	MsgComplete       = "complete"
)

// WireMessage is a graphql-transport-ws frame.
type WireMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscriptionError is delivered when the server rejects a subscription with
// an "error" message.
type SubscriptionError struct {
	Errors language.ErrorList
}

func (e *SubscriptionError) Error() string { return e.Errors.Error() }

// WebSocket multiplexes subscriptions over one lazily dialed connection.
type WebSocket struct {
	url  string
	opts *Options

	mu     sync.Mutex
	conn   *wsConn
	closed bool
}

func NewWebSocket(url string, opts ...Option) *WebSocket {
	o := defaultOptions()
	for _, f := range opts {
		f(o)
	}
	return &WebSocket{url: url, opts: o}
}

// Ensure we satisfy Subscriber
var _ Subscriber = (*WebSocket)(nil)

// Subscribe starts req on the shared connection.
func (t *WebSocket) Subscribe(ctx context.Context, req Request) (<-chan Message, error) {
	c, err := t.connection(ctx)
	if err != nil {
		return nil, err
	}
	return c.start(ctx, req)
}

// Close terminates the connection. Open streams are closed.
func (t *WebSocket) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		t.conn.shutdown(ErrClosed)
		t.conn = nil
	}
	return nil
}

func (t *WebSocket) connection(ctx context.Context) (*wsConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	if t.conn != nil && !t.conn.isDone() {
		return t.conn, nil
	}
	c, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	t.conn = c
	return c, nil
}

func (t *WebSocket) dial(ctx context.Context) (*wsConn, error) {
	dialer := *t.opts.Dialer
	dialer.Subprotocols = []string{Subprotocol}
	ws, resp, err := dialer.DialContext(ctx, t.url, t.opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: websocket dial (status: %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: websocket dial: %w", err)
	}

	c := &wsConn{ws: ws, subs: map[string]*wsSub{}, done: make(chan struct{})}
	var init json.RawMessage
	if t.opts.InitPayload != nil {
		if init, err = json.Marshal(t.opts.InitPayload); err != nil {
			_ = ws.Close()
			return nil, err
		}
	}
	if err := c.write(WireMessage{Type: MsgConnectionInit, Payload: init}); err != nil {
		_ = ws.Close()
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(dl)
	} else if t.opts.Timeout > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(t.opts.Timeout))
	}
	var ack WireMessage
	if err := ws.ReadJSON(&ack); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("transport: waiting for connection_ack: %w", err)
	}
	if ack.Type != MsgConnectionAck {
		_ = ws.Close()
		return nil, fmt.Errorf("transport: expected connection_ack, got %q", ack.Type)
	}
	_ = ws.SetReadDeadline(time.Time{})

	g, gctx := errgroup.WithContext(context.Background())
	g.Go(c.readLoop)
	if t.opts.KeepAlive > 0 {
		g.Go(func() error { return c.keepAlive(gctx, t.opts.KeepAlive) })
	}
	go func() {
		err := g.Wait()
		if err == nil {
			err = ErrClosed
		}
		c.shutdown(err)
	}()
	return c, nil
}

type wsConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	subs   map[string]*wsSub
	nextID uint64
	err    error
	done   chan struct{}
	once   sync.Once
}

type wsSub struct {
	ch     chan Message
	stop   chan struct{}
	halt   sync.Once
	mu     sync.Mutex
	closed bool
}

func (s *wsSub) deliver(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- m:
	case <-s.stop:
	}
}

func (s *wsSub) finish() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
}

func (s *wsSub) cancel() {
	s.halt.Do(func() { close(s.stop) })
	s.finish()
}

func (c *wsConn) isDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *wsConn) write(m WireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(m)
}

func (c *wsConn) start(ctx context.Context, req Request) (<-chan Message, error) {
	payload, err := json.Marshal(payloadOf(req))
	if err != nil {
		return nil, fmt.Errorf("transport: encode subscription: %w", err)
	}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	id := strconv.FormatUint(c.nextID, 10)
	sub := &wsSub{ch: make(chan Message, 16), stop: make(chan struct{})}
	c.subs[id] = sub
	c.mu.Unlock()

	if err := c.write(WireMessage{ID: id, Type: MsgSubscribe, Payload: payload}); err != nil {
		c.remove(id)
		sub.cancel()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			if c.remove(id) {
				_ = c.write(WireMessage{ID: id, Type: MsgComplete})
			}
			sub.cancel()
		case <-sub.stop:
		case <-c.done:
		}
	}()
	return sub.ch, nil
}

func (c *wsConn) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[id]
	delete(c.subs, id)
	return ok
}

func (c *wsConn) lookup(id string) *wsSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[id]
}

func (c *wsConn) readLoop() error {
	for {
		var m WireMessage
		if err := c.ws.ReadJSON(&m); err != nil {
			return err
		}
		switch m.Type {
		case MsgNext:
			sub := c.lookup(m.ID)
			if sub == nil {
				continue
			}
			var resp Response
			if err := json.Unmarshal(m.Payload, &resp); err != nil {
				sub.deliver(Message{Err: fmt.Errorf("transport: decode payload: %w", err)})
				continue
			}
			sub.deliver(Message{Response: &resp})
		case MsgError:
			sub := c.lookup(m.ID)
			if sub == nil {
				continue
			}
			c.remove(m.ID)
			var errs language.ErrorList
			if err := json.Unmarshal(m.Payload, &errs); err != nil {
				errs = language.ErrorList{{Message: string(m.Payload)}}
			}
			sub.deliver(Message{Err: &SubscriptionError{Errors: errs}})
			sub.finish()
		case MsgComplete:
			if sub := c.lookup(m.ID); sub != nil {
				c.remove(m.ID)
				sub.finish()
			}
		case MsgPing:
			if err := c.write(WireMessage{Type: MsgPong}); err != nil {
				return err
			}
		case MsgPong:
		default:
			return fmt.Errorf("transport: unexpected message type %q", m.Type)
		}
	}
}

func (c *wsConn) keepAlive(ctx context.Context, every time.Duration) error {
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			if err := c.write(WireMessage{Type: MsgPing}); err != nil {
				return err
			}
		}
	}
}

// shutdown fails every open stream with err and closes the socket.
func (c *wsConn) shutdown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		subs := c.subs
		c.subs = map[string]*wsSub{}
		c.mu.Unlock()
		close(c.done)
		_ = c.ws.Close()
		for _, sub := range subs {
			if !errors.Is(err, ErrClosed) {
				sub.deliver(Message{Err: err})
			}
			sub.finish()
		}
	})
}
