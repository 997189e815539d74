package transport

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Options configures the HTTP and WebSocket transports.
//
// Defaults:
// - Timeout:    30s (used only if the operation context has no deadline)
// - Retries:    0
// - KeepAlive:  15s ping interval on WebSocket connections
//
// All options are safe to leave zero-valued to use defaults.
type Options struct {
	Client      *http.Client
	Header      http.Header
	Timeout     time.Duration
	Retries     uint64
	UseGET      bool
	Dialer      *websocket.Dialer
	InitPayload map[string]any
	KeepAlive   time.Duration
}

// Option mutates Options.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Client:    http.DefaultClient,
		Header:    http.Header{},
		Timeout:   30 * time.Second,
		Dialer:    websocket.DefaultDialer,
		KeepAlive: 15 * time.Second,
	}
}

func WithHTTPClient(c *http.Client) Option    { return func(o *Options) { o.Client = c } }
func WithTimeout(d time.Duration) Option      { return func(o *Options) { o.Timeout = d } }
func WithRetries(n uint64) Option             { return func(o *Options) { o.Retries = n } }
func WithGET() Option                         { return func(o *Options) { o.UseGET = true } }
func WithDialer(d *websocket.Dialer) Option   { return func(o *Options) { o.Dialer = d } }
func WithKeepAlive(d time.Duration) Option    { return func(o *Options) { o.KeepAlive = d } }
func WithInitPayload(p map[string]any) Option { return func(o *Options) { o.InitPayload = p } }

// WithHeader adds a header sent with every request and with the WebSocket
// handshake.
func WithHeader(key, value string) Option {
	return func(o *Options) { o.Header.Add(key, value) }
}
