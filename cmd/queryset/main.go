package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	cache "github.com/hanpama/queryset/internal/cache"
	client "github.com/hanpama/queryset/internal/client"
	config "github.com/hanpama/queryset/internal/config"
	eventbus "github.com/hanpama/queryset/internal/eventbus"
	language "github.com/hanpama/queryset/internal/language"
	logging "github.com/hanpama/queryset/internal/logging"
	metrics "github.com/hanpama/queryset/internal/metrics"
	otel "github.com/hanpama/queryset/internal/otel"
	queries "github.com/hanpama/queryset/internal/queries"
	transport "github.com/hanpama/queryset/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const rootUsage = `queryset - run GraphQL operations side by side

USAGE:
  queryset [global flags] <command> [flags]

GLOBAL FLAGS:
  -config <file>            YAML configuration file
  -log.level <level>        Log level: debug, info, warn, error (default: info)
  -otel.endpoint <addr>     OTLP collector endpoint
  -otel.service <name>      OpenTelemetry service name (default: queryset)
  -metrics.addr <addr>      Serve Prometheus metrics on addr while running

COMMANDS:
  run              Run every operation file in parallel and print the results
  watch            Poll operation files and print each aggregate change
  subscribe        Run a subscription and print every payload
  help             Show help for any command
`

const runUsage = `run FLAGS:
  -endpoint <url>           GraphQL HTTP endpoint (env: QUERYSET_ENDPOINT)
  -var <name=value>         Operation variable; JSON values are decoded. Repeatable
  -fetch-policy <policy>    cache-first, network-only, no-cache, ... (default: cache-first)
  -error-policy <policy>    none, ignore or all (default: none)
  -suspense                 Wait for every operation; stop at the first failure
  -timeout <duration>       Give up after this long (default: 30s)
ARGS:
  <file.graphql>...         One operation per file
`

const watchUsage = `watch FLAGS:
  -endpoint <url>           GraphQL HTTP endpoint (env: QUERYSET_ENDPOINT)
  -var <name=value>         Operation variable. Repeatable
  -poll <duration>          Poll interval (required)
  -count <n>                Stop after n printed changes (default: run until interrupted)
ARGS:
  <file.graphql>...         One operation per file
`

const subscribeUsage = `subscribe FLAGS:
  -ws <url>                 graphql-transport-ws endpoint (env: QUERYSET_WS_ENDPOINT)
  -var <name=value>         Operation variable. Repeatable
  -count <n>                Stop after n payloads (default: until the server completes)
ARGS:
  <file.graphql>            The subscription
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

type globals struct {
	configPath   string
	logLevel     string
	otelEndpoint string
	otelService  string
	metricsAddr  string
}

func run(args []string) error {
	var g globals
	global := flag.NewFlagSet("queryset", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	global.StringVar(&g.configPath, "config", "", "YAML configuration file")
	global.StringVar(&g.logLevel, "log.level", "", "Log level")
	global.StringVar(&g.otelEndpoint, "otel.endpoint", "", "OTLP collector endpoint")
	global.StringVar(&g.otelService, "otel.service", "", "OpenTelemetry service name")
	global.StringVar(&g.metricsAddr, "metrics.addr", "", "Prometheus metrics listen address")
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "run":
		return cmdRun(g, cmdArgs)
	case "watch":
		return cmdWatch(g, cmdArgs)
	case "subscribe":
		return cmdSubscribe(g, cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "run":
		fmt.Print(runUsage)
	case "watch":
		fmt.Print(watchUsage)
	case "subscribe":
		fmt.Print(subscribeUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type varsFlag map[string]any

func (v varsFlag) String() string { return "" }

func (v varsFlag) Set(s string) error {
	name, raw, ok := strings.Cut(s, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return fmt.Errorf("invalid variable %q", s)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		decoded = raw
	}
	v[name] = decoded
	return nil
}

// env is what every command shares once globals and configuration are loaded.
type env struct {
	cfg    config.Config
	logger *logrus.Logger
	close  func()
}

func setup(g globals) (*env, error) {
	boot := logging.NewLogger(g.logLevel)
	boot.SetOutput(os.Stderr)
	config.LoadEnv(boot)
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if g.otelEndpoint != "" {
		cfg.OTel.Endpoint = g.otelEndpoint
	}
	if g.otelService != "" {
		cfg.OTel.Service = g.otelService
	}
	if g.metricsAddr != "" {
		cfg.MetricsAddr = g.metricsAddr
	}

	logger := logging.NewLoggerWithService(cfg.LogLevel, "queryset")
	logger.SetOutput(os.Stderr)

	eventbus.Use(eventbus.New())
	detachLog := logging.Attach(logger)
	shutdown, err := otel.Setup(cfg.OTel.Endpoint, cfg.OTel.Service)
	if err != nil {
		detachLog()
		return nil, fmt.Errorf("otel setup: %w", err)
	}

	closers := []func(){detachLog, func() { _ = shutdown(context.Background()) }}
	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		detachMetrics := metrics.New(reg).Attach()
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.WithError(err).Error("metrics server failed")
			}
		}()
		logger.Infof("metrics listening on %s", cfg.MetricsAddr)
		closers = append(closers, detachMetrics, func() { _ = srv.Close() })
	}

	return &env{
		cfg:    cfg,
		logger: logger,
		close: func() {
			for i := len(closers) - 1; i >= 0; i-- {
				closers[i]()
			}
		},
	}, nil
}

func (e *env) transportOptions() []transport.Option {
	var opts []transport.Option
	if e.cfg.Retries > 0 {
		opts = append(opts, transport.WithRetries(uint64(e.cfg.Retries)))
	}
	if e.cfg.Timeout > 0 {
		opts = append(opts, transport.WithTimeout(e.cfg.Timeout))
	}
	if e.cfg.UseGET {
		opts = append(opts, transport.WithGET())
	}
	for k, v := range e.cfg.RequestHeaders() {
		opts = append(opts, transport.WithHeader(k, v))
	}
	return opts
}

func (e *env) newClient() *client.Client {
	opts := []client.Option{
		client.WithTransport(transport.NewHTTP(e.cfg.Endpoint, e.transportOptions()...)),
		client.WithCache(cache.New(e.cfg.CacheSize)),
		client.WithLogger(e.logger),
	}
	if e.cfg.FetchPolicy != "" {
		opts = append(opts, client.WithDefaultFetchPolicy(client.FetchPolicy(e.cfg.FetchPolicy)))
	}
	if e.cfg.ErrorPolicy != "" {
		opts = append(opts, client.WithDefaultErrorPolicy(client.ErrorPolicy(e.cfg.ErrorPolicy)))
	}
	return client.New(opts...)
}

// loadDocuments reads and parses every file concurrently, keeping file order.
func loadDocuments(files []string) ([]*language.Document, error) {
	docs := make([]*language.Document, len(files))
	var g errgroup.Group
	for i, file := range files {
		i, file := i, file
		g.Go(func() error {
			src, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			doc, err := language.Parse(string(src))
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

// operationVars keeps the variables doc declares.
func operationVars(doc *language.Document, vars map[string]any) map[string]any {
	out := map[string]any{}
	for _, def := range doc.Definition().VariableDefinitions {
		if v, ok := vars[def.Variable]; ok {
			out[def.Variable] = v
		}
	}
	return out
}

func buildConfigs(docs []*language.Document, vars map[string]any, fetchPolicy, errorPolicy string, poll time.Duration) []queries.Config {
	configs := make([]queries.Config, len(docs))
	for i, doc := range docs {
		configs[i] = queries.Config{
			Query:        doc,
			Variables:    operationVars(doc, vars),
			FetchPolicy:  client.FetchPolicy(fetchPolicy),
			ErrorPolicy:  client.ErrorPolicy(errorPolicy),
			PollInterval: poll,
		}
	}
	return configs
}

type outcome struct {
	Data          map[string]any `json:"data"`
	Errors        []string       `json:"errors,omitempty"`
	NetworkStatus string         `json:"networkStatus"`
}

func errorMessages(err error) []string {
	if err == nil {
		return nil
	}
	var cerr *client.Error
	if errors.As(err, &cerr) && cerr.NetworkError == nil {
		out := make([]string, len(cerr.GraphQLErrors))
		for i, ge := range cerr.GraphQLErrors {
			out[i] = ge.Message
		}
		return out
	}
	return []string{err.Error()}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdRun(g globals, args []string) error {
	endpoint := ""
	fetchPolicy := ""
	errorPolicy := ""
	suspense := false
	timeout := 30 * time.Second
	vars := varsFlag{}

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&endpoint, "endpoint", endpoint, "GraphQL HTTP endpoint")
	fs.Var(vars, "var", "Operation variable")
	fs.StringVar(&fetchPolicy, "fetch-policy", fetchPolicy, "Fetch policy")
	fs.StringVar(&errorPolicy, "error-policy", errorPolicy, "Error policy")
	fs.BoolVar(&suspense, "suspense", suspense, "Wait for every operation")
	fs.DurationVar(&timeout, "timeout", timeout, "Overall timeout")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, runUsage)
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprint(os.Stderr, runUsage)
		return fmt.Errorf("no operation files given")
	}

	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()
	if endpoint != "" {
		e.cfg.Endpoint = endpoint
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	docs, err := loadDocuments(fs.Args())
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	c := e.newClient()
	defer c.Stop()
	configs := buildConfigs(docs, vars, fetchPolicy, errorPolicy, 0)

	if suspense {
		sc := queries.NewSuspenseCoordinator(c)
		defer sc.Close()
		hs, err := sc.Run(ctx, configs)
		if err != nil {
			return err
		}
		out := make([]outcome, len(hs))
		for i, h := range hs {
			out[i] = outcome{Data: h.Data, Errors: errorMessages(h.Error), NetworkStatus: h.NetworkStatus.String()}
		}
		return printJSON(out)
	}

	co := queries.NewCoordinator(c)
	defer co.Close()
	hs := co.Run(configs)
	for queries.AreLoading(hs) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-co.Updates():
		}
		hs = co.Run(configs)
	}
	out := make([]outcome, len(hs))
	for i, h := range hs {
		out[i] = outcome{Data: h.Data, Errors: errorMessages(h.Error), NetworkStatus: h.NetworkStatus.String()}
	}
	if err := printJSON(out); err != nil {
		return err
	}
	if n := len(queries.Errors(hs)); n > 0 {
		return fmt.Errorf("%d of %d operations failed", n, len(hs))
	}
	return nil
}

type watchLine struct {
	Loading  bool             `json:"loading"`
	Complete bool             `json:"complete"`
	Errors   []string         `json:"errors,omitempty"`
	Data     []map[string]any `json:"data"`
}

func cmdWatch(g globals, args []string) error {
	endpoint := ""
	poll := time.Duration(0)
	count := 0
	vars := varsFlag{}

	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&endpoint, "endpoint", endpoint, "GraphQL HTTP endpoint")
	fs.Var(vars, "var", "Operation variable")
	fs.DurationVar(&poll, "poll", poll, "Poll interval")
	fs.IntVar(&count, "count", count, "Stop after n changes")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, watchUsage)
		return err
	}
	if poll <= 0 {
		fmt.Fprint(os.Stderr, watchUsage)
		return fmt.Errorf("-poll is required")
	}
	if fs.NArg() == 0 {
		fmt.Fprint(os.Stderr, watchUsage)
		return fmt.Errorf("no operation files given")
	}

	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()
	if endpoint != "" {
		e.cfg.Endpoint = endpoint
	}
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	docs, err := loadDocuments(fs.Args())
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	c := e.newClient()
	defer c.Stop()
	co := queries.NewCoordinator(c)
	defer co.Close()
	configs := buildConfigs(docs, vars, string(client.NetworkOnly), "", poll)

	var last []byte
	printed := 0
	for {
		hs := co.Run(configs)
		line := watchLine{
			Loading:  queries.AreLoading(hs),
			Complete: queries.AreComplete(hs),
			Data:     queries.AllData(hs),
		}
		for _, err := range queries.Errors(hs) {
			line.Errors = append(line.Errors, err.Error())
		}
		b, err := json.Marshal(line)
		if err != nil {
			return err
		}
		if !bytes.Equal(b, last) {
			fmt.Println(string(b))
			last = b
			printed++
			if count > 0 && printed >= count {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-co.Updates():
		}
	}
}

func cmdSubscribe(g globals, args []string) error {
	wsURL := ""
	count := 0
	vars := varsFlag{}

	fs := flag.NewFlagSet("subscribe", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&wsURL, "ws", wsURL, "graphql-transport-ws endpoint")
	fs.Var(vars, "var", "Operation variable")
	fs.IntVar(&count, "count", count, "Stop after n payloads")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, subscribeUsage)
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprint(os.Stderr, subscribeUsage)
		return fmt.Errorf("subscribe takes exactly one operation file")
	}

	e, err := setup(g)
	if err != nil {
		return err
	}
	defer e.close()
	if wsURL != "" {
		e.cfg.WSEndpoint = wsURL
	}
	if e.cfg.WSEndpoint == "" {
		return fmt.Errorf("-ws is required")
	}
	docs, err := loadDocuments(fs.Args())
	if err != nil {
		return fmt.Errorf("load operations: %w", err)
	}
	doc := docs[0]
	if doc.Operation != language.Subscription {
		return fmt.Errorf("%s is a %s, not a subscription", fs.Arg(0), doc.Operation)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	opts := e.transportOptions()
	if len(e.cfg.RequestHeaders()) > 0 {
		payload := map[string]any{}
		for k, v := range e.cfg.RequestHeaders() {
			payload[k] = v
		}
		opts = append(opts, transport.WithInitPayload(payload))
	}
	ws := transport.NewWebSocket(e.cfg.WSEndpoint, opts...)
	defer ws.Close()
	c := client.New(
		client.WithTransport(transport.Split{
			Transport:  transport.NewHTTP(e.cfg.Endpoint, e.transportOptions()...),
			Subscriber: ws,
		}),
		client.WithLogger(e.logger),
	)

	stream, err := c.Subscribe(ctx, doc, client.SubscribeOptions{Variables: operationVars(doc, vars)})
	if err != nil {
		return err
	}
	received := 0
	for r := range stream {
		b, err := json.Marshal(outcome{Data: r.Data, Errors: errorMessages(r.Error), NetworkStatus: r.NetworkStatus.String()})
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		if r.Error != nil && r.Data == nil {
			return r.Error
		}
		received++
		if count > 0 && received >= count {
			return nil
		}
	}
	return nil
}
