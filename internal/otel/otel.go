package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	opid "github.com/hanpama/queryset/internal/opid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const tracerName = "queryset"

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(tp)
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach turns client events on the global eventbus into spans of tp.
func Attach(tp trace.TracerProvider) (detach func()) {
	s := &subscriber{tracer: tp.Tracer(tracerName)}
	return s.register()
}

type subscriber struct {
	tracer    trace.Tracer
	opSpans   sync.Map // op id -> trace.Span
	subSpans  sync.Map // op id -> trace.Span
	httpSpans sync.Map // op id -> trace.Span
}

func (s *subscriber) register() func() {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.OperationStart) {
			id, _ := opid.FromContext(ctx)
			name, spans := "graphql.operation", &s.opSpans
			if e.OperationType == "subscription" {
				name, spans = "graphql.subscription", &s.subSpans
			}
			_, span := s.tracer.Start(ctx, name)
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
			)
			spans.Store(id, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.OperationFinish) {
			id, _ := opid.FromContext(ctx)
			v, ok := s.opSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
			if len(e.Errors) > 0 {
				span.RecordError(e.Errors[0])
				span.SetStatus(codes.Error, e.Errors[0].Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPStart) {
			id, _ := opid.FromContext(ctx)
			parent := ctx
			if v, ok := s.opSpans.Load(id); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "http.request")
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				semconv.HTTPURLKey.String(e.Request.URL.String()),
				attribute.Int("http.attempt", e.Attempt),
			)
			s.httpSpans.Store(id, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.HTTPFinish) {
			id, _ := opid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			if e.Status != 0 {
				span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			}
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionMessage) {
			id, _ := opid.FromContext(ctx)
			v, ok := s.subSpans.Load(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.AddEvent("message")
			if e.Err != nil {
				span.RecordError(e.Err)
			}
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SubscriptionEnd) {
			id, _ := opid.FromContext(ctx)
			v, ok := s.subSpans.LoadAndDelete(id)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.subscription.messages", e.Messages))
			span.End()
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
