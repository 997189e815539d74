package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	opid "github.com/hanpama/queryset/internal/opid"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpansFromEvents(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	detach := Attach(tp)
	defer detach()

	ctx, _ := opid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "http://example.com/graphql", nil)
	eventbus.Publish(ctx, events.OperationStart{OperationName: "GetUser", OperationType: "query"})
	eventbus.Publish(ctx, events.HTTPStart{Request: req, Attempt: 1})
	eventbus.Publish(ctx, events.HTTPFinish{Request: req, Status: 200})
	eventbus.Publish(ctx, events.OperationFinish{OperationName: "GetUser", OperationType: "query", Errors: []error{errors.New("denied")}})

	spans := rec.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "http.request", spans[0].Name())
	require.Equal(t, "graphql.operation", spans[1].Name())
	require.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())
	require.Len(t, spans[1].Events(), 1) // recorded error
}

func TestSubscriptionSpan(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	rec := tracetest.NewSpanRecorder()
	detach := Attach(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer detach()

	ctx, _ := opid.NewContext(context.Background())
	eventbus.Publish(ctx, events.OperationStart{OperationName: "OnMessage", OperationType: "subscription"})
	eventbus.Publish(ctx, events.SubscriptionMessage{OperationName: "OnMessage"})
	eventbus.Publish(ctx, events.SubscriptionMessage{OperationName: "OnMessage"})
	eventbus.Publish(ctx, events.SubscriptionEnd{OperationName: "OnMessage", Messages: 2})

	spans := rec.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "graphql.subscription", spans[0].Name())
	require.Len(t, spans[0].Events(), 2)
}

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup("", "queryset")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
