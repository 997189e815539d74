package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	eventbus "github.com/hanpama/queryset/internal/eventbus"
	events "github.com/hanpama/queryset/internal/events"
	language "github.com/hanpama/queryset/internal/language"
	opid "github.com/hanpama/queryset/internal/opid"
	transport "github.com/hanpama/queryset/internal/transport"
	"github.com/sirupsen/logrus"
)

// SubscribeOptions configures a subscription.
type SubscribeOptions struct {
	Variables map[string]any
	Context   map[string]any
}

// Subscribe starts a subscription and returns its results. The channel is
// closed when the server completes the stream, the stream fails, or ctx ends.
// A failed stream delivers one final result carrying the network error.
func (c *Client) Subscribe(ctx context.Context, doc *language.Document, opts SubscribeOptions) (<-chan Result, error) {
	if c.subscriber == nil {
		return nil, ErrNoTransport
	}
	ctx, _ = opid.NewContext(ctx)
	stream, err := c.subscriber.Subscribe(ctx, transport.NewRequest(doc, opts.Variables, opts.Context))
	if err != nil {
		return nil, err
	}
	eventbus.Publish(ctx, events.OperationStart{OperationName: doc.OperationName, OperationType: string(doc.Operation)})

	out := make(chan Result)
	go func() {
		defer close(out)
		start := time.Now()
		n := 0
		defer func() {
			eventbus.Publish(ctx, events.SubscriptionEnd{OperationName: doc.OperationName, Messages: n, Duration: time.Since(start)})
		}()
		for msg := range stream {
			n++
			res := subscriptionResult(msg)
			eventbus.Publish(ctx, events.SubscriptionMessage{OperationName: doc.OperationName, Err: res.Error})
			if res.Error != nil {
				c.logger.WithFields(logrus.Fields{"operation": doc.OperationName, "error": res.Error}).Debug("subscription error")
			}
			select {
			case out <- res:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func subscriptionResult(msg transport.Message) Result {
	if msg.Err != nil {
		return Result{Error: &Error{NetworkError: msg.Err}, Called: true, NetworkStatus: StatusError}
	}
	res := Result{Called: true, NetworkStatus: StatusReady}
	if msg.Response == nil {
		return res
	}
	if msg.Response.HasData() {
		if err := json.Unmarshal(msg.Response.Data, &res.Data); err != nil {
			return Result{Error: &Error{NetworkError: fmt.Errorf("client: decode data: %w", err)}, Called: true, NetworkStatus: StatusError}
		}
	}
	if len(msg.Response.Errors) > 0 {
		res.Error = &Error{GraphQLErrors: msg.Response.Errors}
		res.NetworkStatus = StatusError
	}
	return res
}
