package events

import "time"

// OperationStart is emitted before a GraphQL operation goes to the transport.
type OperationStart struct {
	OperationName string
	OperationType string
}

// OperationFinish is emitted once the transport answered or failed.
type OperationFinish struct {
	OperationName string
	OperationType string
	// Errors holds GraphQL errors and, when the request never produced a
	// GraphQL response, the network error.
	Errors   []error
	Duration time.Duration
}

// SubscriptionMessage is emitted for each payload received on a subscription.
type SubscriptionMessage struct {
	OperationName string
	Err           error
}

// SubscriptionEnd is emitted when a subscription completes or is cancelled.
type SubscriptionEnd struct {
	OperationName string
	Messages      int
	Duration      time.Duration
}
