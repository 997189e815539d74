package events

// CacheRead is emitted whenever a watched or one-shot query consults the cache.
type CacheRead struct {
	OperationName string
	Hit           bool
}

// BoundaryCaught is emitted when a recovery boundary swallows an error.
type BoundaryCaught struct {
	Err       error
	Recovered bool
}
