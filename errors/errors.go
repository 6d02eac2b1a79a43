package errors

import "fmt"

var (
	// Transport lifecycle. Unavailable means the adapter could not start at
	// all and the manager should fall back immediately; Disconnected means a
	// mid-session drop worth retrying with backoff.
	ErrTransportUnavailable  = fmt.Errorf("transport unavailable")
	ErrTransportDisconnected = fmt.Errorf("transport disconnected")

	// Pipeline errors. A malformed event failed structural validation and is
	// dropped (counted, never fatal). A failed poll query retries the same
	// window on the next tick.
	ErrMalformedEvent = fmt.Errorf("malformed event")
	ErrQueryFailed    = fmt.Errorf("query failed")
	ErrPublishFailed  = fmt.Errorf("presence publish failed")

	ErrSubscriptionClosed = fmt.Errorf("subscription closed")
	ErrUnknownTopic       = fmt.Errorf("unknown topic")
	ErrWorkerPanic        = fmt.Errorf("worker panic")
)
