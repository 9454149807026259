package offline

import (
	"errors"
	"fmt"
)

// ErrQueued is returned by Submit when a request was deferred to the queue
// instead of being delivered.
var ErrQueued = errors.New("request queued for replay")

// QueuedError reports which queue entry a deferred request became.
type QueuedError struct {
	Item  QueuedRequest
	Cause error // Failure that caused the deferral; nil if the client was known to be offline
}

func (e *QueuedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s: %v as %s", e.Item.Method, e.Item.Endpoint, ErrQueued, e.Item.ID)
	}
	return fmt.Sprintf("%s %s: %v as %s: %v", e.Item.Method, e.Item.Endpoint, ErrQueued, e.Item.ID, e.Cause)
}

// Unwrap returns ErrQueued and the cause.
func (e *QueuedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrQueued}
	}
	return []error{ErrQueued, e.Cause}
}
