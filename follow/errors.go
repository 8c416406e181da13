package follow

import "errors"

var (
	// ErrSubscriptionDropped means the follow subscription ended before an
	// awaited event arrived. It is not retried by this package.
	ErrSubscriptionDropped = errors.New("follow subscription dropped")

	// ErrClosed is returned by Subscription.Next after Close.
	ErrClosed = errors.New("follow: subscription closed")
)
