package follow

import (
	"context"
	"io"
	"sync"

	"github.com/ef-ds/deque"

	"github.com/oasisprotocol/chainhead/nodeapi"
)

// Handle takes subscriptions to a driver's events.
type Handle struct {
	shared *shared
}

// Subscribe returns a subscription receiving every event from now on,
// preceded by the current view of the chain: the latest Initialized event
// (advanced to the latest finalized block) and the NewBlock and
// BestBlockChanged events of blocks not finalized or pruned since.
func (h *Handle) Subscribe() *Subscription {
	return h.shared.subscribe()
}

// SubscriptionID returns the id of the current follow subscription, waiting
// for one if needed. It fails with ErrSubscriptionDropped once the driver
// has ended.
func (h *Handle) SubscriptionID(ctx context.Context) (string, error) {
	return h.shared.currentSubscriptionID(ctx)
}

// Subscription is one consumer's view of the follow events. Events are
// buffered without bound until read. The consumer owns the block handles of
// the events it reads and must release them.
type Subscription struct {
	shared *shared
	id     uint64

	mu     sync.Mutex
	queue  deque.Deque
	ended  bool
	err    error
	closed bool
	notify chan struct{}
}

// Next returns the next event. After the driver ends it returns the
// buffered events, then io.EOF or the driver's error.
func (s *Subscription) Next(ctx context.Context) (nodeapi.FollowEvent, error) {
	for {
		ev, ok, err := s.TryNext()
		if ok || err != nil {
			return ev, err
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryNext returns the next buffered event without waiting. ok is false if
// none is buffered; err is set once the subscription has ended.
func (s *Subscription) TryNext() (ev nodeapi.FollowEvent, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	if v, ok := s.queue.PopFront(); ok {
		return v.(nodeapi.FollowEvent), true, nil
	}
	if s.ended {
		if s.err != nil {
			return nil, false, s.err
		}
		return nil, false, io.EOF
	}
	return nil, false, nil
}

// SubscriptionID is Handle.SubscriptionID.
func (s *Subscription) SubscriptionID(ctx context.Context) (string, error) {
	return s.shared.currentSubscriptionID(ctx)
}

// Close detaches the subscription and releases the block handles of the
// events it has not read. It does not affect other subscriptions.
func (s *Subscription) Close() {
	s.shared.unsubscribe(s.id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for {
		v, ok := s.queue.PopFront()
		if !ok {
			break
		}
		ReleaseEvent(v.(nodeapi.FollowEvent))
	}
}

func (s *Subscription) push(ev nodeapi.FollowEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ended {
		ReleaseEvent(ev)
		return
	}
	s.queue.PushBack(ev)
	s.signal()
}

func (s *Subscription) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	s.err = err
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
