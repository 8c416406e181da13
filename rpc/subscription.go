package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/ef-ds/deque"
)

// ErrUnsubscribed is returned by Next after Unsubscribe once the buffered
// notifications are drained.
var ErrUnsubscribed = errors.New("rpc: unsubscribed")

// Subscription is the stream of notification payloads of one server-side
// subscription. Notifications are buffered without bound until read.
type Subscription struct {
	client      *Client
	id          string
	unsubMethod string

	mu     sync.Mutex
	queue  deque.Deque
	err    error
	notify chan struct{}
	once   sync.Once
}

// ID returns the server-assigned subscription id.
func (s *Subscription) ID() string {
	return s.id
}

// Next returns the next notification payload. After the subscription ends
// it returns the buffered payloads first and then the terminal error.
func (s *Subscription) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		s.mu.Lock()
		if v, ok := s.queue.PopFront(); ok {
			s.mu.Unlock()
			return v.(json.RawMessage), nil
		}
		if s.err != nil {
			err := s.err
			s.mu.Unlock()
			return nil, err
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Unsubscribe cancels the subscription on the server. It is idempotent.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		s.client.removeSubscription(s.id)
		s.terminate(ErrUnsubscribed)
		if s.unsubMethod != "" {
			err = s.client.Call(ctx, nil, s.unsubMethod, s.id)
			if errors.Is(err, ErrClosed) {
				err = nil
			}
		}
	})
	return err
}

// Forget drops the subscription locally without notifying the server, for
// subscriptions the server has already ended.
func (s *Subscription) Forget() {
	s.once.Do(func() {
		s.client.removeSubscription(s.id)
		s.terminate(ErrUnsubscribed)
	})
}

func (s *Subscription) push(v json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.queue.PushBack(v)
	s.signal()
}

func (s *Subscription) terminate(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.err = err
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
