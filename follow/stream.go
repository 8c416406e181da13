// Package follow drives a node's follow subscription: it decodes the raw
// event stream, manages block pins and fans the events out to any number of
// consumers.
package follow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
	"github.com/oasisprotocol/chainhead/nodeapi"
	"github.com/oasisprotocol/chainhead/rpc"
)

// Message is one item of a follow stream. A message with a nil Event
// announces a new subscription; the events that follow belong to it.
type Message struct {
	SubscriptionID string
	Event          nodeapi.FollowEvent
}

// Follower opens follow subscriptions.
type Follower interface {
	Follow(ctx context.Context, withRuntime bool) (nodeapi.FollowSubscription, error)
}

// ResubscribePolicy controls whether and how a Stream restarts its
// subscription after the node stops it.
type ResubscribePolicy struct {
	Enabled    bool
	InitialGap time.Duration
	MaxGap     time.Duration
}

// Stream is the raw follow stream: one subscription at a time, decoded
// events, no pinning.
type Stream struct {
	api         Follower
	withRuntime bool
	resubscribe ResubscribePolicy

	sub  nodeapi.FollowSubscription
	done bool

	logger  *log.Logger
	metrics *metrics.FollowMetrics
}

// NewStream returns a stream that subscribes on the first call to Next.
func NewStream(api Follower, withRuntime bool, resubscribe ResubscribePolicy, logger *log.Logger, m *metrics.FollowMetrics) *Stream {
	return &Stream{
		api:         api,
		withRuntime: withRuntime,
		resubscribe: resubscribe,
		logger:      logger.WithModule("follow"),
		metrics:     m,
	}
}

// Next returns the next message. It returns io.EOF once the subscription
// has stopped and resubscription is disabled. Transport errors are terminal.
func (s *Stream) Next(ctx context.Context) (Message, error) {
	for {
		if s.done {
			return Message{}, io.EOF
		}

		if s.sub == nil {
			sub, err := s.subscribe(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.done = true
				}
				return Message{}, err
			}
			s.sub = sub
			s.metrics.Subscribed()
			s.logger.Info("follow subscription started", "subscription", sub.ID())
			return Message{SubscriptionID: sub.ID()}, nil
		}

		ev, err := s.sub.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			s.logger.Info("follow subscription ended", "subscription", s.sub.ID())
			s.endSubscription()
			continue
		case err != nil:
			if ctx.Err() == nil {
				s.done = true
				s.logger.Error("follow subscription failed", "subscription", s.sub.ID(), "err", err)
			}
			return Message{}, err
		}

		msg := Message{SubscriptionID: s.sub.ID(), Event: ev}
		if ev.Kind() == nodeapi.EventStop {
			s.logger.Warn("node stopped the follow subscription", "subscription", s.sub.ID())
			s.endSubscription()
		}
		return msg, nil
	}
}

func (s *Stream) endSubscription() {
	s.sub = nil
	if !s.resubscribe.Enabled {
		s.done = true
	}
}

func (s *Stream) subscribe(ctx context.Context) (nodeapi.FollowSubscription, error) {
	if !s.resubscribe.Enabled {
		return s.api.Follow(ctx, s.withRuntime)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.resubscribe.InitialGap
	b.MaxInterval = s.resubscribe.MaxGap
	b.MaxElapsedTime = 0

	var sub nodeapi.FollowSubscription
	err := backoff.RetryNotify(
		func() error {
			var err error
			sub, err = s.api.Follow(ctx, s.withRuntime)
			var rpcErr *rpc.Error
			if err != nil && !errors.As(err, &rpcErr) {
				// Only a node refusing the subscription is worth retrying;
				// anything else means the connection is gone.
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(b, ctx),
		func(err error, next time.Duration) {
			s.logger.Warn("follow subscription refused, retrying", "err", err, "retry_in", next)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribing: %w", err)
	}
	return sub, nil
}

// Close unsubscribes the current subscription, if any.
func (s *Stream) Close(ctx context.Context) error {
	s.done = true
	if s.sub == nil {
		return nil
	}
	sub := s.sub
	s.sub = nil
	return sub.Unsubscribe(ctx)
}
