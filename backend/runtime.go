package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

// RuntimeVersion identifies the runtime of the finalized chain.
type RuntimeVersion struct {
	SpecVersion        uint32
	TransactionVersion uint32
}

// RuntimeVersionStream reports the runtime of the finalized chain each time
// it is announced or changes.
type RuntimeVersionStream struct {
	sub *follow.Subscription
	// Runtimes announced by blocks not finalized yet.
	runtimes map[nodeapi.Hash]*nodeapi.RuntimeEvent
}

// StreamRuntimeVersion returns a stream of runtime versions, starting with
// the runtime of the current finalized block. The caller must close it.
func (b *Backend) StreamRuntimeVersion() *RuntimeVersionStream {
	return &RuntimeVersionStream{
		sub:      b.handle.Subscribe(),
		runtimes: make(map[nodeapi.Hash]*nodeapi.RuntimeEvent),
	}
}

// Next returns the next runtime version. A runtime the node could not load
// is reported as an error wrapping ErrInvalidRuntime; the stream goes on
// after it. Next returns io.EOF when the follow subscription ends.
func (s *RuntimeVersionStream) Next(ctx context.Context) (RuntimeVersion, error) {
	for {
		ev, err := s.sub.Next(ctx)
		if err != nil {
			return RuntimeVersion{}, err
		}
		runtime := s.track(ev)
		follow.ReleaseEvent(ev)
		if runtime == nil {
			continue
		}
		if !runtime.Valid() {
			return RuntimeVersion{}, fmt.Errorf("%w: %s", ErrInvalidRuntime, runtime.Error)
		}
		return RuntimeVersion{
			SpecVersion:        runtime.Spec.SpecVersion,
			TransactionVersion: runtime.Spec.TransactionVersion,
		}, nil
	}
}

// track records runtime announcements and returns the runtime that became
// current with ev, if any.
func (s *RuntimeVersionStream) track(ev nodeapi.FollowEvent) *nodeapi.RuntimeEvent {
	switch e := ev.(type) {
	case *follow.Initialized:
		clear(s.runtimes)
		return e.FinalizedBlockRuntime
	case *follow.NewBlock:
		if e.NewRuntime != nil {
			s.runtimes[e.Block.Hash()] = e.NewRuntime
		}
	case *follow.Finalized:
		var latest *nodeapi.RuntimeEvent
		for i := len(e.FinalizedBlocks) - 1; i >= 0; i-- {
			if r, ok := s.runtimes[e.FinalizedBlocks[i].Hash()]; ok {
				latest = r
				break
			}
		}
		clear(s.runtimes)
		return latest
	}
	return nil
}

func (s *RuntimeVersionStream) Close() {
	s.sub.Close()
}

// CurrentRuntimeVersion returns the runtime of the latest finalized block.
func (b *Backend) CurrentRuntimeVersion(ctx context.Context) (RuntimeVersion, error) {
	s := b.StreamRuntimeVersion()
	defer s.Close()
	v, err := s.Next(ctx)
	if err != nil && !errors.Is(err, ErrInvalidRuntime) && ctx.Err() == nil {
		if errors.Is(err, io.EOF) {
			return RuntimeVersion{}, ErrSubscriptionDropped
		}
		return RuntimeVersion{}, fmt.Errorf("follow subscription: %w", err)
	}
	return v, err
}
