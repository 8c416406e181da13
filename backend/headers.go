package backend

import (
	"context"
	"fmt"

	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

// BlockHeader is the encoded header of a block and a handle on it.
type BlockHeader struct {
	Header []byte
	Block  *follow.BlockRef
}

// HeaderStream yields the headers of a selection of blocks as the follow
// subscription reports them. Blocks whose header the node no longer has
// are skipped.
type HeaderStream struct {
	b              *Backend
	sub            *follow.Subscription
	pick           func(nodeapi.FollowEvent) []*follow.BlockRef
	subscriptionID string
	pending        []pendingHeader
}

// pendingHeader is a block whose header is still to be fetched, with the
// follow subscription that reported it.
type pendingHeader struct {
	ref            *follow.BlockRef
	subscriptionID string
}

func (b *Backend) streamHeaders(pick func(nodeapi.FollowEvent) []*follow.BlockRef) *HeaderStream {
	return &HeaderStream{b: b, sub: b.handle.Subscribe(), pick: pick}
}

// StreamAllBlockHeaders yields the latest finalized block and every new
// block after it. The caller must close the stream.
func (b *Backend) StreamAllBlockHeaders() *HeaderStream {
	return b.streamHeaders(func(ev nodeapi.FollowEvent) []*follow.BlockRef {
		switch e := ev.(type) {
		case *follow.Initialized:
			return []*follow.BlockRef{e.FinalizedBlock}
		case *follow.NewBlock:
			return []*follow.BlockRef{e.Block}
		}
		return nil
	})
}

// StreamBestBlockHeaders yields the latest finalized block and every best
// block after it. The caller must close the stream.
func (b *Backend) StreamBestBlockHeaders() *HeaderStream {
	return b.streamHeaders(func(ev nodeapi.FollowEvent) []*follow.BlockRef {
		switch e := ev.(type) {
		case *follow.Initialized:
			return []*follow.BlockRef{e.FinalizedBlock}
		case *follow.BestBlockChanged:
			return []*follow.BlockRef{e.BestBlock}
		}
		return nil
	})
}

// StreamFinalizedBlockHeaders yields the latest finalized block and every
// block finalized after it. The caller must close the stream.
func (b *Backend) StreamFinalizedBlockHeaders() *HeaderStream {
	return b.streamHeaders(func(ev nodeapi.FollowEvent) []*follow.BlockRef {
		switch e := ev.(type) {
		case *follow.Initialized:
			return []*follow.BlockRef{e.FinalizedBlock}
		case *follow.Finalized:
			return e.FinalizedBlocks
		}
		return nil
	})
}

// Next returns the next header. The caller owns the returned block handle.
// Next returns io.EOF when the follow subscription ends.
func (s *HeaderStream) Next(ctx context.Context) (*BlockHeader, error) {
	for {
		for len(s.pending) > 0 {
			ref := s.pending[0].ref
			subscriptionID := s.pending[0].subscriptionID
			s.pending = s.pending[1:]

			header, err := s.b.api.Header(ctx, subscriptionID, ref.Hash())
			if err != nil {
				ref.Release()
				return nil, fmt.Errorf("fetching header of %s: %w", ref.Hash().Hex(), err)
			}
			if header == nil {
				ref.Release()
				continue
			}
			return &BlockHeader{Header: header, Block: ref}, nil
		}

		ev, err := s.sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		switch e := ev.(type) {
		case *follow.Initialized:
			s.subscriptionID = e.SubscriptionID
		case *nodeapi.Stop:
			s.subscriptionID = ""
		}
		for _, ref := range s.pick(ev) {
			s.pending = append(s.pending, pendingHeader{ref: ref.Clone(), subscriptionID: s.subscriptionID})
		}
		follow.ReleaseEvent(ev)
	}
}

// Close releases the handles of blocks not returned yet.
func (s *HeaderStream) Close() {
	for _, p := range s.pending {
		p.ref.Release()
	}
	s.pending = nil
	s.sub.Close()
}
