package follow

import (
	"context"
	"sync"
	"time"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

const unpinTimeout = 30 * time.Second

// MessageSource is a stream of follow messages.
type MessageSource interface {
	Next(ctx context.Context) (Message, error)
}

// Unpinner releases pinned blocks on the node.
type Unpinner interface {
	Unpin(ctx context.Context, subscriptionID string, hashes ...nodeapi.Hash) error
}

// pinEntry tracks one pinned block. Numbers are relative to the start of
// the subscription and only used to compute ages.
type pinEntry struct {
	block    *pinnedBlock
	number   uint64
	canUnpin bool
}

// UnpinStream wraps a message source and replaces block hashes with block
// handles. It unpins blocks on every Finalized event: blocks at least
// maxBlockLife finalized blocks old regardless of outstanding handles, and
// finalized or pruned blocks with no outstanding handles.
type UnpinStream struct {
	inner        MessageSource
	api          Unpinner
	maxBlockLife uint64 // zero means unbounded

	subscriptionID string
	finalized      uint64
	pinned         map[nodeapi.Hash]*pinEntry
	// Finalized blocks already unpinned, which may still be named as the
	// parent of a new block.
	unpinned map[nodeapi.Hash]uint64
	best     *BlockRef

	unpins sync.WaitGroup

	logger  *log.Logger
	metrics *metrics.FollowMetrics
}

func NewUnpinStream(inner MessageSource, api Unpinner, maxBlockLife uint64, logger *log.Logger, m *metrics.FollowMetrics) *UnpinStream {
	return &UnpinStream{
		inner:        inner,
		api:          api,
		maxBlockLife: maxBlockLife,
		pinned:       make(map[nodeapi.Hash]*pinEntry),
		unpinned:     make(map[nodeapi.Hash]uint64),
		logger:       logger.WithModule("unpin"),
		metrics:      m,
	}
}

// Next returns the next message with block hashes converted to handles.
// The caller owns the handles in the returned event.
func (s *UnpinStream) Next(ctx context.Context) (Message, error) {
	msg, err := s.inner.Next(ctx)
	if err != nil {
		return msg, err
	}

	if msg.Event == nil {
		s.reset()
		s.subscriptionID = msg.SubscriptionID
		return msg, nil
	}

	switch ev := msg.Event.(type) {
	case *nodeapi.Initialized:
		msg.Event = &Initialized{
			SubscriptionID:        msg.SubscriptionID,
			FinalizedBlock:        s.pin(ev.FinalizedBlockHash, s.finalized, true),
			FinalizedBlockRuntime: ev.FinalizedBlockRuntime,
		}
	case *nodeapi.NewBlock:
		parentNumber := s.finalized
		if e, ok := s.pinned[ev.ParentBlockHash]; ok {
			parentNumber = e.number
		}
		var parent *BlockRef
		if _, gone := s.unpinned[ev.ParentBlockHash]; gone {
			parent = BlockRefFromHash(ev.ParentBlockHash)
		} else {
			parent = s.pin(ev.ParentBlockHash, parentNumber, false)
		}
		msg.Event = &NewBlock{
			Block:       s.pin(ev.BlockHash, parentNumber+1, false),
			ParentBlock: parent,
			NewRuntime:  ev.NewRuntime,
		}
	case *nodeapi.BestBlockChanged:
		number := s.finalized + 1
		if e, ok := s.pinned[ev.BestBlockHash]; ok {
			number = e.number
		}
		s.best.Release()
		s.best = s.pin(ev.BestBlockHash, number, false)
		msg.Event = &BestBlockChanged{BestBlock: s.pin(ev.BestBlockHash, number, false)}
	case *nodeapi.Finalized:
		out := &Finalized{
			FinalizedBlocks: make([]*BlockRef, len(ev.FinalizedBlockHashes)),
			PrunedBlocks:    make([]*BlockRef, len(ev.PrunedBlockHashes)),
		}
		for i, h := range ev.FinalizedBlockHashes {
			out.FinalizedBlocks[i] = s.pin(h, s.finalized+uint64(i)+1, true)
		}
		s.finalized += uint64(len(ev.FinalizedBlockHashes))
		for i, h := range ev.PrunedBlockHashes {
			out.PrunedBlocks[i] = s.pin(h, s.finalized+1, true)
		}
		msg.Event = out
		s.sweep(ctx)
	case *nodeapi.Stop:
		// The node dropped every pin.
		s.reset()
	}
	return msg, nil
}

// pin returns a new handle on hash, registering the block at number if it
// is not pinned yet. Unpinnable marks blocks that will not be reported as
// new again.
func (s *UnpinStream) pin(hash nodeapi.Hash, number uint64, unpinnable bool) *BlockRef {
	e, ok := s.pinned[hash]
	if !ok {
		e = &pinEntry{block: &pinnedBlock{hash: hash}, number: number}
		s.pinned[hash] = e
		s.metrics.PinnedBlocks(len(s.pinned))
	}
	if unpinnable {
		e.canUnpin = true
	}
	return newBlockRef(e.block)
}

// sweep unpins aged blocks and released finalized or pruned blocks.
func (s *UnpinStream) sweep(ctx context.Context) {
	var hashes []nodeapi.Hash
	for hash, e := range s.pinned {
		age := s.finalized - min(e.number, s.finalized)
		switch {
		case s.maxBlockLife != 0 && age >= s.maxBlockLife:
			if e.block.refs.Load() > 0 {
				s.logger.Debug("unpinning aged block with outstanding references", "block", hash.Hex(), "age", age)
			}
			s.metrics.Unpinned(metrics.UnpinReasonAge)
		case e.canUnpin && e.block.refs.Load() == 0:
			s.metrics.Unpinned(metrics.UnpinReasonReleased)
		default:
			continue
		}
		hashes = append(hashes, hash)
		delete(s.pinned, hash)
		if e.canUnpin {
			s.unpinned[hash] = e.number
		}
	}
	// Only the latest finalized block can still be named as a parent.
	for hash, number := range s.unpinned {
		if number < s.finalized {
			delete(s.unpinned, hash)
		}
	}
	s.metrics.PinnedBlocks(len(s.pinned))
	if len(hashes) == 0 {
		return
	}

	subscriptionID := s.subscriptionID
	s.unpins.Add(1)
	go func() {
		defer s.unpins.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unpinTimeout)
		defer cancel()
		if err := s.api.Unpin(ctx, subscriptionID, hashes...); err != nil {
			s.metrics.UnpinFailed()
			s.logger.Warn("failed to unpin blocks", "subscription", subscriptionID, "blocks", len(hashes), "err", err)
		}
	}()
}

func (s *UnpinStream) reset() {
	s.best.Release()
	s.best = nil
	s.pinned = make(map[nodeapi.Hash]*pinEntry)
	s.unpinned = make(map[nodeapi.Hash]uint64)
	s.finalized = 0
	s.subscriptionID = ""
	s.metrics.PinnedBlocks(0)
}

// Wait blocks until all issued unpin calls have returned.
func (s *UnpinStream) Wait() {
	s.unpins.Wait()
}
