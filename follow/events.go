package follow

import (
	"github.com/oasisprotocol/chainhead/nodeapi"
)

// The events below replace block hashes of the corresponding nodeapi events
// with block handles. Operation events and Stop are delivered as nodeapi
// events unchanged.

// Initialized starts the events of one follow subscription. SubscriptionID
// names that subscription; block handles delivered until the next Stop
// belong to it.
type Initialized struct {
	SubscriptionID        string
	FinalizedBlock        *BlockRef
	FinalizedBlockRuntime *nodeapi.RuntimeEvent
}

type NewBlock struct {
	Block       *BlockRef
	ParentBlock *BlockRef
	NewRuntime  *nodeapi.RuntimeEvent
}

type BestBlockChanged struct {
	BestBlock *BlockRef
}

type Finalized struct {
	FinalizedBlocks []*BlockRef
	PrunedBlocks    []*BlockRef
}

func (*Initialized) Kind() nodeapi.EventKind      { return nodeapi.EventInitialized }
func (*NewBlock) Kind() nodeapi.EventKind         { return nodeapi.EventNewBlock }
func (*BestBlockChanged) Kind() nodeapi.EventKind { return nodeapi.EventBestBlockChanged }
func (*Finalized) Kind() nodeapi.EventKind        { return nodeapi.EventFinalized }

// ReleaseEvent releases every block handle carried by ev.
func ReleaseEvent(ev nodeapi.FollowEvent) {
	switch e := ev.(type) {
	case *Initialized:
		e.FinalizedBlock.Release()
	case *NewBlock:
		e.Block.Release()
		e.ParentBlock.Release()
	case *BestBlockChanged:
		e.BestBlock.Release()
	case *Finalized:
		releaseAll(e.FinalizedBlocks)
		releaseAll(e.PrunedBlocks)
	}
}

// CloneEvent returns a copy of ev holding its own block handles.
func CloneEvent(ev nodeapi.FollowEvent) nodeapi.FollowEvent {
	switch e := ev.(type) {
	case *Initialized:
		return &Initialized{
			SubscriptionID:        e.SubscriptionID,
			FinalizedBlock:        e.FinalizedBlock.Clone(),
			FinalizedBlockRuntime: e.FinalizedBlockRuntime,
		}
	case *NewBlock:
		return &NewBlock{Block: e.Block.Clone(), ParentBlock: e.ParentBlock.Clone(), NewRuntime: e.NewRuntime}
	case *BestBlockChanged:
		return &BestBlockChanged{BestBlock: e.BestBlock.Clone()}
	case *Finalized:
		return &Finalized{FinalizedBlocks: cloneAll(e.FinalizedBlocks), PrunedBlocks: cloneAll(e.PrunedBlocks)}
	default:
		return ev
	}
}

func releaseAll(refs []*BlockRef) {
	for _, r := range refs {
		r.Release()
	}
}

func cloneAll(refs []*BlockRef) []*BlockRef {
	out := make([]*BlockRef, len(refs))
	for i, r := range refs {
		out[i] = r.Clone()
	}
	return out
}
