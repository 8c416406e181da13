package follow

import (
	"go.uber.org/atomic"

	"github.com/oasisprotocol/chainhead/nodeapi"
)

// pinnedBlock is the shared ownership token of one pinned block.
type pinnedBlock struct {
	hash nodeapi.Hash
	refs atomic.Int64
}

// BlockRef is a handle on a block. Handles on a pinned block keep it pinned
// on the node until they are all released, or until the block exceeds the
// maximum block life. Handles are not safe for concurrent Release and Clone.
type BlockRef struct {
	hash     nodeapi.Hash
	block    *pinnedBlock
	released atomic.Bool
}

// BlockRefFromHash returns a handle that carries no pin. The block it names
// may not be accessible on the node.
func BlockRefFromHash(hash nodeapi.Hash) *BlockRef {
	return &BlockRef{hash: hash}
}

func newBlockRef(block *pinnedBlock) *BlockRef {
	block.refs.Inc()
	return &BlockRef{hash: block.hash, block: block}
}

func (r *BlockRef) Hash() nodeapi.Hash {
	return r.hash
}

// Pinned reports whether the handle shares ownership of a pin.
func (r *BlockRef) Pinned() bool {
	return r.block != nil
}

// Clone returns a new owning handle on the same block. The receiver must not
// have been released.
func (r *BlockRef) Clone() *BlockRef {
	if r.block == nil {
		return BlockRefFromHash(r.hash)
	}
	return newBlockRef(r.block)
}

// Release gives up this handle's ownership. Releasing a handle more than
// once, or a nil handle, has no effect.
func (r *BlockRef) Release() {
	if r == nil || r.block == nil {
		return
	}
	if r.released.CompareAndSwap(false, true) {
		r.block.refs.Dec()
	}
}
