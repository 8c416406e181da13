// Package backend exposes a node's head-tracking API as blocks, storage,
// runtime calls and transaction submission on top of one shared follow
// subscription.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/oasisprotocol/chainhead/cache/kvstore"
	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
	"github.com/oasisprotocol/chainhead/nodeapi"
	"github.com/oasisprotocol/chainhead/nodeapi/cached"
)

// Options configures a Backend. The zero value follows the chain without
// unpinning aged blocks, resubscribing, metrics or caching.
type Options struct {
	// MaxBlockLife is the age in finalized blocks at which blocks are
	// unpinned regardless of outstanding handles. Zero means unbounded.
	MaxBlockLife uint64

	// Resubscribe controls restarting the follow subscription after the
	// node stops it.
	Resubscribe follow.ResubscribePolicy

	FollowMetrics    *metrics.FollowMetrics
	OperationMetrics *metrics.OperationMetrics

	// Cache, if set, serves the genesis hash and headers. The backend owns it.
	Cache kvstore.KVStore
}

// Backend answers queries about the chain through the node's follow
// subscription. Run must be running for any query to make progress.
type Backend struct {
	api    nodeapi.ChainHeadApi
	driver *follow.Driver
	handle *follow.Handle

	logger  *log.Logger
	metrics *metrics.OperationMetrics
}

// New returns a backend using api. The backend owns api.
func New(api nodeapi.ChainHeadApi, opts Options, logger *log.Logger) *Backend {
	if opts.Cache != nil {
		api = cached.NewChainHeadApi(api, opts.Cache)
	}
	driver := follow.NewDriver(api, follow.Options{
		MaxBlockLife: opts.MaxBlockLife,
		WithRuntime:  true,
		Resubscribe:  opts.Resubscribe,
	}, logger, opts.FollowMetrics)

	return &Backend{
		api:     api,
		driver:  driver,
		handle:  driver.Handle(),
		logger:  logger.WithModule("backend"),
		metrics: opts.OperationMetrics,
	}
}

// Run drives the follow subscription until it ends or ctx is cancelled.
func (b *Backend) Run(ctx context.Context) error {
	return b.driver.Run(ctx)
}

// Close closes the node API and the cache.
func (b *Backend) Close() error {
	return b.api.Close()
}

func (b *Backend) GenesisHash(ctx context.Context) (nodeapi.Hash, error) {
	return b.api.GenesisHash(ctx)
}

// BlockHeader returns the encoded header of a pinned block, or nil if the
// node does not know it.
func (b *Backend) BlockHeader(ctx context.Context, at nodeapi.Hash) ([]byte, error) {
	subscriptionID, err := b.handle.SubscriptionID(ctx)
	if err != nil {
		return nil, err
	}
	header, err := b.api.Header(ctx, subscriptionID, at)
	if err != nil {
		return nil, fmt.Errorf("fetching header of %s: %w", at.Hex(), err)
	}
	return header, nil
}

// LatestFinalizedBlockRef returns a handle on the latest finalized block.
// The caller must release it.
func (b *Backend) LatestFinalizedBlockRef(ctx context.Context) (*follow.BlockRef, error) {
	sub := b.handle.Subscribe()
	defer sub.Close()
	for {
		ev, err := nextEvent(ctx, sub)
		if err != nil {
			return nil, err
		}
		if init, ok := ev.(*follow.Initialized); ok {
			ref := init.FinalizedBlock.Clone()
			follow.ReleaseEvent(ev)
			return ref, nil
		}
		follow.ReleaseEvent(ev)
	}
}

// ChainHeadFollow returns a subscription to every follow event, starting
// with the current view of the chain. The caller must close it.
func (b *Backend) ChainHeadFollow() *follow.Subscription {
	return b.handle.Subscribe()
}

// nextEvent is Subscription.Next with the end of the stream reported as
// ErrSubscriptionDropped.
func nextEvent(ctx context.Context, sub *follow.Subscription) (nodeapi.FollowEvent, error) {
	ev, err := sub.Next(ctx)
	switch {
	case err == nil:
		return ev, nil
	case errors.Is(err, io.EOF):
		return nil, ErrSubscriptionDropped
	case ctx.Err() != nil:
		return nil, err
	default:
		return nil, fmt.Errorf("follow subscription: %w", err)
	}
}
