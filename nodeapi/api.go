// Package nodeapi describes the node's head-tracking RPC interface
// (chainHead, chainSpec and transaction method groups) and implements it
// over a JSON-RPC client.
package nodeapi

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FollowSubscription is the raw event stream of one follow subscription.
// Next returns io.EOF after the Stop event.
type FollowSubscription interface {
	ID() string
	Next(ctx context.Context) (FollowEvent, error)
	Unsubscribe(ctx context.Context) error
}

// TransactionSubscription is the status stream of one submitted
// transaction. Next returns io.EOF after a terminal event.
type TransactionSubscription interface {
	Next(ctx context.Context) (*TransactionEvent, error)
	Unsubscribe(ctx context.Context) error
}

// ChainHeadApi provides low-level access to a node's head-tracking API.
//
// Each method corresponds to one JSON-RPC method of the node. Operation
// methods return as soon as the node accepted or rejected the operation;
// results arrive later as events of the follow subscription identified by
// subscriptionID.
type ChainHeadApi interface {
	Follow(ctx context.Context, withRuntime bool) (FollowSubscription, error)
	Unpin(ctx context.Context, subscriptionID string, hashes ...Hash) error
	// Header returns the SCALE-encoded header, or nil if the block is not pinned.
	Header(ctx context.Context, subscriptionID string, hash Hash) (hexutil.Bytes, error)
	Body(ctx context.Context, subscriptionID string, hash Hash) (*MethodResponse, error)
	Call(ctx context.Context, subscriptionID string, hash Hash, function string, params []byte) (*MethodResponse, error)
	Storage(ctx context.Context, subscriptionID string, hash Hash, queries []StorageQuery) (*MethodResponse, error)
	Continue(ctx context.Context, subscriptionID string, operationID string) error
	GenesisHash(ctx context.Context) (Hash, error)
	SubmitAndWatch(ctx context.Context, tx []byte) (TransactionSubscription, error)
	Close() error
}
