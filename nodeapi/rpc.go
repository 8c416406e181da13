package nodeapi

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/rpc"
)

const (
	methodFollow         = "chainHead_unstable_follow"
	methodUnfollow       = "chainHead_unstable_unfollow"
	methodUnpin          = "chainHead_unstable_unpin"
	methodHeader         = "chainHead_unstable_header"
	methodBody           = "chainHead_unstable_body"
	methodCall           = "chainHead_unstable_call"
	methodStorage        = "chainHead_unstable_storage"
	methodContinue       = "chainHead_unstable_continue"
	methodGenesisHash    = "chainSpec_v1_genesisHash"
	methodSubmitAndWatch = "transaction_unstable_submitAndWatch"
	methodUnwatch        = "transaction_unstable_unwatch"
)

// RPCApi implements ChainHeadApi over a websocket JSON-RPC connection.
type RPCApi struct {
	client *rpc.Client
	logger *log.Logger
}

var _ ChainHeadApi = (*RPCApi)(nil)

// NewRPCApi connects to the node at endpoint.
func NewRPCApi(ctx context.Context, endpoint string, logger *log.Logger) (*RPCApi, error) {
	client, err := rpc.Dial(ctx, endpoint, logger)
	if err != nil {
		return nil, err
	}
	return &RPCApi{client: client, logger: logger.WithModule("nodeapi")}, nil
}

func (a *RPCApi) Close() error {
	return a.client.Close()
}

func (a *RPCApi) Follow(ctx context.Context, withRuntime bool) (FollowSubscription, error) {
	sub, err := a.client.Subscribe(ctx, methodFollow, methodUnfollow, withRuntime)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", methodFollow, err)
	}
	return &rpcFollowSubscription{sub: sub}, nil
}

func (a *RPCApi) Unpin(ctx context.Context, subscriptionID string, hashes ...Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	var param interface{} = hashes
	if len(hashes) == 1 {
		param = hashes[0]
	}
	return a.client.Call(ctx, nil, methodUnpin, subscriptionID, param)
}

func (a *RPCApi) Header(ctx context.Context, subscriptionID string, hash Hash) (hexutil.Bytes, error) {
	var header *hexutil.Bytes
	if err := a.client.Call(ctx, &header, methodHeader, subscriptionID, hash); err != nil {
		return nil, err
	}
	if header == nil {
		return nil, nil
	}
	return *header, nil
}

func (a *RPCApi) Body(ctx context.Context, subscriptionID string, hash Hash) (*MethodResponse, error) {
	var resp MethodResponse
	if err := a.client.Call(ctx, &resp, methodBody, subscriptionID, hash); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *RPCApi) Call(ctx context.Context, subscriptionID string, hash Hash, function string, params []byte) (*MethodResponse, error) {
	if params == nil {
		params = []byte{}
	}
	var resp MethodResponse
	if err := a.client.Call(ctx, &resp, methodCall, subscriptionID, hash, function, hexutil.Bytes(params)); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *RPCApi) Storage(ctx context.Context, subscriptionID string, hash Hash, queries []StorageQuery) (*MethodResponse, error) {
	var resp MethodResponse
	// No child trie.
	if err := a.client.Call(ctx, &resp, methodStorage, subscriptionID, hash, queries, nil); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (a *RPCApi) Continue(ctx context.Context, subscriptionID string, operationID string) error {
	return a.client.Call(ctx, nil, methodContinue, subscriptionID, operationID)
}

func (a *RPCApi) GenesisHash(ctx context.Context) (Hash, error) {
	var hash Hash
	err := a.client.Call(ctx, &hash, methodGenesisHash)
	return hash, err
}

func (a *RPCApi) SubmitAndWatch(ctx context.Context, tx []byte) (TransactionSubscription, error) {
	sub, err := a.client.Subscribe(ctx, methodSubmitAndWatch, methodUnwatch, hexutil.Bytes(tx))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", methodSubmitAndWatch, err)
	}
	return &rpcTransactionSubscription{sub: sub}, nil
}

type rpcFollowSubscription struct {
	sub     *rpc.Subscription
	stopped bool
}

func (s *rpcFollowSubscription) ID() string {
	return s.sub.ID()
}

func (s *rpcFollowSubscription) Next(ctx context.Context) (FollowEvent, error) {
	if s.stopped {
		return nil, io.EOF
	}
	raw, err := s.sub.Next(ctx)
	if err != nil {
		if errors.Is(err, rpc.ErrUnsubscribed) {
			return nil, io.EOF
		}
		return nil, err
	}
	ev, err := DecodeFollowEvent(raw)
	if err != nil {
		return nil, err
	}
	if ev.Kind() == EventStop {
		// The node ends the subscription after Stop; no unfollow is needed.
		s.stopped = true
		s.sub.Forget()
	}
	return ev, nil
}

func (s *rpcFollowSubscription) Unsubscribe(ctx context.Context) error {
	if s.stopped {
		return nil
	}
	return s.sub.Unsubscribe(ctx)
}

type rpcTransactionSubscription struct {
	sub  *rpc.Subscription
	done bool
}

func (s *rpcTransactionSubscription) Next(ctx context.Context) (*TransactionEvent, error) {
	if s.done {
		return nil, io.EOF
	}
	raw, err := s.sub.Next(ctx)
	if err != nil {
		if errors.Is(err, rpc.ErrUnsubscribed) {
			return nil, io.EOF
		}
		return nil, err
	}
	ev, err := DecodeTransactionEvent(raw)
	if err != nil {
		return nil, err
	}
	if ev.Terminal() {
		s.done = true
		s.sub.Forget()
	}
	return ev, nil
}

func (s *rpcTransactionSubscription) Unsubscribe(ctx context.Context) error {
	if s.done {
		return nil
	}
	return s.sub.Unsubscribe(ctx)
}
