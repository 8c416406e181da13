// Package fake provides a scriptable in-memory nodeapi.ChainHeadApi for tests.
package fake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/atomic"

	"github.com/oasisprotocol/chainhead/nodeapi"
)

// UnpinCall records one Unpin call.
type UnpinCall struct {
	SubscriptionID string
	Hashes         []nodeapi.Hash
}

// ContinueCall records one Continue call.
type ContinueCall struct {
	SubscriptionID string
	OperationID    string
}

// Api is a fake node. Every Follow call creates a FollowSubscription that is
// also sent on Follows, for the test to feed events into. Operation methods
// default to starting an operation with a fresh id; the hooks override that.
type Api struct {
	// Follows receives every subscription handed out by Follow.
	Follows chan *FollowSubscription

	// FollowErr, if set, is consulted before each Follow call.
	FollowErr func(attempt int) error

	BodyFunc     func(subscriptionID string, hash nodeapi.Hash) (*nodeapi.MethodResponse, error)
	CallFunc     func(subscriptionID string, hash nodeapi.Hash, function string, params []byte) (*nodeapi.MethodResponse, error)
	StorageFunc  func(subscriptionID string, hash nodeapi.Hash, queries []nodeapi.StorageQuery) (*nodeapi.MethodResponse, error)
	ContinueFunc func(subscriptionID string, operationID string) error
	SubmitFunc   func(tx []byte) (nodeapi.TransactionSubscription, error)
	UnpinErr     error

	Genesis nodeapi.Hash

	mu          sync.Mutex
	followCalls int
	nextOp      int
	headers     map[nodeapi.Hash]hexutil.Bytes
	headerCalls []HeaderCall
	unpins      []UnpinCall
	continues   []ContinueCall
	closed      bool
}

var _ nodeapi.ChainHeadApi = (*Api)(nil)

func NewApi() *Api {
	return &Api{
		Follows: make(chan *FollowSubscription, 16),
		headers: make(map[nodeapi.Hash]hexutil.Bytes),
	}
}

func (a *Api) Follow(ctx context.Context, withRuntime bool) (nodeapi.FollowSubscription, error) {
	a.mu.Lock()
	a.followCalls++
	attempt := a.followCalls
	a.mu.Unlock()

	if a.FollowErr != nil {
		if err := a.FollowErr(attempt); err != nil {
			return nil, err
		}
	}
	sub := NewFollowSubscription(fmt.Sprintf("sub-%d", attempt))
	a.Follows <- sub
	return sub, nil
}

// FollowCalls returns the number of Follow calls so far.
func (a *Api) FollowCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.followCalls
}

func (a *Api) Unpin(ctx context.Context, subscriptionID string, hashes ...nodeapi.Hash) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unpins = append(a.unpins, UnpinCall{SubscriptionID: subscriptionID, Hashes: append([]nodeapi.Hash(nil), hashes...)})
	return a.UnpinErr
}

// Unpins returns the Unpin calls so far.
func (a *Api) Unpins() []UnpinCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]UnpinCall(nil), a.unpins...)
}

// UnpinnedHashes returns every hash passed to Unpin so far, in call order.
func (a *Api) UnpinnedHashes() []nodeapi.Hash {
	var hashes []nodeapi.Hash
	for _, c := range a.Unpins() {
		hashes = append(hashes, c.Hashes...)
	}
	return hashes
}

// SetHeader makes Header return header for hash.
func (a *Api) SetHeader(hash nodeapi.Hash, header []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.headers[hash] = header
}

func (a *Api) Header(ctx context.Context, subscriptionID string, hash nodeapi.Hash) (hexutil.Bytes, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.headerCalls = append(a.headerCalls, HeaderCall{SubscriptionID: subscriptionID, Hash: hash})
	return a.headers[hash], nil
}

// HeaderCall is one call to Header.
type HeaderCall struct {
	SubscriptionID string
	Hash           nodeapi.Hash
}

// HeaderCalls returns the number of Header calls so far.
func (a *Api) HeaderCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.headerCalls)
}

// HeaderRequests returns the Header calls so far.
func (a *Api) HeaderRequests() []HeaderCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]HeaderCall(nil), a.headerCalls...)
}

// Started returns a response for a newly started operation with a fresh id.
func (a *Api) Started() *nodeapi.MethodResponse {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextOp++
	return &nodeapi.MethodResponse{Result: nodeapi.MethodResponseStarted, OperationID: fmt.Sprintf("op-%d", a.nextOp)}
}

// LimitReached is the response of a node refusing an operation.
func LimitReached() *nodeapi.MethodResponse {
	return &nodeapi.MethodResponse{Result: nodeapi.MethodResponseLimitReached}
}

func (a *Api) Body(ctx context.Context, subscriptionID string, hash nodeapi.Hash) (*nodeapi.MethodResponse, error) {
	if a.BodyFunc != nil {
		return a.BodyFunc(subscriptionID, hash)
	}
	return a.Started(), nil
}

func (a *Api) Call(ctx context.Context, subscriptionID string, hash nodeapi.Hash, function string, params []byte) (*nodeapi.MethodResponse, error) {
	if a.CallFunc != nil {
		return a.CallFunc(subscriptionID, hash, function, params)
	}
	return a.Started(), nil
}

func (a *Api) Storage(ctx context.Context, subscriptionID string, hash nodeapi.Hash, queries []nodeapi.StorageQuery) (*nodeapi.MethodResponse, error) {
	if a.StorageFunc != nil {
		return a.StorageFunc(subscriptionID, hash, queries)
	}
	return a.Started(), nil
}

func (a *Api) Continue(ctx context.Context, subscriptionID string, operationID string) error {
	a.mu.Lock()
	a.continues = append(a.continues, ContinueCall{SubscriptionID: subscriptionID, OperationID: operationID})
	a.mu.Unlock()
	if a.ContinueFunc != nil {
		return a.ContinueFunc(subscriptionID, operationID)
	}
	return nil
}

// Continues returns the Continue calls so far.
func (a *Api) Continues() []ContinueCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]ContinueCall(nil), a.continues...)
}

func (a *Api) GenesisHash(ctx context.Context) (nodeapi.Hash, error) {
	return a.Genesis, nil
}

func (a *Api) SubmitAndWatch(ctx context.Context, tx []byte) (nodeapi.TransactionSubscription, error) {
	if a.SubmitFunc == nil {
		return nil, errors.New("fake: no SubmitFunc")
	}
	return a.SubmitFunc(tx)
}

func (a *Api) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Closed reports whether Close was called.
func (a *Api) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type item[T any] struct {
	v   T
	err error
}

// FollowSubscription is a follow subscription fed by the test. Like a real
// node, it ends after Stop.
type FollowSubscription struct {
	id           string
	items        chan item[nodeapi.FollowEvent]
	stopped      atomic.Bool
	unsubscribed chan struct{}
	once         sync.Once
}

var _ nodeapi.FollowSubscription = (*FollowSubscription)(nil)

func NewFollowSubscription(id string) *FollowSubscription {
	return &FollowSubscription{
		id:           id,
		items:        make(chan item[nodeapi.FollowEvent], 1024),
		unsubscribed: make(chan struct{}),
	}
}

// Push queues events for delivery.
func (s *FollowSubscription) Push(evs ...nodeapi.FollowEvent) {
	for _, ev := range evs {
		s.items <- item[nodeapi.FollowEvent]{v: ev}
	}
}

// Fail queues a transport error.
func (s *FollowSubscription) Fail(err error) {
	s.items <- item[nodeapi.FollowEvent]{err: err}
}

// Unsubscribed is closed once the client unsubscribed.
func (s *FollowSubscription) Unsubscribed() <-chan struct{} {
	return s.unsubscribed
}

func (s *FollowSubscription) ID() string {
	return s.id
}

func (s *FollowSubscription) Next(ctx context.Context) (nodeapi.FollowEvent, error) {
	if s.stopped.Load() {
		return nil, io.EOF
	}
	select {
	case it := <-s.items:
		if it.err != nil {
			return nil, it.err
		}
		if it.v.Kind() == nodeapi.EventStop {
			s.stopped.Store(true)
		}
		return it.v, nil
	case <-s.unsubscribed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *FollowSubscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() { close(s.unsubscribed) })
	return nil
}

// TransactionSubscription is a transaction status stream fed by the test.
// It ends after a terminal event or End.
type TransactionSubscription struct {
	items        chan item[*nodeapi.TransactionEvent]
	done         atomic.Bool
	unsubscribed atomic.Bool
}

var _ nodeapi.TransactionSubscription = (*TransactionSubscription)(nil)

func NewTransactionSubscription() *TransactionSubscription {
	return &TransactionSubscription{items: make(chan item[*nodeapi.TransactionEvent], 1024)}
}

// Push queues status events for delivery.
func (s *TransactionSubscription) Push(evs ...*nodeapi.TransactionEvent) {
	for _, ev := range evs {
		s.items <- item[*nodeapi.TransactionEvent]{v: ev}
	}
}

// End ends the stream without a terminal event.
func (s *TransactionSubscription) End() {
	s.items <- item[*nodeapi.TransactionEvent]{err: io.EOF}
}

// Fail queues a transport error.
func (s *TransactionSubscription) Fail(err error) {
	s.items <- item[*nodeapi.TransactionEvent]{err: err}
}

// Pending returns the number of queued events not read yet.
func (s *TransactionSubscription) Pending() int {
	return len(s.items)
}

// Unsubscribed reports whether the client unsubscribed.
func (s *TransactionSubscription) Unsubscribed() bool {
	return s.unsubscribed.Load()
}

func (s *TransactionSubscription) Next(ctx context.Context) (*nodeapi.TransactionEvent, error) {
	if s.done.Load() {
		return nil, io.EOF
	}
	select {
	case it := <-s.items:
		if it.err != nil {
			if errors.Is(it.err, io.EOF) {
				s.done.Store(true)
			}
			return nil, it.err
		}
		if it.v.Terminal() {
			s.done.Store(true)
		}
		return it.v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *TransactionSubscription) Unsubscribe(ctx context.Context) error {
	s.unsubscribed.Store(true)
	return nil
}
