package nodeapi

import (
	"encoding/json"
	"fmt"
	"strconv"

	ethCommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Hash is a 32-byte block hash, encoded as 0x-prefixed hex on the wire.
type Hash = ethCommon.Hash

// EventKind is the "event" tag of a follow event.
type EventKind string

const (
	EventInitialized                 EventKind = "initialized"
	EventNewBlock                    EventKind = "newBlock"
	EventBestBlockChanged            EventKind = "bestBlockChanged"
	EventFinalized                   EventKind = "finalized"
	EventOperationBodyDone           EventKind = "operationBodyDone"
	EventOperationCallDone           EventKind = "operationCallDone"
	EventOperationStorageItems       EventKind = "operationStorageItems"
	EventOperationWaitingForContinue EventKind = "operationWaitingForContinue"
	EventOperationStorageDone        EventKind = "operationStorageDone"
	EventOperationInaccessible       EventKind = "operationInaccessible"
	EventOperationError              EventKind = "operationError"
	EventStop                        EventKind = "stop"
)

// FollowEvent is one event of a follow subscription. Concrete events are
// pointers to the structs below.
type FollowEvent interface {
	Kind() EventKind
}

// OperationEvent is a follow event reporting progress of one operation.
type OperationEvent interface {
	FollowEvent
	OperationID() string
}

// Op identifies the operation an event belongs to.
type Op struct {
	ID string `json:"operationId"`
}

func (o Op) OperationID() string { return o.ID }

// Initialized is the first event of every subscription.
type Initialized struct {
	FinalizedBlockHash    Hash          `json:"finalizedBlockHash"`
	FinalizedBlockRuntime *RuntimeEvent `json:"finalizedBlockRuntime,omitempty"`
}

type NewBlock struct {
	BlockHash       Hash          `json:"blockHash"`
	ParentBlockHash Hash          `json:"parentBlockHash"`
	NewRuntime      *RuntimeEvent `json:"newRuntime,omitempty"`
}

type BestBlockChanged struct {
	BestBlockHash Hash `json:"bestBlockHash"`
}

// Finalized lists newly finalized blocks in ascending order, and blocks on
// abandoned forks.
type Finalized struct {
	FinalizedBlockHashes []Hash `json:"finalizedBlockHashes"`
	PrunedBlockHashes    []Hash `json:"prunedBlockHashes"`
}

// OperationBodyDone carries the extrinsics of a block, undecoded.
type OperationBodyDone struct {
	Op
	Value []hexutil.Bytes `json:"value"`
}

type OperationCallDone struct {
	Op
	Output hexutil.Bytes `json:"output"`
}

type OperationStorageItems struct {
	Op
	Items []StorageResultItem `json:"items"`
}

// OperationWaitingForContinue means the node paused a storage operation
// until it receives a continue call.
type OperationWaitingForContinue struct {
	Op
}

type OperationStorageDone struct {
	Op
}

// OperationInaccessible means the node could not complete the operation,
// e.g. because no peer had the data. Retrying may succeed.
type OperationInaccessible struct {
	Op
}

type OperationError struct {
	Op
	Error string `json:"error"`
}

// Stop ends the subscription. All pinned blocks are gone.
type Stop struct{}

func (*Initialized) Kind() EventKind                 { return EventInitialized }
func (*NewBlock) Kind() EventKind                    { return EventNewBlock }
func (*BestBlockChanged) Kind() EventKind            { return EventBestBlockChanged }
func (*Finalized) Kind() EventKind                   { return EventFinalized }
func (*OperationBodyDone) Kind() EventKind           { return EventOperationBodyDone }
func (*OperationCallDone) Kind() EventKind           { return EventOperationCallDone }
func (*OperationStorageItems) Kind() EventKind       { return EventOperationStorageItems }
func (*OperationWaitingForContinue) Kind() EventKind { return EventOperationWaitingForContinue }
func (*OperationStorageDone) Kind() EventKind        { return EventOperationStorageDone }
func (*OperationInaccessible) Kind() EventKind       { return EventOperationInaccessible }
func (*OperationError) Kind() EventKind              { return EventOperationError }
func (*Stop) Kind() EventKind                        { return EventStop }

// RuntimeEvent announces the runtime of a block. Exactly one of Spec and
// Error is set.
type RuntimeEvent struct {
	Type  string       `json:"type"` // "valid" or "invalid"
	Spec  *RuntimeSpec `json:"spec,omitempty"`
	Error string       `json:"error,omitempty"`
}

const (
	RuntimeValid   = "valid"
	RuntimeInvalid = "invalid"
)

// Valid reports whether the runtime could be loaded by the node.
func (r *RuntimeEvent) Valid() bool {
	return r.Type == RuntimeValid && r.Spec != nil
}

type RuntimeSpec struct {
	SpecName           string            `json:"specName"`
	ImplName           string            `json:"implName"`
	SpecVersion        uint32            `json:"specVersion"`
	ImplVersion        uint32            `json:"implVersion"`
	TransactionVersion uint32            `json:"transactionVersion"`
	APIs               map[string]uint32 `json:"apis"`
}

// MethodResponse is the result of a call starting an operation.
type MethodResponse struct {
	Result         string `json:"result"` // "started" or "limitReached"
	OperationID    string `json:"operationId,omitempty"`
	DiscardedItems int    `json:"discardedItems,omitempty"`
}

const (
	MethodResponseStarted      = "started"
	MethodResponseLimitReached = "limitReached"
)

// Started reports whether the node accepted the operation.
func (r *MethodResponse) Started() bool {
	return r.Result == MethodResponseStarted
}

type StorageQueryType string

const (
	StorageQueryValue                        StorageQueryType = "value"
	StorageQueryHash                         StorageQueryType = "hash"
	StorageQueryClosestDescendantMerkleValue StorageQueryType = "closestDescendantMerkleValue"
	StorageQueryDescendantsValues            StorageQueryType = "descendantsValues"
	StorageQueryDescendantsHashes            StorageQueryType = "descendantsHashes"
)

type StorageQuery struct {
	Key  hexutil.Bytes    `json:"key"`
	Type StorageQueryType `json:"type"`
}

// StorageResultItem is one result of a storage operation. Which of the
// optional fields is set depends on the query type.
type StorageResultItem struct {
	Key                          hexutil.Bytes  `json:"key"`
	Value                        *hexutil.Bytes `json:"value,omitempty"`
	Hash                         *hexutil.Bytes `json:"hash,omitempty"`
	ClosestDescendantMerkleValue *hexutil.Bytes `json:"closestDescendantMerkleValue,omitempty"`
}

// TransactionEventKind is the "event" tag of a transaction status event.
type TransactionEventKind string

const (
	TransactionValidated              TransactionEventKind = "validated"
	TransactionBroadcasted            TransactionEventKind = "broadcasted"
	TransactionBestChainBlockIncluded TransactionEventKind = "bestChainBlockIncluded"
	TransactionFinalized              TransactionEventKind = "finalized"
	TransactionError                  TransactionEventKind = "error"
	TransactionInvalid                TransactionEventKind = "invalid"
	TransactionDropped                TransactionEventKind = "dropped"
)

// TransactionEvent is one status event of a submitted transaction. The
// fields besides Event are set according to its kind.
type TransactionEvent struct {
	Event       TransactionEventKind `json:"event"`
	NumPeers    uint32               `json:"numPeers,omitempty"`
	Block       *TransactionBlock    `json:"block,omitempty"`
	Broadcasted bool                 `json:"broadcasted,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// Terminal reports whether no further events follow this one.
func (e *TransactionEvent) Terminal() bool {
	switch e.Event {
	case TransactionFinalized, TransactionError, TransactionInvalid, TransactionDropped:
		return true
	default:
		return false
	}
}

// TransactionBlock locates a transaction within a block.
type TransactionBlock struct {
	Hash  Hash       `json:"hash"`
	Index FlexUint64 `json:"index"`
}

// FlexUint64 decodes from a JSON number or a decimal string.
type FlexUint64 uint64

func (n *FlexUint64) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid index %q: %w", s, err)
		}
		*n = FlexUint64(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("invalid index %s: %w", string(b), err)
	}
	*n = FlexUint64(v)
	return nil
}
