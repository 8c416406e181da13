package nodeapi

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

const (
	hashA = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	hashB = "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func TestDecodeFollowEvent(t *testing.T) {
	a, b := hexHash(hashA), hexHash(hashB)

	cases := []struct {
		name string
		raw  string
		want FollowEvent
	}{
		{
			"initialized with runtime",
			`{"event":"initialized","finalizedBlockHash":"` + hashA + `","finalizedBlockRuntime":{"type":"valid","spec":{"specName":"node","implName":"node","specVersion":100,"implVersion":1,"transactionVersion":7,"apis":{"0xdf6acb689907609b":4}}}}`,
			&Initialized{
				FinalizedBlockHash: a,
				FinalizedBlockRuntime: &RuntimeEvent{Type: RuntimeValid, Spec: &RuntimeSpec{
					SpecName: "node", ImplName: "node", SpecVersion: 100, ImplVersion: 1, TransactionVersion: 7,
					APIs: map[string]uint32{"0xdf6acb689907609b": 4},
				}},
			},
		},
		{
			"new block with invalid runtime",
			`{"event":"newBlock","blockHash":"` + hashB + `","parentBlockHash":"` + hashA + `","newRuntime":{"type":"invalid","error":"bad wasm"}}`,
			&NewBlock{BlockHash: b, ParentBlockHash: a, NewRuntime: &RuntimeEvent{Type: RuntimeInvalid, Error: "bad wasm"}},
		},
		{
			"new block without runtime",
			`{"event":"newBlock","blockHash":"` + hashB + `","parentBlockHash":"` + hashA + `","newRuntime":null}`,
			&NewBlock{BlockHash: b, ParentBlockHash: a},
		},
		{
			"best block changed",
			`{"event":"bestBlockChanged","bestBlockHash":"` + hashB + `"}`,
			&BestBlockChanged{BestBlockHash: b},
		},
		{
			"finalized",
			`{"event":"finalized","finalizedBlockHashes":["` + hashA + `"],"prunedBlockHashes":["` + hashB + `"]}`,
			&Finalized{FinalizedBlockHashes: []Hash{a}, PrunedBlockHashes: []Hash{b}},
		},
		{
			"body done",
			`{"event":"operationBodyDone","operationId":"1","value":["0x0102","0x"]}`,
			&OperationBodyDone{Op: Op{ID: "1"}, Value: []hexutil.Bytes{{1, 2}, {}}},
		},
		{
			"call done",
			`{"event":"operationCallDone","operationId":"2","output":"0xff"}`,
			&OperationCallDone{Op: Op{ID: "2"}, Output: hexutil.Bytes{0xff}},
		},
		{
			"storage items",
			`{"event":"operationStorageItems","operationId":"3","items":[{"key":"0x01","value":"0x02"},{"key":"0x03","hash":"0x04"}]}`,
			&OperationStorageItems{Op: Op{ID: "3"}, Items: []StorageResultItem{
				{Key: hexutil.Bytes{1}, Value: bytesPtr(2)},
				{Key: hexutil.Bytes{3}, Hash: bytesPtr(4)},
			}},
		},
		{"waiting for continue", `{"event":"operationWaitingForContinue","operationId":"3"}`, &OperationWaitingForContinue{Op: Op{ID: "3"}}},
		{"storage done", `{"event":"operationStorageDone","operationId":"3"}`, &OperationStorageDone{Op: Op{ID: "3"}}},
		{"inaccessible", `{"event":"operationInaccessible","operationId":"4"}`, &OperationInaccessible{Op: Op{ID: "4"}}},
		{"error", `{"event":"operationError","operationId":"5","error":"boom"}`, &OperationError{Op: Op{ID: "5"}, Error: "boom"}},
		{"stop", `{"event":"stop"}`, &Stop{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := DecodeFollowEvent([]byte(tc.raw))
			require.NoError(t, err)
			require.Equal(t, tc.want, ev)
			require.Equal(t, tc.want.Kind(), ev.Kind())
		})
	}
}

func TestDecodeFollowEventOperationID(t *testing.T) {
	ev, err := DecodeFollowEvent([]byte(`{"event":"operationCallDone","operationId":"abc","output":"0x"}`))
	require.NoError(t, err)
	op, ok := ev.(OperationEvent)
	require.True(t, ok)
	require.Equal(t, "abc", op.OperationID())

	ev, err = DecodeFollowEvent([]byte(`{"event":"stop"}`))
	require.NoError(t, err)
	_, ok = ev.(OperationEvent)
	require.False(t, ok)
}

func TestDecodeFollowEventInvalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"event":"somethingNew"}`,
		`{"event":"bestBlockChanged","bestBlockHash":"0x01"}`,
		`{"event":"operationCallDone","operationId":"1","output":"nothex"}`,
	} {
		_, err := DecodeFollowEvent([]byte(raw))
		require.Error(t, err, raw)
	}
}

func TestDecodeTransactionEvent(t *testing.T) {
	ev, err := DecodeTransactionEvent([]byte(`{"event":"broadcasted","numPeers":2}`))
	require.NoError(t, err)
	require.Equal(t, TransactionBroadcasted, ev.Event)
	require.EqualValues(t, 2, ev.NumPeers)
	require.False(t, ev.Terminal())

	ev, err = DecodeTransactionEvent([]byte(`{"event":"bestChainBlockIncluded","block":null}`))
	require.NoError(t, err)
	require.Nil(t, ev.Block)

	ev, err = DecodeTransactionEvent([]byte(`{"event":"bestChainBlockIncluded","block":{"hash":"` + hashA + `","index":"3"}}`))
	require.NoError(t, err)
	require.Equal(t, hexHash(hashA), ev.Block.Hash)
	require.EqualValues(t, 3, ev.Block.Index)

	ev, err = DecodeTransactionEvent([]byte(`{"event":"finalized","block":{"hash":"` + hashB + `","index":0}}`))
	require.NoError(t, err)
	require.True(t, ev.Terminal())

	ev, err = DecodeTransactionEvent([]byte(`{"event":"dropped","broadcasted":true,"error":"full pool"}`))
	require.NoError(t, err)
	require.True(t, ev.Terminal())
	require.True(t, ev.Broadcasted)
	require.Equal(t, "full pool", ev.Error)

	_, err = DecodeTransactionEvent([]byte(`{"event":"finalized","block":null}`))
	require.Error(t, err)
	_, err = DecodeTransactionEvent([]byte(`{"event":"teleported"}`))
	require.Error(t, err)
}

func TestMethodResponse(t *testing.T) {
	require.True(t, (&MethodResponse{Result: MethodResponseStarted, OperationID: "1"}).Started())
	require.False(t, (&MethodResponse{Result: MethodResponseLimitReached}).Started())
}

func hexHash(s string) Hash {
	var h Hash
	if err := h.UnmarshalText([]byte(s)); err != nil {
		panic(err)
	}
	return h
}

func bytesPtr(b ...byte) *hexutil.Bytes {
	v := hexutil.Bytes(b)
	return &v
}
