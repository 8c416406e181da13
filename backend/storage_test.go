package backend_test

import (
	"context"
	"io"
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/chainhead/backend"
	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

func valueItem(key, value string) nodeapi.StorageResultItem {
	v := hexutil.Bytes(value)
	return nodeapi.StorageResultItem{Key: hexutil.Bytes(key), Value: &v}
}

func hashItem(key string) nodeapi.StorageResultItem {
	v := hexutil.Bytes{0xaa}
	return nodeapi.StorageResultItem{Key: hexutil.Bytes(key), Hash: &v}
}

// collectValues reads every pair as "key=value".
func collectValues(ctx context.Context, t *testing.T, values *backend.StorageValues) []string {
	var out []string
	for {
		resp, err := values.Next(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, string(resp.Key)+"="+string(resp.Value))
	}
}

func TestStorageFetchValuesContinuesOnce(t *testing.T) {
	hn := newHarness(t, backend.Options{})
	hn.push(t, &nodeapi.Initialized{FinalizedBlockHash: h(0)})

	var gotQueries []nodeapi.StorageQuery
	hn.api.StorageFunc = func(_ string, hash nodeapi.Hash, queries []nodeapi.StorageQuery) (*nodeapi.MethodResponse, error) {
		require.Equal(t, h(0), hash)
		gotQueries = queries
		resp := hn.api.Started()
		hn.follow.Push(
			&nodeapi.OperationStorageItems{Op: nodeapi.Op{ID: resp.OperationID}, Items: []nodeapi.StorageResultItem{valueItem("a", "1")}},
			&nodeapi.OperationWaitingForContinue{Op: nodeapi.Op{ID: resp.OperationID}},
		)
		return resp, nil
	}
	hn.api.ContinueFunc = func(_ string, operationID string) error {
		hn.follow.Push(
			&nodeapi.OperationStorageItems{Op: nodeapi.Op{ID: operationID}, Items: []nodeapi.StorageResultItem{
				valueItem("b", "2"),
				hashItem("x"),
				valueItem("c", "3"),
			}},
			&nodeapi.OperationStorageDone{Op: nodeapi.Op{ID: operationID}},
		)
		return nil
	}

	values, err := hn.backend.StorageFetchValues(testCtx(t), follow.BlockRefFromHash(h(0)), [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	defer values.Close()

	require.Equal(t, []string{"a=1", "b=2", "c=3"}, collectValues(testCtx(t), t, values))
	require.Len(t, gotQueries, 3)
	for _, q := range gotQueries {
		require.Equal(t, nodeapi.StorageQueryValue, q.Type)
	}

	continues := hn.api.Continues()
	require.Len(t, continues, 1)
	require.Equal(t, "sub-1", continues[0].SubscriptionID)
	require.Equal(t, "op-1", continues[0].OperationID)

	// The end is sticky.
	_, err = values.Next(testCtx(t))
	require.ErrorIs(t, err, io.EOF)
}

func TestStorageDiscardedQueriesAreResent(t *testing.T) {
	hn := newHarness(t, backend.Options{})
	hn.push(t, &nodeapi.Initialized{FinalizedBlockHash: h(0)})

	var calls [][]nodeapi.StorageQuery
	hn.api.StorageFunc = func(_ string, _ nodeapi.Hash, queries []nodeapi.StorageQuery) (*nodeapi.MethodResponse, error) {
		calls = append(calls, queries)
		resp := hn.api.Started()
		var items []nodeapi.StorageResultItem
		if len(calls) == 1 {
			resp.DiscardedItems = 1
			items = []nodeapi.StorageResultItem{valueItem("a", "1"), valueItem("b", "2")}
		} else {
			items = []nodeapi.StorageResultItem{valueItem("c", "3")}
		}
		hn.follow.Push(
			&nodeapi.OperationStorageItems{Op: nodeapi.Op{ID: resp.OperationID}, Items: items},
			&nodeapi.OperationStorageDone{Op: nodeapi.Op{ID: resp.OperationID}},
		)
		return resp, nil
	}

	values, err := hn.backend.StorageFetchValues(testCtx(t), follow.BlockRefFromHash(h(0)), [][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.NoError(t, err)
	defer values.Close()

	require.Equal(t, []string{"a=1", "b=2", "c=3"}, collectValues(testCtx(t), t, values))
	require.Len(t, calls, 2)
	require.Equal(t, []nodeapi.StorageQuery{{Key: hexutil.Bytes("c"), Type: nodeapi.StorageQueryValue}}, calls[1])
	require.Empty(t, hn.api.Continues())
}

func TestStorageFetchDescendants(t *testing.T) {
	hn := newHarness(t, backend.Options{})
	hn.push(t, &nodeapi.Initialized{FinalizedBlockHash: h(0)})

	var gotType nodeapi.StorageQueryType
	hn.api.StorageFunc = func(_ string, _ nodeapi.Hash, queries []nodeapi.StorageQuery) (*nodeapi.MethodResponse, error) {
		require.Len(t, queries, 1)
		require.Equal(t, hexutil.Bytes("p"), queries[0].Key)
		gotType = queries[0].Type
		resp := hn.api.Started()
		hn.follow.Push(
			&nodeapi.OperationStorageItems{Op: nodeapi.Op{ID: resp.OperationID}, Items: []nodeapi.StorageResultItem{hashItem("p1"), hashItem("p2")}},
			&nodeapi.OperationStorageDone{Op: nodeapi.Op{ID: resp.OperationID}},
		)
		return resp, nil
	}

	keys, err := hn.backend.StorageFetchDescendantKeys(testCtx(t), follow.BlockRefFromHash(h(0)), []byte("p"))
	require.NoError(t, err)
	var got []string
	for {
		key, err := keys.Next(testCtx(t))
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, string(key))
	}
	keys.Close()
	require.Equal(t, []string{"p1", "p2"}, got)
	require.Equal(t, nodeapi.StorageQueryDescendantsHashes, gotType)

	// The fake answers with hashes only, so no value is yielded.
	values, err := hn.backend.StorageFetchDescendantValues(testCtx(t), follow.BlockRefFromHash(h(0)), []byte("p"))
	require.NoError(t, err)
	defer values.Close()
	require.Equal(t, nodeapi.StorageQueryDescendantsValues, gotType)
	_, err = values.Next(testCtx(t))
	require.ErrorIs(t, err, io.EOF)
}

func TestStorageOperationError(t *testing.T) {
	hn := newHarness(t, backend.Options{})
	hn.push(t, &nodeapi.Initialized{FinalizedBlockHash: h(0)})
	hn.api.StorageFunc = func(_ string, _ nodeapi.Hash, _ []nodeapi.StorageQuery) (*nodeapi.MethodResponse, error) {
		resp := hn.api.Started()
		hn.follow.Push(
			&nodeapi.OperationStorageItems{Op: nodeapi.Op{ID: resp.OperationID}, Items: []nodeapi.StorageResultItem{valueItem("a", "1")}},
			&nodeapi.OperationError{Op: nodeapi.Op{ID: resp.OperationID}, Error: "trie node missing"},
		)
		return resp, nil
	}

	values, err := hn.backend.StorageFetchValues(testCtx(t), follow.BlockRefFromHash(h(0)), [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)
	defer values.Close()

	resp, err := values.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, "a", string(resp.Key))

	_, err = values.Next(testCtx(t))
	var opErr *backend.OperationError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "trie node missing", opErr.Message)
}
