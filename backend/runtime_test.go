package backend_test

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/chainhead/backend"
	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/nodeapi"
	"github.com/oasisprotocol/chainhead/nodeapi/fake"
)

func validRuntime(spec, tx uint32) *nodeapi.RuntimeEvent {
	return &nodeapi.RuntimeEvent{
		Type: nodeapi.RuntimeValid,
		Spec: &nodeapi.RuntimeSpec{SpecName: "test", SpecVersion: spec, TransactionVersion: tx},
	}
}

func TestStreamRuntimeVersion(t *testing.T) {
	hn := newHarness(t, backend.Options{})
	stream := hn.backend.StreamRuntimeVersion()
	defer stream.Close()

	hn.push(t,
		&nodeapi.Initialized{FinalizedBlockHash: h(0), FinalizedBlockRuntime: validRuntime(1, 1)},
		&nodeapi.NewBlock{BlockHash: h(1), ParentBlockHash: h(0), NewRuntime: validRuntime(2, 1)},
		&nodeapi.NewBlock{BlockHash: h(2), ParentBlockHash: h(1), NewRuntime: validRuntime(3, 2)},
		// Only the latest runtime among the finalized blocks counts.
		finalized(h(1), h(2)),
		&nodeapi.NewBlock{BlockHash: h(3), ParentBlockHash: h(2), NewRuntime: &nodeapi.RuntimeEvent{Type: nodeapi.RuntimeInvalid, Error: "wasm blob too large"}},
		finalized(h(3)),
		&nodeapi.NewBlock{BlockHash: h(4), ParentBlockHash: h(3)},
		finalized(h(4)),
		&nodeapi.NewBlock{BlockHash: h(5), ParentBlockHash: h(4), NewRuntime: validRuntime(4, 2)},
		finalized(h(5)),
	)

	v, err := stream.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, backend.RuntimeVersion{SpecVersion: 1, TransactionVersion: 1}, v)

	v, err = stream.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, backend.RuntimeVersion{SpecVersion: 3, TransactionVersion: 2}, v)

	_, err = stream.Next(testCtx(t))
	require.ErrorIs(t, err, backend.ErrInvalidRuntime)
	require.ErrorContains(t, err, "wasm blob too large")

	v, err = stream.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, backend.RuntimeVersion{SpecVersion: 4, TransactionVersion: 2}, v)

	current, err := hn.backend.CurrentRuntimeVersion(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, backend.RuntimeVersion{SpecVersion: 4, TransactionVersion: 2}, current)

	hn.push(t, &nodeapi.Stop{})
	_, err = stream.Next(testCtx(t))
	require.ErrorIs(t, err, io.EOF)

	_, err = hn.backend.CurrentRuntimeVersion(testCtx(t))
	require.ErrorIs(t, err, backend.ErrSubscriptionDropped)
}

func readHeaders(t *testing.T, stream *backend.HeaderStream, n int) []nodeapi.Hash {
	hashes := make([]nodeapi.Hash, 0, n)
	for i := 0; i < n; i++ {
		header, err := stream.Next(testCtx(t))
		require.NoError(t, err)
		require.True(t, header.Block.Pinned())
		require.Equal(t, []byte{header.Block.Hash()[0]}, header.Header)
		hashes = append(hashes, header.Block.Hash())
		header.Block.Release()
	}
	return hashes
}

func TestStreamBlockHeaders(t *testing.T) {
	hn := newHarness(t, backend.Options{})
	for i := byte(0); i <= 3; i++ {
		hn.api.SetHeader(h(i), []byte{i})
	}
	// The node has forgotten block 4.

	all := hn.backend.StreamAllBlockHeaders()
	defer all.Close()
	best := hn.backend.StreamBestBlockHeaders()
	defer best.Close()
	fin := hn.backend.StreamFinalizedBlockHeaders()
	defer fin.Close()

	hn.push(t,
		&nodeapi.Initialized{FinalizedBlockHash: h(0)},
		newBlock(h(1), h(0)),
		newBlock(h(4), h(0)),
		newBlock(h(2), h(1)),
		&nodeapi.BestBlockChanged{BestBlockHash: h(2)},
		newBlock(h(3), h(2)),
		finalized(h(1), h(2)),
		&nodeapi.BestBlockChanged{BestBlockHash: h(3)},
	)

	require.Equal(t, []nodeapi.Hash{h(0), h(1), h(2), h(3)}, readHeaders(t, all, 4))
	require.Equal(t, []nodeapi.Hash{h(0), h(2), h(3)}, readHeaders(t, best, 3))
	require.Equal(t, []nodeapi.Hash{h(0), h(1), h(2)}, readHeaders(t, fin, 3))

	hn.push(t, &nodeapi.Stop{})

	for _, stream := range []*backend.HeaderStream{all, best, fin} {
		_, err := stream.Next(testCtx(t))
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestHeaderStreamUsesReportingSubscription(t *testing.T) {
	hn := newHarness(t, backend.Options{Resubscribe: follow.ResubscribePolicy{Enabled: true, InitialGap: time.Millisecond, MaxGap: time.Millisecond}})
	for _, i := range []byte{0, 1, 5, 6} {
		hn.api.SetHeader(h(i), []byte{i})
	}

	all := hn.backend.StreamAllBlockHeaders()
	defer all.Close()

	// The stream is read only after the node has stopped the first
	// subscription and the backend has started a second one.
	hn.push(t, &nodeapi.Initialized{FinalizedBlockHash: h(0)}, newBlock(h(1), h(0)), &nodeapi.Stop{})
	hn.resubscribed(t)
	hn.push(t, &nodeapi.Initialized{FinalizedBlockHash: h(5)}, newBlock(h(6), h(5)))

	require.Equal(t, []nodeapi.Hash{h(0), h(1), h(5), h(6)}, readHeaders(t, all, 4))
	require.Equal(t, []fake.HeaderCall{
		{SubscriptionID: "sub-1", Hash: h(0)},
		{SubscriptionID: "sub-1", Hash: h(1)},
		{SubscriptionID: "sub-2", Hash: h(5)},
		{SubscriptionID: "sub-2", Hash: h(6)},
	}, hn.api.HeaderRequests())
}
