package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/chainhead/backend"
	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/nodeapi"
	"github.com/oasisprotocol/chainhead/tests"
)

const e2eTimeout = 2 * time.Minute

// Storage key of the System pallet's block number.
const systemNumberKey = "0x26aa394eea5630e07c48ae0c9558cef702a5c1b19ab7a04f536c519aca4983ac"

func TestFollowLiveNode(t *testing.T) {
	tests.SkipUnlessE2E(t)

	ctx, cancel := context.WithTimeout(context.Background(), e2eTimeout)
	defer cancel()

	logger := log.NewDefaultLogger("e2e")
	api, err := nodeapi.NewRPCApi(ctx, tests.NodeRPC(), logger)
	require.NoError(t, err)
	b := backend.New(api, backend.Options{MaxBlockLife: 32}, logger)
	defer b.Close()

	runCtx, stop := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- b.Run(runCtx) }()
	defer func() {
		stop()
		require.NoError(t, <-runErr)
	}()

	genesis, err := b.GenesisHash(ctx)
	require.NoError(t, err)
	require.NotEqual(t, nodeapi.Hash{}, genesis)

	finalized, err := b.LatestFinalizedBlockRef(ctx)
	require.NoError(t, err)
	defer finalized.Release()

	header, err := b.BlockHeader(ctx, finalized.Hash())
	require.NoError(t, err)
	require.NotEmpty(t, header)

	body, err := b.BlockBody(ctx, finalized)
	if errors.Is(err, backend.ErrRequestRejected) {
		t.Log("node rejected the body request")
	} else {
		require.NoError(t, err)
		require.NotNil(t, body)
	}

	version, err := b.CurrentRuntimeVersion(ctx)
	require.NoError(t, err)
	require.NotZero(t, version.SpecVersion)

	key := hexutil.MustDecode(systemNumberKey)
	values, err := b.StorageFetchValues(ctx, finalized, [][]byte{key})
	require.NoError(t, err)
	defer values.Close()
	resp, err := values.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, key, resp.Key)

	headers := b.StreamFinalizedBlockHeaders()
	defer headers.Close()
	for i := 0; i < 2; i++ {
		h, err := headers.Next(ctx)
		require.NoError(t, err)
		require.NotEmpty(t, h.Header)
		h.Block.Release()
	}
}
