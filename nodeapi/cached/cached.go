// Package cached wraps a ChainHeadApi with a cache of immutable responses.
package cached

import (
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-multierror"

	"github.com/oasisprotocol/chainhead/cache/kvstore"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

// ChainHeadApi answers GenesisHash and Header from a KVStore when it can.
// Headers are keyed by block hash only: a header never changes, whichever
// subscription it was fetched through. Everything else is passed through.
type ChainHeadApi struct {
	nodeapi.ChainHeadApi
	db kvstore.KVStore
}

var _ nodeapi.ChainHeadApi = (*ChainHeadApi)(nil)

// NewChainHeadApi wraps api. The returned ChainHeadApi owns db.
func NewChainHeadApi(api nodeapi.ChainHeadApi, db kvstore.KVStore) *ChainHeadApi {
	return &ChainHeadApi{ChainHeadApi: api, db: db}
}

func (c *ChainHeadApi) Close() error {
	var result *multierror.Error
	if err := c.ChainHeadApi.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.db.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (c *ChainHeadApi) GenesisHash(ctx context.Context) (nodeapi.Hash, error) {
	hash, err := kvstore.GetFromCacheOrCall(
		c.db, false,
		kvstore.GenerateCacheKey("GenesisHash"),
		func() (*nodeapi.Hash, error) {
			h, err := c.ChainHeadApi.GenesisHash(ctx)
			if err != nil {
				return nil, err
			}
			return &h, nil
		},
	)
	if err != nil || hash == nil {
		return nodeapi.Hash{}, err
	}
	return *hash, nil
}

// Header returns nil without caching it when the node no longer has the block.
func (c *ChainHeadApi) Header(ctx context.Context, subscriptionID string, hash nodeapi.Hash) (hexutil.Bytes, error) {
	header, err := kvstore.GetFromCacheOrCall(
		c.db, false,
		kvstore.GenerateCacheKey("Header", hash.Hex()),
		func() (*[]byte, error) {
			h, err := c.ChainHeadApi.Header(ctx, subscriptionID, hash)
			if err != nil || h == nil {
				return nil, err
			}
			b := []byte(h)
			return &b, nil
		},
	)
	if err != nil || header == nil {
		return nil, err
	}
	return *header, nil
}
