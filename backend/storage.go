package backend

import (
	"context"
	"fmt"
	"io"

	"github.com/oasisprotocol/chainhead/follow"
	"github.com/oasisprotocol/chainhead/nodeapi"
)

// StorageItems runs storage queries against a pinned block and yields the
// result items in the order the node sends them. Queries the node discards
// at the start are resent as a follow-up operation once the first one is
// done.
type StorageItems struct {
	b       *Backend
	at      *follow.BlockRef
	queries []nodeapi.StorageQuery

	op      *operation
	pending []nodeapi.StorageResultItem
	// remaining holds the discarded queries still to be run.
	remaining []nodeapi.StorageQuery
	err       error
}

// StorageItems starts the queries on the block at. The caller must close
// the returned iterator.
func (b *Backend) StorageItems(ctx context.Context, at *follow.BlockRef, queries []nodeapi.StorageQuery) (*StorageItems, error) {
	s := &StorageItems{b: b, at: at.Clone()}
	if err := s.start(ctx, queries); err != nil {
		s.at.Release()
		return nil, err
	}
	return s, nil
}

func (s *StorageItems) start(ctx context.Context, queries []nodeapi.StorageQuery) error {
	op, err := s.b.startOperation(ctx, "storage", s.at, func(ctx context.Context, subscriptionID string) (*nodeapi.MethodResponse, error) {
		return s.b.api.Storage(ctx, subscriptionID, s.at.Hash(), queries)
	})
	if err != nil {
		return err
	}
	s.op = op
	s.queries = queries
	s.remaining = nil
	if d := op.discarded; d > 0 {
		if d > len(queries) {
			d = len(queries)
		}
		s.remaining = queries[len(queries)-d:]
		s.b.logger.Debug("node discarded storage queries", "operation", op.id, "discarded", d)
	}
	return nil
}

// Next returns the next result item, or io.EOF once every query is done.
func (s *StorageItems) Next(ctx context.Context) (*nodeapi.StorageResultItem, error) {
	for {
		if s.err != nil {
			return nil, s.err
		}
		if len(s.pending) > 0 {
			item := s.pending[0]
			s.pending = s.pending[1:]
			return &item, nil
		}

		ev, err := s.op.next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.err = err
			}
			return nil, err
		}
		switch e := ev.(type) {
		case *nodeapi.OperationStorageItems:
			s.pending = e.Items
		case *nodeapi.OperationWaitingForContinue:
			if err := s.b.api.Continue(ctx, s.op.subscriptionID, s.op.id); err != nil {
				s.err = fmt.Errorf("continuing storage operation %s: %w", s.op.id, err)
			}
		case *nodeapi.OperationStorageDone:
			s.op.succeed()
			s.op.close()
			s.op = nil
			if len(s.remaining) == 0 {
				s.err = io.EOF
				continue
			}
			if err := s.start(ctx, s.remaining); err != nil {
				s.err = err
			}
		}
	}
}

// Close stops following the operation and releases the block handle.
// Results not read yet are lost.
func (s *StorageItems) Close() {
	if s.op != nil {
		s.op.close()
		s.op = nil
	}
	s.at.Release()
}

// StorageResponse is a storage key and its value.
type StorageResponse struct {
	Key   []byte
	Value []byte
}

// StorageValues yields key/value pairs of storage queries.
type StorageValues struct {
	items *StorageItems
}

// Next returns the next pair, or io.EOF at the end.
func (v *StorageValues) Next(ctx context.Context) (*StorageResponse, error) {
	for {
		item, err := v.items.Next(ctx)
		if err != nil {
			return nil, err
		}
		if item.Value == nil {
			continue
		}
		return &StorageResponse{Key: item.Key, Value: *item.Value}, nil
	}
}

func (v *StorageValues) Close() {
	v.items.Close()
}

// StorageKeys yields storage keys.
type StorageKeys struct {
	items *StorageItems
}

// Next returns the next key, or io.EOF at the end.
func (k *StorageKeys) Next(ctx context.Context) ([]byte, error) {
	item, err := k.items.Next(ctx)
	if err != nil {
		return nil, err
	}
	return item.Key, nil
}

func (k *StorageKeys) Close() {
	k.items.Close()
}

// StorageFetchValues returns the values stored under keys at a pinned
// block. Keys without a value are left out.
func (b *Backend) StorageFetchValues(ctx context.Context, at *follow.BlockRef, keys [][]byte) (*StorageValues, error) {
	queries := make([]nodeapi.StorageQuery, len(keys))
	for i, key := range keys {
		queries[i] = nodeapi.StorageQuery{Key: key, Type: nodeapi.StorageQueryValue}
	}
	items, err := b.StorageItems(ctx, at, queries)
	if err != nil {
		return nil, err
	}
	return &StorageValues{items: items}, nil
}

// StorageFetchDescendantKeys returns every key below prefix at a pinned
// block.
func (b *Backend) StorageFetchDescendantKeys(ctx context.Context, at *follow.BlockRef, prefix []byte) (*StorageKeys, error) {
	// Hashes are smaller than values; only the keys are used.
	items, err := b.StorageItems(ctx, at, []nodeapi.StorageQuery{{Key: prefix, Type: nodeapi.StorageQueryDescendantsHashes}})
	if err != nil {
		return nil, err
	}
	return &StorageKeys{items: items}, nil
}

// StorageFetchDescendantValues returns every key below prefix and its value
// at a pinned block.
func (b *Backend) StorageFetchDescendantValues(ctx context.Context, at *follow.BlockRef, prefix []byte) (*StorageValues, error) {
	items, err := b.StorageItems(ctx, at, []nodeapi.StorageQuery{{Key: prefix, Type: nodeapi.StorageQueryDescendantsValues}})
	if err != nil {
		return nil, err
	}
	return &StorageValues{items: items}, nil
}
