package kvstore

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
)

// memoryKVStore is a bounded in-memory KVStore with LRU eviction.
type memoryKVStore struct {
	cache   *lru.Cache[string, []byte]
	logger  *log.Logger
	metrics *metrics.OperationMetrics
}

var (
	_ KVStore      = (*memoryKVStore)(nil)
	_ instrumented = (*memoryKVStore)(nil)
)

// NewMemoryKVStore returns a KVStore holding at most `size` entries in memory.
func NewMemoryKVStore(logger *log.Logger, size int, metrics *metrics.OperationMetrics) (KVStore, error) {
	cache, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, fmt.Errorf("kvstore: %w", err)
	}
	return &memoryKVStore{cache: cache, logger: logger, metrics: metrics}, nil
}

func (s *memoryKVStore) cacheMetrics() *metrics.OperationMetrics { return s.metrics }
func (s *memoryKVStore) cacheLogger() *log.Logger                { return s.logger }

func (s *memoryKVStore) Has(key []byte) (bool, error) {
	return s.cache.Contains(string(key)), nil
}

// Get returns nil for missing keys, like pogreb.
func (s *memoryKVStore) Get(key []byte) ([]byte, error) {
	v, _ := s.cache.Get(string(key))
	return v, nil
}

func (s *memoryKVStore) Put(key []byte, value []byte) error {
	s.cache.Add(string(key), value)
	return nil
}

func (s *memoryKVStore) Close() error {
	s.cache.Purge()
	return nil
}
