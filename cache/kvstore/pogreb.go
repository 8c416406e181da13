package kvstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/akrylysov/pogreb"
	"go.uber.org/atomic"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
)

// How long OpenKVStore waits for pogreb to open before continuing without
// the store while it reindexes in the background.
const openTimeout = 30 * time.Second

type pogrebKVStore struct {
	db *pogreb.DB

	path    string
	logger  *log.Logger
	metrics *metrics.OperationMetrics // if nil, no metrics are emitted

	// Set once the store is open. The store is opened in a background goroutine.
	initialized atomic.Bool
}

var (
	_ KVStore      = (*pogrebKVStore)(nil)
	_ instrumented = (*pogrebKVStore)(nil)
)

func (s *pogrebKVStore) cacheMetrics() *metrics.OperationMetrics { return s.metrics }
func (s *pogrebKVStore) cacheLogger() *log.Logger                { return s.logger }

// Get implements KVStore.
// NOTE: Cache hit/miss metrics are not captured if you call this method directly.
// Consider using the Get*FromCacheOrCall() methods instead.
func (s *pogrebKVStore) Get(key []byte) ([]byte, error) {
	if !s.initialized.Load() {
		return nil, fmt.Errorf("kvstore: not initialized yet")
	}
	return s.db.Get(key)
}

// Has implements KVStore.
func (s *pogrebKVStore) Has(key []byte) (bool, error) {
	if !s.initialized.Load() {
		return false, nil
	}
	return s.db.Has(key)
}

// Put implements KVStore.
func (s *pogrebKVStore) Put(key []byte, value []byte) error {
	if !s.initialized.Load() {
		// If the store is not initialized yet, skip writing to it.
		s.logger.Debug("skipping write to uninitialized KVStore", "key", CacheKey(key).Pretty())
		return nil
	}
	return s.db.Put(key, value)
}

// Close implements KVStore.
func (s *pogrebKVStore) Close() error {
	if !s.initialized.Load() {
		// If pogreb is in the middle of recovery in the background, it will
		// die and have to start over next time.
		s.logger.Warn("skipping closing uninitialized KVStore")
		return nil
	}
	s.logger.Info("closing KVStore", "path", s.path)
	return s.db.Close()
}

// Pogreb backs up its indices into <oldname>.bac. ".bac" becomes ".bac.bac", etc.
// If the process crash-loops, the filenames grow too long for the filesystem
// and pogreb cannot open the store any more. Delete the repeated backups.
func (s *pogrebKVStore) cleanBackups() {
	files, err := filepath.Glob(filepath.Join(s.path, "*.bac.bac"))
	if err != nil {
		s.logger.Warn("failed to glob for pogreb index backups", "err", err)
		return
	}
	for _, f := range files {
		if err := os.Remove(f); err != nil {
			s.logger.Warn("failed to delete excessively backed-up pogreb index file", "err", err, "file", f)
		}
	}
}

func (s *pogrebKVStore) init() error {
	s.cleanBackups()

	// Open the DB. If a reindex is needed, this can take a long time.
	s.logger.Info("(re)opening KVStore", "path", s.path)
	db, err := pogreb.Open(s.path, &pogreb.Options{BackgroundSyncInterval: -1})
	if err != nil {
		s.logger.Error("failed to initialize pogreb store", "err", err)
		return err
	}

	s.db = db
	s.initialized.Store(true)
	s.logger.Info(fmt.Sprintf("KVStore has %d entries", db.Count()))
	return nil
}

// OpenKVStore initializes a new KVStore backed by a database at `path`, or opens an existing one.
// `metrics` can be `nil`, in which case no metrics are emitted during operation.
func OpenKVStore(logger *log.Logger, path string, metrics *metrics.OperationMetrics) (KVStore, error) {
	store := &pogrebKVStore{
		logger:  logger,
		path:    path,
		metrics: metrics,
	}

	// Open the database in background as it is possible it will do a full-reindex on startup after a crash:
	// https://github.com/akrylysov/pogreb/issues/35
	initErrCh := make(chan error, 1)
	go func() {
		initErrCh <- store.init()
	}()

	select {
	case err := <-initErrCh:
		if err != nil {
			return nil, err
		}
		return store, nil
	case <-time.After(openTimeout):
		// Continue without cache while the database is reindexing in the background.
		// A failure during the reindex is logged and the cache stays disabled.
		logger.Warn("KVStore initialization timed out, continuing without cache while the database is reindexing in the background")
		return store, nil
	}
}
