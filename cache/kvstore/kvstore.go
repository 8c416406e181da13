// Package kvstore implements the key-value stores used to cache immutable
// node responses.
package kvstore

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/oasisprotocol/chainhead/log"
	"github.com/oasisprotocol/chainhead/metrics"
)

// A key in the KVStore.
type CacheKey []byte

// GenerateCacheKey builds a key from a method name and its parameters.
func GenerateCacheKey(methodName string, params ...interface{}) CacheKey {
	key, err := cbor.Marshal([]interface{}{methodName, params})
	if err != nil {
		// Parameters are plain values (strings, hashes); failing to encode them is a bug.
		panic(fmt.Sprintf("kvstore: unencodable cache key for %s: %v", methodName, err))
	}
	return CacheKey(key)
}

// A key-value store. Additional method-like functions that give a typed interface
// to the store (i.e. with typed values/keys instead of []byte) are provided below,
// taking KVStore as the first argument so they can use generics.
type KVStore interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Close() error
}

// instrumented is implemented by stores that report cache reads and log
// decoding failures.
type instrumented interface {
	cacheMetrics() *metrics.OperationMetrics
	cacheLogger() *log.Logger
}

// Pretty() returns a pretty-printed, human-readable version of the cache key.
// It tries to interpret it as CBOR and returns the pretty-printed struct, otherwise
// it returns the key's raw bytes as hex.
// Intended only for debugging. Not guaranteed to be a stable representation.
func (cacheKey CacheKey) Pretty() string {
	var pretty string
	var parsed interface{}
	err := cbor.Unmarshal(cacheKey, &parsed)
	if err == nil {
		pretty = fmt.Sprintf("%+v", parsed)
	} else {
		pretty = fmt.Sprintf("%x", cacheKey)
	}
	if len(pretty) > 100 {
		pretty = pretty[:95] + "[...]"
	}
	return pretty
}

var errNoSuchKey = errors.New("no such key")

func increaseReadCounter(cache KVStore, status metrics.CacheReadStatus) {
	if c, ok := cache.(instrumented); ok {
		c.cacheMetrics().CacheRead(status)
	}
}

// fetchTypedValue fetches the value of `cacheKey` from the cache, interpreted as a `Value`.
func fetchTypedValue[Value any](cache KVStore, key CacheKey, value *Value) error {
	isCached, err := cache.Has(key)
	if err != nil {
		increaseReadCounter(cache, metrics.CacheReadStatusError)
		return err
	}
	if !isCached {
		increaseReadCounter(cache, metrics.CacheReadStatusMiss)
		return errNoSuchKey
	}
	raw, err := cache.Get(key)
	if err != nil {
		increaseReadCounter(cache, metrics.CacheReadStatusError)
		return fmt.Errorf("failed to fetch key %s from cache: %w", key.Pretty(), err)
	}
	if raw == nil {
		// Evicted between Has and Get.
		increaseReadCounter(cache, metrics.CacheReadStatusMiss)
		return errNoSuchKey
	}
	if err = cbor.Unmarshal(raw, value); err != nil {
		increaseReadCounter(cache, metrics.CacheReadStatusBadValue)
		return fmt.Errorf("failed to unmarshal the value for key %s from cache into %T: %w; raw value was %x", key.Pretty(), value, err, raw)
	}
	increaseReadCounter(cache, metrics.CacheReadStatusHit)

	return nil
}

// GetFromCacheOrCall fetches the value of `key` from the cache if it exists,
// interpreted as a `Value`. If it does not exist, it calls `valueFunc` to get the
// value, and caches it before returning it. A nil value is returned as is and
// not cached, so that "not found" answers are asked again later.
// If `volatile` is true, `valueFunc` is always called, and the result is not cached.
func GetFromCacheOrCall[Value any](cache KVStore, volatile bool, key CacheKey, valueFunc func() (*Value, error)) (*Value, error) {
	if volatile || cache == nil {
		return valueFunc()
	}

	// If the value is cached, return it.
	var cached Value
	switch err := fetchTypedValue(cache, key, &cached); {
	case err == nil:
		return &cached, nil
	case errors.Is(err, errNoSuchKey): // Regular cache miss; continue below.
	default:
		// Log unexpected error and continue to call the backing API.
		if c, ok := cache.(instrumented); ok {
			c.cacheLogger().Warn(fmt.Sprintf("error fetching %s from cache: %v", key.Pretty(), err))
		}
	}

	// The value is not cached or couldn't be restored from the cache. Call the backing API to get it.
	computed, err := valueFunc()
	if err != nil {
		return nil, err
	}
	if computed == nil {
		return nil, nil
	}

	// Store value in cache for later use.
	raw, err := cbor.Marshal(computed)
	if err != nil {
		return computed, fmt.Errorf("failed to marshal the value for key %s: %w", key.Pretty(), err)
	}
	return computed, cache.Put(key, raw)
}

// Like GetFromCacheOrCall, but for slice-typed return values.
func GetSliceFromCacheOrCall[Response any](cache KVStore, volatile bool, key CacheKey, valueFunc func() ([]Response, error)) ([]Response, error) {
	// Use `GetFromCacheOrCall()` to avoid duplicating the cache update logic.
	responsePtr, err := GetFromCacheOrCall(cache, volatile, key, func() (*[]Response, error) {
		response, err := valueFunc()
		if response == nil {
			return nil, err
		}
		// Return the response wrapped in a pointer to conform to the signature of `GetFromCacheOrCall()`.
		return &response, err
	})
	if responsePtr == nil {
		return nil, err
	}
	// Undo the pointer wrapping.
	return *responsePtr, err
}
