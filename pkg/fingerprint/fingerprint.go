// Package fingerprint is the Fingerprint & Cache component (C2). It
// canonicalizes a proof request's input payload and derives a stable
// fingerprint from it, then caches completed results keyed on that
// fingerprint so a later flow with the same circuit and fingerprint
// skips proving (C7) and attestation (C8). The orchestrator consults
// the cache only once a flow is ready, so signing and payment still
// run for it.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/zkproofport/engine/pkg/kvstore"
)

// Canonicalize re-marshals arbitrary JSON with object keys sorted and
// no insignificant whitespace, so that two semantically-identical
// payloads produce byte-identical output regardless of field order.
func Canonicalize(raw []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("fingerprint: canonicalize: %w", err)
	}
	return canonicalMarshal(v)
}

func canonicalMarshal(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, kb...)
			buf = append(buf, ':')
			vb, err := canonicalMarshal(val[k])
			if err != nil {
				return nil, err
			}
			buf = append(buf, vb...)
		}
		buf = append(buf, '}')
		return buf, nil
	case []interface{}:
		buf := []byte{'['}
		for i, item := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			ib, err := canonicalMarshal(item)
			if err != nil {
				return nil, err
			}
			buf = append(buf, ib...)
		}
		buf = append(buf, ']')
		return buf, nil
	default:
		return json.Marshal(val)
	}
}

// Fingerprint returns a truncated hex SHA-256 digest of the canonical
// form of raw, suitable for use as a cache/lock key component.
func Fingerprint(raw []byte) (string, error) {
	canon, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:])[:16], nil
}

// Cache stores completed proof results keyed by circuit and
// fingerprint, so a second identical request that reaches the ready
// phase is not proved again.
type Cache struct {
	store kvstore.Store
	ttl   time.Duration
}

func NewCache(store kvstore.Store, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

func cacheKey(circuitID, fp string) string {
	return fmt.Sprintf("proof:%s:%s", circuitID, fp)
}

// Get returns the cached raw result for (circuitID, fingerprint), or
// kvstore.ErrNotFound if nothing is cached.
func (c *Cache) Get(ctx context.Context, circuitID, fp string) (string, error) {
	return c.store.Get(ctx, cacheKey(circuitID, fp))
}

// Set stores the result of a completed proof under its fingerprint.
func (c *Cache) Set(ctx context.Context, circuitID, fp, result string) error {
	return c.store.Set(ctx, cacheKey(circuitID, fp), result, c.ttl)
}

// Invalidate removes a cached result, e.g. after a downstream
// on-chain verification failure invalidates a prior success.
func (c *Cache) Invalidate(ctx context.Context, circuitID, fp string) error {
	return c.store.Del(ctx, cacheKey(circuitID, fp))
}
