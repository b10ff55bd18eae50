// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package stringintern interns (normalizes, aliases) commonly-used long
// strings into shorter byte-string identifiers, backed by a write-once
// forward/reverse mapping in FoundationDB and fronted by a bounded
// in-process cache.
//
// Intern is non-transactional at the cache layer: it looks the string up
// in the cache first, then (on a miss) drives its own transaction and
// only touches the cache after that transaction has committed. Lookup is
// transactional but updates the cache from inside the transaction --
// this is safe only because the uid<->string mapping is write-once and
// therefore grows monotonically; a transaction that reads an existing
// mapping can never be invalidated by anything another transaction does,
// even if this transaction itself later fails to commit.
package stringintern

import (
	cryptorand "crypto/rand"
	"math/rand"
	"sync"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	kverrors "github.com/ClusterCockpit/cc-kvlayers/errors"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/metrics"
)

// DefaultCacheLimitBytes matches the original layer's CACHE_LIMIT_BYTES.
const DefaultCacheLimitBytes = 10_000_000

// minUIDBytes/maxUIDBytes bound the identifier-entropy ladder used by
// findUID: it starts requesting minUIDBytes of randomness and grows by
// one byte per collision. The original Python implementation grows this
// without bound; we cap it, since an uncapped loop on a busy intern
// table is a liveness bug waiting to happen, not a feature worth porting.
const (
	minUIDBytes = 4
	maxUIDBytes = 8
)

// StringIntern interns strings against the subspace sub, keeping its own
// process-local cache near cacheLimitBytes: before each addition, random
// entries are evicted while the accounted size exceeds the limit, so the
// addition itself can take the cache past the limit by one entry.
type StringIntern struct {
	stringSub subspace.Subspace
	uidSub    subspace.Subspace
	cache     *cache
}

// New wraps sub as a StringIntern with the given in-process cache byte
// budget.
func New(sub subspace.Subspace, cacheLimitBytes int) *StringIntern {
	return &StringIntern{
		stringSub: sub.Sub("S"),
		uidSub:    sub.Sub("U"),
		cache:     newCache(cacheLimitBytes),
	}
}

// cache holds the process-local forward/reverse mapping, evicting at
// random (not by recency) when it exceeds its byte budget -- unlike
// pkg/lrucache, which evicts the least-recently-used entry. The random
// policy matches the original layer, which reasons that any item could
// be looked up next, so there's nothing to gain from recency-tracking
// overhead.
type cache struct {
	mu          sync.Mutex
	limitBytes  int
	bytesCached int
	stringToUID map[string]string
	uidToString map[string]string
	uids        []string
}

func newCache(limitBytes int) *cache {
	return &cache{
		limitBytes:  limitBytes,
		stringToUID: make(map[string]string),
		uidToString: make(map[string]string),
	}
}

func (c *cache) getByString(s string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.stringToUID[s]
	return u, ok
}

func (c *cache) getByUID(u string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.uidToString[u]
	return s, ok
}

func (c *cache) add(s, u string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, already := c.uidToString[u]; already {
		return
	}
	for c.bytesCached > c.limitBytes && len(c.uids) > 0 {
		c.evictLocked()
	}
	c.stringToUID[s] = u
	c.uidToString[u] = s
	c.uids = append(c.uids, u)
	c.bytesCached += 2 * (len(s) + len(u))

	metrics.CacheEntries.Set(float64(len(c.uids)))
	metrics.CacheBytes.Set(float64(c.bytesCached))
}

// evictLocked drops one random entry. Caller must hold c.mu.
func (c *cache) evictLocked() {
	if len(c.uids) == 0 {
		return
	}
	i := rand.Intn(len(c.uids))
	u := c.uids[i]
	last := len(c.uids) - 1
	c.uids[i] = c.uids[last]
	c.uids = c.uids[:last]

	s := c.uidToString[u]
	delete(c.uidToString, u)
	delete(c.stringToUID, s)
	c.bytesCached -= 2 * (len(s) + len(u))
}

func (c *cache) containsUID(u string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.uidToString[u]
	return ok
}

// Intern returns the normalized identifier for s, consulting the cache
// first and otherwise interning s in the database and caching the result.
// s must be small enough to fit in a single FoundationDB value.
func (si *StringIntern) Intern(db fdb.Database, s string) (string, error) {
	if u, ok := si.cache.getByString(s); ok {
		return u, nil
	}
	u, err := si.internInDB(db, s)
	if err != nil {
		return "", err
	}
	si.cache.add(s, u)
	metrics.Operations.WithLabelValues("stringintern", "intern").Inc()
	return u, nil
}

func (si *StringIntern) internInDB(tr fdb.Transactor, s string) (string, error) {
	v, err := tr.Transact(func(tr fdb.Transaction) (interface{}, error) {
		existing, err := tr.Get(si.stringSub.Pack(tuple.Tuple{s})).Get()
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return string(existing), nil
		}
		newUID, err := si.findUID(tr)
		if err != nil {
			return nil, err
		}
		tr.Set(si.uidSub.Pack(tuple.Tuple{newUID}), []byte(s))
		tr.Set(si.stringSub.Pack(tuple.Tuple{s}), []byte(newUID))
		return newUID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Lookup returns the reference string for identifier u, consulting the
// cache first and otherwise reading it from the database (via a snapshot
// read, since the mapping is write-once and therefore always safe to
// cache regardless of whether the surrounding transaction ultimately
// commits).
func (si *StringIntern) Lookup(tr fdb.Transactor, u string) (string, error) {
	if s, ok := si.cache.getByUID(u); ok {
		return s, nil
	}
	v, err := tr.Transact(func(tr fdb.Transaction) (interface{}, error) {
		raw, err := tr.Snapshot().Get(si.uidSub.Pack(tuple.Tuple{u})).Get()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, kverrors.New(kverrors.CodeItemNotFound, "stringintern: identifier not found")
		}
		s := string(raw)
		si.cache.add(s, u)
		return s, nil
	})
	if err != nil {
		return "", err
	}
	metrics.Operations.WithLabelValues("stringintern", "lookup").Inc()
	return v.(string), nil
}

// findUID picks a fresh, currently-unused identifier. It starts at
// minUIDBytes of randomness and grows by one byte each time it collides
// with either the cache or the database, up to maxUIDBytes; beyond that
// it gives up with a domain error rather than looping forever.
func (si *StringIntern) findUID(tr fdb.Transaction) (string, error) {
	for n := minUIDBytes; n <= maxUIDBytes; n++ {
		b := make([]byte, n)
		if _, err := cryptorand.Read(b); err != nil {
			return "", err
		}
		u := string(b)
		if si.cache.containsUID(u) {
			continue
		}
		existing, err := tr.Get(si.uidSub.Pack(tuple.Tuple{u})).Get()
		if err != nil {
			return "", err
		}
		if existing == nil {
			return u, nil
		}
	}
	log.Errorf("STRINGINTERN/FINDUID > exhausted entropy ladder up to %d bytes without finding a free identifier", maxUIDBytes)
	return "", kverrors.New(kverrors.CodeEntropyExhausted, "stringintern: could not allocate a free identifier")
}
