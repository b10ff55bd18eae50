// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package rankedset implements an ordered multi-level skip-list-like index
// over a set of byte-string keys stored in FoundationDB, supporting
// O(log n) expected rank/selection. It is a direct Go port of the
// RankedSet layer from the original Python fdb layers, kept key-schema
// and algorithm compatible: (level, key) -> little-endian i64 count.
package rankedset

import (
	"encoding/binary"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/cespare/xxhash/v2"

	kverrors "github.com/ClusterCockpit/cc-kvlayers/errors"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/metrics"
)

const (
	MaxLevels   = 6
	LevelFanPow = 4 // fan-out is 2^LevelFanPow per level
)

// RankedSet is an ordered index over byte-string keys, layered directly on
// top of a subspace. The zero value is not usable; construct with New.
type RankedSet struct {
	sub subspace.Subspace
}

// New wraps sub as a RankedSet. Run SetupLevels once (idempotent) before
// using an otherwise-empty subspace.
func New(sub subspace.Subspace) *RankedSet {
	return &RankedSet{sub: sub}
}

func encodeCount(c int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(c))
	return b
}

func decodeCount(v []byte) int64 {
	return int64(binary.LittleEndian.Uint64(v))
}

func (rs *RankedSet) levelKey(level int, key string) fdb.Key {
	return rs.sub.Pack(tuple.Tuple{int64(level), key})
}

// SetupLevels writes the sentinel (level, "") -> 0 entry on every level if
// absent. Idempotent -- safe to call at the start of every transaction
// that might be operating on a fresh subspace.
func (rs *RankedSet) SetupLevels(tr fdb.Transactor) (interface{}, error) {
	return tr.Transact(func(tr fdb.Transaction) (interface{}, error) {
		for level := 0; level < MaxLevels; level++ {
			k := rs.levelKey(level, "")
			v, err := tr.Get(k).Get()
			if err != nil {
				return nil, err
			}
			if v == nil {
				tr.Set(k, encodeCount(0))
			}
		}
		metrics.Operations.WithLabelValues("rankedset", "setup_levels").Inc()
		return nil, nil
	})
}

// slowCount sums the counts of keys in [beginKey, endKey) at level. At
// level -1 it treats "" as 0 members and any other key as exactly 1 (the
// base case the original Python implementation special-cases).
func (rs *RankedSet) slowCount(tr fdb.Transaction, level int, beginKey, endKey string) (int64, error) {
	if level == -1 {
		if beginKey == "" {
			return 0, nil
		}
		return 1, nil
	}
	begin := rs.levelKey(level, beginKey)
	end := rs.levelKey(level, endKey)
	kvs, err := tr.GetRange(fdb.KeyRange{Begin: begin, End: end}, fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, kv := range kvs {
		sum += decodeCount(kv.Value)
	}
	return sum, nil
}

// getPreviousNode finds the row immediately preceding (level, key) via a
// snapshot read, then adds explicit conflict ranges that exclude the found
// row's own increments from conflicting with us while still detecting an
// erasure of it. This is the central conflict-avoidance trick of the whole
// layer: it lets concurrent inserts sharing the same predecessor proceed
// without aborting each other.
func (rs *RankedSet) getPreviousNode(tr fdb.Transaction, level int, key string) (string, error) {
	k := rs.levelKey(level, key)
	kvs, err := tr.Snapshot().GetRange(fdb.SelectorRange{
		Begin: fdb.LastLessThan(k),
		End:   fdb.FirstGreaterOrEqual(k),
	}, fdb.RangeOptions{Limit: 1}).GetSliceWithError()
	if err != nil {
		return "", err
	}
	if len(kvs) == 0 {
		return "", kverrors.New(kverrors.CodeDoesNotExist, "rankedset: no previous node found for level %d", level)
	}
	t, err := rs.sub.Unpack(kvs[0].Key)
	if err != nil {
		return "", err
	}
	prevKey := t[1].(string)

	if err := tr.AddReadConflictRange(append(append(fdb.Key{}, kvs[0].Key...), 0x00), k); err != nil {
		return "", err
	}
	if err := tr.AddReadConflictKey(rs.levelKey(0, prevKey)); err != nil {
		return "", err
	}
	return prevKey, nil
}

// Contains checks for the presence of key. key == "" is a domain error.
func (rs *RankedSet) Contains(tr fdb.ReadTransaction, key string) (bool, error) {
	if key == "" {
		return false, kverrors.New(kverrors.CodeEmptyKey, "rankedset: empty key not allowed")
	}
	v, err := tr.Get(rs.levelKey(0, key)).Get()
	if err != nil {
		return false, err
	}
	return v != nil, nil
}

// Insert adds key to the set. No effect if key is already present.
// key == "" is a domain error.
func (rs *RankedSet) Insert(tr fdb.Transaction, key string) error {
	if key == "" {
		return kverrors.New(kverrors.CodeEmptyKey, "rankedset: empty key not allowed")
	}
	present, err := rs.Contains(tr, key)
	if err != nil {
		return err
	}
	if present {
		return nil
	}

	keyHash := xxhash.Sum64String(key)
	for level := 0; level < MaxLevels; level++ {
		prevKey, err := rs.getPreviousNode(tr, level, key)
		if err != nil {
			return err
		}

		if keyHash&((uint64(1)<<(uint(level)*LevelFanPow))-1) != 0 {
			tr.Add(rs.levelKey(level, prevKey), encodeCount(1))
			continue
		}

		prevCountRaw, err := tr.Get(rs.levelKey(level, prevKey)).Get()
		if err != nil {
			return err
		}
		prevCount := decodeCount(prevCountRaw)

		newPrevCount, err := rs.slowCount(tr, level-1, prevKey, key)
		if err != nil {
			return err
		}
		count := prevCount - newPrevCount + 1

		tr.Set(rs.levelKey(level, prevKey), encodeCount(newPrevCount))
		tr.Set(rs.levelKey(level, key), encodeCount(count))
	}

	metrics.Operations.WithLabelValues("rankedset", "insert").Inc()
	return nil
}

// Erase removes key from the set. No effect if key is already absent.
func (rs *RankedSet) Erase(tr fdb.Transaction, key string) error {
	present, err := rs.Contains(tr, key)
	if err != nil {
		return err
	}
	if !present {
		return nil
	}

	for level := 0; level < MaxLevels; level++ {
		k := rs.levelKey(level, key)
		raw, err := tr.Get(k).Get()
		if err != nil {
			return err
		}
		if raw != nil {
			tr.Clear(k)
		}
		if level == 0 {
			continue
		}

		prevKey, err := rs.getPreviousNode(tr, level, key)
		if err != nil {
			return err
		}
		if prevKey == key {
			log.Errorf("RANKEDSET/ERASE > previous node equals key at level %d, subspace corrupted", level)
			return kverrors.New(kverrors.CodeDoesNotExist, "rankedset: corrupted levels, previous node equals key")
		}

		countChange := int64(-1)
		if raw != nil {
			countChange += decodeCount(raw)
		}
		tr.Add(rs.levelKey(level, prevKey), encodeCount(countChange))
	}

	metrics.Operations.WithLabelValues("rankedset", "erase").Inc()
	return nil
}

// Size returns the number of items in the set: a single scan of the top
// level's counts.
func (rs *RankedSet) Size(tr fdb.ReadTransaction) (uint64, error) {
	kvs, err := tr.GetRange(rs.sub.Sub(int64(MaxLevels-1)), fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, kv := range kvs {
		total += decodeCount(kv.Value)
	}
	metrics.Operations.WithLabelValues("rankedset", "size").Inc()
	return uint64(total), nil
}

// Rank returns the 0-based index of key among the lexicographically
// ordered members, or (0, false) if key is not a member.
func (rs *RankedSet) Rank(tr fdb.Transaction, key string) (uint64, bool, error) {
	if key == "" {
		return 0, false, kverrors.New(kverrors.CodeEmptyKey, "rankedset: empty key not allowed")
	}
	present, err := rs.Contains(tr, key)
	if err != nil {
		return 0, false, err
	}
	if !present {
		return 0, false, nil
	}

	var r int64
	rankKey := ""
	for level := MaxLevels - 1; level >= 0; level-- {
		lss := rs.sub.Sub(int64(level))
		begin := lss.Pack(tuple.Tuple{rankKey})
		end := fdb.FirstGreaterThan(lss.Pack(tuple.Tuple{key}))

		kvs, err := tr.GetRange(fdb.SelectorRange{
			Begin: fdb.FirstGreaterOrEqual(begin),
			End:   end,
		}, fdb.RangeOptions{}).GetSliceWithError()
		if err != nil {
			return 0, false, err
		}

		var lastCount int64
		for _, kv := range kvs {
			t, err := lss.Unpack(kv.Key)
			if err != nil {
				return 0, false, err
			}
			rankKey = t[0].(string)
			lastCount = decodeCount(kv.Value)
			r += lastCount
		}
		r -= lastCount
		if rankKey == key {
			break
		}
	}
	metrics.Operations.WithLabelValues("rankedset", "rank").Inc()
	return uint64(r), true, nil
}

// GetNth returns the rank-th (0-based) lexicographically ordered member,
// or ("", false) if rank is out of bounds.
func (rs *RankedSet) GetNth(tr fdb.Transaction, rank uint64) (string, bool, error) {
	r := int64(rank)
	key := ""
	for level := MaxLevels - 1; level >= 0; level-- {
		lss := rs.sub.Sub(int64(level))
		_, levelEnd := lss.FDBRangeKeys()

		kvs, err := tr.GetRange(fdb.SelectorRange{
			Begin: fdb.FirstGreaterOrEqual(lss.Pack(tuple.Tuple{key})),
			End:   fdb.FirstGreaterOrEqual(levelEnd),
		}, fdb.RangeOptions{}).GetSliceWithError()
		if err != nil {
			return "", false, err
		}

		found := false
		for _, kv := range kvs {
			t, err := lss.Unpack(kv.Key)
			if err != nil {
				return "", false, err
			}
			key = t[0].(string)
			count := decodeCount(kv.Value)
			if key != "" && r == 0 {
				metrics.Operations.WithLabelValues("rankedset", "get_nth").Inc()
				return key, true, nil
			}
			if count > r {
				found = true
				break
			}
			r -= count
		}
		if !found {
			return "", false, nil
		}
	}
	return "", false, nil
}

// GetRange returns the members in the half-open range [startKey, endKey)
// in order. startKey must not be "". An optional limit caps the number of
// members returned, matching the original's get_range(limit=...).
func (rs *RankedSet) GetRange(tr fdb.ReadTransaction, startKey, endKey string, limit ...int) ([]string, error) {
	if startKey == "" {
		return nil, kverrors.New(kverrors.CodeEmptyKey, "rankedset: empty key not allowed")
	}
	opts := fdb.RangeOptions{}
	if len(limit) > 0 {
		opts.Limit = limit[0]
	}
	kvs, err := tr.GetRange(fdb.KeyRange{
		Begin: rs.levelKey(0, startKey),
		End:   rs.levelKey(0, endKey),
	}, opts).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		t, err := rs.sub.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, t[len(t)-1].(string))
	}
	metrics.Operations.WithLabelValues("rankedset", "get_range").Inc()
	return out, nil
}

// ClearAll wipes the set, then re-establishes the per-level sentinels.
func (rs *RankedSet) ClearAll(tr fdb.Transaction) error {
	tr.ClearRange(rs.sub)
	if _, err := rs.SetupLevels(tr); err != nil {
		return err
	}
	metrics.Operations.WithLabelValues("rankedset", "clear_all").Inc()
	return nil
}
