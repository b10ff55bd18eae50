// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package scoredset implements a Redis-style sorted set: string items
// each carry an integer score, at most once per
// item, with fast rank and range queries by score or by rank. It is built
// directly on top of rankedset, the same way the original layers library
// builds ScoredSet on RankedSet.
package scoredset

import (
	"encoding/binary"
	"math"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	kverrors "github.com/ClusterCockpit/cc-kvlayers/errors"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/metrics"
	"github.com/ClusterCockpit/cc-kvlayers/rankedset"
)

// MaxScore is used as an open upper bound standing in for the Python
// original's sys.maxint when a rank range runs past the end of the set.
const MaxScore = math.MaxInt64

// ScoredSet associates each item in subspace "I" with an integer score
// stored in subspace "S", and keeps a RankedSet of scores in subspace "R"
// so ranking and rank-range queries stay O(log n).
type ScoredSet struct {
	sub   subspace.Subspace
	rs    *rankedset.RankedSet
	score subspace.Subspace
	items subspace.Subspace
}

// New wraps sub as a ScoredSet. Call SetupLevels once on a fresh subspace
// before use (it only touches the embedded RankedSet's own levels).
func New(sub subspace.Subspace) *ScoredSet {
	return &ScoredSet{
		sub:   sub,
		rs:    rankedset.New(sub.Sub("R")),
		score: sub.Sub("S"),
		items: sub.Sub("I"),
	}
}

// SetupLevels initializes the embedded RankedSet's per-level sentinels.
func (ss *ScoredSet) SetupLevels(tr fdb.Transactor) (interface{}, error) {
	return ss.rs.SetupLevels(tr)
}

func encodeScore(score int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(score))
	return b
}

func decodeScore(v []byte) int64 {
	return int64(binary.LittleEndian.Uint64(v))
}

// rsKey renders score as the member key handed to the embedded RankedSet.
// RankedSet orders its members lexicographically by raw key bytes, so the
// key must be an order-preserving encoding of score -- not the LE bytes
// used for S[item]'s stored value -- matching the original, which hands
// the RankedSet the integer itself for FDB's tuple layer to pack
// order-preservingly (original_source/fdb_layers/scoredset.py:48).
func rsKey(score int64) string {
	return string(tuple.Tuple{score}.Pack())
}

// rsKeyToScore is the inverse of rsKey, decoding a RankedSet member key
// (as returned by RankedSet.GetNth/Rank) back into the score it encodes.
func rsKeyToScore(key string) (int64, error) {
	t, err := tuple.Unpack([]byte(key))
	if err != nil {
		return 0, err
	}
	return t[0].(int64), nil
}

// noOther reports whether item is the only member with the given score.
func (ss *ScoredSet) noOther(tr fdb.Transaction, item string, score int64) (bool, error) {
	kvs, err := tr.GetRange(ss.items.Sub(score), fdb.RangeOptions{Limit: 2}).GetSliceWithError()
	if err != nil {
		return false, err
	}
	for _, kv := range kvs {
		t, err := ss.items.Unpack(kv.Key)
		if err != nil {
			return false, err
		}
		if t[1].(string) != item {
			return false, nil
		}
	}
	return true, nil
}

// Insert adds item with score, or updates its score if already present.
// Returns the previous score and whether one existed.
func (ss *ScoredSet) Insert(tr fdb.Transaction, item string, score int64) (int64, bool, error) {
	oldScore, hadOld, err := ss.replaceScore(tr, item, score)
	if err != nil {
		return 0, false, err
	}
	metrics.Operations.WithLabelValues("scoredset", "insert").Inc()
	return oldScore, hadOld, nil
}

func (ss *ScoredSet) replaceScore(tr fdb.Transaction, item string, score int64) (int64, bool, error) {
	raw, err := tr.Get(ss.score.Pack(tuple.Tuple{item})).Get()
	if err != nil {
		return 0, false, err
	}
	var oldScore int64
	hadOld := raw != nil
	if hadOld {
		oldScore = decodeScore(raw)
		alone, err := ss.noOther(tr, item, oldScore)
		if err != nil {
			return 0, false, err
		}
		if alone {
			if err := ss.rs.Erase(tr, rsKey(oldScore)); err != nil {
				return 0, false, err
			}
		}
		tr.Clear(ss.items.Pack(tuple.Tuple{oldScore, item}))
	}
	if err := ss.rs.Insert(tr, rsKey(score)); err != nil {
		return 0, false, err
	}
	tr.Set(ss.score.Pack(tuple.Tuple{item}), encodeScore(score))
	tr.Set(ss.items.Pack(tuple.Tuple{score, item}), []byte{})
	return oldScore, hadOld, nil
}

// Increment adds delta to item's current score. Returns a domain error if
// item is not present.
func (ss *ScoredSet) Increment(tr fdb.Transaction, item string, delta int64) (int64, error) {
	raw, err := tr.Get(ss.score.Pack(tuple.Tuple{item})).Get()
	if err != nil {
		return 0, err
	}
	if raw == nil {
		return 0, kverrors.New(kverrors.CodeItemNotFound, "scoredset: item %q not found", item)
	}
	oldScore := decodeScore(raw)
	if _, _, err := ss.replaceScore(tr, item, oldScore+delta); err != nil {
		return 0, err
	}
	metrics.Operations.WithLabelValues("scoredset", "increment").Inc()
	return oldScore, nil
}

// Delete removes item. Returns its score and whether it was present.
func (ss *ScoredSet) Delete(tr fdb.Transaction, item string) (int64, bool, error) {
	raw, err := tr.Get(ss.score.Pack(tuple.Tuple{item})).Get()
	if err != nil {
		return 0, false, err
	}
	if raw == nil {
		return 0, false, nil
	}
	score := decodeScore(raw)
	alone, err := ss.noOther(tr, item, score)
	if err != nil {
		return 0, false, err
	}
	if alone {
		if err := ss.rs.Erase(tr, rsKey(score)); err != nil {
			return 0, false, err
		}
	}
	tr.Clear(ss.items.Pack(tuple.Tuple{score, item}))
	tr.Clear(ss.score.Pack(tuple.Tuple{item}))
	metrics.Operations.WithLabelValues("scoredset", "delete").Inc()
	return score, true, nil
}

// rankRangeToScores converts a half-open rank range into the corresponding
// half-open score range, per the original's _rank_range_to_scores. startRank
// must be nonnegative.
func (ss *ScoredSet) rankRangeToScores(tr fdb.Transaction, startRank, stopRank uint64) (int64, int64, error) {
	startKey, ok, err := ss.rs.GetNth(tr, startRank)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, kverrors.New(kverrors.CodeDoesNotExist, "scoredset: rank %d out of range", startRank)
	}
	size, err := ss.rs.Size(tr)
	if err != nil {
		return 0, 0, err
	}
	var stopScore int64
	if size == 0 || stopRank > size-1 {
		stopScore = MaxScore
	} else {
		stopKey, ok, err := ss.rs.GetNth(tr, stopRank)
		if err != nil {
			return 0, 0, err
		}
		if !ok {
			stopScore = MaxScore
		} else {
			stopScore, err = rsKeyToScore(stopKey)
			if err != nil {
				return 0, 0, err
			}
		}
	}
	startScore, err := rsKeyToScore(startKey)
	if err != nil {
		return 0, 0, err
	}
	return startScore, stopScore, nil
}

// DeleteByRank deletes all items with rank in [startRank, stopRank).
func (ss *ScoredSet) DeleteByRank(tr fdb.Transaction, startRank, stopRank uint64) ([]int64, error) {
	startScore, stopScore, err := ss.rankRangeToScores(tr, startRank, stopRank)
	if err != nil {
		return nil, err
	}
	return ss.DeleteByScore(tr, startScore, stopScore)
}

// DeleteByScore deletes all items with score in [startScore, stopScore) and
// returns the distinct scores that were fully erased.
func (ss *ScoredSet) DeleteByScore(tr fdb.Transaction, startScore, stopScore int64) ([]int64, error) {
	kvs, err := tr.GetRange(fdb.KeyRange{
		Begin: ss.items.Pack(tuple.Tuple{startScore}),
		End:   ss.items.Pack(tuple.Tuple{stopScore}),
	}, fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	erased := map[int64]struct{}{}
	for _, kv := range kvs {
		t, err := ss.items.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		score := t[0].(int64)
		item := t[1].(string)
		tr.Clear(ss.score.Pack(tuple.Tuple{item}))
		if _, ok := erased[score]; !ok {
			if err := ss.rs.Erase(tr, rsKey(score)); err != nil {
				return nil, err
			}
			erased[score] = struct{}{}
		}
	}
	tr.ClearRange(fdb.KeyRange{
		Begin: ss.items.Pack(tuple.Tuple{startScore}),
		End:   ss.items.Pack(tuple.Tuple{stopScore}),
	})
	out := make([]int64, 0, len(erased))
	for s := range erased {
		out = append(out, s)
	}
	metrics.Operations.WithLabelValues("scoredset", "delete_by_score").Inc()
	return out, nil
}

// GetItems returns the items sharing the given score.
func (ss *ScoredSet) GetItems(tr fdb.ReadTransaction, score int64) ([]string, error) {
	kvs, err := tr.GetRange(ss.items.Sub(score), fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		t, err := ss.items.Sub(score).Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, t[0].(string))
	}
	return out, nil
}

// GetScore returns item's score and whether item is present.
func (ss *ScoredSet) GetScore(tr fdb.ReadTransaction, item string) (int64, bool, error) {
	raw, err := tr.Get(ss.score.Pack(tuple.Tuple{item})).Get()
	if err != nil {
		return 0, false, err
	}
	if raw == nil {
		return 0, false, nil
	}
	return decodeScore(raw), true, nil
}

// GetItemsByRank returns the items whose score is ranked rank.
func (ss *ScoredSet) GetItemsByRank(tr fdb.Transaction, rank uint64) ([]string, error) {
	scoreKey, ok, err := ss.rs.GetNth(tr, rank)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, kverrors.New(kverrors.CodeDoesNotExist, "scoredset: rank %d out of range", rank)
	}
	score, err := rsKeyToScore(scoreKey)
	if err != nil {
		return nil, err
	}
	return ss.GetItems(tr, score)
}

// GetRangeByRank returns items with rank in [startRank, stopRank).
func (ss *ScoredSet) GetRangeByRank(tr fdb.Transaction, startRank, stopRank uint64) ([]string, error) {
	startScore, stopScore, err := ss.rankRangeToScores(tr, startRank, stopRank)
	if err != nil {
		return nil, err
	}
	return ss.GetRangeByScore(tr, startScore, stopScore, false)
}

// GetRangeByScore returns items with score in [startScore, stopScore),
// ordered low to high unless reverse is set.
func (ss *ScoredSet) GetRangeByScore(tr fdb.ReadTransaction, startScore, stopScore int64, reverse bool) ([]string, error) {
	kvs, err := tr.GetRange(fdb.KeyRange{
		Begin: ss.items.Pack(tuple.Tuple{startScore}),
		End:   ss.items.Pack(tuple.Tuple{stopScore}),
	}, fdb.RangeOptions{Reverse: reverse}).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(kvs))
	for _, kv := range kvs {
		t, err := ss.items.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, t[1].(string))
	}
	metrics.Operations.WithLabelValues("scoredset", "get_range_by_score").Inc()
	return out, nil
}

// GetRangeByScoreWithScores is GetRangeByScore but also decodes each
// item's score, matching the original's get_range_by_score(withscores=True)
// call shape. It runs its own copy of the same range scan.
func (ss *ScoredSet) GetRangeByScoreWithScores(tr fdb.ReadTransaction, startScore, stopScore int64, reverse bool) ([]ItemScore, error) {
	kvs, err := tr.GetRange(fdb.KeyRange{
		Begin: ss.items.Pack(tuple.Tuple{startScore}),
		End:   ss.items.Pack(tuple.Tuple{stopScore}),
	}, fdb.RangeOptions{Reverse: reverse}).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	out := make([]ItemScore, 0, len(kvs))
	for _, kv := range kvs {
		t, err := ss.items.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, ItemScore{Item: t[1].(string), Score: t[0].(int64)})
	}
	metrics.Operations.WithLabelValues("scoredset", "get_range_by_score_with_scores").Inc()
	return out, nil
}

// GetRank returns item's rank.
func (ss *ScoredSet) GetRank(tr fdb.Transaction, item string) (uint64, bool, error) {
	score, present, err := ss.GetScore(tr, item)
	if err != nil || !present {
		return 0, false, err
	}
	return ss.GetRankByScore(tr, score)
}

// GetRankByScore returns the rank of score.
func (ss *ScoredSet) GetRankByScore(tr fdb.Transaction, score int64) (uint64, bool, error) {
	return ss.rs.Rank(tr, rsKey(score))
}

// GetSuccessors returns the immediate by-rank successors of item.
func (ss *ScoredSet) GetSuccessors(tr fdb.Transaction, item string) ([]string, error) {
	rank, present, err := ss.GetRank(tr, item)
	if err != nil || !present {
		return nil, err
	}
	scoreKey, ok, err := ss.rs.GetNth(tr, rank+1)
	if err != nil || !ok {
		return nil, err
	}
	score, err := rsKeyToScore(scoreKey)
	if err != nil {
		return nil, err
	}
	return ss.GetItems(tr, score)
}

// GetPredecessors returns the immediate by-rank predecessors of item.
func (ss *ScoredSet) GetPredecessors(tr fdb.Transaction, item string) ([]string, error) {
	rank, present, err := ss.GetRank(tr, item)
	if err != nil || !present || rank == 0 {
		return nil, err
	}
	scoreKey, ok, err := ss.rs.GetNth(tr, rank-1)
	if err != nil || !ok {
		return nil, err
	}
	score, err := rsKeyToScore(scoreKey)
	if err != nil {
		return nil, err
	}
	return ss.GetItems(tr, score)
}

// GetMaxRank returns the highest rank, or (0, false) if empty.
func (ss *ScoredSet) GetMaxRank(tr fdb.ReadTransaction) (uint64, bool, error) {
	size, err := ss.rs.Size(tr)
	if err != nil {
		return 0, false, err
	}
	if size == 0 {
		return 0, false, nil
	}
	return size - 1, true, nil
}

// GetMaxScore returns the highest score present, or (0, false) if empty.
func (ss *ScoredSet) GetMaxScore(tr fdb.ReadTransaction) (int64, bool, error) {
	kvs, err := tr.GetRange(ss.items, fdb.RangeOptions{Limit: 1, Reverse: true}).GetSliceWithError()
	if err != nil {
		return 0, false, err
	}
	if len(kvs) == 0 {
		return 0, false, nil
	}
	t, err := ss.items.Unpack(kvs[0].Key)
	if err != nil {
		return 0, false, err
	}
	return t[0].(int64), true, nil
}

// CountByScore returns the number of items with score in [startScore, stopScore).
func (ss *ScoredSet) CountByScore(tr fdb.ReadTransaction, startScore, stopScore int64) (int, error) {
	kvs, err := tr.GetRange(fdb.KeyRange{
		Begin: ss.items.Pack(tuple.Tuple{startScore}),
		End:   ss.items.Pack(tuple.Tuple{stopScore}),
	}, fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return 0, err
	}
	return len(kvs), nil
}

// ItemScore pairs an item with its score, returned by Iterate.
type ItemScore struct {
	Item  string
	Score int64
}

// Iterate returns every item and its score, unordered by score (ordered
// by item, since it walks the score subspace directly -- matching the
// original's iterate(), which yields in score-subspace storage order).
func (ss *ScoredSet) Iterate(tr fdb.ReadTransaction) ([]ItemScore, error) {
	kvs, err := tr.GetRange(ss.score, fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	out := make([]ItemScore, 0, len(kvs))
	for _, kv := range kvs {
		t, err := ss.score.Unpack(kv.Key)
		if err != nil {
			return nil, err
		}
		out = append(out, ItemScore{Item: t[0].(string), Score: decodeScore(kv.Value)})
	}
	return out, nil
}

// ClearAll wipes the set, then re-establishes the RankedSet sentinels.
func (ss *ScoredSet) ClearAll(tr fdb.Transaction) error {
	tr.ClearRange(ss.sub)
	if _, err := ss.rs.SetupLevels(tr); err != nil {
		return err
	}
	metrics.Operations.WithLabelValues("scoredset", "clear_all").Inc()
	return nil
}
