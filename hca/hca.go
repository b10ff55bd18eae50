// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package hca implements FoundationDB's High-Contention Allocator: it
// hands out short byte-string identifiers, each of which is guaranteed
// never to be returned again by the same allocator, while staying cheap
// to call from many concurrent clients. It windows its candidate space
// so that most calls only need to probe a small, mostly-empty range
// rather than contending on a single counter.
package hca

import (
	"encoding/binary"
	"math/rand"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	"github.com/ClusterCockpit/cc-kvlayers/pkg/metrics"
)

// Allocator hands out unique int64 candidates within sub, encoded as a
// single-element tuple the way the directory layer uses them as prefix
// suffixes.
type Allocator struct {
	counters subspace.Subspace
	recent   subspace.Subspace
}

// New wraps sub as an Allocator. sub[0] tracks per-window allocation
// counts; sub[1] tracks which candidates in the current window are
// already taken.
func New(sub subspace.Subspace) *Allocator {
	return &Allocator{
		counters: sub.Sub(int64(0)),
		recent:   sub.Sub(int64(1)),
	}
}

func windowSize(start int64) int64 {
	switch {
	case start < 255:
		return 64
	case start < 65535:
		return 1024
	default:
		return 8192
	}
}

// Allocate returns a byte string that has never been and will never be
// returned again by another call to Allocate on the same subspace, while
// staying as short as possible given that guarantee.
func (a *Allocator) Allocate(tr fdb.Transaction) ([]byte, error) {
	start, count, err := a.currentWindow(tr)
	if err != nil {
		return nil, err
	}

	window := windowSize(start)
	if (count+1)*2 >= window {
		countersBegin, _ := a.counters.FDBRangeKeys()
		tr.ClearRange(fdb.KeyRange{Begin: countersBegin, End: a.counters.Sub(start + 1).FDBKey()})
		start += window
		recentBegin, _ := a.recent.FDBRangeKeys()
		tr.ClearRange(fdb.KeyRange{Begin: recentBegin, End: a.recent.Sub(start).FDBKey()})
		window = windowSize(start)
	}

	countDelta := make([]byte, 8)
	binary.LittleEndian.PutUint64(countDelta, 1)
	tr.Add(a.counters.Pack(tuple.Tuple{start}), countDelta)

	for {
		candidate := start + rand.Int63n(window+1)
		key := a.recent.Pack(tuple.Tuple{candidate})
		v, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		if v == nil {
			tr.Set(key, []byte{})
			metrics.Operations.WithLabelValues("hca", "allocate").Inc()
			return tuple.Tuple{candidate}.Pack(), nil
		}
	}
}

// currentWindow returns the start and count of the most recent window, via
// a snapshot read (mirroring the original's use of tr.snapshot here: we
// only need an approximately-current view to decide whether to advance
// the window, and reading non-snapshot would make every allocate conflict
// with every other allocate touching the same window).
func (a *Allocator) currentWindow(tr fdb.Transaction) (int64, int64, error) {
	kvs, err := tr.Snapshot().GetRange(a.counters, fdb.RangeOptions{Limit: 1, Reverse: true}).GetSliceWithError()
	if err != nil {
		return 0, 0, err
	}
	if len(kvs) == 0 {
		return 0, 0, nil
	}
	t, err := a.counters.Unpack(kvs[0].Key)
	if err != nil {
		return 0, 0, err
	}
	return t[0].(int64), int64(binary.LittleEndian.Uint64(kvs[0].Value)), nil
}
