// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package priorityqueue implements a double-ended priority queue: items are
// pushed with an integer priority, ordered first by priority, then by push
// order, then randomly among simultaneous pushes. Either end can be popped
// or peeked. Two pop strategies are offered: a low-contention pop that
// conflicts under concurrent popping, and a high-contention pop that fans
// concurrent poppers' requests through a shared fulfillment batch so
// throughput scales with the number of clients instead of degrading.
package priorityqueue

import (
	cryptorand "crypto/rand"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/cenkalti/backoff/v4"

	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/metrics"
)

const fulfillBatchSize = 100

// PriorityQueue is a double-ended priority queue of string items. A single
// type serves both contention modes; highContention selects which pop
// strategy Pop uses.
type PriorityQueue struct {
	sub            subspace.Subspace
	highContention bool
	popRequest     subspace.Subspace
	requestedItem  subspace.Subspace
	item           subspace.Subspace
	member         subspace.Subspace
}

// New wraps sub as a PriorityQueue. highContention selects the pop
// strategy: true fans concurrent pops through a shared fulfillment batch
// (scales with client count at some per-pop latency cost); false pops
// directly and lets concurrent poppers conflict (best ordering, does not
// scale).
func New(sub subspace.Subspace, highContention bool) *PriorityQueue {
	return &PriorityQueue{
		sub:            sub,
		highContention: highContention,
		popRequest:     sub.Sub("P"),
		requestedItem:  sub.Sub("R"),
		item:           sub.Sub("I"),
		member:         sub.Sub("M"),
	}
}

func randomID() []byte {
	b := make([]byte, 20)
	if _, err := cryptorand.Read(b); err != nil {
		panic(err)
	}
	return b
}

func encodeItem(item string) []byte {
	return tuple.Tuple{item}.Pack()
}

func decodeItem(v []byte) (string, error) {
	t, err := tuple.Unpack(v)
	if err != nil {
		return "", err
	}
	return t[0].(string), nil
}

// Clear removes every item from the queue.
func (pq *PriorityQueue) Clear(tr fdb.Transaction) {
	tr.ClearRange(pq.sub)
	metrics.Operations.WithLabelValues("priorityqueue", "clear").Inc()
}

// Contains reports whether item is currently in the queue.
func (pq *PriorityQueue) Contains(tr fdb.ReadTransaction, item string) (bool, error) {
	kvs, err := tr.GetRange(pq.member.Sub(item), fdb.RangeOptions{Limit: 1}).GetSliceWithError()
	if err != nil {
		return false, err
	}
	return len(kvs) > 0, nil
}

// Remove deletes item from wherever it sits in the queue.
func (pq *PriorityQueue) Remove(tr fdb.Transaction, item string) error {
	kvs, err := tr.GetRange(pq.member.Sub(item), fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		t, err := pq.member.Sub(item).Unpack(kv.Key)
		if err != nil {
			return err
		}
		priority, index := t[0].(int64), t[1].(int64)

		slotKVs, err := tr.GetRange(pq.item.Sub(priority, index), fdb.RangeOptions{}).GetSliceWithError()
		if err != nil {
			return err
		}
		for _, slot := range slotKVs {
			got, err := decodeItem(slot.Value)
			if err != nil {
				return err
			}
			if got == item {
				tr.Clear(slot.Key)
			}
		}
		tr.Clear(pq.member.Pack(tuple.Tuple{item, priority, index}))
	}
	metrics.Operations.WithLabelValues("priorityqueue", "remove").Inc()
	return nil
}

// getNextIndex returns one past the highest index currently used under
// sub, or 0 if sub is empty. Reads via a snapshot so two concurrent
// pushes at the same priority only conflict if they land on the exact
// same (priority, index, randomID) triple, which the caller additionally
// guards with an explicit read-conflict key.
func getNextIndex(tr fdb.Transaction, sub subspace.Subspace) (int64, error) {
	_, end := sub.FDBRangeKeys()
	lastKey, err := tr.Snapshot().GetKey(fdb.LastLessThan(end)).Get()
	if err != nil {
		return 0, err
	}
	if !sub.Contains(lastKey) {
		return 0, nil
	}
	t, err := sub.Unpack(lastKey)
	if err != nil {
		return 0, err
	}
	return t[0].(int64) + 1, nil
}

func (pq *PriorityQueue) pushAt(tr fdb.Transaction, item []byte, index, priority int64) error {
	id := randomID()
	key := pq.item.Pack(tuple.Tuple{priority, index, id})
	if err := tr.AddReadConflictKey(key); err != nil {
		return err
	}
	tr.Set(key, item)
	decoded, err := decodeItem(item)
	if err != nil {
		return err
	}
	tr.Set(pq.member.Pack(tuple.Tuple{decoded, priority, index}), []byte{})
	return nil
}

// Push adds item to the queue at priority.
func (pq *PriorityQueue) Push(tr fdb.Transaction, item string, priority int64) error {
	index, err := getNextIndex(tr, pq.item.Sub(priority))
	if err != nil {
		return err
	}
	if err := pq.pushAt(tr, encodeItem(item), index, priority); err != nil {
		return err
	}
	metrics.Operations.WithLabelValues("priorityqueue", "push").Inc()
	return nil
}

func (pq *PriorityQueue) getFirstItem(tr fdb.ReadTransaction, max bool) (fdb.KeyValue, bool, error) {
	kvs, err := tr.GetRange(pq.item, fdb.RangeOptions{Limit: 1, Reverse: max}).GetSliceWithError()
	if err != nil {
		return fdb.KeyValue{}, false, err
	}
	if len(kvs) == 0 {
		return fdb.KeyValue{}, false, nil
	}
	return kvs[0], true, nil
}

// Empty reports whether the queue currently has no items.
func (pq *PriorityQueue) Empty(tr fdb.ReadTransaction) (bool, error) {
	_, present, err := pq.getFirstItem(tr, false)
	return !present, err
}

// Peek returns the next item to be popped (from the max end if max is
// set) without removing it.
func (pq *PriorityQueue) Peek(tr fdb.ReadTransaction, max bool) (string, bool, error) {
	kv, present, err := pq.getFirstItem(tr, max)
	if err != nil || !present {
		return "", false, err
	}
	item, err := decodeItem(kv.Value)
	return item, err == nil, err
}

// popLow pops without attempting to avoid conflicts: concurrent poppers
// race for the same first item and only one commits.
func (pq *PriorityQueue) popLow(tr fdb.Transaction, max bool) (string, bool, error) {
	kv, present, err := pq.getFirstItem(tr, max)
	if err != nil || !present {
		return "", false, err
	}
	tr.Clear(kv.Key)
	t, err := pq.item.Unpack(kv.Key)
	if err != nil {
		return "", false, err
	}
	item, err := decodeItem(kv.Value)
	if err != nil {
		return "", false, err
	}
	priority, index := t[0].(int64), t[1].(int64)
	tr.Clear(pq.member.Pack(tuple.Tuple{item, priority, index}))
	return item, true, nil
}

func (pq *PriorityQueue) addPopRequest(tr fdb.Transaction, forced bool) (fdb.Key, bool, error) {
	index, err := getNextIndex(tr, pq.popRequest)
	if err != nil {
		return nil, false, err
	}
	if index == 0 && !forced {
		return nil, false, nil
	}
	requestKey := pq.popRequest.Pack(tuple.Tuple{index, randomID()})
	if err := tr.AddReadConflictKey(requestKey); err != nil {
		return nil, false, err
	}
	tr.Set(requestKey, []byte{})
	return requestKey, true, nil
}

// fulfillRequestedPops drains up to fulfillBatchSize outstanding pop
// requests against up to fulfillBatchSize available items, storing each
// matched item under the requester's result key. Requests left over once
// items run out are dropped with no result (the requester will see their
// result key stay absent and conclude the queue was empty).
func (pq *PriorityQueue) fulfillRequestedPops(db fdb.Database, max bool) error {
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		requests, err := tr.Snapshot().GetRange(pq.popRequest, fdb.RangeOptions{Limit: fulfillBatchSize}).GetSliceWithError()
		if err != nil {
			return nil, err
		}
		items, err := tr.Snapshot().GetRange(pq.item, fdb.RangeOptions{Limit: fulfillBatchSize, Reverse: max}).GetSliceWithError()
		if err != nil {
			return nil, err
		}

		n := len(requests)
		if len(items) < n {
			n = len(items)
		}

		for i := 0; i < n; i++ {
			request := requests[i]
			itemKV := items[i]

			reqT, err := pq.popRequest.Unpack(request.Key)
			if err != nil {
				return nil, err
			}
			id := reqT[1].([]byte)

			tr.Set(pq.requestedItem.Pack(tuple.Tuple{id}), itemKV.Value)
			if err := tr.AddReadConflictKey(itemKV.Key); err != nil {
				return nil, err
			}
			if err := tr.AddReadConflictKey(request.Key); err != nil {
				return nil, err
			}
			tr.Clear(request.Key)
			tr.Clear(itemKV.Key)

			itemT, err := pq.item.Unpack(itemKV.Key)
			if err != nil {
				return nil, err
			}
			decoded, err := decodeItem(itemKV.Value)
			if err != nil {
				return nil, err
			}
			tr.Clear(pq.member.Pack(tuple.Tuple{decoded, itemT[0].(int64), itemT[1].(int64)}))
		}

		for _, request := range requests[n:] {
			if err := tr.AddReadConflictKey(request.Key); err != nil {
				return nil, err
			}
			tr.Clear(request.Key)
		}
		return nil, nil
	})
	return err
}

// popHigh registers a pop request, then repeatedly drives batches of
// fulfillment until its own request is satisfied, backing off between
// polls so a crowd of waiting poppers doesn't hammer the cluster.
func (pq *PriorityQueue) popHigh(db fdb.Database, max bool) (string, bool, error) {
	var requestKey fdb.Key
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		k, _, err := pq.addPopRequest(tr, false)
		requestKey = k
		return nil, err
	})
	if err != nil {
		// The fast-path transaction itself failed (after the store's own
		// retries were exhausted) -- force-register the request in a
		// fresh transaction so we don't silently drop a popper that was
		// waiting behind an empty-looking request queue.
		requestKey = nil
		_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			k, _, err := pq.addPopRequest(tr, true)
			requestKey = k
			return nil, err
		})
		if err != nil {
			return "", false, err
		}
	}

	if requestKey == nil {
		// No outstanding requests: pop directly in its own transaction.
		var result string
		var present bool
		_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			var innerErr error
			result, present, innerErr = pq.popLow(tr, max)
			return nil, innerErr
		})
		return result, present, err
	}

	reqT, err := pq.popRequest.Unpack(requestKey)
	if err != nil {
		return "", false, err
	}
	id := reqT[1].([]byte)
	resultKey := pq.requestedItem.Pack(tuple.Tuple{id})

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 1 * time.Second
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0 // no overall deadline; polling continues until the request is resolved

	for {
		if err := pq.fulfillRequestedPops(db, max); err != nil {
			if fe, ok := err.(fdb.Error); ok && fe.Code == 1020 {
				metrics.Conflicts.WithLabelValues("priorityqueue").Inc()
			} else if err != nil {
				return "", false, err
			}
		}

		var pending bool
		var result []byte
		_, txErr := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			v, err := tr.Get(requestKey).Get()
			if err != nil {
				return nil, err
			}
			if v != nil {
				pending = true
				return nil, nil
			}
			r, err := tr.Get(resultKey).Get()
			if err != nil {
				return nil, err
			}
			result = r
			if r != nil {
				tr.Clear(resultKey)
			}
			return nil, nil
		})
		if txErr != nil {
			return "", false, txErr
		}

		if pending {
			log.Debug("PRIORITYQUEUE/POPHIGH > request still pending, backing off")
			waitBackoff(bo)
			continue
		}
		if result == nil {
			return "", false, nil
		}
		item, err := decodeItem(result)
		return item, err == nil, err
	}
}

func waitBackoff(bo *backoff.ExponentialBackOff) {
	d := bo.NextBackOff()
	if d == backoff.Stop {
		return
	}
	<-time.After(d)
}

// Pop removes and returns the next item (from the max end if max is set).
// Returns ("", false, nil) if the queue is empty. Unlike the other
// methods, Pop cannot be composed inside a caller's own transaction: it
// manages its own transaction retries (and, in high-contention mode, a
// polling loop), matching the original layer's own restriction.
func (pq *PriorityQueue) Pop(db fdb.Database, max bool) (string, bool, error) {
	var item string
	var present bool
	var err error
	if pq.highContention {
		item, present, err = pq.popHigh(db, max)
	} else {
		_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			var innerErr error
			item, present, innerErr = pq.popLow(tr, max)
			return nil, innerErr
		})
	}
	if err != nil {
		return "", false, err
	}
	metrics.Operations.WithLabelValues("priorityqueue", "pop").Inc()
	return item, present, nil
}
