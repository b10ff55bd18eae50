// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package priorityqueue

import (
	"fmt"
	"sync"
	"testing"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/directory"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func openTestDB(t *testing.T, name string, highContention bool) (fdb.Database, *PriorityQueue) {
	t.Helper()
	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDefault()
	if err != nil {
		t.Skipf("no fdb cluster available: %v", err)
	}
	dir, err := directory.CreateOrOpen(db, []string{"kvlayers_test", "priorityqueue", name}, nil)
	if err != nil {
		t.Skipf("could not open test directory, skipping: %v", err)
	}
	pq := New(dir, highContention)
	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		pq.Clear(tr)
		return nil, nil
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_, _ = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			pq.Clear(tr)
			return nil, nil
		})
	})
	return db, pq
}

func TestLowContentionPushPopOrder(t *testing.T) {
	db, pq := openTestDB(t, t.Name(), false)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		require.NoError(t, pq.Push(tr, "ten", 10))
		require.NoError(t, pq.Push(tr, "eight-a", 8))
		require.NoError(t, pq.Push(tr, "eight-b", 7))
		require.NoError(t, pq.Push(tr, "six", 6))
		return nil, nil
	})
	require.NoError(t, err)

	item, present, err := pq.Pop(db, false)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "six", item)

	item, present, err = pq.Pop(db, false)
	require.NoError(t, err)
	require.True(t, present)
	require.Equal(t, "eight-b", item)
}

func TestEmptyAfterDraining(t *testing.T) {
	db, pq := openTestDB(t, t.Name(), false)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return nil, pq.Push(tr, "x", 1)
	})
	require.NoError(t, err)

	_, present, err := pq.Pop(db, false)
	require.NoError(t, err)
	require.True(t, present)

	empty, err := db.ReadTransact(func(tr fdb.ReadTransaction) (interface{}, error) {
		return pq.Empty(tr)
	})
	require.NoError(t, err)
	require.True(t, empty.(bool))

	_, present, err = pq.Pop(db, false)
	require.NoError(t, err)
	require.False(t, present)
}

func TestRemoveTakesItemOutOfQueue(t *testing.T) {
	db, pq := openTestDB(t, t.Name(), false)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return nil, pq.Push(tr, "doomed", 5)
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return nil, pq.Remove(tr, "doomed")
	})
	require.NoError(t, err)

	empty, err := db.ReadTransact(func(tr fdb.ReadTransaction) (interface{}, error) {
		return pq.Empty(tr)
	})
	require.NoError(t, err)
	require.True(t, empty.(bool))
}

// TestHighContentionPopsEachItemOnce mirrors the original layer's
// multi_client scenario: several producers push concurrently, then several
// consumers pop concurrently via the high-contention strategy. The checked
// invariants are that no item is popped twice and that every pushed item
// is popped; ordering is not checked (this mode does not guarantee it).
func TestHighContentionPopsEachItemOnce(t *testing.T) {
	db, pq := openTestDB(t, t.Name(), true)

	const producers = 4
	const perProducer = 25
	total := producers * perProducer

	var g errgroup.Group
	for p := 0; p < producers; p++ {
		p := p
		g.Go(func() error {
			for i := 0; i < perProducer; i++ {
				_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
					return nil, pq.Push(tr, fmt.Sprintf("%d.%d", p, i), int64(p))
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	popped := make(map[string]bool)
	var mu sync.Mutex
	var g2 errgroup.Group
	for c := 0; c < producers; c++ {
		g2.Go(func() error {
			for {
				item, present, err := pq.Pop(db, false)
				if err != nil {
					return err
				}
				if !present {
					return nil
				}
				mu.Lock()
				if popped[item] {
					mu.Unlock()
					return fmt.Errorf("item %q popped twice", item)
				}
				popped[item] = true
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g2.Wait())
	require.Len(t, popped, total)
}
