// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package directory

import (
	"encoding/binary"
	"testing"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/stretchr/testify/require"
)

// openTestDB hands back a fresh DirectoryLayer rooted under a prefix
// derived from the test's name, skipping the test outright if no cluster is reachable -- same
// pattern every layer package in this repository follows.
func openTestDB(t *testing.T) (fdb.Database, *DirectoryLayer) {
	t.Helper()
	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDefault()
	if err != nil {
		t.Skipf("no fdb cluster available: %v", err)
	}

	nodeSub := subspace.FromBytes([]byte("kvlayers_test/directory/" + t.Name() + "/node"))
	contentSub := subspace.FromBytes([]byte("kvlayers_test/directory/" + t.Name() + "/content"))
	dl := New(nodeSub, contentSub)

	t.Cleanup(func() {
		_, _ = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			tr.ClearRange(nodeSub)
			tr.ClearRange(contentSub)
			return nil, nil
		})
	})
	return db, dl
}

func TestCreateOrOpenIsIdempotent(t *testing.T) {
	db, dl := openTestDB(t)

	first, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a", "b"}, "", nil)
	})
	require.NoError(t, err)
	firstPrefix := first.(*DirectorySubspace).Bytes()

	second, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a", "b"}, "", nil)
	})
	require.NoError(t, err)
	require.Equal(t, firstPrefix, second.(*DirectorySubspace).Bytes())
}

func TestCreateAutoCreatesParents(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a", "b"}, "", nil)
	})
	require.NoError(t, err)

	names, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.List(tr, nil)
	})
	require.NoError(t, err)
	require.Contains(t, names.([]string), "a")

	names, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.List(tr, []string{"a"})
	})
	require.NoError(t, err)
	require.Contains(t, names.([]string), "b")
}

func TestCreateRejectsDuplicate(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Create(tr, []string{"a"}, "", nil)
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Create(tr, []string{"a"}, "", nil)
	})
	require.Error(t, err)
}

func TestOpenIncompatibleLayerErrors(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a"}, "layer-one", nil)
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Open(tr, []string{"a"}, "layer-two")
	})
	require.Error(t, err)
}

func TestMovePreservesPrefix(t *testing.T) {
	db, dl := openTestDB(t)

	created, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a", "b"}, "", nil)
	})
	require.NoError(t, err)
	prefix := created.(*DirectorySubspace).Bytes()

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Move(tr, []string{"a", "b"}, []string{"a", "c"})
	})
	require.NoError(t, err)

	opened, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Open(tr, []string{"a", "c"}, "")
	})
	require.NoError(t, err)
	require.Equal(t, prefix, opened.(*DirectorySubspace).Bytes())

	names, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.List(tr, []string{"a"})
	})
	require.NoError(t, err)
	require.NotContains(t, names.([]string), "b")
	require.Contains(t, names.([]string), "c")
}

func TestMoveRejectsIntoSelf(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a"}, "", nil)
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Move(tr, []string{"a"}, []string{"a", "b"})
	})
	require.Error(t, err)
}

func TestRemoveEmptiesTree(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a", "b"}, "", nil)
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return nil, dl.Remove(tr, []string{"a"})
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Open(tr, []string{"a"}, "")
	})
	require.Error(t, err)
}

func TestPartitionIsolatesSubtree(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"part"}, PartitionLayer, nil)
	})
	require.NoError(t, err)

	inner, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"part", "x", "y"}, "", nil)
	})
	require.NoError(t, err)
	require.Equal(t, []string{"part", "x", "y"}, inner.(*DirectorySubspace).Path())

	names, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.List(tr, []string{"part", "x"})
	})
	require.NoError(t, err)
	require.Contains(t, names.([]string), "y")

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Move(tr, []string{"part", "x"}, []string{"outside"})
	})
	require.Error(t, err)
}

func TestExists(t *testing.T) {
	db, dl := openTestDB(t)

	exists, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Exists(tr, []string{"nope"})
	})
	require.NoError(t, err)
	require.False(t, exists.(bool))

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"here"}, "", nil)
	})
	require.NoError(t, err)

	exists, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Exists(tr, []string{"here"})
	})
	require.NoError(t, err)
	require.True(t, exists.(bool))
}

func TestVersionRejectsFutureMajor(t *testing.T) {
	db, dl := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a"}, "", nil)
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		b := make([]byte, 12)
		binary.LittleEndian.PutUint32(b[0:4], Version[0]+1)
		tr.Set(dl.RootNode().Pack(tuple.Tuple{"version"}), b)
		return nil, nil
	})
	require.NoError(t, err)

	_, err = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a", "b"}, "", nil)
	})
	require.Error(t, err)
}
