// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package upgrade

import (
	"testing"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/stretchr/testify/require"

	"github.com/ClusterCockpit/cc-kvlayers/directory"
)

func openTestDB(t *testing.T) (fdb.Database, *directory.DirectoryLayer, subspace.Subspace) {
	t.Helper()
	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDefault()
	if err != nil {
		t.Skipf("no fdb cluster available: %v", err)
	}

	nodeSub := subspace.FromBytes([]byte("kvlayers_test/upgrade/" + t.Name() + "/node"))
	contentSub := subspace.FromBytes([]byte("kvlayers_test/upgrade/" + t.Name() + "/content"))
	dl := directory.New(nodeSub, contentSub)

	t.Cleanup(func() {
		_, _ = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			tr.ClearRange(nodeSub)
			tr.ClearRange(contentSub)
			return nil, nil
		})
	})
	return db, dl, nodeSub
}

func TestRunOnFreshVersionedDirectoryIsAlreadyCurrent(t *testing.T) {
	db, dl, _ := openTestDB(t)

	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.CreateOrOpen(tr, []string{"a"}, "", nil)
	})
	require.NoError(t, err)

	report, err := Apply(db, dl, false)
	require.NoError(t, err)
	require.True(t, report.AlreadyCurrent)
	require.Zero(t, report.RenamedPaths)
}

// TestRenamesLegacyByteStringNames simulates a directory built by a
// pre-versioning client: a SUBDIRS entry whose name is a raw byte-string
// tuple element rather than a UTF-8 string one. Apply should rename it in
// place and leave the physical prefix untouched.
func TestRenamesLegacyByteStringNames(t *testing.T) {
	db, dl, _ := openTestDB(t)

	prefix := []byte("kvlayers_test/upgrade/" + t.Name() + "/content/legacy")
	_, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		tr.Set(dl.RootNode().Sub(int64(0)).Pack(tuple.Tuple{[]byte("legacy")}), prefix)
		return nil, nil
	})
	require.NoError(t, err)

	report, err := Apply(db, dl, false)
	require.NoError(t, err)
	require.Equal(t, 1, report.RenamedPaths)

	opened, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		return dl.Open(tr, []string{"legacy"}, "")
	})
	require.NoError(t, err)
	require.Equal(t, prefix, opened.(*directory.DirectorySubspace).Bytes())

	v, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		version, present, err := dl.RawVersion(tr)
		return [2]interface{}{version, present}, err
	})
	require.NoError(t, err)
	pair := v.([2]interface{})
	require.True(t, pair[1].(bool))
	require.Equal(t, directory.Version, pair[0].([3]uint32))
}
