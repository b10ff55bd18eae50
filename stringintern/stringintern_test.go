// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package stringintern

import (
	"fmt"
	"testing"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/directory"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T, cacheLimitBytes int) (fdb.Database, *StringIntern) {
	t.Helper()
	fdb.MustAPIVersion(710)
	db, err := fdb.OpenDefault()
	if err != nil {
		t.Skipf("no fdb cluster available: %v", err)
	}
	dir, err := directory.CreateOrOpen(db, []string{"kvlayers_test", "stringintern", t.Name()}, nil)
	if err != nil {
		t.Skipf("could not open test directory, skipping: %v", err)
	}
	si := New(dir, cacheLimitBytes)
	t.Cleanup(func() {
		_, _ = db.Transact(func(tr fdb.Transaction) (interface{}, error) {
			tr.ClearRange(dir)
			return nil, nil
		})
	})
	return db, si
}

func TestInternIsIdempotent(t *testing.T) {
	db, si := openTestDB(t, DefaultCacheLimitBytes)

	u1, err := si.Intern(db, "testing 123456789")
	require.NoError(t, err)

	u2, err := si.Intern(db, "testing 123456789")
	require.NoError(t, err)

	require.Equal(t, u1, u2)
}

func TestInternDistinctStringsGetDistinctIDs(t *testing.T) {
	db, si := openTestDB(t, DefaultCacheLimitBytes)

	uDog, err := si.Intern(db, "dog")
	require.NoError(t, err)
	uCat, err := si.Intern(db, "cat")
	require.NoError(t, err)

	require.NotEqual(t, uDog, uCat)
}

func TestLookupRoundTrips(t *testing.T) {
	db, si := openTestDB(t, DefaultCacheLimitBytes)

	u, err := si.Intern(db, "round trip me")
	require.NoError(t, err)

	s, err := si.Lookup(db, u)
	require.NoError(t, err)
	require.Equal(t, "round trip me", s)
}

func TestLookupMissingIsDomainError(t *testing.T) {
	db, si := openTestDB(t, DefaultCacheLimitBytes)

	_, err := si.Lookup(db, "\x00\x00\x00\x00not-a-real-uid")
	require.Error(t, err)
}

// TestCacheEvictsUnderByteBudget exercises the random-eviction path by
// interning far more entries than a tiny cache budget allows, then
// checking that entries were evicted and that the cache's uid slice and
// reverse map stay in step.
func TestCacheEvictsUnderByteBudget(t *testing.T) {
	db, si := openTestDB(t, 200)

	for i := 0; i < 50; i++ {
		_, err := si.Intern(db, fmt.Sprintf("entry-number-%03d", i))
		require.NoError(t, err)
	}

	si.cache.mu.Lock()
	defer si.cache.mu.Unlock()
	require.Less(t, len(si.cache.uids), 50)
	require.Len(t, si.cache.uidToString, len(si.cache.uids))
}
