// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package upgrade migrates a directory hierarchy created by a
// pre-versioning (v0) directory layer client to this repository's
// versioned (1,0,0) layout. The only structural change v0->v1.0.0 makes
// is that subdirectory names must be stored as proper UTF-8 string tuple
// elements rather than raw byte-string tuple elements; everything else
// (physical prefixes, layer strings, HCA state) is untouched. This is a
// direct Go port of the walk-and-rename algorithm in the original
// directory_upgrade.py.
package upgrade

import (
	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	"github.com/ClusterCockpit/cc-kvlayers/directory"
	kverrors "github.com/ClusterCockpit/cc-kvlayers/errors"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
)

const subdirsTupleElement = int64(0)

// batchSize caps how many nodes are examined per transaction, matching
// the original's own hardcoded 100 -- keeps a single upgrade transaction
// from growing large enough to conflict-storm against live traffic on an
// otherwise-idle directory tree.
const batchSize = 100

// queued is one pending node in the breadth-first walk: its own node
// subspace, its parent's node subspace (nil only for the root), and the
// path it was reached at.
type queued struct {
	self   subspace.Subspace
	parent subspace.Subspace
	path   []string
}

// Report summarizes one upgrade pass, mirroring the original script's
// numbered dry-run/apply phases.
type Report struct {
	// AlreadyCurrent is true if the stored version already matched and
	// force was not set -- no work was done.
	AlreadyCurrent bool
	// RenamedPaths counts subdirectory entries whose name was stored as
	// a raw byte-string and was rewritten as a UTF-8 string (in a
	// Validate report: would be rewritten).
	RenamedPaths int
	// DryRunErrors holds every problem found during the validation pass,
	// whether or not Apply was eventually called.
	DryRunErrors []string
}

// Validate walks dl's node tree and reports (without changing anything)
// whether every subdirectory name can be upgraded to version (1,0,0).
// Equivalent to the original's "[1/3] Validating..." dry-run phase.
func Validate(db fdb.Database, dl *directory.DirectoryLayer) (*Report, error) {
	return run(db, dl, false, false)
}

// Apply performs the upgrade: renames every subdirectory entry that needs
// it, then writes version (1,0,0) to the root node. force re-runs the
// rename walk even if the directory's stored version already reads
// (1,0,0) -- needed if a legacy v0 client touched the tree again after a
// prior upgrade.
func Apply(db fdb.Database, dl *directory.DirectoryLayer, force bool) (*Report, error) {
	report, err := run(db, dl, true, force)
	if err != nil {
		return report, err
	}
	if report.AlreadyCurrent {
		return report, nil
	}
	if _, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		dl.SetVersion(tr)
		return nil, nil
	}); err != nil {
		return report, err
	}
	log.Infof("UPGRADE/APPLY > directory upgraded to version %d.%d.%d", directory.Version[0], directory.Version[1], directory.Version[2])
	return report, nil
}

func run(db fdb.Database, dl *directory.DirectoryLayer, apply, force bool) (*Report, error) {
	report := &Report{}

	type versionResult struct {
		version [3]uint32
		present bool
	}
	vr, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		v, present, err := dl.RawVersion(tr)
		if err != nil {
			return nil, err
		}
		return versionResult{version: v, present: present}, nil
	})
	if err != nil {
		return report, err
	}
	v, present := vr.(versionResult).version, vr.(versionResult).present

	if present && v == directory.Version && !force {
		report.AlreadyCurrent = true
		log.Infof("UPGRADE/RUN > directory is already at version %d.%d.%d; nothing to do", v[0], v[1], v[2])
		return report, nil
	}

	queue := []queued{{self: dl.RootNode(), parent: nil, path: nil}}
	for len(queue) > 0 {
		var renamed int
		var errs []string
		queue, renamed, errs, err = processBatch(db, dl, queue, apply)
		if err != nil {
			return report, err
		}
		report.RenamedPaths += renamed
		report.DryRunErrors = append(report.DryRunErrors, errs...)
		if apply && len(errs) > 0 {
			return report, kverrors.New(kverrors.CodeVersionMismatch,
				"directory upgrade: a change to the tree during the upgrade made it impossible to complete: %v", errs)
		}
	}
	return report, nil
}

// processBatch consumes up to batchSize entries off the front of queue in
// a single transaction, upgrading each (or merely checking it, if !apply)
// and appending its children to the tail of the returned queue.
func processBatch(db fdb.Database, dl *directory.DirectoryLayer, queue []queued, apply bool) ([]queued, int, []string, error) {
	type result struct {
		remaining []queued
		renamed   int
		errs      []string
	}
	r, err := db.Transact(func(tr fdb.Transaction) (interface{}, error) {
		var renamed int
		var errs []string
		n := len(queue)
		if n > batchSize {
			n = batchSize
		}
		rest := append([]queued{}, queue[n:]...)
		for _, q := range queue[:n] {
			children, r, err := upgradeNode(tr, dl, q, apply)
			if err != nil {
				if de, ok := err.(*kverrors.DomainError); ok {
					errs = append(errs, de.Message)
					continue
				}
				return nil, err
			}
			renamed += r
			rest = append(rest, children...)
		}
		return result{remaining: rest, renamed: renamed, errs: errs}, nil
	})
	if err != nil {
		return nil, 0, nil, err
	}
	res := r.(result)
	return res.remaining, res.renamed, res.errs, nil
}

// upgradeNode inspects q's immediate children, renaming any whose SUBDIRS
// entry is keyed by a raw byte-string rather than a UTF-8 string (if
// apply is set), and returns the children to continue the walk with.
func upgradeNode(tr fdb.Transaction, dl *directory.DirectoryLayer, q queued, apply bool) ([]queued, int, error) {
	subdirsKey := q.self.Sub(subdirsTupleElement)
	kvs, err := tr.GetRange(subdirsKey, fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return nil, 0, err
	}

	children := make([]queued, 0, len(kvs))
	renamed := 0
	for _, kv := range kvs {
		t, err := subdirsKey.Unpack(kv.Key)
		if err != nil {
			return nil, 0, err
		}
		childSub := dl.NodeSubspace().Sub(kv.Value)

		switch name := t[0].(type) {
		case string:
			children = append(children, queued{self: childSub, parent: q.self, path: appendPath(q.path, name)})
		case []byte:
			strName := string(name)
			existing, err := tr.Get(subdirsKey.Pack(tuple.Tuple{strName})).Get()
			if err != nil {
				return nil, 0, err
			}
			if existing != nil {
				return nil, 0, kverrors.New(kverrors.CodeAlreadyExists,
					"directory upgrade: path %v can't be upgraded, destination %q already exists", appendPath(q.path, strName), strName)
			}
			if apply {
				tr.Clear(kv.Key)
				tr.Set(subdirsKey.Pack(tuple.Tuple{strName}), kv.Value)
			}
			renamed++
			children = append(children, queued{self: childSub, parent: q.self, path: appendPath(q.path, strName)})
		default:
			return nil, 0, kverrors.New(kverrors.CodeIncompatibleLayer,
				"directory upgrade: path %v contains a subdirectory name of an unsupported type", q.path)
		}
	}
	return children, renamed, nil
}

func appendPath(path []string, name string) []string {
	out := make([]string, len(path)+1)
	copy(out, path)
	out[len(path)] = name
	return out
}
