// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package directory

import (
	"bytes"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
)

// node is the directory layer's internal view of one path segment found
// (or not found) while walking the node subspace tree. A nil subspace
// means the path doesn't exist.
type node struct {
	subspace   subspace.Subspace
	path       []string
	targetPath []string
	layer      string
}

func (n *node) exists() bool { return n.subspace != nil }

// isInPartition reports whether n is a partition boundary that the
// caller's target path reaches past (i.e. the caller wants something
// below the partition, not the partition directory itself).
func (n *node) isInPartition(targetLen int) bool {
	return n.exists() && n.layer == PartitionLayer && targetLen > len(n.path)
}

func (n *node) isInPartitionIncludingEmpty(targetLen int) bool {
	return n.exists() && n.layer == PartitionLayer && targetLen >= len(n.path)
}

func (n *node) partitionSubpath(fullPath []string) []string {
	return fullPath[len(n.path):]
}

func (n *node) contents(dl *DirectoryLayer) (*DirectorySubspace, error) {
	return dl.contentsOfNode(n.subspace, n.path, n.layer)
}

// find walks path from the root node, stopping early if it crosses into
// a partition (the caller then delegates into that partition's own
// DirectoryLayer).
func (dl *DirectoryLayer) find(tr fdb.Transaction, path []string) (*node, error) {
	n := &node{subspace: dl.rootNode, path: nil, targetPath: path}
	for i, name := range path {
		key := n.subspace.Sub(subdirs).Pack(tuple.Tuple{name})
		raw, err := tr.Get(key).Get()
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return &node{subspace: nil, path: path[:i+1], targetPath: path}, nil
		}
		childSub := dl.nodeWithPrefix(raw)
		layer, err := dl.readLayer(tr, childSub)
		if err != nil {
			return nil, err
		}
		n = &node{subspace: childSub, path: append([]string{}, path[:i+1]...), targetPath: path, layer: layer}
		if layer == PartitionLayer {
			return n, nil
		}
	}
	return n, nil
}

func (dl *DirectoryLayer) readLayer(tr fdb.Transaction, sub subspace.Subspace) (string, error) {
	raw, err := tr.Get(sub.Pack(tuple.Tuple{"layer"})).Get()
	if err != nil {
		return "", err
	}
	if raw == nil {
		return "", nil
	}
	return string(raw), nil
}

// SubdirNamesAndNodes returns the immediate child names and their node
// subspaces directly beneath nodeSub. Exported for directory/upgrade's
// breadth-first tree walk, which needs to enumerate raw nodes rather than
// resolved DirectorySubspace values.
func (dl *DirectoryLayer) SubdirNamesAndNodes(tr fdb.Transaction, nodeSub subspace.Subspace) ([]string, []subspace.Subspace, error) {
	return dl.subdirNamesAndNodes(tr, nodeSub)
}

func (dl *DirectoryLayer) subdirNamesAndNodes(tr fdb.Transaction, nodeSub subspace.Subspace) ([]string, []subspace.Subspace, error) {
	sd := nodeSub.Sub(subdirs)
	kvs, err := tr.GetRange(sd, fdb.RangeOptions{}).GetSliceWithError()
	if err != nil {
		return nil, nil, err
	}
	names := make([]string, 0, len(kvs))
	nodes := make([]subspace.Subspace, 0, len(kvs))
	for _, kv := range kvs {
		t, err := sd.Unpack(kv.Key)
		if err != nil {
			return nil, nil, err
		}
		names = append(names, t[0].(string))
		nodes = append(nodes, dl.nodeWithPrefix(kv.Value))
	}
	return names, nodes, nil
}

func (dl *DirectoryLayer) removeFromParent(tr fdb.Transaction, path []string) error {
	parent, err := dl.find(tr, path[:len(path)-1])
	if err != nil {
		return err
	}
	tr.Clear(parent.subspace.Sub(subdirs).Pack(tuple.Tuple{path[len(path)-1]}))
	return nil
}

func (dl *DirectoryLayer) removeRecursive(tr fdb.Transaction, nodeSub subspace.Subspace) error {
	_, children, err := dl.subdirNamesAndNodes(tr, nodeSub)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := dl.removeRecursive(tr, child); err != nil {
			return err
		}
	}
	t, err := dl.nodeSubspace.Unpack(nodeSub.FDBKey())
	if err != nil {
		return err
	}
	tr.ClearRange(subspace.FromBytes(t[0].([]byte)))
	tr.ClearRange(nodeSub)
	return nil
}

// isPrefixFree reports whether prefix neither contains, nor is contained
// by, any currently allocated directory prefix.
func (dl *DirectoryLayer) isPrefixFree(tr fdb.Transaction, prefix []byte) (bool, error) {
	if len(prefix) == 0 {
		return false, nil
	}
	containing, err := dl.nodeContainingKey(tr, prefix)
	if err != nil {
		return false, err
	}
	if containing != nil {
		return false, nil
	}
	prefixEnd, err := fdb.Strinc(prefix)
	if err != nil {
		return false, err
	}
	kvs, err := tr.GetRange(fdb.KeyRange{
		Begin: dl.nodeSubspace.Pack(tuple.Tuple{prefix}),
		End:   dl.nodeSubspace.Pack(tuple.Tuple{prefixEnd}),
	}, fdb.RangeOptions{Limit: 1}).GetSliceWithError()
	if err != nil {
		return false, err
	}
	return len(kvs) == 0, nil
}

// nodeContainingKey finds the node subspace (if any) whose allocated
// prefix contains key, scanning backwards from key through the node
// subspace. Used only to check prefix freedom before allocating a new
// directory's content prefix.
func (dl *DirectoryLayer) nodeContainingKey(tr fdb.Transaction, key []byte) (subspace.Subspace, error) {
	if bytes.HasPrefix(key, dl.nodeSubspace.Bytes()) {
		return dl.rootNode, nil
	}
	begin, _ := dl.nodeSubspace.FDBRangeKeys()
	end := append(append([]byte{}, dl.nodeSubspace.Pack(tuple.Tuple{key})...), 0x00)
	kvs, err := tr.GetRange(fdb.KeyRange{Begin: begin, End: end}, fdb.RangeOptions{Limit: 1, Reverse: true}).GetSliceWithError()
	if err != nil {
		return nil, err
	}
	if len(kvs) == 0 {
		return nil, nil
	}
	t, err := dl.nodeSubspace.Unpack(kvs[0].Key)
	if err != nil {
		return nil, err
	}
	prevPrefix := t[0].([]byte)
	if bytes.HasPrefix(key, prevPrefix) {
		return subspace.FromBytes(kvs[0].Key), nil
	}
	return nil, nil
}
