// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package directory implements the FoundationDB Directory Layer: a
// hierarchical, path-addressed allocator of short prefixes for
// subspaces. Directories work the way paths in a Unix-like filesystem
// do; each directory's content lives at a physical prefix allocated (via
// the hca package) the first time the directory is created, and that
// mapping from path to prefix persists so later opens return the same
// subspace without needing to know the prefix in advance.
//
// A directory can be created as a partition, in which case everything
// below it is managed by an independent DirectoryLayer rooted at its own
// node subspace -- operations that would otherwise cross a partition
// boundary (move, mostly) are rejected instead.
package directory

import (
	"encoding/binary"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"

	kverrors "github.com/ClusterCockpit/cc-kvlayers/errors"
	"github.com/ClusterCockpit/cc-kvlayers/hca"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/metrics"
)

const subdirs = int64(0)

// PartitionLayer is the layer value that marks a directory as a
// partition boundary.
const PartitionLayer = "partition"

// Version is the on-disk directory metadata version this layer writes
// and expects. A stored major greater than ours is rejected; a stored
// minor greater than ours makes write operations fail (the store holds features we don't
// know how to preserve), matching the original's _check_version.
var Version = [3]uint32{1, 0, 0}

// DirectoryLayer manages a tree of directories rooted at nodeSubspace,
// allocating content prefixes from contentSubspace.
type DirectoryLayer struct {
	nodeSubspace    subspace.Subspace
	contentSubspace subspace.Subspace
	rootNode        subspace.Subspace
	allocator       *hca.Allocator
	path            []string
}

// NewDefault returns a DirectoryLayer using FoundationDB's conventional
// default node subspace prefix (0xFE) and the full keyspace as its
// content subspace.
func NewDefault() *DirectoryLayer {
	return New(subspace.FromBytes([]byte{0xFE}), subspace.FromBytes(nil))
}

// New returns a DirectoryLayer rooted at nodeSubspace, allocating content
// prefixes under contentSubspace.
func New(nodeSubspace, contentSubspace subspace.Subspace) *DirectoryLayer {
	dl := &DirectoryLayer{
		nodeSubspace:    nodeSubspace,
		contentSubspace: contentSubspace,
	}
	dl.rootNode = nodeSubspace.Sub(nodeSubspace.Bytes())
	dl.allocator = hca.New(dl.rootNode.Sub("hca"))
	return dl
}

// DirectorySubspace is the subspace holding a directory's contents. It
// remembers the path it was opened with, its layer string, and the
// DirectoryLayer that manages it. It offers only the Path and Layer
// accessors; it has no CreateOrOpen, Move, Remove or List methods of its
// own.
type DirectorySubspace struct {
	subspace.Subspace
	path  []string
	layer string
	dl    *DirectoryLayer
}

// Path returns the path this subspace was opened with.
func (ds *DirectorySubspace) Path() []string { return ds.path }

// Layer returns the layer string this directory was created with, if any.
func (ds *DirectorySubspace) Layer() string { return ds.layer }

// CreateOrOpen opens the directory at path, creating it (and any missing
// parent directories) if it does not exist.
func (dl *DirectoryLayer) CreateOrOpen(tr fdb.Transaction, path []string, layer string, prefix []byte) (*DirectorySubspace, error) {
	return dl.createOrOpen(tr, path, layer, prefix, true, true)
}

// Open opens the directory at path. Returns a domain error if it does
// not exist, or if layer is non-empty and disagrees with the layer the
// directory was created with.
func (dl *DirectoryLayer) Open(tr fdb.Transaction, path []string, layer string) (*DirectorySubspace, error) {
	return dl.createOrOpen(tr, path, layer, nil, false, true)
}

// Create creates the directory at path. Returns a domain error if it
// already exists.
func (dl *DirectoryLayer) Create(tr fdb.Transaction, path []string, layer string, prefix []byte) (*DirectorySubspace, error) {
	return dl.createOrOpen(tr, path, layer, prefix, true, false)
}

func (dl *DirectoryLayer) createOrOpen(tr fdb.Transaction, path []string, layer string, prefix []byte, allowCreate, allowOpen bool) (*DirectorySubspace, error) {
	if err := dl.checkVersion(tr, false); err != nil {
		return nil, err
	}
	if len(path) == 0 {
		return nil, kverrors.New(kverrors.CodeDoesNotExist, "directory: the root directory may not be opened")
	}

	existing, err := dl.find(tr, path)
	if err != nil {
		return nil, err
	}
	if existing.exists() {
		if existing.isInPartition(len(path)) {
			sub := existing.partitionSubpath(path)
			contents, err := existing.contents(dl)
			if err != nil {
				return nil, err
			}
			return contents.dl.createOrOpen(tr, sub, layer, prefix, allowCreate, allowOpen)
		}
		if !allowOpen {
			return nil, kverrors.New(kverrors.CodeAlreadyExists, "directory: the directory already exists")
		}
		if layer != "" && existing.layer != layer {
			return nil, kverrors.New(kverrors.CodeIncompatibleLayer, "directory: the directory exists but was created with an incompatible layer")
		}
		return existing.contents(dl)
	}

	if !allowCreate {
		return nil, kverrors.New(kverrors.CodeDoesNotExist, "directory: the directory does not exist")
	}
	if err := dl.checkVersion(tr, true); err != nil {
		return nil, err
	}

	if prefix == nil {
		candidate, err := dl.allocator.Allocate(tr)
		if err != nil {
			return nil, err
		}
		prefix = append(append([]byte{}, dl.contentSubspace.Bytes()...), candidate...)
	}
	free, err := dl.isPrefixFree(tr, prefix)
	if err != nil {
		return nil, err
	}
	if !free {
		return nil, kverrors.New(kverrors.CodePrefixInUse, "directory: the given prefix is already in use")
	}

	var parentNode subspace.Subspace
	if len(path) > 1 {
		parent, err := dl.createOrOpen(tr, path[:len(path)-1], "", nil, true, true)
		if err != nil {
			return nil, err
		}
		parentNode = dl.nodeWithPrefix(parent.Bytes())
	} else {
		parentNode = dl.rootNode
	}

	node := dl.nodeWithPrefix(prefix)
	tr.Set(parentNode.Sub(subdirs).Pack(tuple.Tuple{path[len(path)-1]}), prefix)
	if layer != "" {
		tr.Set(node.Pack(tuple.Tuple{"layer"}), []byte(layer))
	}

	metrics.Operations.WithLabelValues("directory", "create_or_open").Inc()
	return dl.contentsOfNode(node, path, layer)
}

// Move moves the directory at oldPath to newPath. There is no effect on
// the physical prefix, nor on clients that already have it open.
func (dl *DirectoryLayer) Move(tr fdb.Transaction, oldPath, newPath []string) (*DirectorySubspace, error) {
	if err := dl.checkVersion(tr, true); err != nil {
		return nil, err
	}
	if pathHasPrefix(newPath, oldPath) {
		return nil, kverrors.New(kverrors.CodeDestinationIsSubdirectory, "directory: the destination directory cannot be a subdirectory of the source directory")
	}

	oldNode, err := dl.find(tr, oldPath)
	if err != nil {
		return nil, err
	}
	newNode, err := dl.find(tr, newPath)
	if err != nil {
		return nil, err
	}
	if !oldNode.exists() {
		return nil, kverrors.New(kverrors.CodeDoesNotExist, "directory: the source directory does not exist")
	}
	if oldNode.isInPartition(len(oldPath)) || newNode.isInPartition(len(newPath)) {
		if !oldNode.isInPartition(len(oldPath)) || !newNode.isInPartition(len(newPath)) || !pathEqual(oldNode.path, newNode.path) {
			return nil, kverrors.New(kverrors.CodeCannotMoveBetweenPartition, "directory: cannot move between partitions")
		}
		contents, err := newNode.contents(dl)
		if err != nil {
			return nil, err
		}
		return contents.dl.Move(tr, oldNode.partitionSubpath(oldPath), newNode.partitionSubpath(newPath))
	}
	if newNode.exists() {
		return nil, kverrors.New(kverrors.CodeAlreadyExists, "directory: the destination directory already exists, remove it first")
	}

	parentNode, err := dl.find(tr, newPath[:len(newPath)-1])
	if err != nil {
		return nil, err
	}
	if !parentNode.exists() {
		return nil, kverrors.New(kverrors.CodeDoesNotExist, "directory: the parent of the destination directory does not exist, create it first")
	}

	oldPrefix, err := dl.nodeSubspace.Unpack(oldNode.subspace.FDBKey())
	if err != nil {
		return nil, err
	}
	tr.Set(parentNode.subspace.Sub(subdirs).Pack(tuple.Tuple{newPath[len(newPath)-1]}), oldPrefix[0].([]byte))
	if err := dl.removeFromParent(tr, oldPath); err != nil {
		return nil, err
	}
	metrics.Operations.WithLabelValues("directory", "move").Inc()
	return dl.contentsOfNode(oldNode.subspace, newPath, oldNode.layer)
}

// Remove deletes the directory at path, its contents, and all of its
// subdirectories. Clients that already have it open may still write to
// its old prefix afterwards -- removal does not revoke open handles.
func (dl *DirectoryLayer) Remove(tr fdb.Transaction, path []string) error {
	if err := dl.checkVersion(tr, true); err != nil {
		return err
	}
	node, err := dl.find(tr, path)
	if err != nil {
		return err
	}
	if !node.exists() {
		return kverrors.New(kverrors.CodeDoesNotExist, "directory: the directory doesn't exist")
	}
	if node.isInPartition(len(path)) {
		contents, err := node.contents(dl)
		if err != nil {
			return err
		}
		return contents.dl.Remove(tr, node.partitionSubpath(path))
	}
	if err := dl.removeRecursive(tr, node.subspace); err != nil {
		return err
	}
	if err := dl.removeFromParent(tr, path); err != nil {
		return err
	}
	metrics.Operations.WithLabelValues("directory", "remove").Inc()
	return nil
}

// List returns the names of the immediate subdirectories of path.
func (dl *DirectoryLayer) List(tr fdb.Transaction, path []string) ([]string, error) {
	if err := dl.checkVersion(tr, false); err != nil {
		return nil, err
	}
	node, err := dl.find(tr, path)
	if err != nil {
		return nil, err
	}
	if !node.exists() {
		return nil, kverrors.New(kverrors.CodeDoesNotExist, "directory: the given directory does not exist")
	}
	if node.isInPartitionIncludingEmpty(len(path)) {
		contents, err := node.contents(dl)
		if err != nil {
			return nil, err
		}
		return contents.dl.List(tr, node.partitionSubpath(path))
	}
	names, _, err := dl.subdirNamesAndNodes(tr, node.subspace)
	return names, err
}

// Exists reports whether a directory exists at path. Not present in the
// original Python layer's public surface, supplemented here because
// every caller otherwise has to reimplement Open-and-catch-not-found.
func (dl *DirectoryLayer) Exists(tr fdb.Transaction, path []string) (bool, error) {
	if err := dl.checkVersion(tr, false); err != nil {
		return false, err
	}
	node, err := dl.find(tr, path)
	if err != nil {
		return false, err
	}
	if !node.exists() {
		return false, nil
	}
	if node.isInPartition(len(path)) {
		contents, err := node.contents(dl)
		if err != nil {
			return false, err
		}
		return contents.dl.Exists(tr, node.partitionSubpath(path))
	}
	return true, nil
}

func pathHasPrefix(path, prefix []string) bool {
	if len(prefix) > len(path) {
		return false
	}
	for i, p := range prefix {
		if path[i] != p {
			return false
		}
	}
	return true
}

func pathEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// checkVersion reads the stored directory metadata version. A missing
// version initializes it (only if writeAccess is requested). A stored
// major version newer than ours is always incompatible; a stored minor
// version newer than ours blocks writes but still allows reads.
func (dl *DirectoryLayer) checkVersion(tr fdb.Transaction, writeAccess bool) error {
	raw, err := tr.Get(dl.rootNode.Pack(tuple.Tuple{"version"})).Get()
	if err != nil {
		return err
	}
	if raw == nil {
		if writeAccess {
			dl.initializeDirectory(tr)
		}
		return nil
	}
	if len(raw) != 12 {
		return kverrors.New(kverrors.CodeVersionMismatch, "directory: stored version metadata is malformed")
	}
	major := binary.LittleEndian.Uint32(raw[0:4])
	minor := binary.LittleEndian.Uint32(raw[4:8])

	if major > Version[0] {
		log.Errorf("DIRECTORY/CHECKVERSION > cannot load directory with version %d.%d using layer %d.%d", major, minor, Version[0], Version[1])
		return kverrors.New(kverrors.CodeVersionMismatch, "directory: cannot load directory with a newer major version")
	}
	if minor > Version[1] && writeAccess {
		return kverrors.New(kverrors.CodeVersionMismatch, "directory: directory is read-only when opened with this (older) layer version")
	}
	return nil
}

func (dl *DirectoryLayer) initializeDirectory(tr fdb.Transaction) {
	tr.Set(dl.rootNode.Pack(tuple.Tuple{"version"}), packVersion(Version))
}

func packVersion(v [3]uint32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint32(b[0:4], v[0])
	binary.LittleEndian.PutUint32(b[4:8], v[1])
	binary.LittleEndian.PutUint32(b[8:12], v[2])
	return b
}

// RootNode returns the node subspace holding this layer's own version and
// HCA state -- exported for directory/upgrade, which needs to read and
// rewrite version metadata directly rather than through CreateOrOpen.
func (dl *DirectoryLayer) RootNode() subspace.Subspace { return dl.rootNode }

// NodeSubspace returns the subspace every allocated directory's metadata
// node lives under -- exported for directory/upgrade's tree walk.
func (dl *DirectoryLayer) NodeSubspace() subspace.Subspace { return dl.nodeSubspace }

// RawVersion reads the stored (major, minor, patch) directory version
// without the read/write gating CreateOrOpen applies, along with whether
// any version was present at all. A directory with node-subspace keys but
// no version entry is a pre-versioning (v0) directory.
func (dl *DirectoryLayer) RawVersion(tr fdb.ReadTransaction) (version [3]uint32, present bool, err error) {
	raw, err := tr.Get(dl.rootNode.Pack(tuple.Tuple{"version"})).Get()
	if err != nil {
		return version, false, err
	}
	if raw == nil {
		return version, false, nil
	}
	if len(raw) != 12 {
		return version, false, kverrors.New(kverrors.CodeVersionMismatch, "directory: stored version metadata is malformed")
	}
	version[0] = binary.LittleEndian.Uint32(raw[0:4])
	version[1] = binary.LittleEndian.Uint32(raw[4:8])
	version[2] = binary.LittleEndian.Uint32(raw[8:12])
	return version, true, nil
}

// SetVersion writes the current layer Version into the root node,
// unconditionally. Exported for directory/upgrade's final step.
func (dl *DirectoryLayer) SetVersion(tr fdb.Transaction) {
	tr.Set(dl.rootNode.Pack(tuple.Tuple{"version"}), packVersion(Version))
}

func (dl *DirectoryLayer) nodeWithPrefix(prefix []byte) subspace.Subspace {
	return dl.nodeSubspace.Sub(prefix)
}

func (dl *DirectoryLayer) contentsOfNode(node subspace.Subspace, path []string, layer string) (*DirectorySubspace, error) {
	t, err := dl.nodeSubspace.Unpack(node.FDBKey())
	if err != nil {
		return nil, err
	}
	prefix := t[0].([]byte)

	if layer == PartitionLayer {
		partitionNodeSub := subspace.FromBytes(append(append([]byte{}, prefix...), 0xFE))
		partitionContentSub := subspace.FromBytes(prefix)
		partitionDL := New(partitionNodeSub, partitionContentSub)
		partitionDL.path = append(append([]string{}, dl.path...), path...)
		return &DirectorySubspace{Subspace: subspace.FromBytes(prefix), path: partitionDL.path, layer: layer, dl: partitionDL}, nil
	}
	return &DirectorySubspace{Subspace: subspace.FromBytes(prefix), path: append(append([]string{}, dl.path...), path...), layer: layer, dl: dl}, nil
}
