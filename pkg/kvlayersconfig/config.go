// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package kvlayersconfig holds process-wide configuration for binding to a
// FoundationDB cluster and tuning the layers in this repository. Shaped
// after the teacher's internal/config package: a package-level Keys var,
// populated once by Init from a JSON file. No other package in this
// repository reads Keys; the layers take their settings as constructor
// arguments.
package kvlayersconfig

import (
	"bytes"
	"encoding/json"
	"os"

	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
)

// ProgramConfig is the on-disk configuration shape.
type ProgramConfig struct {
	// ClusterFile is the path to the fdb.cluster file used to connect.
	// Empty means the client default (usually /etc/foundationdb/fdb.cluster).
	ClusterFile string `json:"cluster-file"`

	// APIVersion is the FDB client API version to select. The bindings
	// require this to be called exactly once per process before any
	// other fdb call.
	APIVersion int `json:"api-version"`

	// DirectoryNodeSubspacePrefix holds a node subspace prefix for the
	// directory layer, as raw bytes. The directory package does not read
	// it: directory.New takes its node subspace as an argument and
	// directory.NewDefault always uses 0xFE.
	DirectoryNodeSubspacePrefix []byte `json:"directory-node-subspace-prefix,omitempty"`

	// StringInternCacheBytes holds a byte budget for the in-process
	// StringIntern cache. The stringintern package does not read it:
	// stringintern.New takes its budget as an argument. The default here,
	// 10,000,000 bytes, equals stringintern.DefaultCacheLimitBytes.
	StringInternCacheBytes int `json:"string-intern-cache-bytes"`
}

var Keys ProgramConfig = ProgramConfig{
	ClusterFile:            "",
	APIVersion:             710,
	StringInternCacheBytes: 10_000_000,
}

// Init reads flagConfigFile (if it exists) and decodes it over the
// defaults above. A missing file is not an error -- the defaults apply.
func Init(flagConfigFile string) error {
	raw, err := os.ReadFile(flagConfigFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&Keys); err != nil {
		log.Errorf("kvlayersconfig: failed decoding %s: %v", flagConfigFile, err)
		return err
	}
	return nil
}
