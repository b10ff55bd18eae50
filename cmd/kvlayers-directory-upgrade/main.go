// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Command kvlayers-directory-upgrade upgrades a directory hierarchy
// created with a pre-versioning directory layer client to this
// repository's versioned (1,0,0) layout. It defaults to a dry run; pass
// -apply to actually rewrite anything, and -f to force a re-upgrade even
// if the stored version already matches.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/subspace"

	"github.com/ClusterCockpit/cc-kvlayers/directory"
	"github.com/ClusterCockpit/cc-kvlayers/directory/upgrade"
	"github.com/ClusterCockpit/cc-kvlayers/pkg/log"
)

func main() {
	var clusterFile string
	var nodeSubspaceHex string
	var apply bool
	var force bool

	flag.StringVar(&clusterFile, "C", "", "Cluster file for the database where the directory resides. Empty means the client default.")
	flag.StringVar(&nodeSubspaceHex, "node-subspace", "", "Hex-encoded node subspace prefix the directory was created with. Empty means the default (0xfe).")
	flag.BoolVar(&apply, "apply", false, "Actually rewrite the directory. Without this flag, only validates and reports what would change.")
	flag.BoolVar(&force, "f", false, "Force a re-upgrade even if the stored version already matches the current one.")
	flag.Parse()

	var db fdb.Database
	var err error
	fdb.MustAPIVersion(710)
	if clusterFile != "" {
		db, err = fdb.OpenDatabase(clusterFile)
	} else {
		db, err = fdb.OpenDefault()
	}
	if err != nil {
		log.Errorf("KVLAYERS-DIRECTORY-UPGRADE/MAIN > could not open database: %v", err)
		os.Exit(1)
	}

	var dl *directory.DirectoryLayer
	if nodeSubspaceHex != "" {
		prefix, err := hex.DecodeString(nodeSubspaceHex)
		if err != nil {
			log.Errorf("KVLAYERS-DIRECTORY-UPGRADE/MAIN > invalid -node-subspace: %v", err)
			os.Exit(1)
		}
		dl = directory.New(subspace.FromBytes(prefix), subspace.FromBytes(nil))
	} else {
		dl = directory.NewDefault()
	}

	fmt.Println()
	fmt.Println("[1/2] Validating that the existing directory can be upgraded...")
	report, err := upgrade.Validate(db, dl)
	if err != nil {
		log.Errorf("KVLAYERS-DIRECTORY-UPGRADE/MAIN > validation failed: %v", err)
		os.Exit(1)
	}
	if report.AlreadyCurrent {
		fmt.Println("Directory is already up to date. To force a re-upgrade, pass -f.")
		if !force {
			return
		}
	}
	for _, e := range report.DryRunErrors {
		fmt.Printf("  %s\n", e)
	}
	if len(report.DryRunErrors) > 0 {
		fmt.Println("Validation found problems; aborting before any changes.")
		os.Exit(1)
	}
	fmt.Printf("  %d subdirectory name(s) would be renamed.\n", report.RenamedPaths)

	if !apply {
		fmt.Println("\nDry run only; pass -apply to perform the upgrade.")
		return
	}

	fmt.Println("[2/2] Upgrading directory...")
	report, err = upgrade.Apply(db, dl, force)
	if err != nil {
		log.Errorf("KVLAYERS-DIRECTORY-UPGRADE/MAIN > upgrade failed, directory may be partially upgraded: %v", err)
		os.Exit(1)
	}
	fmt.Printf("\nDirectory upgraded successfully (%d subdirectory name(s) renamed).\n", report.RenamedPaths)
}
