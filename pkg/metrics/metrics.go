// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package metrics exposes the prometheus counters shared across the layers
// in this repository. Each layer registers its own operation counters here
// once (package init), the same way the teacher's server wires up
// prometheus/client_golang for its own HTTP handlers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Operations counts calls into a layer's public API, labeled by layer
// name and operation name. Layers increment it only once an operation has
// completed without error; calls that fail are not counted.
var Operations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvlayers",
	Name:      "operations_total",
	Help:      "Number of layer operations invoked, by layer and operation.",
}, []string{"layer", "op"})

// Conflicts counts commit failures with error code 1020 (not_committed)
// observed inside a layer's own retry loop; only the high-contention pop
// of priorityqueue records it. This does not cover conflicts surfaced to an
// outer fdb.Database.Transact retry loop -- those never reach this repo's
// code at all.
var Conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "kvlayers",
	Name:      "conflicts_total",
	Help:      "Number of not_committed (1020) errors observed inside a layer's own retry loop.",
}, []string{"layer"})

// CacheEntries tracks the live entry count of the StringIntern cache.
var CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kvlayers",
	Name:      "stringintern_cache_entries",
	Help:      "Current number of entries held in the StringIntern in-process cache.",
})

// CacheBytes tracks the live byte accounting of the StringIntern cache.
var CacheBytes = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "kvlayers",
	Name:      "stringintern_cache_bytes",
	Help:      "Current accounted byte size of the StringIntern in-process cache.",
})
