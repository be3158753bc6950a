// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package node assembles one meshfeed replica: the SQLite change log,
// the discovery engine that finds peers through the rendezvous
// tracker, and the replication engine that syncs changes with them.
//
// [New] builds a Node from a validated [config.Config]. [Node.Run]
// drives both engines until its context ends. Applications write with
// [Node.Put], which stamps each change with the next version vector
// for its row, and read what peers deliver from [Node.Changes] and
// [Node.Conflicts].
//
// When metrics_address is set, Run also serves Prometheus metrics on
// /metrics.
package node
