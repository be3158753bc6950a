// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"sync"

	"github.com/bureau-foundation/meshfeed/lib/change"
)

// DetectConflicts returns the local changes superseded by a remote
// change to the same row.
//
// Each collection is first reduced to one change per row: scanning in
// order, a change replaces the kept one when the kept clock is
// LessThan it. When two changes to a row have concurrent clocks the
// earlier one in the collection stays. Then for every row present in
// both reductions, the local change is a conflict when its clock is
// LessThan the remote one. Results follow the order rows first appear
// in local.
func DetectConflicts(local, remote []change.Change) []change.Change {
	localRows, order := latestByRow(local)
	remoteRows, _ := latestByRow(remote)

	var conflicts []change.Change
	for _, rowID := range order {
		theirs, ok := remoteRows[rowID]
		if !ok {
			continue
		}
		ours := localRows[rowID]
		if ours.Clock.LessThan(theirs.Clock) {
			conflicts = append(conflicts, ours)
		}
	}
	return conflicts
}

func latestByRow(changes []change.Change) (map[string]change.Change, []string) {
	rows := make(map[string]change.Change, len(changes))
	var order []string
	for _, c := range changes {
		kept, ok := rows[c.RowID]
		if !ok {
			order = append(order, c.RowID)
		}
		if !ok || kept.Clock.LessThan(c.Clock) {
			rows[c.RowID] = c
		}
	}
	return rows, order
}

// exchange holds the two sides of a session's initial reconciliation.
// Each side is taken once; later feeds are ignored.
type exchange struct {
	local, remote         chan [][]byte
	localOnce, remoteOnce sync.Once
}

func newExchange() *exchange {
	return &exchange{
		local:  make(chan [][]byte, 1),
		remote: make(chan [][]byte, 1),
	}
}

// fromLocal records what this node sent the peer.
func (x *exchange) fromLocal(changes [][]byte) {
	x.localOnce.Do(func() { x.local <- changes })
}

// fromRemote records what the peer sent back.
func (x *exchange) fromRemote(changes [][]byte) {
	x.remoteOnce.Do(func() { x.remote <- changes })
}

// wait blocks until both sides are in, or ctx ends.
func (x *exchange) wait(ctx context.Context) (local, remote [][]byte, ok bool) {
	for local == nil || remote == nil {
		select {
		case changes := <-x.local:
			local = nonNil(changes)
		case changes := <-x.remote:
			remote = nonNil(changes)
		case <-ctx.Done():
			return nil, nil, false
		}
	}
	return local, remote, true
}

func nonNil(changes [][]byte) [][]byte {
	if changes == nil {
		return [][]byte{}
	}
	return changes
}
