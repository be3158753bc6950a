// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package replication

import (
	"context"
	"testing"
	"time"

	"github.com/bureau-foundation/meshfeed/lib/change"
)

func at(row string, clock change.Clock) change.Change {
	return change.Change{RowID: row, Clock: clock}
}

func TestDetectConflicts(t *testing.T) {
	for _, test := range []struct {
		name          string
		local, remote []change.Change
		want          []change.Change
	}{
		{
			name:   "local behind remote",
			local:  []change.Change{at("r1", change.Clock{"a": 1})},
			remote: []change.Change{at("r1", change.Clock{"a": 2})},
			want:   []change.Change{at("r1", change.Clock{"a": 1})},
		},
		{
			name:   "local ahead of remote",
			local:  []change.Change{at("r1", change.Clock{"a": 1})},
			remote: []change.Change{at("r1", change.Clock{"a": 0})},
		},
		{
			name:   "local reduced to its latest",
			local:  []change.Change{at("r1", change.Clock{"a": 1}), at("r1", change.Clock{"a": 3})},
			remote: []change.Change{at("r1", change.Clock{"a": 2})},
		},
		{
			name:   "remote reduced to its latest",
			local:  []change.Change{at("r1", change.Clock{"a": 2})},
			remote: []change.Change{at("r1", change.Clock{"a": 3}), at("r1", change.Clock{"a": 1})},
			want:   []change.Change{at("r1", change.Clock{"a": 2})},
		},
		{
			name:   "concurrent clocks",
			local:  []change.Change{at("r1", change.Clock{"a": 1})},
			remote: []change.Change{at("r1", change.Clock{"b": 1})},
		},
		{
			name:   "disjoint rows",
			local:  []change.Change{at("r1", change.Clock{"a": 1})},
			remote: []change.Change{at("r2", change.Clock{"a": 5})},
		},
		{
			name:   "no local candidates",
			remote: []change.Change{at("r1", change.Clock{"a": 5})},
		},
		{
			name: "several rows in local order",
			local: []change.Change{
				at("r2", change.Clock{"a": 1}),
				at("r1", change.Clock{"a": 1}),
				at("r3", change.Clock{"a": 4}),
			},
			remote: []change.Change{
				at("r1", change.Clock{"a": 1, "b": 1}),
				at("r2", change.Clock{"a": 2}),
				at("r3", change.Clock{"a": 2}),
			},
			want: []change.Change{
				at("r2", change.Clock{"a": 1}),
				at("r1", change.Clock{"a": 1}),
			},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got := DetectConflicts(test.local, test.remote)
			if len(got) != len(test.want) {
				t.Fatalf("conflicts = %v, want %v", got, test.want)
			}
			for i := range got {
				if got[i].RowID != test.want[i].RowID || got[i].Clock.String() != test.want[i].Clock.String() {
					t.Errorf("conflict %d = %s %s, want %s %s",
						i, got[i].RowID, got[i].Clock, test.want[i].RowID, test.want[i].Clock)
				}
			}
		})
	}
}

// Concurrent entries for one row keep whichever came first in the
// collection.
func TestDetectConflictsConcurrentReductionKeepsFirst(t *testing.T) {
	local := []change.Change{
		at("r1", change.Clock{"a": 2}),
		at("r1", change.Clock{"b": 2}),
	}
	remote := []change.Change{at("r1", change.Clock{"a": 3})}

	got := DetectConflicts(local, remote)
	if len(got) != 1 || got[0].Clock.String() != (change.Clock{"a": 2}).String() {
		t.Fatalf("conflicts = %v, want the first concurrent entry {a:2}", got)
	}

	reversed := []change.Change{local[1], local[0]}
	if got := DetectConflicts(reversed, remote); len(got) != 0 {
		t.Errorf("reversed scan order: conflicts = %v, want none", got)
	}
}

func TestExchangeTakesEachSideOnce(t *testing.T) {
	x := newExchange()
	x.fromLocal([][]byte{[]byte("first")})
	x.fromLocal([][]byte{[]byte("second")})
	x.fromRemote(nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	local, remote, ok := x.wait(ctx)
	if !ok {
		t.Fatal("wait did not complete")
	}
	if len(local) != 1 || string(local[0]) != "first" {
		t.Errorf("local = %q, want [first]", local)
	}
	if remote == nil || len(remote) != 0 {
		t.Errorf("remote = %v, want empty non-nil", remote)
	}
}

func TestExchangeWaitCancelled(t *testing.T) {
	x := newExchange()
	x.fromLocal(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, ok := x.wait(ctx); ok {
		t.Error("wait completed with one side missing")
	}
}
