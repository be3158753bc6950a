// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package change

import (
	"fmt"
	"sort"
	"strings"
)

// Clock is a version vector: replica id → number of changes that
// replica has made to the row. A missing replica counts as zero.
type Clock map[string]uint64

// LessThan reports whether c happened strictly before other: no entry
// of c exceeds other's, and at least one is smaller. Two concurrent
// clocks are each not LessThan the other.
func (c Clock) LessThan(other Clock) bool {
	smaller := false
	for replica, count := range c {
		theirs := other[replica]
		if count > theirs {
			return false
		}
		if count < theirs {
			smaller = true
		}
	}
	if smaller {
		return true
	}
	for replica, theirs := range other {
		if _, ok := c[replica]; !ok && theirs > 0 {
			return true
		}
	}
	return false
}

// Tick returns a copy of c with replica's counter incremented.
func (c Clock) Tick(replica string) Clock {
	next := c.clone()
	next[replica]++
	return next
}

// Merge returns the pointwise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	merged := c.clone()
	for replica, count := range other {
		if count > merged[replica] {
			merged[replica] = count
		}
	}
	return merged
}

func (c Clock) clone() Clock {
	copied := make(Clock, len(c)+1)
	for replica, count := range c {
		copied[replica] = count
	}
	return copied
}

// String renders the clock with replicas in sorted order, e.g.
// "{a:1 b:3}".
func (c Clock) String() string {
	replicas := make([]string, 0, len(c))
	for replica := range c {
		replicas = append(replicas, replica)
	}
	sort.Strings(replicas)

	var builder strings.Builder
	builder.WriteByte('{')
	for i, replica := range replicas {
		if i > 0 {
			builder.WriteByte(' ')
		}
		fmt.Fprintf(&builder, "%s:%d", replica, c[replica])
	}
	builder.WriteByte('}')
	return builder.String()
}
