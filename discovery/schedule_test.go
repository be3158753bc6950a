// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"testing"
	"time"
)

func TestOfferScheduleMonotonic(t *testing.T) {
	schedule := offerSchedule{periods: DefaultOfferBackoff}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	schedule.start(start)

	if !schedule.due(start) {
		t.Fatal("first round not due at start with a zero first interval")
	}

	now := start
	var previous time.Duration
	want := []time.Duration{0, 4 * time.Minute, 12 * time.Minute, 36 * time.Minute, 108 * time.Minute, 108 * time.Minute, 108 * time.Minute}
	for round, interval := range want {
		if got := schedule.interval(); got != interval {
			t.Fatalf("round %d: interval = %s, want %s", round, got, interval)
		}
		if interval < previous {
			t.Fatalf("round %d: interval %s shorter than previous %s", round, interval, previous)
		}
		if interval > 0 && schedule.due(now.Add(interval-time.Second)) {
			t.Fatalf("round %d: due before interval elapsed", round)
		}
		now = now.Add(interval)
		if !schedule.due(now) {
			t.Fatalf("round %d: not due once interval elapsed", round)
		}
		schedule.fired(now)
		previous = interval
	}
}

func TestOfferScheduleReset(t *testing.T) {
	schedule := offerSchedule{periods: DefaultOfferBackoff}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	schedule.start(now)
	for i := 0; i < 3; i++ {
		schedule.fired(now)
	}
	if got := schedule.interval(); got != 36*time.Minute {
		t.Fatalf("interval after 3 rounds = %s, want 36m", got)
	}

	schedule.reset()
	if got := schedule.interval(); got != 0 {
		t.Errorf("interval after reset = %s, want 0", got)
	}
	if !schedule.due(now) {
		t.Error("round not due immediately after reset")
	}
}

func TestOfferScheduleRoundCounterSaturates(t *testing.T) {
	schedule := offerSchedule{periods: []time.Duration{time.Second, time.Minute}}
	now := time.Now()
	for i := 0; i < 100; i++ {
		schedule.fired(now)
	}
	if schedule.round != len(schedule.periods) {
		t.Errorf("round = %d, want saturated at %d", schedule.round, len(schedule.periods))
	}
	if got := schedule.interval(); got != time.Minute {
		t.Errorf("interval = %s, want the last entry", got)
	}
}
