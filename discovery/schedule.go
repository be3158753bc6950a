// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import "time"

// offerSchedule decides when the next offer round may be sent. Not
// safe for concurrent use; the engine loop owns it.
type offerSchedule struct {
	periods []time.Duration
	round   int
	last    time.Time
}

// start records engine start as the previous round.
func (s *offerSchedule) start(now time.Time) {
	s.last = now
	s.round = 0
}

// interval is the wait required after the previous round.
func (s *offerSchedule) interval() time.Duration {
	return s.periods[min(s.round, len(s.periods)-1)]
}

// due reports whether a round may be sent at now.
func (s *offerSchedule) due(now time.Time) bool {
	return !now.Before(s.last.Add(s.interval()))
}

// fired records a round sent at now.
func (s *offerSchedule) fired(now time.Time) {
	s.last = now
	if s.round < len(s.periods) {
		s.round++
	}
}

// reset returns to the first interval after a peer loss.
func (s *offerSchedule) reset() {
	s.round = 0
}
