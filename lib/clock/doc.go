// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every timer in meshfeed: offer
// expiry, the discovery heartbeat, the replication poll tick, and RPC
// request timeouts.
//
// Production code takes a [Clock] and is handed [Real]. Tests hand in
// a [FakeClock] from [Fake], which never moves on its own:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	engine := discovery.New(discovery.Config{Clock: fake, ...})
//	go engine.Run(ctx)
//	fake.WaitForTimers(1)          // heartbeat ticker registered
//	fake.Advance(time.Minute)      // deliver exactly one heartbeat
//
// WaitForTimers closes the race between a goroutine registering a
// timer and the test advancing past it.
package clock
