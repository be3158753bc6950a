// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds the channel helpers engine tests use to wait
// for asynchronous events (peer found, change applied, frame
// delivered) with a bounded wall-clock timeout.
//
// These helpers are the only place tests touch real time. Everything
// the engines schedule runs on an injected clock.Fake.
package testutil
