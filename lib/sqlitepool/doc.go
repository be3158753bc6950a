// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens zombiezen SQLite connection pools with the
// pragmas meshfeed's change store expects (WAL, NORMAL sync, busy
// timeout) and an optional idempotent schema script applied to every
// connection.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/lib/meshfeed/changes.db",
//	    Schema: "CREATE TABLE IF NOT EXISTS ...",
//	})
//	conn, err := pool.Take(ctx)
//	defer pool.Put(conn)
package sqlitepool
