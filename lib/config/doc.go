// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for meshfeed replicas.
//
// Configuration is loaded from a single file named by a --config flag
// or, when the flag is empty, the MESHFEED_CONFIG environment variable
// (both via [Load]). There are no fallbacks and no automatic file
// search. YAML is the native format; files ending in .json or .jsonc
// are accepted with comments and trailing commas stripped.
//
// Durations are Go duration strings ("10s", "4m"). Lists in the file
// replace the default list whole.
//
// The file may contain development and production sections that
// override base values when [Config].Environment matches. Production
// defaults to JSON logs.
//
// Key exports:
//
//   - [Config] -- feed, tracker, database, and engine settings
//   - [Default] -- returns a Config with every optional field set
//   - [Load] and [LoadFile] -- the entry points for loading
//   - [Config.Validate] -- rejects configs the engines cannot run
package config
