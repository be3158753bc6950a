// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags at build time.
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// Info returns "0.1.0-dev (abc1234, 2026-...)" for --version output.
func Info() string {
	dirty := ""
	if GitDirty == "true" {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, GitCommit, dirty, BuildTime)
}

// Full is Info plus the Go toolchain and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// ClientTag is the 8-character client prefix for rendezvous peer ids,
// "-MF" followed by four version digits, following the BitTorrent
// Azureus-style convention.
func ClientTag() string {
	var major, minor, patch int
	fmt.Sscanf(Version, "%d.%d.%d", &major, &minor, &patch)
	return fmt.Sprintf("-MF%d%d%02d-", major%10, minor%10, patch%100)
}
