// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "github.com/pion/webrtc/v4"

// DefaultSTUNServer is used when no ICE servers are configured.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// ICEServer is one STUN or TURN server entry.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// ICEConfig holds the ICE servers for new connections.
type ICEConfig struct {
	Servers []ICEServer

	// IncludeLoopback adds loopback host candidates, needed when both
	// peers run on one machine with no other interface (tests, CI).
	IncludeLoopback bool
}

// DefaultICEConfig is a single public STUN server.
func DefaultICEConfig() ICEConfig {
	return ICEConfig{Servers: []ICEServer{{URLs: []string{DefaultSTUNServer}}}}
}

func (c ICEConfig) pionServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.Servers))
	for _, server := range c.Servers {
		entry := webrtc.ICEServer{URLs: server.URLs}
		if server.Username != "" {
			entry.Username = server.Username
			entry.Credential = server.Credential
		}
		servers = append(servers, entry)
	}
	return servers
}
