// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Compile-time interface checks.
var (
	_ Factory    = (*WebRTCFactory)(nil)
	_ Connection = (*webrtcConnection)(nil)
	_ Channel    = (*webrtcChannel)(nil)
)

// iceGatherTimeout bounds candidate gathering for one description.
const iceGatherTimeout = 15 * time.Second

// channelLabel and channelID identify the pre-negotiated channel.
// Browser peers create theirs with {negotiated: true, id: 0}.
const (
	channelLabel = "BUNDLE"
	channelID    = uint16(0)
)

// WebRTCFactory creates pion PeerConnections.
type WebRTCFactory struct {
	api    *webrtc.API
	config webrtc.Configuration
}

// NewWebRTCFactory returns a factory using the given ICE servers.
func NewWebRTCFactory(ice ICEConfig) *WebRTCFactory {
	settingEngine := webrtc.SettingEngine{}
	if ice.IncludeLoopback {
		settingEngine.SetIncludeLoopbackCandidate(true)
	}
	return &WebRTCFactory{
		api:    webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine)),
		config: webrtc.Configuration{ICEServers: ice.pionServers()},
	}
}

// NewConnection creates a PeerConnection with its negotiated channel.
func (f *WebRTCFactory) NewConnection() (Connection, error) {
	pc, err := f.api.NewPeerConnection(f.config)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	negotiated := true
	ordered := true
	id := channelID
	dc, err := pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{
		Negotiated: &negotiated,
		ID:         &id,
		Ordered:    &ordered,
	})
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating %s data channel: %w", channelLabel, err)
	}

	channel := &webrtcChannel{dc: dc}
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		channel.inbox.push(message.Data)
	})
	return &webrtcConnection{pc: pc, channel: channel}, nil
}

type webrtcConnection struct {
	pc      *webrtc.PeerConnection
	channel *webrtcChannel
}

func (c *webrtcConnection) CreateOffer(ctx context.Context) (Description, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("creating SDP offer: %w", err)
	}
	return c.completeLocal(ctx, offer)
}

func (c *webrtcConnection) AcceptOffer(ctx context.Context, offer Description) (Description, error) {
	if offer.Type != TypeOffer {
		return Description{}, fmt.Errorf("accepting offer: description type %q", offer.Type)
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return Description{}, fmt.Errorf("setting remote offer: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, fmt.Errorf("creating SDP answer: %w", err)
	}
	return c.completeLocal(ctx, answer)
}

// completeLocal sets the local description and waits for the
// end-of-candidates signal, so the returned SDP embeds every candidate.
func (c *webrtcConnection) completeLocal(ctx context.Context, description webrtc.SessionDescription) (Description, error) {
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(description); err != nil {
		return Description{}, fmt.Errorf("setting local description: %w", err)
	}

	timeout := time.NewTimer(iceGatherTimeout)
	defer timeout.Stop()
	select {
	case <-gatherComplete:
	case <-timeout.C:
		return Description{}, fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout)
	case <-ctx.Done():
		return Description{}, ctx.Err()
	}

	local := c.pc.LocalDescription()
	if local == nil {
		return Description{}, fmt.Errorf("no local description after gathering")
	}
	return Description{Type: local.Type.String(), SDP: local.SDP}, nil
}

func (c *webrtcConnection) AcceptAnswer(answer Description) error {
	if answer.Type != TypeAnswer {
		return fmt.Errorf("accepting answer: description type %q", answer.Type)
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}
	if err := c.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("setting remote answer: %w", err)
	}
	return nil
}

func (c *webrtcConnection) State() ConnectionState {
	switch c.pc.ConnectionState() {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

func (c *webrtcConnection) OnStateChange(f func()) {
	c.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) { f() })
}

func (c *webrtcConnection) Channel() Channel { return c.channel }

func (c *webrtcConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("closing PeerConnection: %w", err)
	}
	return nil
}

type webrtcChannel struct {
	dc    *webrtc.DataChannel
	inbox inbox
}

func (c *webrtcChannel) Open() bool {
	return c.dc.ReadyState() == webrtc.DataChannelStateOpen
}

func (c *webrtcChannel) Send(data []byte) error {
	if !c.Open() {
		return ErrChannelClosed
	}
	return c.dc.Send(data)
}

func (c *webrtcChannel) OnOpen(f func())  { c.dc.OnOpen(f) }
func (c *webrtcChannel) OnClose(f func()) { c.dc.OnClose(f) }

func (c *webrtcChannel) OnMessage(f func(data []byte)) { c.inbox.setHandler(f) }
