// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"sync"
)

var (
	_ Factory    = (*MemoryNetwork)(nil)
	_ Connection = (*memoryConnection)(nil)
	_ Channel    = (*memoryChannel)(nil)
)

// MemoryNetwork links connections in one process. Descriptions carry
// opaque tokens instead of SDP; an offer token can be answered once.
// Callbacks fire on their own goroutines, as pion's do, and messages
// are delivered in send order by a per-channel goroutine.
type MemoryNetwork struct {
	mu      sync.Mutex
	next    int
	offers  map[string]*memoryConnection
	answers map[string]*memoryConnection
	refuse  bool
}

// NewMemoryNetwork returns an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		offers:  make(map[string]*memoryConnection),
		answers: make(map[string]*memoryConnection),
	}
}

// SetRefuse makes subsequent answers leave both sides connecting
// forever, modeling a pair that never finishes ICE.
func (n *MemoryNetwork) SetRefuse(refuse bool) {
	n.mu.Lock()
	n.refuse = refuse
	n.mu.Unlock()
}

// NewConnection returns an unconnected memory connection.
func (n *MemoryNetwork) NewConnection() (Connection, error) {
	c := &memoryConnection{network: n}
	c.channel = newMemoryChannel()
	return c, nil
}

func (n *MemoryNetwork) token(kind string) string {
	n.next++
	return fmt.Sprintf("memory-%s-%d", kind, n.next)
}

type memoryConnection struct {
	network *MemoryNetwork
	channel *memoryChannel

	mu            sync.Mutex
	state         ConnectionState
	onStateChange func()
	// offerer is set on an answering connection; peer on both sides
	// once the answer is accepted.
	offerer *memoryConnection
	peer    *memoryConnection
}

func (c *memoryConnection) CreateOffer(ctx context.Context) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	c.network.mu.Lock()
	token := c.network.token("offer")
	c.network.offers[token] = c
	c.network.mu.Unlock()
	c.setState(StateConnecting)
	return Description{Type: TypeOffer, SDP: token}, nil
}

func (c *memoryConnection) AcceptOffer(ctx context.Context, offer Description) (Description, error) {
	if err := ctx.Err(); err != nil {
		return Description{}, err
	}
	if offer.Type != TypeOffer {
		return Description{}, fmt.Errorf("accepting offer: description type %q", offer.Type)
	}
	c.network.mu.Lock()
	offerer, ok := c.network.offers[offer.SDP]
	if !ok {
		c.network.mu.Unlock()
		return Description{}, fmt.Errorf("accepting offer: unknown offer %q", offer.SDP)
	}
	delete(c.network.offers, offer.SDP)
	token := c.network.token("answer")
	c.network.answers[token] = c
	c.network.mu.Unlock()

	c.mu.Lock()
	c.offerer = offerer
	c.mu.Unlock()
	c.setState(StateConnecting)
	return Description{Type: TypeAnswer, SDP: token}, nil
}

func (c *memoryConnection) AcceptAnswer(answer Description) error {
	if answer.Type != TypeAnswer {
		return fmt.Errorf("accepting answer: description type %q", answer.Type)
	}
	c.network.mu.Lock()
	answerer, ok := c.network.answers[answer.SDP]
	if ok {
		delete(c.network.answers, answer.SDP)
	}
	refuse := c.network.refuse
	c.network.mu.Unlock()
	if !ok {
		return fmt.Errorf("accepting answer: unknown answer %q", answer.SDP)
	}

	answerer.mu.Lock()
	matches := answerer.offerer == c
	answerer.mu.Unlock()
	if !matches {
		return fmt.Errorf("accepting answer: %q answers a different offer", answer.SDP)
	}
	if refuse {
		return nil
	}
	if c.State() == StateClosed || answerer.State() == StateClosed {
		return nil
	}

	c.mu.Lock()
	c.peer = answerer
	c.mu.Unlock()
	answerer.mu.Lock()
	answerer.peer = c
	answerer.mu.Unlock()

	c.channel.link(answerer.channel)
	c.setState(StateConnected)
	answerer.setState(StateConnected)
	c.channel.open()
	answerer.channel.open()
	return nil
}

func (c *memoryConnection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *memoryConnection) OnStateChange(f func()) {
	c.mu.Lock()
	c.onStateChange = f
	c.mu.Unlock()
}

func (c *memoryConnection) setState(state ConnectionState) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	callback := c.onStateChange
	c.mu.Unlock()
	if callback != nil {
		go callback()
	}
}

func (c *memoryConnection) Channel() Channel { return c.channel }

// Close closes this side; the remote side sees its channel close and
// moves to disconnected.
func (c *memoryConnection) Close() error {
	c.mu.Lock()
	peer := c.peer
	c.peer = nil
	c.mu.Unlock()

	c.setState(StateClosed)
	c.channel.close()
	if peer != nil {
		peer.mu.Lock()
		peer.peer = nil
		peer.mu.Unlock()
		peer.channel.close()
		peer.setState(StateDisconnected)
	}
	return nil
}

type memoryChannel struct {
	inbox inbox
	queue chan []byte
	done  chan struct{}

	mu      sync.Mutex
	state   int
	remote  *memoryChannel
	onOpen  func()
	onClose func()
}

const (
	channelPending = iota
	channelOpen
	channelClosed
)

func newMemoryChannel() *memoryChannel {
	return &memoryChannel{
		queue: make(chan []byte, maxBacklog),
		done:  make(chan struct{}),
	}
}

func (ch *memoryChannel) link(remote *memoryChannel) {
	ch.mu.Lock()
	ch.remote = remote
	ch.mu.Unlock()
	remote.mu.Lock()
	remote.remote = ch
	remote.mu.Unlock()
}

func (ch *memoryChannel) open() {
	ch.mu.Lock()
	if ch.state != channelPending {
		ch.mu.Unlock()
		return
	}
	ch.state = channelOpen
	callback := ch.onOpen
	ch.mu.Unlock()
	go ch.deliver()
	if callback != nil {
		go callback()
	}
}

func (ch *memoryChannel) close() {
	ch.mu.Lock()
	if ch.state == channelClosed {
		ch.mu.Unlock()
		return
	}
	wasOpen := ch.state == channelOpen
	ch.state = channelClosed
	ch.remote = nil
	callback := ch.onClose
	ch.mu.Unlock()
	close(ch.done)
	if wasOpen && callback != nil {
		go callback()
	}
}

func (ch *memoryChannel) deliver() {
	for {
		select {
		case data := <-ch.queue:
			ch.inbox.push(data)
		case <-ch.done:
			return
		}
	}
}

func (ch *memoryChannel) Open() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state == channelOpen
}

func (ch *memoryChannel) Send(data []byte) error {
	ch.mu.Lock()
	remote := ch.remote
	open := ch.state == channelOpen
	ch.mu.Unlock()
	if !open || remote == nil {
		return ErrChannelClosed
	}
	message := append([]byte(nil), data...)
	select {
	case remote.queue <- message:
		return nil
	case <-remote.done:
		return ErrChannelClosed
	}
}

func (ch *memoryChannel) OnOpen(f func()) {
	ch.mu.Lock()
	ch.onOpen = f
	ch.mu.Unlock()
}

func (ch *memoryChannel) OnClose(f func()) {
	ch.mu.Lock()
	ch.onClose = f
	ch.mu.Unlock()
}

func (ch *memoryChannel) OnMessage(f func(data []byte)) { ch.inbox.setHandler(f) }
