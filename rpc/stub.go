// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"crypto/cipher"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/meshfeed/transport"
)

var (
	// ErrClosed is returned by calls on a closed stub, including calls
	// that were waiting when it closed.
	ErrClosed = errors.New("rpc: stub closed")

	// ErrUnknownAction matches a RemoteError for an action the remote
	// side does not serve.
	ErrUnknownAction = errors.New("rpc: unknown action")
)

// RemoteError is a handler failure reported by the remote side.
type RemoteError struct {
	Action  string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("rpc: remote %s: %s", e.Action, e.Message)
}

// Is matches ErrUnknownAction for replies to unserved actions.
func (e *RemoteError) Is(target error) bool {
	return target == ErrUnknownAction && e.Code == codeUnknownAction
}

// Handler serves one named action. Build one with Operation.Handle.
type Handler interface {
	action() string
	serve(ctx context.Context, data []byte) ([]byte, error)
}

// Options configures a Stub.
type Options struct {
	Handlers []Handler

	// Key is the feed read key. When set, every frame is sealed and
	// frames that do not open under it are dropped.
	Key []byte

	Logger *slog.Logger
}

// Stub is one side of an rpc session over a channel.
type Stub struct {
	channel  transport.Channel
	handlers map[string]Handler
	aead     cipher.AEAD
	logger   *slog.Logger

	// ctx is passed to handlers and cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan frame
	closed  bool

	sendMu     sync.Mutex
	assembler  reassembler
	handlersWG sync.WaitGroup
}

// New installs the stub as channel's message handler. Panics on
// duplicate handler actions.
func New(channel transport.Channel, options Options) (*Stub, error) {
	aead, err := newSealer(options.Key)
	if err != nil {
		return nil, err
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	handlers := make(map[string]Handler, len(options.Handlers))
	for _, handler := range options.Handlers {
		if _, exists := handlers[handler.action()]; exists {
			panic(fmt.Sprintf("rpc.New: duplicate handler for action %q", handler.action()))
		}
		handlers[handler.action()] = handler
	}

	ctx, cancel := context.WithCancel(context.Background())
	stub := &Stub{
		channel:  channel,
		handlers: handlers,
		aead:     aead,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		pending:  make(map[uint64]chan frame),
	}
	channel.OnMessage(stub.receive)
	return stub, nil
}

// Close fails pending calls with ErrClosed, cancels running handlers,
// and waits for them to return. Idempotent.
func (s *Stub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.cancel()
	s.handlersWG.Wait()
	return nil
}

// call sends one request and waits for its reply.
func (s *Stub) call(ctx context.Context, action string, request []byte) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextID++
	id := s.nextID
	replies := make(chan frame, 1)
	s.pending[id] = replies
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	outbound := frame{ID: id, Action: action}
	outbound.setData(request)
	if err := s.send(outbound); err != nil {
		return nil, fmt.Errorf("sending %s request: %w", action, err)
	}

	select {
	case reply := <-replies:
		if reply.Error != "" || reply.Code != "" {
			return nil, &RemoteError{Action: action, Code: reply.Code, Message: reply.Error}
		}
		data, err := reply.data()
		if err != nil {
			return nil, fmt.Errorf("reading %s reply: %w", action, err)
		}
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

func (s *Stub) send(f frame) error {
	message, err := encodeFrame(f)
	if err != nil {
		return err
	}
	if s.aead != nil {
		message, err = seal(s.aead, message)
		if err != nil {
			return err
		}
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for _, chunk := range splitChunks(message) {
		if err := s.channel.Send(chunk); err != nil {
			return err
		}
	}
	return nil
}

// receive runs on the channel's delivery goroutine.
func (s *Stub) receive(chunk []byte) {
	message, err := s.assembler.add(chunk)
	if err != nil {
		s.logger.Warn("dropping malformed rpc message", "error", err)
		return
	}
	if message == nil {
		return
	}
	if s.aead != nil {
		message, err = open(s.aead, message)
		if err != nil {
			s.logger.Warn("dropping rpc frame", "error", err)
			return
		}
	}
	inbound, err := decodeFrame(message)
	if err != nil {
		s.logger.Warn("dropping rpc frame", "error", err)
		return
	}

	if inbound.Reply {
		s.mu.Lock()
		replies := s.pending[inbound.ID]
		delete(s.pending, inbound.ID)
		s.mu.Unlock()
		if replies == nil {
			s.logger.Debug("dropping reply with no pending call", "id", inbound.ID)
			return
		}
		replies <- inbound
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.handlersWG.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.handlersWG.Done()
		s.dispatch(inbound)
	}()
}

func (s *Stub) dispatch(request frame) {
	reply := frame{ID: request.ID, Reply: true}
	handler, ok := s.handlers[request.Action]
	if !ok {
		reply.Code = codeUnknownAction
		reply.Error = fmt.Sprintf("no handler for %q", request.Action)
	} else if data, err := request.data(); err != nil {
		reply.Error = err.Error()
	} else if response, err := s.serve(request.Action, handler, data); err != nil {
		reply.Error = err.Error()
	} else {
		reply.setData(response)
	}
	if err := s.send(reply); err != nil {
		s.logger.Debug("sending rpc reply failed", "action", request.Action, "error", err)
	}
}

// serve runs one handler, turning a panic into an error reply so a
// malformed request cannot take down the process.
func (s *Stub) serve(action string, handler Handler, data []byte) (response []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpc handler panicked", "action", action, "panic", r)
			response, err = nil, fmt.Errorf("handler for %q panicked", action)
		}
	}()
	return handler.serve(s.ctx, data)
}
