// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"fmt"

	"github.com/bureau-foundation/meshfeed/lib/codec"
)

// Operation names an action and fixes its request and response types.
// Both sides of a session declare the same Operation values.
type Operation[Req, Resp any] struct {
	Name string
}

// Handle adapts fn into a Handler for this operation.
func (o Operation[Req, Resp]) Handle(fn func(ctx context.Context, request Req) (Resp, error)) Handler {
	return operationHandler[Req, Resp]{name: o.Name, fn: fn}
}

// Call invokes the operation on the remote side of stub.
func (o Operation[Req, Resp]) Call(ctx context.Context, stub *Stub, request Req) (Resp, error) {
	var response Resp
	encoded, err := codec.Marshal(request)
	if err != nil {
		return response, fmt.Errorf("encoding %s request: %w", o.Name, err)
	}
	data, err := stub.call(ctx, o.Name, encoded)
	if err != nil {
		return response, err
	}
	if err := codec.Unmarshal(data, &response); err != nil {
		return response, fmt.Errorf("decoding %s response: %w", o.Name, err)
	}
	return response, nil
}

type operationHandler[Req, Resp any] struct {
	name string
	fn   func(ctx context.Context, request Req) (Resp, error)
}

func (h operationHandler[Req, Resp]) action() string { return h.name }

func (h operationHandler[Req, Resp]) serve(ctx context.Context, data []byte) ([]byte, error) {
	var request Req
	if err := codec.Unmarshal(data, &request); err != nil {
		return nil, fmt.Errorf("decoding %s request: %w", h.name, err)
	}
	response, err := h.fn(ctx, request)
	if err != nil {
		return nil, err
	}
	return codec.Marshal(response)
}
