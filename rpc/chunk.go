// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import "fmt"

// maxChunk is the largest channel message written, header included.
const maxChunk = 16 << 10

// Chunk header byte.
const (
	chunkFinal byte = 0
	chunkMore  byte = 1
)

// splitChunks cuts message into channel messages, each led by a header
// byte saying whether more chunks of the same message follow.
func splitChunks(message []byte) [][]byte {
	const body = maxChunk - 1
	count := (len(message) + body - 1) / body
	if count == 0 {
		count = 1
	}
	chunks := make([][]byte, 0, count)
	for offset := 0; ; offset += body {
		end := min(offset+body, len(message))
		header := chunkMore
		if end == len(message) {
			header = chunkFinal
		}
		chunk := make([]byte, 0, 1+end-offset)
		chunk = append(chunk, header)
		chunk = append(chunk, message[offset:end]...)
		chunks = append(chunks, chunk)
		if header == chunkFinal {
			return chunks
		}
	}
}

// reassembler joins chunks back into messages. Not safe for concurrent
// use; channels deliver messages one at a time.
type reassembler struct {
	buffer []byte
}

// add consumes one chunk and returns the completed message, or nil
// while more chunks are expected.
func (r *reassembler) add(chunk []byte) ([]byte, error) {
	if len(chunk) == 0 {
		return nil, fmt.Errorf("empty chunk")
	}
	header, body := chunk[0], chunk[1:]
	if header != chunkFinal && header != chunkMore {
		r.buffer = nil
		return nil, fmt.Errorf("unknown chunk header %#x", header)
	}
	if len(r.buffer)+len(body) > maxFrameSize {
		r.buffer = nil
		return nil, fmt.Errorf("message exceeds %d bytes", maxFrameSize)
	}
	if header == chunkMore {
		r.buffer = append(r.buffer, body...)
		return nil, nil
	}
	if r.buffer == nil {
		return body, nil
	}
	message := append(r.buffer, body...)
	r.buffer = nil
	return message, nil
}
