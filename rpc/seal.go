// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

// frameKeyContext is the BLAKE3 derive-key context for frame keys.
const frameKeyContext = "meshfeed rpc frame"

// sealVersion is the first byte of every sealed frame and is
// authenticated as additional data.
const sealVersion byte = 1

const sealOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// newSealer derives the frame key from readKey. A nil readKey disables
// sealing.
func newSealer(readKey []byte) (cipher.AEAD, error) {
	if len(readKey) == 0 {
		return nil, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	blake3.DeriveKey(frameKeyContext, readKey, key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	return aead, nil
}

// seal returns version || nonce || ciphertext.
func seal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	output := make([]byte, 1+chacha20poly1305.NonceSizeX, sealOverhead+len(plaintext))
	output[0] = sealVersion
	nonce := output[1 : 1+chacha20poly1305.NonceSizeX]
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(output, nonce, plaintext, output[:1]), nil
}

func open(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, fmt.Errorf("sealed frame is %d bytes, minimum is %d", len(sealed), sealOverhead)
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("sealed frame version %d is not supported", sealed[0])
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, sealed[1+chacha20poly1305.NonceSizeX:], sealed[:1])
	if err != nil {
		return nil, fmt.Errorf("opening sealed frame: %w", err)
	}
	return plaintext, nil
}
