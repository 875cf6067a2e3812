// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-josekit.
//
// go-josekit is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package keywrap implements AES Key Wrap (RFC 3394), the deterministic
// wrap used by the A128KW/A192KW/A256KW JOSE algorithms and as the final
// step of the PBES2 and ECDH-ES+A*KW composites. The 64-bit integrity check
// value is fixed by the RFC; no IV or tag is carried alongside the output.
package keywrap

import (
	"crypto/aes"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
)

// icv is the RFC 3394 §2.2.3 default initial value.
var icv = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// Wrap encrypts keyMaterial under kek using AES Key Wrap. The key material
// must be at least 16 bytes and a multiple of 8 bytes; the output is 8 bytes
// longer than the input.
func Wrap(kek, keyMaterial []byte) ([]byte, error) {
	if len(kek) != 16 && len(kek) != 24 && len(kek) != 32 {
		return nil, fmt.Errorf("key-encryption key must be 16, 24, or 32 bytes")
	}
	if len(keyMaterial) < 16 || len(keyMaterial)%8 != 0 {
		return nil, fmt.Errorf("key material must be at least 16 bytes and a multiple of 8")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	n := len(keyMaterial) / 8

	a := make([]byte, 8)
	copy(a, icv[:])
	r := make([][]byte, n)
	for i := 0; i < n; i++ {
		r[i] = make([]byte, 8)
		copy(r[i], keyMaterial[i*8:(i+1)*8])
	}

	// 6*n rounds: B = E(K, A || R[i]); A = MSB(B) xor t; R[i] = LSB(B)
	b := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(b[0:8], a)
			copy(b[8:16], r[i-1])
			block.Encrypt(b, b)

			t := uint64(n*j + i)
			copy(a, b[0:8])
			binary.BigEndian.PutUint64(b[0:8], binary.BigEndian.Uint64(a)^t)
			copy(a, b[0:8])
			copy(r[i-1], b[8:16])
		}
	}

	out := make([]byte, (n+1)*8)
	copy(out[0:8], a)
	for i := 0; i < n; i++ {
		copy(out[(i+1)*8:], r[i])
	}
	return out, nil
}

// Unwrap decrypts wrapped under kek and verifies the integrity check value.
// The error on integrity failure is generic: callers on decryption paths
// map any failure to their uniform decryption-failure outcome.
func Unwrap(kek, wrapped []byte) ([]byte, error) {
	if len(kek) != 16 && len(kek) != 24 && len(kek) != 32 {
		return nil, fmt.Errorf("key-encryption key must be 16, 24, or 32 bytes")
	}
	if len(wrapped) < 24 || len(wrapped)%8 != 0 {
		return nil, fmt.Errorf("wrapped key must be at least 24 bytes and a multiple of 8")
	}

	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	n := len(wrapped)/8 - 1

	a := make([]byte, 8)
	copy(a, wrapped[0:8])
	r := make([][]byte, n)
	for i := 0; i < n; i++ {
		r[i] = make([]byte, 8)
		copy(r[i], wrapped[(i+1)*8:(i+2)*8])
	}

	b := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			binary.BigEndian.PutUint64(b[0:8], binary.BigEndian.Uint64(a)^t)
			copy(b[8:16], r[i-1])
			block.Decrypt(b, b)

			copy(a, b[0:8])
			copy(r[i-1], b[8:16])
		}
	}

	if subtle.ConstantTimeCompare(a, icv[:]) != 1 {
		return nil, fmt.Errorf("integrity check failed")
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:], r[i])
	}
	return out, nil
}
