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

// Package concatkdf implements the Concat Key Derivation Function
// (NIST SP 800-56A §5.8.1) as profiled for ECDH-ES by RFC 7518 §4.6.2:
// the OtherInfo input is built from the target algorithm identifier, the
// optional apu/apv agreement parties, and the derived key bit length.
package concatkdf

import (
	"encoding/binary"
	"fmt"
	"hash"
)

// Derive runs the single-step KDF over the shared secret z and returns
// keyBits/8 bytes of derived key material.
//
// Parameters:
//   - newHash: constructor for the digest (sha256.New for the ES profile)
//   - z: the raw ECDH shared secret
//   - algID: the AlgorithmID field, the "enc" identifier for direct key
//     agreement, or the "alg" identifier for the key-wrapping variants
//   - apu, apv: optional PartyUInfo / PartyVInfo context values
//   - keyBits: the derived key length in bits, a multiple of 8
func Derive(newHash func() hash.Hash, z []byte, algID string, apu, apv []byte, keyBits int) ([]byte, error) {
	if keyBits <= 0 || keyBits%8 != 0 {
		return nil, fmt.Errorf("derived key length must be a positive multiple of 8 bits, got %d", keyBits)
	}

	h := newHash()

	// OtherInfo = AlgorithmID || PartyUInfo || PartyVInfo || SuppPubInfo,
	// each of the first three as a 32-bit length prefix plus data, and
	// SuppPubInfo as the big-endian 32-bit key bit length.
	otherInfo := make([]byte, 0, 16+len(algID)+len(apu)+len(apv))
	otherInfo = appendLengthPrefixed(otherInfo, []byte(algID))
	otherInfo = appendLengthPrefixed(otherInfo, apu)
	otherInfo = appendLengthPrefixed(otherInfo, apv)
	otherInfo = binary.BigEndian.AppendUint32(otherInfo, uint32(keyBits))

	keyLen := keyBits / 8
	out := make([]byte, 0, keyLen)
	var counter [4]byte
	for i := uint32(1); len(out) < keyLen; i++ {
		binary.BigEndian.PutUint32(counter[:], i)
		h.Reset()
		h.Write(counter[:])
		h.Write(z)
		h.Write(otherInfo)
		out = h.Sum(out)
	}
	return out[:keyLen], nil
}

func appendLengthPrefixed(dst, data []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(data)))
	return append(dst, data...)
}
