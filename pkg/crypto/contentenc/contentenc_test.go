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

package contentenc

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDescriptor(t *testing.T, id string) jwa.Descriptor {
	t.Helper()
	desc, err := jwa.Resolve(id)
	require.NoError(t, err)
	return desc
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// Known-answer vector: A256GCM with a fixed 32-byte key and 12-byte IV over
// the payload "test" must produce exactly these ciphertext and tag bytes.
func TestA256GCMKnownAnswer(t *testing.T) {
	desc := mustDescriptor(t, "A256GCM")

	cek := make([]byte, 32)
	for i := range cek {
		cek[i] = byte(i)
	}
	iv := make([]byte, 12)
	for i := range iv {
		iv[i] = byte(i)
	}
	// ASCII of the base64url-encoded protected header {"alg":"dir","enc":"A256GCM"}
	aad := []byte("eyJhbGciOiJkaXIiLCJlbmMiOiJBMjU2R0NNIn0")

	ciphertext, tag, err := Encrypt(desc, cek, iv, []byte("test"), aad)
	require.NoError(t, err)
	assert.Equal(t, "3367a56f", hex.EncodeToString(ciphertext))
	assert.Equal(t, "ca59463ae09a5c20de9ec7632df815a6", hex.EncodeToString(tag))

	plaintext, err := Decrypt(desc, cek, iv, ciphertext, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, []byte("test"), plaintext)
}

// RFC 7518 Appendix B.3: AES_256_CBC_HMAC_SHA_512 test vector.
func TestA256CBCHS512RFC7518AppendixB3(t *testing.T) {
	desc := mustDescriptor(t, "A256CBC-HS512")

	cek := make([]byte, 64)
	for i := range cek {
		cek[i] = byte(i)
	}
	iv := mustHex(t, "1af38c2dc2b96ffdd86694092341bc04")
	plaintext := mustHex(t,
		"41206369706865722073797374656d206d757374206e6f742062652072657175"+
			"6972656420746f206265207365637265742c20616e64206974206d7573742062"+
			"652061626c6520746f2066616c6c20696e746f207468652068616e6473206f66"+
			"2074686520656e656d7920776974686f757420696e636f6e76656e69656e6365")
	aad := mustHex(t, "546865207365636f6e64207072696e6369706c65206f662041756775737465204b6572636b686f666673")

	ciphertext, tag, err := Encrypt(desc, cek, iv, plaintext, aad)
	require.NoError(t, err)
	assert.Equal(t, "4dd3b4c088a7f45c216839645b2012bf2e6269a8c56a816dbc1b267761955bc5", hex.EncodeToString(tag))

	recovered, err := Decrypt(desc, cek, iv, ciphertext, tag, aad)
	require.NoError(t, err)
	assert.Equal(t, plaintext, recovered)
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("a"),
		[]byte("sixteen byte blk"),
		bytes.Repeat([]byte("large payload "), 4096),
	}
	for _, id := range []string{"A128GCM", "A192GCM", "A256GCM", "A128CBC-HS256", "A192CBC-HS384", "A256CBC-HS512"} {
		t.Run(id, func(t *testing.T) {
			desc := mustDescriptor(t, id)
			cek := randomBytes(t, desc.KeySize)
			iv := randomBytes(t, desc.IVSize)
			aad := []byte("aad")

			for _, payload := range payloads {
				ciphertext, tag, err := Encrypt(desc, cek, iv, payload, aad)
				require.NoError(t, err)
				require.Len(t, tag, desc.TagSize)

				recovered, err := Decrypt(desc, cek, iv, ciphertext, tag, aad)
				require.NoError(t, err)
				assert.Equal(t, payload, recovered)
			}
		})
	}
}

// Flipping any single bit in ciphertext, tag, IV, or AAD must yield the
// generic decryption failure, never a crash or a distinguishable error.
func TestBitFlipUniformFailure(t *testing.T) {
	for _, id := range []string{"A256GCM", "A128CBC-HS256"} {
		t.Run(id, func(t *testing.T) {
			desc := mustDescriptor(t, id)
			cek := randomBytes(t, desc.KeySize)
			iv := randomBytes(t, desc.IVSize)
			aad := []byte("protected")
			payload := []byte("bit flip target payload")

			ciphertext, tag, err := Encrypt(desc, cek, iv, payload, aad)
			require.NoError(t, err)

			corrupt := func(name string, buf []byte) {
				for i := range buf {
					for bit := 0; bit < 8; bit++ {
						buf[i] ^= 1 << bit
						_, err := Decrypt(desc, cek, iv, ciphertext, tag, aad)
						buf[i] ^= 1 << bit

						require.Error(t, err, "%s byte %d bit %d", name, i, bit)
						assert.True(t, errors.Is(err, jose.ErrJWEDecryptionFailed),
							"%s corruption must be the generic failure, got %v", name, err)
					}
				}
			}
			corrupt("ciphertext", ciphertext)
			corrupt("tag", tag)
			corrupt("iv", iv)
			corrupt("aad", aad)
		})
	}
}

func TestDecryptWrongLengthsUniformFailure(t *testing.T) {
	desc := mustDescriptor(t, "A256GCM")
	cek := randomBytes(t, 32)
	iv := randomBytes(t, 12)

	ciphertext, tag, err := Encrypt(desc, cek, iv, []byte("x"), nil)
	require.NoError(t, err)

	_, err = Decrypt(desc, cek[:16], iv, ciphertext, tag, nil)
	assert.True(t, errors.Is(err, jose.ErrJWEDecryptionFailed))

	_, err = Decrypt(desc, cek, iv[:8], ciphertext, tag, nil)
	assert.True(t, errors.Is(err, jose.ErrJWEDecryptionFailed))

	_, err = Decrypt(desc, cek, iv, ciphertext, tag[:8], nil)
	assert.True(t, errors.Is(err, jose.ErrJWEDecryptionFailed))
}

func TestEncryptRejectsWrongKeySize(t *testing.T) {
	desc := mustDescriptor(t, "A256GCM")
	_, _, err := Encrypt(desc, make([]byte, 16), make([]byte, 12), []byte("x"), nil)
	assert.Error(t, err)
}

func TestEncryptRejectsNonContentAlgorithm(t *testing.T) {
	desc := mustDescriptor(t, "A256KW")
	_, _, err := Encrypt(desc, make([]byte, 32), make([]byte, 12), []byte("x"), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.NotSupported("")))
}
