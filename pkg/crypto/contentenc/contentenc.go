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

// Package contentenc implements the JWE content-encryption layer: the
// AES-GCM AEAD family and the AES-CBC + HMAC-SHA2 composites of
// RFC 7518 §5, keyed by a content-encryption key (CEK).
//
// Every failure on the decrypt path (wrong tag, bad padding, corrupted
// ciphertext, wrong key or IV length) surfaces as the single generic
// jose.ErrJWEDecryptionFailed. The CBC+HMAC tag is verified in constant
// time before any decryption or unpadding is attempted, so neither the
// error value nor observable timing distinguishes the failure modes
// (padding-oracle defense, RFC 7516 §11.5).
package contentenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwa"
)

// Encrypt encrypts plaintext under cek with the given content-encryption
// descriptor. The IV must be exactly desc.IVSize bytes; callers generate it
// fresh per message. Returns the ciphertext and authentication tag.
func Encrypt(desc jwa.Descriptor, cek, iv, plaintext, aad []byte) (ciphertext, tag []byte, err error) {
	if desc.Family != jwa.FamilyContentEncryption {
		return nil, nil, jose.NotSupported("algorithm %q is not a content-encryption algorithm", desc.ID)
	}
	if len(cek) != desc.KeySize {
		return nil, nil, fmt.Errorf("%s requires a %d-byte key, got %d", desc.ID, desc.KeySize, len(cek))
	}
	if len(iv) != desc.IVSize {
		return nil, nil, fmt.Errorf("%s requires a %d-byte IV, got %d", desc.ID, desc.IVSize, len(iv))
	}

	if desc.Hash == 0 {
		return gcmEncrypt(cek, iv, plaintext, aad)
	}
	return cbcHMACEncrypt(desc, cek, iv, plaintext, aad)
}

// Decrypt reverses Encrypt. Any failure returns jose.ErrJWEDecryptionFailed
// with no further detail.
func Decrypt(desc jwa.Descriptor, cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	if desc.Family != jwa.FamilyContentEncryption {
		return nil, jose.NotSupported("algorithm %q is not a content-encryption algorithm", desc.ID)
	}
	if len(cek) != desc.KeySize || len(iv) != desc.IVSize || len(tag) != desc.TagSize {
		return nil, jose.ErrJWEDecryptionFailed
	}

	if desc.Hash == 0 {
		return gcmDecrypt(cek, iv, ciphertext, tag, aad)
	}
	return cbcHMACDecrypt(desc, cek, iv, ciphertext, tag, aad)
}

func newGCM(cek []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func gcmEncrypt(cek, iv, plaintext, aad []byte) ([]byte, []byte, error) {
	aead, err := newGCM(cek)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES-GCM: %w", err)
	}
	sealed := aead.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return sealed[:split], sealed[split:], nil
}

func gcmDecrypt(cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	aead, err := newGCM(cek)
	if err != nil {
		return nil, jose.ErrJWEDecryptionFailed
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, jose.ErrJWEDecryptionFailed
	}
	return plaintext, nil
}

// cbcHMACEncrypt implements RFC 7518 §5.2.2.1. The CEK splits into equal
// halves: MAC key first, AES key second. The tag is the HMAC over
// AAD || IV || ciphertext || AL, truncated to desc.TagSize, where AL is the
// big-endian 64-bit AAD length in bits.
func cbcHMACEncrypt(desc jwa.Descriptor, cek, iv, plaintext, aad []byte) ([]byte, []byte, error) {
	macKey := cek[:desc.KeySize/2]
	encKey := cek[desc.KeySize/2:]

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	tag := cbcHMACTag(desc, macKey, iv, ciphertext, aad)
	return ciphertext, tag, nil
}

func cbcHMACDecrypt(desc jwa.Descriptor, cek, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	macKey := cek[:desc.KeySize/2]
	encKey := cek[desc.KeySize/2:]

	// Authenticate before touching the ciphertext.
	expected := cbcHMACTag(desc, macKey, iv, ciphertext, aad)
	if subtle.ConstantTimeCompare(expected, tag) != 1 {
		return nil, jose.ErrJWEDecryptionFailed
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, jose.ErrJWEDecryptionFailed
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, jose.ErrJWEDecryptionFailed
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	plaintext, ok := pkcs7Unpad(padded, block.BlockSize())
	if !ok {
		return nil, jose.ErrJWEDecryptionFailed
	}
	return plaintext, nil
}

func cbcHMACTag(desc jwa.Descriptor, macKey, iv, ciphertext, aad []byte) []byte {
	var al [8]byte
	binary.BigEndian.PutUint64(al[:], uint64(len(aad))*8)

	mac := hmac.New(desc.Hash.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(al[:])
	return mac.Sum(nil)[:desc.TagSize]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips padding without data-dependent branching
// on the pad bytes. The tag has already been verified at this point, so a
// padding failure indicates an internal inconsistency rather than attacker
// input, but the check stays constant-time regardless.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, bool) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, false
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, false
	}
	good := 1
	for i := len(data) - padLen; i < len(data); i++ {
		good &= subtle.ConstantTimeByteEq(data[i], byte(padLen))
	}
	if good != 1 {
		return nil, false
	}
	return data[:len(data)-padLen], true
}
