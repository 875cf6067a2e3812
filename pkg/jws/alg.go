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

package jws

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"math/big"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwa"
	"github.com/jeremyhahn/go-josekit/pkg/jwk"
)

// computeSignature signs the signing input with the algorithm's primitive.
// ECDSA signatures use the fixed-width R || S encoding of RFC 7518 §3.4,
// not ASN.1.
func computeSignature(desc jwa.Descriptor, key any, input []byte) ([]byte, error) {
	switch desc.ID[:2] {
	case "HS":
		raw, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		if len(raw) < desc.KeySize {
			return nil, jose.JWSInvalid("%s requires a key of at least %d bytes, got %d", desc.ID, desc.KeySize, len(raw))
		}
		mac := hmac.New(desc.Hash.New, raw)
		mac.Write(input)
		return mac.Sum(nil), nil

	case "RS":
		priv, err := rsaPrivateKey(key)
		if err != nil {
			return nil, err
		}
		digest := hashInput(desc, input)
		return rsa.SignPKCS1v15(rand.Reader, priv, desc.Hash, digest)

	case "PS":
		priv, err := rsaPrivateKey(key)
		if err != nil {
			return nil, err
		}
		digest := hashInput(desc, input)
		return rsa.SignPSS(rand.Reader, priv, desc.Hash, digest, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthEqualsHash,
		})

	case "ES":
		priv, err := ecdsaPrivateKey(key, desc.Curve)
		if err != nil {
			return nil, err
		}
		digest := hashInput(desc, input)
		r, s, err := ecdsa.Sign(rand.Reader, priv, digest)
		if err != nil {
			return nil, jose.JWSInvalid("ECDSA signing failed: %v", err)
		}
		size := curveCoordSize(desc.Curve)
		sig := make([]byte, 2*size)
		r.FillBytes(sig[:size])
		s.FillBytes(sig[size:])
		return sig, nil

	case "Ed":
		priv, err := ed25519PrivateKey(key)
		if err != nil {
			return nil, err
		}
		return ed25519.Sign(priv, input), nil

	default:
		return nil, jose.NotSupported("algorithm %q cannot produce signatures", desc.ID)
	}
}

// verifySignature checks the signature over the signing input. Any
// cryptographic mismatch returns jose.ErrJWSVerificationFailed; only
// structural problems (wrong key type, wrong curve) return other errors.
func verifySignature(desc jwa.Descriptor, key any, input, sig []byte) error {
	switch desc.ID[:2] {
	case "HS":
		raw, err := symmetricKey(key)
		if err != nil {
			return err
		}
		if len(raw) < desc.KeySize {
			return jose.JWSInvalid("%s requires a key of at least %d bytes, got %d", desc.ID, desc.KeySize, len(raw))
		}
		mac := hmac.New(desc.Hash.New, raw)
		mac.Write(input)
		if !hmac.Equal(mac.Sum(nil), sig) {
			return jose.ErrJWSVerificationFailed
		}
		return nil

	case "RS":
		pub, err := rsaPublicKey(key)
		if err != nil {
			return err
		}
		digest := hashInput(desc, input)
		if rsa.VerifyPKCS1v15(pub, desc.Hash, digest, sig) != nil {
			return jose.ErrJWSVerificationFailed
		}
		return nil

	case "PS":
		pub, err := rsaPublicKey(key)
		if err != nil {
			return err
		}
		digest := hashInput(desc, input)
		err = rsa.VerifyPSS(pub, desc.Hash, digest, sig, &rsa.PSSOptions{
			SaltLength: rsa.PSSSaltLengthAuto,
		})
		if err != nil {
			return jose.ErrJWSVerificationFailed
		}
		return nil

	case "ES":
		pub, err := ecdsaPublicKey(key, desc.Curve)
		if err != nil {
			return err
		}
		size := curveCoordSize(desc.Curve)
		if len(sig) != 2*size {
			return jose.ErrJWSVerificationFailed
		}
		r := new(big.Int).SetBytes(sig[:size])
		s := new(big.Int).SetBytes(sig[size:])
		digest := hashInput(desc, input)
		if !ecdsa.Verify(pub, digest, r, s) {
			return jose.ErrJWSVerificationFailed
		}
		return nil

	case "Ed":
		pub, err := ed25519PublicKey(key)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, input, sig) {
			return jose.ErrJWSVerificationFailed
		}
		return nil

	default:
		return jose.NotSupported("algorithm %q cannot verify signatures", desc.ID)
	}
}

func hashInput(desc jwa.Descriptor, input []byte) []byte {
	h := desc.Hash.New()
	h.Write(input)
	return h.Sum(nil)
}

// curveCoordSize returns the per-coordinate signature width in bytes:
// 32 for P-256, 48 for P-384, 66 for P-521.
func curveCoordSize(curve string) int {
	switch curve {
	case "P-256":
		return 32
	case "P-384":
		return 48
	default:
		return 66
	}
}

// Key normalization. Each accessor accepts raw Go keys and *jwk.Key.

func symmetricKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case []byte:
		return k, nil
	case *jwk.Key:
		return k.Symmetric()
	default:
		return nil, jose.JWSInvalid("unsupported symmetric key type %T", key)
	}
}

func rsaPublicKey(key any) (*rsa.PublicKey, error) {
	switch k := key.(type) {
	case *rsa.PublicKey:
		return k, nil
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case *jwk.Key:
		pub, err := k.Public()
		if err != nil {
			return nil, err
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, jose.JWSInvalid("JWK is not an RSA key")
		}
		return rsaPub, nil
	default:
		return nil, jose.JWSInvalid("unsupported RSA key type %T", key)
	}
}

func rsaPrivateKey(key any) (*rsa.PrivateKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return k, nil
	case *jwk.Key:
		priv, err := k.Private()
		if err != nil {
			return nil, err
		}
		rsaPriv, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, jose.JWSInvalid("JWK is not an RSA private key")
		}
		return rsaPriv, nil
	default:
		return nil, jose.JWSInvalid("unsupported RSA private key type %T", key)
	}
}

func ecdsaPublicKey(key any, curve string) (*ecdsa.PublicKey, error) {
	var pub *ecdsa.PublicKey
	switch k := key.(type) {
	case *ecdsa.PublicKey:
		pub = k
	case *ecdsa.PrivateKey:
		pub = &k.PublicKey
	case *jwk.Key:
		material, err := k.Public()
		if err != nil {
			return nil, err
		}
		ecPub, ok := material.(*ecdsa.PublicKey)
		if !ok {
			return nil, jose.JWSInvalid("JWK is not an EC key")
		}
		pub = ecPub
	default:
		return nil, jose.JWSInvalid("unsupported EC key type %T", key)
	}
	if pub.Curve.Params().Name != curve {
		return nil, jose.JWSInvalid("key curve %s does not match the algorithm's required curve %s",
			pub.Curve.Params().Name, curve)
	}
	return pub, nil
}

func ecdsaPrivateKey(key any, curve string) (*ecdsa.PrivateKey, error) {
	var priv *ecdsa.PrivateKey
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		priv = k
	case *jwk.Key:
		material, err := k.Private()
		if err != nil {
			return nil, err
		}
		ecPriv, ok := material.(*ecdsa.PrivateKey)
		if !ok {
			return nil, jose.JWSInvalid("JWK is not an EC private key")
		}
		priv = ecPriv
	default:
		return nil, jose.JWSInvalid("unsupported EC private key type %T", key)
	}
	if priv.Curve.Params().Name != curve {
		return nil, jose.JWSInvalid("key curve %s does not match the algorithm's required curve %s",
			priv.Curve.Params().Name, curve)
	}
	return priv, nil
}

func ed25519PublicKey(key any) (ed25519.PublicKey, error) {
	switch k := key.(type) {
	case ed25519.PublicKey:
		return k, nil
	case ed25519.PrivateKey:
		return k.Public().(ed25519.PublicKey), nil
	case *jwk.Key:
		pub, err := k.Public()
		if err != nil {
			return nil, err
		}
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok {
			return nil, jose.JWSInvalid("JWK is not an Ed25519 key")
		}
		return edPub, nil
	default:
		return nil, jose.JWSInvalid("unsupported Ed25519 key type %T", key)
	}
}

func ed25519PrivateKey(key any) (ed25519.PrivateKey, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k, nil
	case *jwk.Key:
		priv, err := k.Private()
		if err != nil {
			return nil, err
		}
		edPriv, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, jose.JWSInvalid("JWK is not an Ed25519 private key")
		}
		return edPriv, nil
	default:
		return nil, jose.JWSInvalid("unsupported Ed25519 private key type %T", key)
	}
}
