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

// Package jwk implements JSON Web Keys (RFC 7517) and key sets: parsing,
// conversion to and from Go crypto keys, RFC 7638 thumbprints, and the
// candidate-key filtering consumed by the JWS and JWE codecs.
package jwk

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"

	"github.com/google/uuid"
	"github.com/jeremyhahn/go-josekit/pkg/jose"
)

// Key represents a JSON Web Key. Binary parameters are held in their
// base64url form exactly as serialized; conversion methods decode on demand.
type Key struct {
	// Common fields (all key types)
	Kty string `json:"kty"`           // Key Type (required)
	Use string `json:"use,omitempty"` // Public Key Use (sig, enc)
	Alg string `json:"alg,omitempty"` // Algorithm
	Kid string `json:"kid,omitempty"` // Key ID

	// RSA fields (RFC 7518 §6.3)
	N  string `json:"n,omitempty"`
	E  string `json:"e,omitempty"`
	D  string `json:"d,omitempty"`
	P  string `json:"p,omitempty"`
	Q  string `json:"q,omitempty"`
	DP string `json:"dp,omitempty"`
	DQ string `json:"dq,omitempty"`
	QI string `json:"qi,omitempty"`

	// EC / OKP fields (RFC 7518 §6.2)
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`

	// Symmetric key field (RFC 7518 §6.4)
	K string `json:"k,omitempty"`

	// Key Operations (optional)
	KeyOps []string `json:"key_ops,omitempty"`

	// X.509 certificate chain (optional); never used for key resolution,
	// see jwks.Resolver.
	X5c []string `json:"x5c,omitempty"`
}

// Key type (kty) values.
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
	KeyTypeOKP = "OKP"
	KeyTypeOct = "oct"
)

// ParseKey parses a single JWK from its JSON encoding.
func ParseKey(data []byte) (*Key, error) {
	var key Key
	if err := json.Unmarshal(data, &key); err != nil {
		return nil, jose.JWKInvalid("failed to parse JWK: %v", err)
	}
	if key.Kty == "" {
		return nil, jose.JWKInvalid("JWK is missing required %q parameter", "kty")
	}
	return &key, nil
}

// IsPrivate reports whether the key carries private key material.
func (k *Key) IsPrivate() bool {
	return k.D != "" || (k.Kty == KeyTypeOct && k.K != "")
}

// Material returns the most capable Go key this JWK can produce: the
// private key when private parameters are present, the raw bytes for a
// symmetric key, the public key otherwise.
func (k *Key) Material() (any, error) {
	switch {
	case k.Kty == KeyTypeOct:
		return k.Symmetric()
	case k.D != "":
		return k.Private()
	default:
		return k.Public()
	}
}

// Public converts the JWK to a crypto.PublicKey.
func (k *Key) Public() (crypto.PublicKey, error) {
	switch k.Kty {
	case KeyTypeRSA:
		return k.rsaPublic()
	case KeyTypeEC:
		return k.ecdsaPublic()
	case KeyTypeOKP:
		if k.Crv != "Ed25519" {
			return nil, jose.JWKInvalid("unsupported OKP curve %q", k.Crv)
		}
		x, err := k.decode(k.X, "x")
		if err != nil {
			return nil, err
		}
		if len(x) != ed25519.PublicKeySize {
			return nil, jose.JWKInvalid("Ed25519 public key must be %d bytes", ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(x), nil
	default:
		return nil, jose.JWKInvalid("unsupported key type %q", k.Kty)
	}
}

// Private converts the JWK to a crypto.PrivateKey. The JWK must carry
// private parameters.
func (k *Key) Private() (crypto.PrivateKey, error) {
	if k.D == "" {
		return nil, jose.JWKInvalid("JWK does not contain private key parameters")
	}
	switch k.Kty {
	case KeyTypeRSA:
		return k.rsaPrivate()
	case KeyTypeEC:
		return k.ecdsaPrivate()
	case KeyTypeOKP:
		if k.Crv != "Ed25519" {
			return nil, jose.JWKInvalid("unsupported OKP curve %q", k.Crv)
		}
		seed, err := k.decode(k.D, "d")
		if err != nil {
			return nil, err
		}
		if len(seed) != ed25519.SeedSize {
			return nil, jose.JWKInvalid("Ed25519 private key seed must be %d bytes", ed25519.SeedSize)
		}
		return ed25519.NewKeyFromSeed(seed), nil
	default:
		return nil, jose.JWKInvalid("unsupported key type %q", k.Kty)
	}
}

// Symmetric returns the raw bytes of an "oct" key.
func (k *Key) Symmetric() ([]byte, error) {
	if k.Kty != KeyTypeOct {
		return nil, jose.JWKInvalid("JWK is not a symmetric key (kty=%s)", k.Kty)
	}
	if k.K == "" {
		return nil, jose.JWKInvalid("symmetric JWK is missing %q parameter", "k")
	}
	return k.decode(k.K, "k")
}

func (k *Key) rsaPublic() (*rsa.PublicKey, error) {
	n, err := k.decode(k.N, "n")
	if err != nil {
		return nil, err
	}
	e, err := k.decode(k.E, "e")
	if err != nil {
		return nil, err
	}
	eInt := new(big.Int).SetBytes(e)
	if !eInt.IsInt64() || eInt.Int64() < 3 {
		return nil, jose.JWKInvalid("invalid RSA public exponent")
	}
	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(n),
		E: int(eInt.Int64()),
	}, nil
}

func (k *Key) rsaPrivate() (*rsa.PrivateKey, error) {
	pub, err := k.rsaPublic()
	if err != nil {
		return nil, err
	}
	d, err := k.decode(k.D, "d")
	if err != nil {
		return nil, err
	}
	p, err := k.decode(k.P, "p")
	if err != nil {
		return nil, err
	}
	q, err := k.decode(k.Q, "q")
	if err != nil {
		return nil, err
	}
	priv := &rsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(d),
		Primes: []*big.Int{
			new(big.Int).SetBytes(p),
			new(big.Int).SetBytes(q),
		},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, jose.JWKInvalid("invalid RSA private key: %v", err)
	}
	return priv, nil
}

func curveByName(name string) (elliptic.Curve, bool) {
	switch name {
	case "P-256":
		return elliptic.P256(), true
	case "P-384":
		return elliptic.P384(), true
	case "P-521":
		return elliptic.P521(), true
	default:
		return nil, false
	}
}

func (k *Key) ecdsaPublic() (*ecdsa.PublicKey, error) {
	curve, ok := curveByName(k.Crv)
	if !ok {
		return nil, jose.JWKInvalid("unsupported EC curve %q", k.Crv)
	}
	x, err := k.decode(k.X, "x")
	if err != nil {
		return nil, err
	}
	y, err := k.decode(k.Y, "y")
	if err != nil {
		return nil, err
	}
	pub := &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}
	// Reject points not on the curve before any use.
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, jose.JWKInvalid("EC public key is not on curve %s", k.Crv)
	}
	return pub, nil
}

func (k *Key) ecdsaPrivate() (*ecdsa.PrivateKey, error) {
	pub, err := k.ecdsaPublic()
	if err != nil {
		return nil, err
	}
	d, err := k.decode(k.D, "d")
	if err != nil {
		return nil, err
	}
	return &ecdsa.PrivateKey{
		PublicKey: *pub,
		D:         new(big.Int).SetBytes(d),
	}, nil
}

func (k *Key) decode(value, name string) ([]byte, error) {
	if value == "" {
		return nil, jose.JWKInvalid("JWK is missing required %q parameter", name)
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, jose.JWKInvalid("JWK parameter %q is not valid base64url", name)
	}
	return raw, nil
}

// FromPublicKey builds a JWK from an RSA, ECDSA or Ed25519 public key.
func FromPublicKey(pub crypto.PublicKey) (*Key, error) {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		return &Key{
			Kty: KeyTypeRSA,
			N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}, nil
	case *ecdsa.PublicKey:
		size := (key.Curve.Params().BitSize + 7) / 8
		return &Key{
			Kty: KeyTypeEC,
			Crv: key.Curve.Params().Name,
			X:   base64.RawURLEncoding.EncodeToString(key.X.FillBytes(make([]byte, size))),
			Y:   base64.RawURLEncoding.EncodeToString(key.Y.FillBytes(make([]byte, size))),
		}, nil
	case ed25519.PublicKey:
		return &Key{
			Kty: KeyTypeOKP,
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(key),
		}, nil
	default:
		return nil, jose.JWKInvalid("unsupported public key type %T", pub)
	}
}

// FromPrivateKey builds a JWK from an RSA, ECDSA or Ed25519 private key,
// including the private parameters.
func FromPrivateKey(priv crypto.PrivateKey) (*Key, error) {
	switch key := priv.(type) {
	case *rsa.PrivateKey:
		out, err := FromPublicKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		key.Precompute()
		out.D = base64.RawURLEncoding.EncodeToString(key.D.Bytes())
		out.P = base64.RawURLEncoding.EncodeToString(key.Primes[0].Bytes())
		out.Q = base64.RawURLEncoding.EncodeToString(key.Primes[1].Bytes())
		out.DP = base64.RawURLEncoding.EncodeToString(key.Precomputed.Dp.Bytes())
		out.DQ = base64.RawURLEncoding.EncodeToString(key.Precomputed.Dq.Bytes())
		out.QI = base64.RawURLEncoding.EncodeToString(key.Precomputed.Qinv.Bytes())
		return out, nil
	case *ecdsa.PrivateKey:
		out, err := FromPublicKey(&key.PublicKey)
		if err != nil {
			return nil, err
		}
		size := (key.Curve.Params().BitSize + 7) / 8
		out.D = base64.RawURLEncoding.EncodeToString(key.D.FillBytes(make([]byte, size)))
		return out, nil
	case ed25519.PrivateKey:
		out, err := FromPublicKey(key.Public())
		if err != nil {
			return nil, err
		}
		out.D = base64.RawURLEncoding.EncodeToString(key.Seed())
		return out, nil
	default:
		return nil, jose.JWKInvalid("unsupported private key type %T", priv)
	}
}

// FromSymmetricKey builds an "oct" JWK from raw key bytes.
func FromSymmetricKey(key []byte, alg string) (*Key, error) {
	if len(key) == 0 {
		return nil, jose.JWKInvalid("symmetric key cannot be empty")
	}
	return &Key{
		Kty: KeyTypeOct,
		K:   base64.RawURLEncoding.EncodeToString(key),
		Alg: alg,
	}, nil
}

// GenerateOct generates a fresh symmetric JWK of the given byte length with
// a random UUID key id.
func GenerateOct(size int, alg string) (*Key, error) {
	raw := make([]byte, size)
	if _, err := rand.Read(raw); err != nil {
		return nil, jose.JWKInvalid("failed to generate key material: %v", err)
	}
	key, err := FromSymmetricKey(raw, alg)
	if err != nil {
		return nil, err
	}
	key.Kid = uuid.NewString()
	return key, nil
}
