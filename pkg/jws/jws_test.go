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
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/jeremyhahn/go-josekit/pkg/header"
	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sequentialBytes(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

// HS256 is deterministic, so signing with a fixed key yields this exact
// compact token.
func TestSignHS256KnownAnswer(t *testing.T) {
	token, err := Sign([]byte("test"), "HS256", sequentialBytes(32), nil)
	require.NoError(t, err)
	assert.Equal(t,
		"eyJhbGciOiJIUzI1NiJ9.dGVzdA.Y5RSold8rIoaAFmf3P4s7m7LHm8IlCwDQkjsUdHVfc4",
		token)
}

// RFC 7515 Appendix A.1: verify the RFC's HMAC-SHA256 example token,
// including its nonstandard whitespace-bearing header.
func TestVerifyRFC7515AppendixA1(t *testing.T) {
	key, err := base64.RawURLEncoding.DecodeString(
		"AyM1SysPpbyDfgZld3umj1qzKObwVMkoqQ-EstJQLr_T-1qS0gZH75aKtMN3Yj0iPS4hcgUuTwjAzZr1Z9CAow")
	require.NoError(t, err)

	const token = "eyJ0eXAiOiJKV1QiLA0KICJhbGciOiJIUzI1NiJ9." +
		"eyJpc3MiOiJqb2UiLA0KICJleHAiOjEzMDA4MTkzODAsDQogImh0dHA6Ly9leGFtcGxlLmNvbS9pc19yb290Ijp0cnVlfQ." +
		"dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"

	payload, hdr, err := Verify(context.Background(), []byte(token), key, nil)
	require.NoError(t, err)
	assert.Equal(t, "HS256", hdr.Algorithm())
	assert.Equal(t, "JWT", hdr.String("typ"))
	assert.Contains(t, string(payload), `"iss":"joe"`)

	// A wrong key fails with the generic sentinel.
	_, _, err = Verify(context.Background(), []byte(token), sequentialBytes(32), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.ErrJWSVerificationFailed))
}

// RFC 8037 Appendix A.4: verify the Ed25519 example token.
func TestVerifyRFC8037AppendixA4(t *testing.T) {
	key := &jwk.Key{
		Kty: jwk.KeyTypeOKP,
		Crv: "Ed25519",
		X:   "11qYAYKxCrfVS_7TyWQHOg7hcvPapiMlrwIaaPcHURo",
	}
	const token = "eyJhbGciOiJFZERTQSJ9." +
		"RXhhbXBsZSBvZiBFZDI1NTE5IHNpZ25pbmc." +
		"hgyY0il_MGCjP0JzlnLWG1PPOt7-09PGcvMg3AIbQR6dWbhijcNR4ki4iylGjg5BhVsPt9g7sVvpAr_MuM0KAg"

	payload, hdr, err := Verify(context.Background(), []byte(token), key, nil)
	require.NoError(t, err)
	assert.Equal(t, "EdDSA", hdr.Algorithm())
	assert.Equal(t, []byte("Example of Ed25519 signing"), payload)
}

func TestSignVerifyRoundTripAllAlgorithms(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	p521, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	payload := []byte(`{"sub":"alice"}`)

	cases := []struct {
		alg       string
		signKey   any
		verifyKey any
	}{
		{"HS256", sequentialBytes(32), sequentialBytes(32)},
		{"HS384", sequentialBytes(48), sequentialBytes(48)},
		{"HS512", sequentialBytes(64), sequentialBytes(64)},
		{"RS256", rsaKey, &rsaKey.PublicKey},
		{"RS384", rsaKey, &rsaKey.PublicKey},
		{"RS512", rsaKey, &rsaKey.PublicKey},
		{"PS256", rsaKey, &rsaKey.PublicKey},
		{"PS384", rsaKey, &rsaKey.PublicKey},
		{"PS512", rsaKey, &rsaKey.PublicKey},
		{"ES256", p256, &p256.PublicKey},
		{"ES384", p384, &p384.PublicKey},
		{"ES512", p521, &p521.PublicKey},
		{"EdDSA", edPriv, edPub},
	}

	for _, tc := range cases {
		t.Run(tc.alg, func(t *testing.T) {
			token, err := Sign(payload, tc.alg, tc.signKey, nil)
			require.NoError(t, err)
			require.Len(t, strings.Split(token, "."), 3)

			recovered, hdr, err := Verify(context.Background(), []byte(token), tc.verifyKey, nil)
			require.NoError(t, err)
			assert.Equal(t, payload, recovered)
			assert.Equal(t, tc.alg, hdr.Algorithm())
		})
	}
}

// ECDSA signatures must be the fixed-width R || S form, never ASN.1.
func TestECDSASignatureWidth(t *testing.T) {
	widths := map[string]int{"ES256": 64, "ES384": 96, "ES512": 132}
	curves := map[string]elliptic.Curve{"ES256": elliptic.P256(), "ES384": elliptic.P384(), "ES512": elliptic.P521()}

	for alg, width := range widths {
		t.Run(alg, func(t *testing.T) {
			key, err := ecdsa.GenerateKey(curves[alg], rand.Reader)
			require.NoError(t, err)
			token, err := Sign([]byte("w"), alg, key, nil)
			require.NoError(t, err)

			parts := strings.Split(token, ".")
			sig, err := base64.RawURLEncoding.DecodeString(parts[2])
			require.NoError(t, err)
			assert.Len(t, sig, width)
		})
	}
}

func TestECDSACurveMismatch(t *testing.T) {
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	_, err = Sign([]byte("x"), "ES384", p256, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.JWSInvalid("")))
}

func TestTamperedTokenFailsGenerically(t *testing.T) {
	key := sequentialBytes(32)
	token, err := Sign([]byte("authentic"), "HS256", key, nil)
	require.NoError(t, err)
	parts := strings.Split(token, ".")

	// Tampered payload.
	forged := parts[0] + "." + base64.RawURLEncoding.EncodeToString([]byte("forged")) + "." + parts[2]
	_, _, err = Verify(context.Background(), []byte(forged), key, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.ErrJWSVerificationFailed))

	// Tampered signature.
	sig := []byte(parts[2])
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	forged = parts[0] + "." + parts[1] + "." + string(sig)
	_, _, err = Verify(context.Background(), []byte(forged), key, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.ErrJWSVerificationFailed))
}

// Downgrading an RS256 token to HS256 with the public key as the HMAC
// secret must be stopped by the algorithm allow-list.
func TestAlgorithmConfusionBlockedByAllowList(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token, err := Sign([]byte("claims"), "RS256", rsaKey, nil)
	require.NoError(t, err)

	_, _, err = Verify(context.Background(), []byte(token), &rsaKey.PublicKey, &VerifyOptions{
		AllowedAlgorithms: []string{"ES256"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.AlgNotAllowed("")))
}

func TestNoneAlgorithm(t *testing.T) {
	// Producing an unsecured token is refused outright.
	_, err := Sign([]byte("x"), "none", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.AlgNotAllowed("")))

	unsecured := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("open")) + "."

	// Rejected by default.
	_, _, err = Verify(context.Background(), []byte(unsecured), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.AlgNotAllowed("")))

	// Accepted only with the explicit opt-in.
	payload, hdr, err := Verify(context.Background(), []byte(unsecured), nil, &VerifyOptions{
		InsecureAllowNone: true,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("open"), payload)
	assert.Equal(t, "none", hdr.Algorithm())

	// A non-empty signature on an unsecured token is invalid.
	_, _, err = Verify(context.Background(), []byte(unsecured+"AAAA"), nil, &VerifyOptions{
		InsecureAllowNone: true,
	})
	require.Error(t, err)
}

func TestVerifyMalformedTokens(t *testing.T) {
	key := sequentialBytes(32)
	cases := map[string]string{
		"empty":             "",
		"two segments":      "a.b",
		"four segments":     "a.b.c.d",
		"bad header base64": "!!!.dGVzdA.c2ln",
		"header not JSON":   base64.RawURLEncoding.EncodeToString([]byte("x")) + ".dGVzdA.AAAA",
		"missing alg":       base64.RawURLEncoding.EncodeToString([]byte(`{"kid":"1"}`)) + ".dGVzdA.AAAA",
		"malformed json":    `{"payload":`,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Verify(context.Background(), []byte(token), key, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, jose.JWSInvalid("")),
				"expected ERR_JWS_INVALID, got %v", err)
		})
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	token := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS1024"}`)) + ".dGVzdA.AAAA"
	_, _, err := Verify(context.Background(), []byte(token), sequentialBytes(32), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.NotSupported("")))
}

func TestDetachedPayload(t *testing.T) {
	key := sequentialBytes(32)
	payload := []byte("transmitted out of band")

	token, err := Sign(payload, "HS256", key, &SignOptions{Detached: true})
	require.NoError(t, err)
	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	assert.Empty(t, parts[1])

	hdr, err := VerifyDetached(context.Background(), []byte(token), payload, key, nil)
	require.NoError(t, err)
	assert.Equal(t, "HS256", hdr.Algorithm())

	// The wrong payload fails generically.
	_, err = VerifyDetached(context.Background(), []byte(token), []byte("different"), key, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.ErrJWSVerificationFailed))

	// Verify refuses detached tokens, VerifyDetached refuses attached ones.
	_, _, err = Verify(context.Background(), []byte(token), key, nil)
	require.Error(t, err)
	attached, err := Sign(payload, "HS256", key, nil)
	require.NoError(t, err)
	_, err = VerifyDetached(context.Background(), []byte(attached), payload, key, nil)
	require.Error(t, err)
}

func TestSignJSONFlattened(t *testing.T) {
	key := sequentialBytes(32)
	token, err := SignJSON([]byte("flat"), []Signature{
		{Alg: "HS256", Key: key, Header: header.Header{"kid": "sig-1"}},
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(token, []byte("{")))
	assert.NotContains(t, string(token), `"signatures"`)

	payload, hdr, err := Verify(context.Background(), token, key, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("flat"), payload)
	assert.Equal(t, "sig-1", hdr.KeyID())
}

func TestSignJSONGeneralMultiSignature(t *testing.T) {
	hmacKey := sequentialBytes(32)
	edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	payload := []byte("countersigned")

	token, err := SignJSON(payload, []Signature{
		{Alg: "HS256", Key: hmacKey, Header: header.Header{"kid": "mac"}},
		{Alg: "EdDSA", Key: edPriv, Header: header.Header{"kid": "ed"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(token), `"signatures"`)

	// Either verifier accepts the token by default.
	got, hdr, err := Verify(context.Background(), token, hmacKey, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "mac", hdr.KeyID())

	got, hdr, err = Verify(context.Background(), token, edPub, nil)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, "ed", hdr.KeyID())

	// RequireAll cannot be satisfied by a single key here: the HMAC key is
	// structurally unusable for the EdDSA signature.
	_, _, err = Verify(context.Background(), token, hmacKey, &VerifyOptions{RequireAll: true})
	require.Error(t, err)
}

func TestCriticalExtensionHandling(t *testing.T) {
	key := sequentialBytes(32)
	token, err := Sign([]byte("critical"), "HS256", key, &SignOptions{
		ProtectedHeader: header.Header{
			"crit": []string{"b64x"},
			"b64x": true,
		},
	})
	require.NoError(t, err)

	_, _, err = Verify(context.Background(), []byte(token), key, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.JWSInvalid("")))

	payload, _, err := Verify(context.Background(), []byte(token), key, &VerifyOptions{
		RecognizedCritical: []string{"b64x"},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("critical"), payload)
}

func TestHMACKeyTooShort(t *testing.T) {
	_, err := Sign([]byte("x"), "HS256", sequentialBytes(16), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.JWSInvalid("")))

	_, err = Sign([]byte("x"), "HS512", sequentialBytes(32), nil)
	require.Error(t, err)
}

// setResolver resolves keys from an in-memory set, standing in for a remote
// JWKS endpoint.
type setResolver struct{ set *jwk.Set }

func (r *setResolver) ResolveKey(_ context.Context, hdr header.Header) (*jwk.Key, error) {
	matched := r.set.Filter(hdr.KeyID(), hdr.Algorithm(), "")
	switch len(matched) {
	case 0:
		return nil, jose.ErrJWKSNoMatchingKey
	case 1:
		return matched[0], nil
	default:
		return nil, &jwk.MultipleMatchingKeysError{Kid: hdr.KeyID(), Candidates: jwk.NewIterator(matched)}
	}
}

func TestVerifyWithResolver(t *testing.T) {
	raw := sequentialBytes(32)
	key, err := jwk.FromSymmetricKey(raw, "HS256")
	require.NoError(t, err)
	key.Kid = "sig-1"

	token, err := Sign([]byte("resolved"), "HS256", raw, &SignOptions{
		ProtectedHeader: header.Header{"kid": "sig-1"},
	})
	require.NoError(t, err)

	payload, _, err := Verify(context.Background(), []byte(token), nil, &VerifyOptions{
		Resolver: &setResolver{set: &jwk.Set{Keys: []*jwk.Key{key}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("resolved"), payload)
}

// Two keys share a kid; trial verification against each candidate finds
// the right one instead of failing on the ambiguity.
func TestVerifyWithResolverMultipleCandidates(t *testing.T) {
	right := sequentialBytes(32)
	rightKey, err := jwk.FromSymmetricKey(right, "")
	require.NoError(t, err)
	rightKey.Kid = "shared"
	wrongKey, err := jwk.FromSymmetricKey(bytes.Repeat([]byte{3}, 32), "")
	require.NoError(t, err)
	wrongKey.Kid = "shared"

	token, err := Sign([]byte("picked"), "HS256", right, &SignOptions{
		ProtectedHeader: header.Header{"kid": "shared"},
	})
	require.NoError(t, err)

	payload, _, err := Verify(context.Background(), []byte(token), nil, &VerifyOptions{
		Resolver: &setResolver{set: &jwk.Set{Keys: []*jwk.Key{wrongKey, rightKey}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("picked"), payload)
}

func TestVerifyNoKeyNoResolver(t *testing.T) {
	token, err := Sign([]byte("x"), "HS256", sequentialBytes(32), nil)
	require.NoError(t, err)
	_, _, err = Verify(context.Background(), []byte(token), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.JWSInvalid("")))
}
