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

// Package jws implements JSON Web Signature (RFC 7515): compact, flattened
// JSON and general JSON serializations, detached payloads, and
// verification against local keys or a remote key set resolver.
//
// The "none" algorithm is never accepted unless the caller sets
// VerifyOptions.InsecureAllowNone; there is no way to enable it by
// accident from token input alone.
package jws

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jeremyhahn/go-josekit/pkg/header"
	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwa"
	"github.com/jeremyhahn/go-josekit/pkg/jwk"
	"github.com/jeremyhahn/go-josekit/pkg/metrics"
)

var b64 = base64.RawURLEncoding

// KeyResolver resolves a verification key from the joint JOSE header.
// *jwks.Resolver implements it.
type KeyResolver interface {
	ResolveKey(ctx context.Context, hdr header.Header) (*jwk.Key, error)
}

// SignOptions tunes Sign.
type SignOptions struct {
	// ProtectedHeader adds parameters to the protected header. "alg" is
	// set by the codec and must not appear here.
	ProtectedHeader header.Header

	// Detached omits the payload from the token (RFC 7515 Appendix F).
	// The holder transmits the payload separately and verifies with
	// VerifyDetached.
	Detached bool
}

// VerifyOptions tunes Verify and VerifyDetached.
type VerifyOptions struct {
	// AllowedAlgorithms restricts the accepted signature algorithms.
	// Empty permits every registered algorithm except "none".
	AllowedAlgorithms []string

	// Resolver supplies the verification key from the token header when
	// the caller does not pass one explicitly.
	Resolver KeyResolver

	// InsecureAllowNone accepts unsecured tokens (alg "none"). Never set
	// this outside of tests and controlled migrations.
	InsecureAllowNone bool

	// RecognizedCritical lists the "crit" extension parameters the caller
	// understands. A token whose crit names anything else is rejected.
	RecognizedCritical []string

	// RequireAll demands that every signature of a general-JSON token
	// verifies. The default accepts the token when at least one does.
	RequireAll bool
}

// Signature describes one signer of a JSON-serialized message.
type Signature struct {
	// Alg is the signature algorithm.
	Alg string

	// Key is the signing key: []byte or *jwk.Key for HMAC,
	// *rsa.PrivateKey, *ecdsa.PrivateKey or ed25519.PrivateKey otherwise.
	Key any

	// Protected adds per-signature protected parameters.
	Protected header.Header

	// Header adds per-signature unprotected parameters (e.g. "kid").
	Header header.Header
}

// Sign produces a compact JWS: three base64url segments joined by dots.
func Sign(payload []byte, alg string, key any, opts *SignOptions) (token string, err error) {
	defer record(metrics.OpSign, alg, time.Now(), &err)

	desc, err := resolveSignatureAlg(alg)
	if err != nil {
		return "", err
	}

	protected := header.Header{header.ParamAlgorithm: alg}
	if opts != nil {
		for name, value := range opts.ProtectedHeader {
			if protected.Has(name) {
				return "", jose.JWSInvalid("protected header parameter %q is managed by the codec", name)
			}
			protected[name] = value
		}
	}
	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return "", jose.JWSInvalid("failed to serialize protected header: %v", err)
	}
	protectedB64 := b64.EncodeToString(protectedJSON)
	payloadB64 := b64.EncodeToString(payload)

	sig, err := computeSignature(desc, key, signingInput(protectedB64, payloadB64))
	if err != nil {
		return "", err
	}

	if opts != nil && opts.Detached {
		payloadB64 = ""
	}
	return protectedB64 + "." + payloadB64 + "." + b64.EncodeToString(sig), nil
}

// SignJSON produces a JSON-serialized JWS: flattened for a single signer,
// general for several. Each signer carries its own protected header, so
// signatures with different algorithms and key ids coexist over one
// payload.
func SignJSON(payload []byte, signatures []Signature) (token []byte, err error) {
	defer record(metrics.OpSign, "", time.Now(), &err)

	if len(signatures) == 0 {
		return nil, jose.JWSInvalid("at least one signature is required")
	}
	payloadB64 := b64.EncodeToString(payload)

	var raws []rawSignature
	for _, sig := range signatures {
		desc, err := resolveSignatureAlg(sig.Alg)
		if err != nil {
			return nil, err
		}
		protected := header.Header{header.ParamAlgorithm: sig.Alg}
		for name, value := range sig.Protected {
			if protected.Has(name) {
				return nil, jose.JWSInvalid("protected header parameter %q is managed by the codec", name)
			}
			protected[name] = value
		}
		protectedJSON, err := json.Marshal(protected)
		if err != nil {
			return nil, jose.JWSInvalid("failed to serialize protected header: %v", err)
		}
		protectedB64 := b64.EncodeToString(protectedJSON)

		signature, err := computeSignature(desc, sig.Key, signingInput(protectedB64, payloadB64))
		if err != nil {
			return nil, err
		}
		raws = append(raws, rawSignature{
			Protected: protectedB64,
			Header:    sig.Header.Clone(),
			Signature: b64.EncodeToString(signature),
		})
	}

	if len(raws) == 1 {
		return json.Marshal(rawJWS{
			Payload:   payloadB64,
			Protected: raws[0].Protected,
			Header:    raws[0].Header,
			Signature: raws[0].Signature,
		})
	}
	return json.Marshal(rawJWS{Payload: payloadB64, Signatures: raws})
}

// Verify checks a JWS in any serialization and returns its payload and the
// joint header of the verified signature. The token is detected as JSON
// when it starts with '{', compact otherwise.
//
// key may be nil when opts.Resolver is set. A resolver that reports
// multiple candidate keys has each candidate tried in turn: trial
// verification identifies the right key, so an ambiguous kid does not fail
// the token.
func Verify(ctx context.Context, token []byte, key any, opts *VerifyOptions) (payload []byte, hdr header.Header, err error) {
	defer record(metrics.OpVerify, "", time.Now(), &err)

	env, err := parse(token, false)
	if err != nil {
		return nil, nil, err
	}
	decoded, err := b64.DecodeString(env.payloadB64)
	if err != nil {
		return nil, nil, jose.JWSInvalid("payload is not valid base64url")
	}
	hdr, err = verifyEnvelope(ctx, env, key, opts)
	if err != nil {
		return nil, nil, err
	}
	return decoded, hdr, nil
}

// VerifyDetached checks a detached-payload JWS (RFC 7515 Appendix F)
// against the externally transmitted payload.
func VerifyDetached(ctx context.Context, token, payload []byte, key any, opts *VerifyOptions) (hdr header.Header, err error) {
	defer record(metrics.OpVerify, "", time.Now(), &err)

	env, err := parse(token, true)
	if err != nil {
		return nil, err
	}
	if env.payloadB64 != "" {
		return nil, jose.JWSInvalid("token carries a payload; use Verify for attached payloads")
	}
	env.payloadB64 = b64.EncodeToString(payload)
	return verifyEnvelope(ctx, env, key, opts)
}

func verifyEnvelope(ctx context.Context, env *envelope, key any, opts *VerifyOptions) (header.Header, error) {
	var (
		verified    header.Header
		verifiedAny bool
		firstErr    error
	)
	for _, sig := range env.signatures {
		joint, err := verifyOne(ctx, env.payloadB64, sig, key, opts)
		if err != nil {
			if opts != nil && opts.RequireAll {
				return nil, collapse(err)
			}
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		verifiedAny = true
		if verified == nil {
			verified = joint
		}
	}
	if opts != nil && opts.RequireAll {
		return verified, nil
	}
	if verifiedAny {
		return verified, nil
	}
	return nil, collapse(firstErr)
}

// collapse maps cryptographic failures to the generic sentinel while
// letting structural and policy errors through.
func collapse(err error) error {
	if err == nil {
		return jose.ErrJWSVerificationFailed
	}
	var josErr *jose.Error
	if errors.As(err, &josErr) && josErr.Code != jose.CodeJWSSignatureVerificationFailed {
		return err
	}
	return jose.ErrJWSVerificationFailed
}

func verifyOne(ctx context.Context, payloadB64 string, sig envSignature, key any, opts *VerifyOptions) (header.Header, error) {
	var recognized []string
	if opts != nil {
		recognized = opts.RecognizedCritical
	}
	joint, err := header.Merge(sig.protected, nil, sig.header, recognized)
	if err != nil {
		return nil, jose.JWSInvalid("%v", err)
	}
	algID := joint.Algorithm()
	if algID == "" {
		return nil, jose.JWSInvalid("missing required %q header parameter", "alg")
	}
	if !sig.protected.Has(header.ParamAlgorithm) {
		return nil, jose.JWSInvalid("%q must be integrity protected", "alg")
	}

	if algID == "none" {
		if opts == nil || !opts.InsecureAllowNone {
			return nil, jose.AlgNotAllowed("unsecured tokens (alg \"none\") are not allowed")
		}
		if len(sig.signature) != 0 {
			return nil, jose.ErrJWSVerificationFailed
		}
		return joint, nil
	}

	var allowed []string
	if opts != nil {
		allowed = opts.AllowedAlgorithms
	}
	if err := jwa.CheckAllowed(algID, allowed); err != nil {
		return nil, err
	}
	desc, _ := jwa.Resolve(algID)
	if desc.Family != jwa.FamilySignature {
		return nil, jose.JWSInvalid("%q is not a signature algorithm", algID)
	}

	keys, err := candidateKeys(ctx, key, joint, opts)
	if err != nil {
		return nil, err
	}
	input := signingInput(sig.protectedB64, payloadB64)

	var lastErr error
	for _, candidate := range keys {
		if err := verifySignature(desc, candidate, input, sig.signature); err != nil {
			lastErr = err
			continue
		}
		return joint, nil
	}
	if lastErr == nil {
		lastErr = jose.ErrJWSVerificationFailed
	}
	return nil, lastErr
}

func candidateKeys(ctx context.Context, key any, joint header.Header, opts *VerifyOptions) ([]any, error) {
	if key != nil {
		return []any{key}, nil
	}
	if opts == nil || opts.Resolver == nil {
		return nil, jose.JWSInvalid("no verification key: pass a key or configure a resolver")
	}
	resolved, err := opts.Resolver.ResolveKey(ctx, joint)
	if err == nil {
		return []any{resolved}, nil
	}
	var multi *jwk.MultipleMatchingKeysError
	if errors.As(err, &multi) {
		var keys []any
		for {
			candidate, ok := multi.Candidates.Next()
			if !ok {
				break
			}
			keys = append(keys, candidate)
		}
		if len(keys) > 0 {
			return keys, nil
		}
	}
	return nil, err
}

func signingInput(protectedB64, payloadB64 string) []byte {
	return []byte(protectedB64 + "." + payloadB64)
}

// envelope is the parsed serialization-independent form.
type envelope struct {
	payloadB64 string
	signatures []envSignature
}

type envSignature struct {
	protectedB64 string
	protected    header.Header
	header       header.Header
	signature    []byte
}

type rawSignature struct {
	Protected string        `json:"protected,omitempty"`
	Header    header.Header `json:"header,omitempty"`
	Signature string        `json:"signature"`
}

type rawJWS struct {
	Payload    string         `json:"payload"`
	Protected  string         `json:"protected,omitempty"`
	Header     header.Header  `json:"header,omitempty"`
	Signature  string         `json:"signature,omitempty"`
	Signatures []rawSignature `json:"signatures,omitempty"`
}

func parse(token []byte, allowEmptyPayload bool) (*envelope, error) {
	trimmed := bytes.TrimSpace(token)
	if len(trimmed) == 0 {
		return nil, jose.JWSInvalid("token is empty")
	}
	if trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseCompact(string(trimmed), allowEmptyPayload)
}

func parseCompact(token string, allowEmptyPayload bool) (*envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, jose.JWSInvalid("compact JWS must have 3 segments, got %d", len(parts))
	}
	if parts[1] == "" && !allowEmptyPayload {
		return nil, jose.JWSInvalid("token payload is detached; use VerifyDetached")
	}
	sig, err := decodeEnvSignature(parts[0], nil, parts[2])
	if err != nil {
		return nil, err
	}
	return &envelope{payloadB64: parts[1], signatures: []envSignature{sig}}, nil
}

func parseJSON(token []byte) (*envelope, error) {
	var raw rawJWS
	if err := json.Unmarshal(token, &raw); err != nil {
		return nil, jose.JWSInvalid("failed to parse JSON serialization: %v", err)
	}
	if len(raw.Signatures) > 0 && (raw.Signature != "" || raw.Protected != "" || len(raw.Header) > 0) {
		return nil, jose.JWSInvalid("token mixes the general and flattened serializations")
	}

	env := &envelope{payloadB64: raw.Payload}
	if len(raw.Signatures) == 0 {
		sig, err := decodeEnvSignature(raw.Protected, raw.Header, raw.Signature)
		if err != nil {
			return nil, err
		}
		env.signatures = []envSignature{sig}
		return env, nil
	}
	for _, rawSig := range raw.Signatures {
		sig, err := decodeEnvSignature(rawSig.Protected, rawSig.Header, rawSig.Signature)
		if err != nil {
			return nil, err
		}
		env.signatures = append(env.signatures, sig)
	}
	return env, nil
}

func decodeEnvSignature(protectedB64 string, unprotected header.Header, signatureB64 string) (envSignature, error) {
	sig := envSignature{protectedB64: protectedB64, header: unprotected}
	if protectedB64 != "" {
		raw, err := b64.DecodeString(protectedB64)
		if err != nil {
			return envSignature{}, jose.JWSInvalid("protected header is not valid base64url")
		}
		if err := json.Unmarshal(raw, &sig.protected); err != nil {
			return envSignature{}, jose.JWSInvalid("protected header is not a JSON object: %v", err)
		}
	}
	decoded, err := b64.DecodeString(signatureB64)
	if err != nil {
		return envSignature{}, jose.JWSInvalid("signature is not valid base64url")
	}
	sig.signature = decoded
	return sig, nil
}

func resolveSignatureAlg(alg string) (jwa.Descriptor, error) {
	desc, err := jwa.Resolve(alg)
	if err != nil {
		return jwa.Descriptor{}, err
	}
	if desc.Family != jwa.FamilySignature {
		return jwa.Descriptor{}, jose.JWSInvalid("%q is not a signature algorithm", alg)
	}
	if alg == "none" {
		return jwa.Descriptor{}, jose.AlgNotAllowed("refusing to produce an unsecured token (alg \"none\")")
	}
	return desc, nil
}

func record(op, alg string, start time.Time, err *error) {
	status := metrics.StatusSuccess
	if *err != nil {
		status = metrics.StatusError
		var josErr *jose.Error
		if errors.As(*err, &josErr) {
			metrics.RecordError(op, josErr.Code)
		}
	}
	metrics.RecordOperation(op, alg, status, time.Since(start).Seconds())
}
