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

// Package jwe implements JSON Web Encryption (RFC 7516): compact,
// flattened JSON, and general JSON serializations over the key management
// and content encryption algorithms of RFC 7518.
//
// The decrypt path is hardened against oracle attacks: a failed key unwrap
// substitutes a random CEK and lets content decryption fail generically, so
// every cryptographic failure surfaces as jose.ErrJWEDecryptionFailed with
// comparable timing.
package jwe

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/jeremyhahn/go-josekit/pkg/crypto/contentenc"
	"github.com/jeremyhahn/go-josekit/pkg/header"
	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwa"
	"github.com/jeremyhahn/go-josekit/pkg/jwk"
	"github.com/jeremyhahn/go-josekit/pkg/metrics"
)

// DefaultMaxDecompressSize caps the size of a decompressed payload. A
// hostile zip=DEF message cannot expand past this without being rejected.
const DefaultMaxDecompressSize = 10 << 20

var b64 = base64.RawURLEncoding

// KeyResolver resolves a decryption key from the joint JOSE header.
// *jwks.Resolver implements it.
type KeyResolver interface {
	ResolveKey(ctx context.Context, hdr header.Header) (*jwk.Key, error)
}

// EncryptOptions tunes the encrypt operations. The zero value produces a
// minimal token.
type EncryptOptions struct {
	// ProtectedHeader adds parameters to the integrity-protected header.
	// "alg", "enc" and "zip" are set by the codec and must not appear here.
	ProtectedHeader header.Header

	// UnprotectedHeader adds a shared unprotected header. JSON
	// serializations only.
	UnprotectedHeader header.Header

	// AAD is additional authenticated data bound to the ciphertext. JSON
	// serializations only; the compact form cannot carry it.
	AAD []byte

	// Compress applies DEFLATE (zip=DEF) to the payload before encryption.
	Compress bool

	// CEK fixes the content-encryption key instead of generating a random
	// one. Interoperability testing only.
	CEK []byte

	// Rand sources all randomness (CEK, IV, salts, ephemeral keys).
	// Defaults to crypto/rand.Reader. Interoperability testing only.
	Rand io.Reader

	// PBES2Count is the PBKDF2 iteration count for PBES2 algorithms.
	// Defaults to DefaultPBES2Count.
	PBES2Count int

	// APU and APV are the ECDH-ES agreement party infos.
	APU, APV []byte
}

func (o *EncryptOptions) rng() io.Reader {
	if o != nil && o.Rand != nil {
		return o.Rand
	}
	return rand.Reader
}

// DecryptOptions tunes the decrypt operation.
type DecryptOptions struct {
	// AllowedAlgorithms restricts the accepted key management algorithms.
	// Empty permits every registered algorithm.
	AllowedAlgorithms []string

	// AllowedEncryption restricts the accepted content encryption
	// algorithms. Empty permits every registered algorithm.
	AllowedEncryption []string

	// Resolver supplies the decryption key from the token header when the
	// caller does not pass one explicitly.
	Resolver KeyResolver

	// MaxPBES2Count caps the PBES2 iteration count honored from the
	// untrusted header. Defaults to MaxPBES2Count.
	MaxPBES2Count int

	// MaxDecompressSize caps the decompressed payload size for zip=DEF.
	// Defaults to DefaultMaxDecompressSize.
	MaxDecompressSize int64

	// RecognizedCritical lists the "crit" extension parameters the caller
	// understands. A token whose crit names anything else is rejected.
	RecognizedCritical []string
}

// Recipient describes one recipient of a JSON-serialized message.
type Recipient struct {
	// Alg is the key management algorithm for this recipient.
	Alg string

	// Key is the recipient key: []byte or *jwk.Key for symmetric and
	// password algorithms, *rsa.PublicKey, *ecdsa.PublicKey or
	// *ecdh.PublicKey for the asymmetric ones.
	Key any

	// Header adds per-recipient unprotected parameters (e.g. "kid").
	Header header.Header
}

// Encrypt produces a compact JWE: five base64url segments joined by dots.
// All header parameters, including the per-recipient ones the key
// management algorithm generates, land in the protected header.
func Encrypt(payload []byte, alg, enc string, key any, opts *EncryptOptions) (token string, err error) {
	defer record(metrics.OpEncrypt, alg, time.Now(), &err)

	algDesc, encDesc, err := resolvePair(alg, enc)
	if err != nil {
		return "", err
	}
	if opts != nil && (len(opts.AAD) > 0 || len(opts.UnprotectedHeader) > 0) {
		return "", jose.JWEInvalid("the compact serialization cannot carry an aad or unprotected header")
	}
	rng := opts.rng()

	protected, err := baseProtected(algDesc.ID, encDesc.ID, opts)
	if err != nil {
		return "", err
	}

	cek, err := sharedCEK(algDesc, encDesc, opts, rng)
	if err != nil {
		return "", err
	}
	src, err := deriveForEncrypt(algDesc, encDesc, key, cek, opts, rng)
	if err != nil {
		return "", err
	}
	for name, value := range src.extra {
		if protected.Has(name) {
			return "", jose.JWEInvalid("protected header already carries %q", name)
		}
		protected[name] = value
	}

	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return "", jose.JWEInvalid("failed to serialize protected header: %v", err)
	}
	protectedB64 := b64.EncodeToString(protectedJSON)

	plaintext := payload
	if opts != nil && opts.Compress {
		if plaintext, err = compress(payload); err != nil {
			return "", err
		}
	}

	iv := make([]byte, encDesc.IVSize)
	if _, err := io.ReadFull(rng, iv); err != nil {
		return "", jose.JWEInvalid("failed to generate IV: %v", err)
	}
	ciphertext, tag, err := contentenc.Encrypt(encDesc, src.cek, iv, plaintext, []byte(protectedB64))
	if err != nil {
		return "", jose.JWEInvalid("content encryption failed: %v", err)
	}

	return strings.Join([]string{
		protectedB64,
		b64.EncodeToString(src.encryptedKey),
		b64.EncodeToString(iv),
		b64.EncodeToString(ciphertext),
		b64.EncodeToString(tag),
	}, "."), nil
}

// EncryptJSON produces a JSON-serialized JWE: flattened for a single
// recipient, general for several. Recipients share one CEK, so the
// CEK-dictating algorithms ("dir", "ECDH-ES") are only accepted when they
// are the sole recipient.
func EncryptJSON(payload []byte, enc string, recipients []Recipient, opts *EncryptOptions) (token []byte, err error) {
	defer record(metrics.OpEncrypt, enc, time.Now(), &err)

	if len(recipients) == 0 {
		return nil, jose.JWEInvalid("at least one recipient is required")
	}
	encDesc, err := jwa.Resolve(enc)
	if err != nil {
		return nil, err
	}
	if encDesc.Family != jwa.FamilyContentEncryption {
		return nil, jose.JWEInvalid("%q is not a content encryption algorithm", enc)
	}
	rng := opts.rng()

	algDescs := make([]jwa.Descriptor, len(recipients))
	for i, rec := range recipients {
		desc, err := jwa.Resolve(rec.Alg)
		if err != nil {
			return nil, err
		}
		if !isKeyManagement(desc.Family) {
			return nil, jose.JWEInvalid("%q is not a key management algorithm", rec.Alg)
		}
		dictatesCEK := desc.Family == jwa.FamilyDirect || desc.Family == jwa.FamilyKeyAgreement
		if dictatesCEK && len(recipients) > 1 {
			return nil, jose.JWEInvalid("%q dictates the CEK and cannot share a message with other recipients", rec.Alg)
		}
		algDescs[i] = desc
	}

	protected, err := baseProtected("", encDesc.ID, opts)
	if err != nil {
		return nil, err
	}

	cek, err := sharedCEK(algDescs[0], encDesc, opts, rng)
	if err != nil {
		return nil, err
	}

	raw := rawJSON{}
	var sources []*cekSource
	for i, rec := range recipients {
		src, err := deriveForEncrypt(algDescs[i], encDesc, rec.Key, cek, opts, rng)
		if err != nil {
			return nil, err
		}
		cek = src.cek
		sources = append(sources, src)
	}

	protectedJSON, err := json.Marshal(protected)
	if err != nil {
		return nil, jose.JWEInvalid("failed to serialize protected header: %v", err)
	}
	raw.Protected = b64.EncodeToString(protectedJSON)
	if opts != nil && len(opts.UnprotectedHeader) > 0 {
		raw.Unprotected = opts.UnprotectedHeader.Clone()
	}

	aadInput := []byte(raw.Protected)
	if opts != nil && len(opts.AAD) > 0 {
		raw.AAD = b64.EncodeToString(opts.AAD)
		aadInput = append(aadInput, '.')
		aadInput = append(aadInput, raw.AAD...)
	}

	plaintext := payload
	if opts != nil && opts.Compress {
		if plaintext, err = compress(payload); err != nil {
			return nil, err
		}
	}

	iv := make([]byte, encDesc.IVSize)
	if _, err := io.ReadFull(rng, iv); err != nil {
		return nil, jose.JWEInvalid("failed to generate IV: %v", err)
	}
	ciphertext, tag, err := contentenc.Encrypt(encDesc, cek, iv, plaintext, aadInput)
	if err != nil {
		return nil, jose.JWEInvalid("content encryption failed: %v", err)
	}
	raw.IV = b64.EncodeToString(iv)
	raw.Ciphertext = b64.EncodeToString(ciphertext)
	raw.Tag = b64.EncodeToString(tag)

	if len(recipients) == 1 {
		raw.Header = recipientHeader(recipients[0], sources[0])
		raw.EncryptedKey = b64.EncodeToString(sources[0].encryptedKey)
	} else {
		for i, rec := range recipients {
			raw.Recipients = append(raw.Recipients, rawRecipient{
				Header:       recipientHeader(rec, sources[i]),
				EncryptedKey: b64.EncodeToString(sources[i].encryptedKey),
			})
		}
	}
	return json.Marshal(raw)
}

// Decrypt opens a JWE in any serialization. The token is detected as JSON
// when it starts with '{', compact otherwise. key may be nil when
// opts.Resolver is set; a resolver that reports multiple candidate keys has
// each candidate tried in turn, since authenticated decryption identifies
// the right one.
//
// Returns the plaintext and the joint header of the recipient that
// decrypted successfully.
func Decrypt(ctx context.Context, token []byte, key any, opts *DecryptOptions) (payload []byte, hdr header.Header, err error) {
	defer record(metrics.OpDecrypt, "", time.Now(), &err)

	env, err := parse(token)
	if err != nil {
		return nil, nil, err
	}

	aadInput := []byte(env.protectedB64)
	if env.aadB64 != "" {
		aadInput = append(aadInput, '.')
		aadInput = append(aadInput, env.aadB64...)
	}

	var firstErr error
	for _, rec := range env.recipients {
		plaintext, joint, recErr := decryptRecipient(ctx, env, rec, aadInput, key, opts)
		if recErr == nil {
			return plaintext, joint, nil
		}
		if firstErr == nil {
			firstErr = recErr
		}
	}

	// Structural and policy failures surface as themselves; every
	// cryptographic failure collapses to the generic error.
	var josErr *jose.Error
	if errors.As(firstErr, &josErr) && josErr.Code != jose.CodeJWEDecryptionFailed {
		return nil, nil, firstErr
	}
	return nil, nil, jose.ErrJWEDecryptionFailed
}

func decryptRecipient(ctx context.Context, env *envelope, rec envRecipient, aadInput []byte, key any, opts *DecryptOptions) ([]byte, header.Header, error) {
	var recognized []string
	if opts != nil {
		recognized = opts.RecognizedCritical
	}
	joint, err := header.Merge(env.protected, env.unprotected, rec.header, recognized)
	if err != nil {
		return nil, nil, jose.JWEInvalid("%v", err)
	}

	algID := joint.Algorithm()
	encID := joint.Encryption()
	if algID == "" || encID == "" {
		return nil, nil, jose.JWEInvalid("missing required %q or %q header parameter", "alg", "enc")
	}
	var allowedAlgs, allowedEncs []string
	if opts != nil {
		allowedAlgs, allowedEncs = opts.AllowedAlgorithms, opts.AllowedEncryption
	}
	if err := jwa.CheckAllowed(algID, allowedAlgs); err != nil {
		return nil, nil, err
	}
	if err := jwa.CheckAllowed(encID, allowedEncs); err != nil {
		return nil, nil, err
	}
	algDesc, _ := jwa.Resolve(algID)
	encDesc, _ := jwa.Resolve(encID)
	if !isKeyManagement(algDesc.Family) || encDesc.Family != jwa.FamilyContentEncryption {
		return nil, nil, jose.JWEInvalid("header algorithms %q/%q are not a valid key management and content encryption pair", algID, encID)
	}

	zip := joint.String(header.ParamCompression)
	if zip != "" && zip != "DEF" {
		return nil, nil, jose.NotSupported("compression algorithm %q is not supported", zip)
	}

	keys, err := candidateKeys(ctx, key, joint, opts)
	if err != nil {
		return nil, nil, err
	}

	var lastErr error
	for _, candidate := range keys {
		cek, err := deriveForDecrypt(algDesc, encDesc, candidate, joint, rec.encryptedKey, opts)
		if err != nil {
			lastErr = err
			continue
		}
		plaintext, err := contentenc.Decrypt(encDesc, cek, env.iv, env.ciphertext, env.tag, aadInput)
		if err != nil {
			lastErr = err
			continue
		}
		if zip == "DEF" {
			if plaintext, err = decompress(plaintext, opts); err != nil {
				return nil, nil, err
			}
		}
		return plaintext, joint, nil
	}
	if lastErr == nil {
		lastErr = jose.ErrJWEDecryptionFailed
	}
	return nil, nil, lastErr
}

// candidateKeys expands the explicit key or the resolver result into the
// list of keys to try. A MultipleMatchingKeysError from the resolver is not
// fatal: its candidates are tried in order.
func candidateKeys(ctx context.Context, key any, joint header.Header, opts *DecryptOptions) ([]any, error) {
	if key != nil {
		return []any{key}, nil
	}
	if opts == nil || opts.Resolver == nil {
		return nil, jose.JWEInvalid("no decryption key: pass a key or configure a resolver")
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

// envelope is the parsed serialization-independent form.
type envelope struct {
	protectedB64 string
	protected    header.Header
	unprotected  header.Header
	aadB64       string
	iv           []byte
	ciphertext   []byte
	tag          []byte
	recipients   []envRecipient
}

type envRecipient struct {
	header       header.Header
	encryptedKey []byte
}

type rawRecipient struct {
	Header       header.Header `json:"header,omitempty"`
	EncryptedKey string        `json:"encrypted_key,omitempty"`
}

type rawJSON struct {
	Protected    string         `json:"protected,omitempty"`
	Unprotected  header.Header  `json:"unprotected,omitempty"`
	Header       header.Header  `json:"header,omitempty"`
	EncryptedKey string         `json:"encrypted_key,omitempty"`
	Recipients   []rawRecipient `json:"recipients,omitempty"`
	AAD          string         `json:"aad,omitempty"`
	IV           string         `json:"iv"`
	Ciphertext   string         `json:"ciphertext"`
	Tag          string         `json:"tag"`
}

func parse(token []byte) (*envelope, error) {
	trimmed := bytes.TrimSpace(token)
	if len(trimmed) == 0 {
		return nil, jose.JWEInvalid("token is empty")
	}
	if trimmed[0] == '{' {
		return parseJSON(trimmed)
	}
	return parseCompact(string(trimmed))
}

func parseCompact(token string) (*envelope, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 5 {
		return nil, jose.JWEInvalid("compact JWE must have 5 segments, got %d", len(parts))
	}
	protected, err := decodeProtected(parts[0])
	if err != nil {
		return nil, err
	}
	encryptedKey, err := decodeSegment(parts[1], "encrypted key")
	if err != nil {
		return nil, err
	}
	iv, err := decodeSegment(parts[2], "iv")
	if err != nil {
		return nil, err
	}
	ciphertext, err := decodeSegment(parts[3], "ciphertext")
	if err != nil {
		return nil, err
	}
	tag, err := decodeSegment(parts[4], "tag")
	if err != nil {
		return nil, err
	}
	return &envelope{
		protectedB64: parts[0],
		protected:    protected,
		iv:           iv,
		ciphertext:   ciphertext,
		tag:          tag,
		recipients:   []envRecipient{{encryptedKey: encryptedKey}},
	}, nil
}

func parseJSON(token []byte) (*envelope, error) {
	var raw rawJSON
	if err := json.Unmarshal(token, &raw); err != nil {
		return nil, jose.JWEInvalid("failed to parse JSON serialization: %v", err)
	}
	if len(raw.Recipients) > 0 && (raw.EncryptedKey != "" || len(raw.Header) > 0) {
		return nil, jose.JWEInvalid("token mixes the general and flattened serializations")
	}

	env := &envelope{
		protectedB64: raw.Protected,
		unprotected:  raw.Unprotected,
		aadB64:       raw.AAD,
	}
	var err error
	if raw.Protected != "" {
		if env.protected, err = decodeProtected(raw.Protected); err != nil {
			return nil, err
		}
	}
	if env.iv, err = decodeSegment(raw.IV, "iv"); err != nil {
		return nil, err
	}
	if env.ciphertext, err = decodeSegment(raw.Ciphertext, "ciphertext"); err != nil {
		return nil, err
	}
	if env.tag, err = decodeSegment(raw.Tag, "tag"); err != nil {
		return nil, err
	}
	if raw.AAD != "" {
		if _, err := b64.DecodeString(raw.AAD); err != nil {
			return nil, jose.JWEInvalid("aad is not valid base64url")
		}
	}

	if len(raw.Recipients) == 0 {
		encryptedKey, err := decodeSegment(raw.EncryptedKey, "encrypted key")
		if err != nil {
			return nil, err
		}
		env.recipients = []envRecipient{{header: raw.Header, encryptedKey: encryptedKey}}
		return env, nil
	}
	for _, rec := range raw.Recipients {
		encryptedKey, err := decodeSegment(rec.EncryptedKey, "encrypted key")
		if err != nil {
			return nil, err
		}
		env.recipients = append(env.recipients, envRecipient{header: rec.Header, encryptedKey: encryptedKey})
	}
	return env, nil
}

func decodeProtected(segment string) (header.Header, error) {
	raw, err := b64.DecodeString(segment)
	if err != nil {
		return nil, jose.JWEInvalid("protected header is not valid base64url")
	}
	var hdr header.Header
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, jose.JWEInvalid("protected header is not a JSON object: %v", err)
	}
	return hdr, nil
}

func decodeSegment(segment, name string) ([]byte, error) {
	if segment == "" {
		return nil, nil
	}
	raw, err := b64.DecodeString(segment)
	if err != nil {
		return nil, jose.JWEInvalid("%s is not valid base64url", name)
	}
	return raw, nil
}

// baseProtected assembles the protected header from the codec-owned
// parameters and the caller's additions.
func baseProtected(alg, enc string, opts *EncryptOptions) (header.Header, error) {
	protected := header.Header{header.ParamEncryption: enc}
	if alg != "" {
		protected[header.ParamAlgorithm] = alg
	}
	if opts != nil && opts.Compress {
		protected[header.ParamCompression] = "DEF"
	}
	if opts != nil {
		for name, value := range opts.ProtectedHeader {
			if protected.Has(name) {
				return nil, jose.JWEInvalid("protected header parameter %q is managed by the codec", name)
			}
			protected[name] = value
		}
	}
	return protected, nil
}

// sharedCEK generates the CEK for wrap-style algorithms. The CEK-dictating
// families return nil and derive it during key management.
func sharedCEK(alg, enc jwa.Descriptor, opts *EncryptOptions, rng io.Reader) ([]byte, error) {
	if alg.Family == jwa.FamilyDirect || alg.Family == jwa.FamilyKeyAgreement {
		if opts != nil && len(opts.CEK) > 0 {
			return nil, jose.JWEInvalid("%q dictates the CEK; a fixed CEK cannot be used", alg.ID)
		}
		return nil, nil
	}
	if opts != nil && len(opts.CEK) > 0 {
		if len(opts.CEK) != enc.KeySize {
			return nil, jose.JWEInvalid("%s requires a %d-byte CEK, got %d", enc.ID, enc.KeySize, len(opts.CEK))
		}
		return opts.CEK, nil
	}
	cek := make([]byte, enc.KeySize)
	if _, err := io.ReadFull(rng, cek); err != nil {
		return nil, jose.JWEInvalid("failed to generate CEK: %v", err)
	}
	return cek, nil
}

func recipientHeader(rec Recipient, src *cekSource) header.Header {
	hdr := header.Header{header.ParamAlgorithm: rec.Alg}
	for name, value := range rec.Header {
		hdr[name] = value
	}
	for name, value := range src.extra {
		hdr[name] = value
	}
	return hdr
}

func resolvePair(alg, enc string) (jwa.Descriptor, jwa.Descriptor, error) {
	algDesc, err := jwa.Resolve(alg)
	if err != nil {
		return jwa.Descriptor{}, jwa.Descriptor{}, err
	}
	encDesc, err := jwa.Resolve(enc)
	if err != nil {
		return jwa.Descriptor{}, jwa.Descriptor{}, err
	}
	if !isKeyManagement(algDesc.Family) {
		return jwa.Descriptor{}, jwa.Descriptor{}, jose.JWEInvalid("%q is not a key management algorithm", alg)
	}
	if encDesc.Family != jwa.FamilyContentEncryption {
		return jwa.Descriptor{}, jwa.Descriptor{}, jose.JWEInvalid("%q is not a content encryption algorithm", enc)
	}
	return algDesc, encDesc, nil
}

func isKeyManagement(f jwa.Family) bool {
	switch f {
	case jwa.FamilyDirect, jwa.FamilyKeyWrap, jwa.FamilyKeyWrapAEAD,
		jwa.FamilyPasswordBased, jwa.FamilyKeyAgreement,
		jwa.FamilyKeyAgreementWrap, jwa.FamilyKeyEncryption:
		return true
	}
	return false
}

func compress(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, jose.JWEInvalid("failed to initialize compression: %v", err)
	}
	if _, err := w.Write(payload); err != nil {
		return nil, jose.JWEInvalid("compression failed: %v", err)
	}
	if err := w.Close(); err != nil {
		return nil, jose.JWEInvalid("compression failed: %v", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte, opts *DecryptOptions) ([]byte, error) {
	limit := int64(DefaultMaxDecompressSize)
	if opts != nil && opts.MaxDecompressSize > 0 {
		limit = opts.MaxDecompressSize
	}
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, jose.JWEInvalid("decompression failed: %v", err)
	}
	if int64(len(out)) > limit {
		return nil, jose.JWEInvalid("decompressed payload exceeds %d bytes", limit)
	}
	return out, nil
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
