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

package jwe

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/jeremyhahn/go-josekit/pkg/crypto/concatkdf"
	"github.com/jeremyhahn/go-josekit/pkg/crypto/contentenc"
	"github.com/jeremyhahn/go-josekit/pkg/crypto/keywrap"
	"github.com/jeremyhahn/go-josekit/pkg/header"
	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwa"
	"github.com/jeremyhahn/go-josekit/pkg/jwk"
)

// PBES2 iteration bounds. The default is applied when the caller does not
// set EncryptOptions.PBES2Count; the maximum caps what Decrypt will honor
// from an untrusted header so a hostile p2c cannot burn CPU.
const (
	DefaultPBES2Count = 10000
	MaxPBES2Count     = 1000000

	pbes2SaltSize = 16
)

// cekSource produces the CEK and per-recipient key material on the encrypt
// path. extra carries algorithm-specific header parameters (epk, iv, tag,
// p2s, p2c) that must reach the recipient.
type cekSource struct {
	cek          []byte
	encryptedKey []byte
	extra        header.Header
}

// deriveForEncrypt establishes the CEK for one recipient. For wrap-style
// algorithms cek is the caller-provided shared CEK; for "dir" and "ECDH-ES"
// the key management algorithm dictates the CEK itself and cek must be nil.
func deriveForEncrypt(alg, enc jwa.Descriptor, key any, cek []byte, opts *EncryptOptions, rng io.Reader) (*cekSource, error) {
	switch alg.Family {
	case jwa.FamilyDirect:
		raw, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		if len(raw) != enc.KeySize {
			return nil, jose.JWEInvalid("%s with %s requires a %d-byte key, got %d", alg.ID, enc.ID, enc.KeySize, len(raw))
		}
		return &cekSource{cek: raw}, nil

	case jwa.FamilyKeyWrap:
		kek, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		if len(kek) != alg.KeySize {
			return nil, jose.JWEInvalid("%s requires a %d-byte key, got %d", alg.ID, alg.KeySize, len(kek))
		}
		wrapped, err := keywrap.Wrap(kek, cek)
		if err != nil {
			return nil, jose.JWEInvalid("failed to wrap CEK: %v", err)
		}
		return &cekSource{cek: cek, encryptedKey: wrapped}, nil

	case jwa.FamilyKeyWrapAEAD:
		kek, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		if len(kek) != alg.KeySize {
			return nil, jose.JWEInvalid("%s requires a %d-byte key, got %d", alg.ID, alg.KeySize, len(kek))
		}
		wrapDesc, err := jwa.Resolve(alg.WrapAlg)
		if err != nil {
			return nil, err
		}
		iv := make([]byte, wrapDesc.IVSize)
		if _, err := io.ReadFull(rng, iv); err != nil {
			return nil, jose.JWEInvalid("failed to generate key-wrap IV: %v", err)
		}
		wrapped, tag, err := contentenc.Encrypt(wrapDesc, kek, iv, cek, nil)
		if err != nil {
			return nil, jose.JWEInvalid("failed to wrap CEK: %v", err)
		}
		return &cekSource{
			cek:          cek,
			encryptedKey: wrapped,
			extra: header.Header{
				header.ParamInitVector: base64.RawURLEncoding.EncodeToString(iv),
				header.ParamTag:        base64.RawURLEncoding.EncodeToString(tag),
			},
		}, nil

	case jwa.FamilyPasswordBased:
		password, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		salt := make([]byte, pbes2SaltSize)
		if _, err := io.ReadFull(rng, salt); err != nil {
			return nil, jose.JWEInvalid("failed to generate PBES2 salt: %v", err)
		}
		count := DefaultPBES2Count
		if opts != nil && opts.PBES2Count > 0 {
			count = opts.PBES2Count
		}
		if count > MaxPBES2Count {
			return nil, jose.JWEInvalid("PBES2 iteration count %d exceeds the maximum %d", count, MaxPBES2Count)
		}
		kek := pbes2Derive(alg, password, salt, count)
		wrapped, err := keywrap.Wrap(kek, cek)
		if err != nil {
			return nil, jose.JWEInvalid("failed to wrap CEK: %v", err)
		}
		return &cekSource{
			cek:          cek,
			encryptedKey: wrapped,
			extra: header.Header{
				header.ParamPBES2Salt:  base64.RawURLEncoding.EncodeToString(salt),
				header.ParamPBES2Count: count,
			},
		}, nil

	case jwa.FamilyKeyAgreement, jwa.FamilyKeyAgreementWrap:
		pub, err := agreementPublicKey(key)
		if err != nil {
			return nil, err
		}
		eph, err := pub.Curve().GenerateKey(rng)
		if err != nil {
			return nil, jose.JWEInvalid("failed to generate ephemeral key: %v", err)
		}
		z, err := eph.ECDH(pub)
		if err != nil {
			return nil, jose.JWEInvalid("ECDH agreement failed: %v", err)
		}

		var apu, apv []byte
		if opts != nil {
			apu, apv = opts.APU, opts.APV
		}
		extra := header.Header{header.ParamEphemeralKey: epkHeader(eph.PublicKey())}
		if len(apu) > 0 {
			extra[header.ParamAgreementPartyU] = base64.RawURLEncoding.EncodeToString(apu)
		}
		if len(apv) > 0 {
			extra[header.ParamAgreementPartyV] = base64.RawURLEncoding.EncodeToString(apv)
		}

		if alg.Family == jwa.FamilyKeyAgreement {
			derived, err := concatkdf.Derive(sha256.New, z, enc.ID, apu, apv, enc.KeySize*8)
			if err != nil {
				return nil, jose.JWEInvalid("key derivation failed: %v", err)
			}
			return &cekSource{cek: derived, extra: extra}, nil
		}

		kek, err := concatkdf.Derive(sha256.New, z, alg.ID, apu, apv, alg.KeySize*8)
		if err != nil {
			return nil, jose.JWEInvalid("key derivation failed: %v", err)
		}
		wrapped, err := keywrap.Wrap(kek, cek)
		if err != nil {
			return nil, jose.JWEInvalid("failed to wrap CEK: %v", err)
		}
		return &cekSource{cek: cek, encryptedKey: wrapped, extra: extra}, nil

	case jwa.FamilyKeyEncryption:
		pub, err := rsaPublicKey(key)
		if err != nil {
			return nil, err
		}
		encrypted, err := rsa.EncryptOAEP(alg.Hash.New(), rng, pub, cek, nil)
		if err != nil {
			return nil, jose.JWEInvalid("RSA-OAEP encryption failed: %v", err)
		}
		return &cekSource{cek: cek, encryptedKey: encrypted}, nil

	default:
		return nil, jose.NotSupported("algorithm %q is not a key management algorithm", alg.ID)
	}
}

// deriveForDecrypt recovers the CEK for one recipient. On any unwrap
// failure it returns a random CEK of the correct length instead of an
// error, so the content decryption proceeds and fails with the same
// generic error and comparable timing as a wrong-key attempt
// (RFC 7516 §11.5).
func deriveForDecrypt(alg, enc jwa.Descriptor, key any, hdr header.Header, encryptedKey []byte, opts *DecryptOptions) ([]byte, error) {
	cek, err := unwrapCEK(alg, enc, key, hdr, encryptedKey, opts)
	if err != nil {
		// Structural and policy errors are safe to surface; only
		// key-confidentiality failures hide behind the random CEK.
		var josErr *jose.Error
		if errors.As(err, &josErr) && josErr.Code != jose.CodeJWEDecryptionFailed {
			return nil, err
		}
		substitute := make([]byte, enc.KeySize)
		if _, randErr := io.ReadFull(rand.Reader, substitute); randErr != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return substitute, nil
	}
	if len(cek) != enc.KeySize {
		substitute := make([]byte, enc.KeySize)
		if _, randErr := io.ReadFull(rand.Reader, substitute); randErr != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return substitute, nil
	}
	return cek, nil
}

func unwrapCEK(alg, enc jwa.Descriptor, key any, hdr header.Header, encryptedKey []byte, opts *DecryptOptions) ([]byte, error) {
	switch alg.Family {
	case jwa.FamilyDirect:
		if len(encryptedKey) != 0 {
			return nil, jose.JWEInvalid("%q must not carry an encrypted key", alg.ID)
		}
		return symmetricKey(key)

	case jwa.FamilyKeyWrap:
		kek, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		cek, err := keywrap.Unwrap(kek, encryptedKey)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return cek, nil

	case jwa.FamilyKeyWrapAEAD:
		kek, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		wrapDesc, err := jwa.Resolve(alg.WrapAlg)
		if err != nil {
			return nil, err
		}
		iv, err := headerBytes(hdr, header.ParamInitVector)
		if err != nil {
			return nil, err
		}
		tag, err := headerBytes(hdr, header.ParamTag)
		if err != nil {
			return nil, err
		}
		cek, err := contentenc.Decrypt(wrapDesc, kek, iv, encryptedKey, tag, nil)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return cek, nil

	case jwa.FamilyPasswordBased:
		password, err := symmetricKey(key)
		if err != nil {
			return nil, err
		}
		salt, err := headerBytes(hdr, header.ParamPBES2Salt)
		if err != nil {
			return nil, err
		}
		count, err := headerInt(hdr, header.ParamPBES2Count)
		if err != nil {
			return nil, err
		}
		maxCount := MaxPBES2Count
		if opts != nil && opts.MaxPBES2Count > 0 {
			maxCount = opts.MaxPBES2Count
		}
		if count < 1 || count > maxCount {
			return nil, jose.JWEInvalid("PBES2 iteration count %d is outside the accepted range [1, %d]", count, maxCount)
		}
		kek := pbes2Derive(alg, password, salt, count)
		cek, err := keywrap.Unwrap(kek, encryptedKey)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return cek, nil

	case jwa.FamilyKeyAgreement, jwa.FamilyKeyAgreementWrap:
		priv, err := agreementPrivateKey(key)
		if err != nil {
			return nil, err
		}
		epk, err := ephemeralFromHeader(hdr)
		if err != nil {
			return nil, err
		}
		z, err := priv.ECDH(epk)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		apu, apv, err := agreementParties(hdr)
		if err != nil {
			return nil, err
		}

		if alg.Family == jwa.FamilyKeyAgreement {
			if len(encryptedKey) != 0 {
				return nil, jose.JWEInvalid("%q must not carry an encrypted key", alg.ID)
			}
			return concatkdf.Derive(sha256.New, z, enc.ID, apu, apv, enc.KeySize*8)
		}

		kek, err := concatkdf.Derive(sha256.New, z, alg.ID, apu, apv, alg.KeySize*8)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		cek, err := keywrap.Unwrap(kek, encryptedKey)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return cek, nil

	case jwa.FamilyKeyEncryption:
		priv, err := rsaPrivateKey(key)
		if err != nil {
			return nil, err
		}
		cek, err := rsa.DecryptOAEP(alg.Hash.New(), nil, priv, encryptedKey, nil)
		if err != nil {
			return nil, jose.ErrJWEDecryptionFailed
		}
		return cek, nil

	default:
		return nil, jose.NotSupported("algorithm %q is not a key management algorithm", alg.ID)
	}
}

// pbes2Derive computes the PBKDF2 key-wrapping key. The salt input is the
// algorithm identifier, a zero byte, then the p2s value (RFC 7518 §4.8.1.1).
func pbes2Derive(alg jwa.Descriptor, password, salt []byte, count int) []byte {
	saltInput := make([]byte, 0, len(alg.ID)+1+len(salt))
	saltInput = append(saltInput, alg.ID...)
	saltInput = append(saltInput, 0)
	saltInput = append(saltInput, salt...)
	return pbkdf2.Key(password, saltInput, count, alg.KeySize, alg.Hash.New)
}

// epkHeader serializes an ephemeral NIST-curve public key as a JWK header
// value. ecdh public key bytes are the uncompressed point 0x04 || X || Y.
func epkHeader(pub *ecdh.PublicKey) header.Header {
	name, size := curveParams(pub.Curve())
	raw := pub.Bytes()
	return header.Header{
		"kty": jwk.KeyTypeEC,
		"crv": name,
		"x":   base64.RawURLEncoding.EncodeToString(raw[1 : 1+size]),
		"y":   base64.RawURLEncoding.EncodeToString(raw[1+size:]),
	}
}

func curveParams(curve ecdh.Curve) (name string, coordSize int) {
	switch curve {
	case ecdh.P256():
		return "P-256", 32
	case ecdh.P384():
		return "P-384", 48
	default:
		return "P-521", 66
	}
}

// ephemeralFromHeader parses the "epk" header parameter into an ECDH public
// key. The value arrives as a JSON object after decoding or as a
// header.Header when built programmatically.
func ephemeralFromHeader(hdr header.Header) (*ecdh.PublicKey, error) {
	raw, ok := hdr[header.ParamEphemeralKey]
	if !ok {
		return nil, jose.JWEInvalid("missing required %q header parameter", header.ParamEphemeralKey)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, jose.JWEInvalid("invalid %q header parameter", header.ParamEphemeralKey)
	}
	key, err := jwk.ParseKey(encoded)
	if err != nil {
		return nil, jose.JWEInvalid("invalid %q header parameter: %v", header.ParamEphemeralKey, err)
	}
	pub, err := key.Public()
	if err != nil {
		return nil, jose.JWEInvalid("invalid %q header parameter: %v", header.ParamEphemeralKey, err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, jose.JWEInvalid("%q must be an EC public key", header.ParamEphemeralKey)
	}
	agreed, err := ecPub.ECDH()
	if err != nil {
		return nil, jose.JWEInvalid("invalid %q header parameter: %v", header.ParamEphemeralKey, err)
	}
	return agreed, nil
}

func agreementParties(hdr header.Header) (apu, apv []byte, err error) {
	if hdr.Has(header.ParamAgreementPartyU) {
		apu, err = headerBytes(hdr, header.ParamAgreementPartyU)
		if err != nil {
			return nil, nil, err
		}
	}
	if hdr.Has(header.ParamAgreementPartyV) {
		apv, err = headerBytes(hdr, header.ParamAgreementPartyV)
		if err != nil {
			return nil, nil, err
		}
	}
	return apu, apv, nil
}

func headerBytes(hdr header.Header, name string) ([]byte, error) {
	value := hdr.String(name)
	if value == "" {
		return nil, jose.JWEInvalid("missing or invalid %q header parameter", name)
	}
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return nil, jose.JWEInvalid("%q header parameter is not valid base64url", name)
	}
	return raw, nil
}

// headerInt reads an integer header parameter, tolerating the float64 form
// JSON decoding produces.
func headerInt(hdr header.Header, name string) (int, error) {
	switch v := hdr[name].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int(v)) {
			return 0, jose.JWEInvalid("%q header parameter must be an integer", name)
		}
		return int(v), nil
	default:
		return 0, jose.JWEInvalid("missing or invalid %q header parameter", name)
	}
}

// Key normalization. Each accessor accepts raw Go keys and *jwk.Key.

func symmetricKey(key any) ([]byte, error) {
	switch k := key.(type) {
	case []byte:
		return k, nil
	case string:
		return []byte(k), nil
	case *jwk.Key:
		return k.Symmetric()
	default:
		return nil, jose.JWEInvalid("unsupported symmetric key type %T", key)
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
			return nil, jose.JWEInvalid("JWK is not an RSA key")
		}
		return rsaPub, nil
	default:
		return nil, jose.JWEInvalid("unsupported RSA key type %T", key)
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
			return nil, jose.JWEInvalid("JWK is not an RSA private key")
		}
		return rsaPriv, nil
	default:
		return nil, jose.JWEInvalid("unsupported RSA private key type %T", key)
	}
}

func agreementPublicKey(key any) (*ecdh.PublicKey, error) {
	switch k := key.(type) {
	case *ecdh.PublicKey:
		return k, nil
	case *ecdsa.PublicKey:
		pub, err := k.ECDH()
		if err != nil {
			return nil, jose.JWEInvalid("unsupported EC curve: %v", err)
		}
		return pub, nil
	case *ecdsa.PrivateKey:
		return agreementPublicKey(&k.PublicKey)
	case *jwk.Key:
		pub, err := k.Public()
		if err != nil {
			return nil, err
		}
		return agreementPublicKey(pub)
	default:
		return nil, jose.JWEInvalid("unsupported key agreement key type %T", key)
	}
}

func agreementPrivateKey(key any) (*ecdh.PrivateKey, error) {
	switch k := key.(type) {
	case *ecdh.PrivateKey:
		return k, nil
	case *ecdsa.PrivateKey:
		priv, err := k.ECDH()
		if err != nil {
			return nil, jose.JWEInvalid("unsupported EC curve: %v", err)
		}
		return priv, nil
	case *jwk.Key:
		priv, err := k.Private()
		if err != nil {
			return nil, err
		}
		ecPriv, ok := priv.(*ecdsa.PrivateKey)
		if !ok {
			return nil, jose.JWEInvalid("JWK is not an EC private key")
		}
		return agreementPrivateKey(ecPriv)
	default:
		return nil, jose.JWEInvalid("unsupported key agreement key type %T", key)
	}
}
