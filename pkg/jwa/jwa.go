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

// Package jwa is the closed registry of JOSE algorithm identifiers
// (RFC 7518). Every identifier this module can operate with resolves to a
// Descriptor carrying the sizes and key-usage constraints the codecs need.
// There is no dynamic registration: an identifier missing from the table is
// rejected at the boundary and never reaches internal dispatch.
package jwa

import (
	"crypto"
	_ "crypto/sha1" // OAEP default hash
	_ "crypto/sha256"
	_ "crypto/sha512"
	"slices"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
)

// Family classifies an algorithm by the operation it performs.
type Family int

const (
	FamilyUnknown Family = iota

	// FamilyContentEncryption is AEAD or CBC+HMAC payload encryption ("enc").
	FamilyContentEncryption

	// FamilyDirect uses the shared key verbatim as the CEK ("dir").
	FamilyDirect

	// FamilyKeyWrap is deterministic AES Key Wrap (RFC 3394).
	FamilyKeyWrap

	// FamilyKeyWrapAEAD wraps the CEK under AES-GCM, carrying iv/tag headers.
	FamilyKeyWrapAEAD

	// FamilyPasswordBased derives a key-wrapping key from a password (PBES2).
	FamilyPasswordBased

	// FamilyKeyAgreement derives the CEK directly via ECDH-ES.
	FamilyKeyAgreement

	// FamilyKeyAgreementWrap derives a key-wrapping key via ECDH-ES.
	FamilyKeyAgreementWrap

	// FamilyKeyEncryption encrypts the CEK under an asymmetric key (RSA).
	FamilyKeyEncryption

	// FamilySignature is a JWS signature algorithm.
	FamilySignature
)

// Key usage values carried in the "use" JWK parameter.
const (
	UseSignature  = "sig"
	UseEncryption = "enc"
)

// Descriptor describes a single registered algorithm.
type Descriptor struct {
	// ID is the JOSE identifier, e.g. "A256GCM" or "ECDH-ES+A128KW".
	ID string

	// Family is the operation family.
	Family Family

	// KeySize is the required key length in bytes. For content encryption
	// this is the CEK length; for wrap algorithms the KEK length; for
	// PBES2 the derived key length. Zero when the key length is not fixed
	// (RSA, EC, direct agreement).
	KeySize int

	// IVSize and TagSize are the initialization vector and authentication
	// tag lengths in bytes, where the algorithm carries them.
	IVSize  int
	TagSize int

	// Hash is the digest used by HMAC, PBKDF2, RSA-OAEP or the signature.
	Hash crypto.Hash

	// Use is the JWK key usage the algorithm requires ("sig" or "enc").
	Use string

	// Curve is the required EC curve name for ES* signatures.
	Curve string

	// WrapAlg names the underlying wrap or AEAD algorithm for composite
	// identifiers: "A128KW" for "PBES2-HS256+A128KW" and
	// "ECDH-ES+A128KW", "A128GCM" for "A128GCMKW", and so on.
	WrapAlg string
}

// registry is the closed static table. Entries are never added at runtime.
var registry = map[string]Descriptor{
	// Content encryption (RFC 7518 §5). CBC+HMAC key sizes are the full
	// composite CEK: one half MAC key, one half AES key.
	"A128GCM":       {ID: "A128GCM", Family: FamilyContentEncryption, KeySize: 16, IVSize: 12, TagSize: 16, Use: UseEncryption},
	"A192GCM":       {ID: "A192GCM", Family: FamilyContentEncryption, KeySize: 24, IVSize: 12, TagSize: 16, Use: UseEncryption},
	"A256GCM":       {ID: "A256GCM", Family: FamilyContentEncryption, KeySize: 32, IVSize: 12, TagSize: 16, Use: UseEncryption},
	"A128CBC-HS256": {ID: "A128CBC-HS256", Family: FamilyContentEncryption, KeySize: 32, IVSize: 16, TagSize: 16, Hash: crypto.SHA256, Use: UseEncryption},
	"A192CBC-HS384": {ID: "A192CBC-HS384", Family: FamilyContentEncryption, KeySize: 48, IVSize: 16, TagSize: 24, Hash: crypto.SHA384, Use: UseEncryption},
	"A256CBC-HS512": {ID: "A256CBC-HS512", Family: FamilyContentEncryption, KeySize: 64, IVSize: 16, TagSize: 32, Hash: crypto.SHA512, Use: UseEncryption},

	// Key management (RFC 7518 §4).
	"dir": {ID: "dir", Family: FamilyDirect, Use: UseEncryption},

	"A128KW": {ID: "A128KW", Family: FamilyKeyWrap, KeySize: 16, Use: UseEncryption},
	"A192KW": {ID: "A192KW", Family: FamilyKeyWrap, KeySize: 24, Use: UseEncryption},
	"A256KW": {ID: "A256KW", Family: FamilyKeyWrap, KeySize: 32, Use: UseEncryption},

	"A128GCMKW": {ID: "A128GCMKW", Family: FamilyKeyWrapAEAD, KeySize: 16, IVSize: 12, TagSize: 16, Use: UseEncryption, WrapAlg: "A128GCM"},
	"A192GCMKW": {ID: "A192GCMKW", Family: FamilyKeyWrapAEAD, KeySize: 24, IVSize: 12, TagSize: 16, Use: UseEncryption, WrapAlg: "A192GCM"},
	"A256GCMKW": {ID: "A256GCMKW", Family: FamilyKeyWrapAEAD, KeySize: 32, IVSize: 12, TagSize: 16, Use: UseEncryption, WrapAlg: "A256GCM"},

	"PBES2-HS256+A128KW": {ID: "PBES2-HS256+A128KW", Family: FamilyPasswordBased, KeySize: 16, Hash: crypto.SHA256, Use: UseEncryption, WrapAlg: "A128KW"},
	"PBES2-HS384+A192KW": {ID: "PBES2-HS384+A192KW", Family: FamilyPasswordBased, KeySize: 24, Hash: crypto.SHA384, Use: UseEncryption, WrapAlg: "A192KW"},
	"PBES2-HS512+A256KW": {ID: "PBES2-HS512+A256KW", Family: FamilyPasswordBased, KeySize: 32, Hash: crypto.SHA512, Use: UseEncryption, WrapAlg: "A256KW"},

	"ECDH-ES":        {ID: "ECDH-ES", Family: FamilyKeyAgreement, Use: UseEncryption},
	"ECDH-ES+A128KW": {ID: "ECDH-ES+A128KW", Family: FamilyKeyAgreementWrap, KeySize: 16, Use: UseEncryption, WrapAlg: "A128KW"},
	"ECDH-ES+A192KW": {ID: "ECDH-ES+A192KW", Family: FamilyKeyAgreementWrap, KeySize: 24, Use: UseEncryption, WrapAlg: "A192KW"},
	"ECDH-ES+A256KW": {ID: "ECDH-ES+A256KW", Family: FamilyKeyAgreementWrap, KeySize: 32, Use: UseEncryption, WrapAlg: "A256KW"},

	"RSA-OAEP":     {ID: "RSA-OAEP", Family: FamilyKeyEncryption, Hash: crypto.SHA1, Use: UseEncryption},
	"RSA-OAEP-256": {ID: "RSA-OAEP-256", Family: FamilyKeyEncryption, Hash: crypto.SHA256, Use: UseEncryption},
	"RSA-OAEP-384": {ID: "RSA-OAEP-384", Family: FamilyKeyEncryption, Hash: crypto.SHA384, Use: UseEncryption},
	"RSA-OAEP-512": {ID: "RSA-OAEP-512", Family: FamilyKeyEncryption, Hash: crypto.SHA512, Use: UseEncryption},

	// Signatures (RFC 7518 §3). KeySize for HS* is the minimum key length.
	"HS256": {ID: "HS256", Family: FamilySignature, KeySize: 32, Hash: crypto.SHA256, Use: UseSignature},
	"HS384": {ID: "HS384", Family: FamilySignature, KeySize: 48, Hash: crypto.SHA384, Use: UseSignature},
	"HS512": {ID: "HS512", Family: FamilySignature, KeySize: 64, Hash: crypto.SHA512, Use: UseSignature},

	"RS256": {ID: "RS256", Family: FamilySignature, Hash: crypto.SHA256, Use: UseSignature},
	"RS384": {ID: "RS384", Family: FamilySignature, Hash: crypto.SHA384, Use: UseSignature},
	"RS512": {ID: "RS512", Family: FamilySignature, Hash: crypto.SHA512, Use: UseSignature},

	"PS256": {ID: "PS256", Family: FamilySignature, Hash: crypto.SHA256, Use: UseSignature},
	"PS384": {ID: "PS384", Family: FamilySignature, Hash: crypto.SHA384, Use: UseSignature},
	"PS512": {ID: "PS512", Family: FamilySignature, Hash: crypto.SHA512, Use: UseSignature},

	"ES256": {ID: "ES256", Family: FamilySignature, Hash: crypto.SHA256, Use: UseSignature, Curve: "P-256"},
	"ES384": {ID: "ES384", Family: FamilySignature, Hash: crypto.SHA384, Use: UseSignature, Curve: "P-384"},
	"ES512": {ID: "ES512", Family: FamilySignature, Hash: crypto.SHA512, Use: UseSignature, Curve: "P-521"},

	"EdDSA": {ID: "EdDSA", Family: FamilySignature, Use: UseSignature, Curve: "Ed25519"},

	// Recognized but rejected by default; see jws.VerifyOptions.
	"none": {ID: "none", Family: FamilySignature, Use: UseSignature},
}

// Resolve looks up an algorithm identifier in the registry. An unknown
// identifier returns ERR_JOSE_NOT_SUPPORTED.
func Resolve(id string) (Descriptor, error) {
	desc, ok := registry[id]
	if !ok {
		return Descriptor{}, jose.NotSupported("algorithm %q is not supported", id)
	}
	return desc, nil
}

// CheckAllowed enforces a caller-supplied allow-list. A nil or empty list
// permits every registered algorithm. An algorithm the registry resolves
// but the list excludes fails with ERR_JOSE_ALG_NOT_ALLOWED, which is
// distinct from ERR_JOSE_NOT_SUPPORTED for unregistered identifiers.
func CheckAllowed(id string, allowed []string) error {
	if _, err := Resolve(id); err != nil {
		return err
	}
	if len(allowed) == 0 {
		return nil
	}
	if !slices.Contains(allowed, id) {
		return jose.AlgNotAllowed("algorithm %q is not in the allowed list", id)
	}
	return nil
}
