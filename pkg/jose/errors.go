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

// Package jose defines the error taxonomy shared by every codec in this
// module. Each error kind carries a stable string code that is part of the
// wire-interoperability contract: codes never change across releases, and
// higher layers that wrap an error must preserve its code.
//
// Errors are matched by code, not by identity, so both of these work:
//
//	if errors.Is(err, jose.ErrJWEDecryptionFailed) { ... }
//	var josErr *jose.Error
//	if errors.As(err, &josErr) && josErr.Code == jose.CodeJWEInvalid { ... }
package jose

import "fmt"

// Stable error codes. One per error kind; part of the public contract.
const (
	CodeJWEInvalid                     = "ERR_JWE_INVALID"
	CodeJWSInvalid                     = "ERR_JWS_INVALID"
	CodeJWKInvalid                     = "ERR_JWK_INVALID"
	CodeJWKSInvalid                    = "ERR_JWKS_INVALID"
	CodeJOSENotSupported               = "ERR_JOSE_NOT_SUPPORTED"
	CodeJOSEAlgNotAllowed              = "ERR_JOSE_ALG_NOT_ALLOWED"
	CodeJWEDecryptionFailed            = "ERR_JWE_DECRYPTION_FAILED"
	CodeJWSSignatureVerificationFailed = "ERR_JWS_SIGNATURE_VERIFICATION_FAILED"
	CodeJWKSNoMatchingKey              = "ERR_JWKS_NO_MATCHING_KEY"
	CodeJWKSMultipleMatchingKeys       = "ERR_JWKS_MULTIPLE_MATCHING_KEYS"
	CodeJWKSTimeout                    = "ERR_JWKS_TIMEOUT"
)

// Error is the single error type used throughout the module. It is an
// immutable record: the code and message are fixed at construction time.
type Error struct {
	// Code is the stable error code, one of the Code* constants.
	Code string

	msg   string
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return e.msg + ": " + e.cause.Error()
	}
	return e.msg
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target is a *jose.Error with the same code. This makes
// errors.Is work against the package sentinels regardless of which
// constructor produced the error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks. The cryptographic-outcome sentinels
// (ErrJWEDecryptionFailed, ErrJWSVerificationFailed) are returned verbatim
// from the decrypt/verify paths: they are deliberately uninformative and
// carry no cause.
var (
	ErrJWEDecryptionFailed = &Error{
		Code: CodeJWEDecryptionFailed,
		msg:  "decryption operation failed",
	}
	ErrJWSVerificationFailed = &Error{
		Code: CodeJWSSignatureVerificationFailed,
		msg:  "signature verification failed",
	}
	ErrJWKSNoMatchingKey = &Error{
		Code: CodeJWKSNoMatchingKey,
		msg:  "no applicable key found in the JSON Web Key Set",
	}
	ErrJWKSMultipleMatchingKeys = &Error{
		Code: CodeJWKSMultipleMatchingKeys,
		msg:  "multiple matching keys found in the JSON Web Key Set",
	}
	ErrJWKSTimeout = &Error{
		Code: CodeJWKSTimeout,
		msg:  "timeout was reached when retrieving the JSON Web Key Set",
	}
)

// JWEInvalid returns a structural JWE error.
func JWEInvalid(format string, args ...any) *Error {
	return &Error{Code: CodeJWEInvalid, msg: fmt.Sprintf(format, args...)}
}

// JWSInvalid returns a structural JWS error.
func JWSInvalid(format string, args ...any) *Error {
	return &Error{Code: CodeJWSInvalid, msg: fmt.Sprintf(format, args...)}
}

// JWKInvalid returns a structural JWK error.
func JWKInvalid(format string, args ...any) *Error {
	return &Error{Code: CodeJWKInvalid, msg: fmt.Sprintf(format, args...)}
}

// JWKSInvalid returns a structural JWKS error.
func JWKSInvalid(format string, args ...any) *Error {
	return &Error{Code: CodeJWKSInvalid, msg: fmt.Sprintf(format, args...)}
}

// NotSupported returns a policy error for an algorithm or feature absent
// from the registry.
func NotSupported(format string, args ...any) *Error {
	return &Error{Code: CodeJOSENotSupported, msg: fmt.Sprintf(format, args...)}
}

// AlgNotAllowed returns a policy error for an algorithm that the registry
// supports but the caller's allow-list excludes.
func AlgNotAllowed(format string, args ...any) *Error {
	return &Error{Code: CodeJOSEAlgNotAllowed, msg: fmt.Sprintf(format, args...)}
}

// Wrap returns a new error with the same code as base and the given cause
// attached. The code is preserved so errors.Is against the base sentinel
// still succeeds.
func Wrap(base *Error, cause error) *Error {
	return &Error{Code: base.Code, msg: base.msg, cause: cause}
}
