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

// Package header implements the JOSE header model shared by JWS and JWE:
// merging of protected, unprotected and per-recipient header fragments with
// the parameter-disjointness and critical-extension rules of RFC 7515 §4.1.11
// and RFC 7516 §4. Merge is a pure function over the fragments.
package header

import "fmt"

// Registered parameter names used by the codecs.
const (
	ParamAlgorithm     = "alg"
	ParamEncryption    = "enc"
	ParamCompression   = "zip"
	ParamKeyID         = "kid"
	ParamType          = "typ"
	ParamContentType   = "cty"
	ParamCritical      = "crit"
	ParamEphemeralKey  = "epk"
	ParamAgreementPartyU = "apu"
	ParamAgreementPartyV = "apv"
	ParamInitVector    = "iv"
	ParamTag           = "tag"
	ParamPBES2Salt     = "p2s"
	ParamPBES2Count    = "p2c"
)

// Header is a JOSE header fragment: a mapping from parameter name to value.
type Header map[string]any

// Clone returns a shallow copy of the header.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// String returns the named parameter as a string, or "" when absent or of
// another type.
func (h Header) String(name string) string {
	if h == nil {
		return ""
	}
	s, _ := h[name].(string)
	return s
}

// Algorithm returns the "alg" parameter.
func (h Header) Algorithm() string { return h.String(ParamAlgorithm) }

// Encryption returns the "enc" parameter.
func (h Header) Encryption() string { return h.String(ParamEncryption) }

// KeyID returns the "kid" parameter.
func (h Header) KeyID() string { return h.String(ParamKeyID) }

// Has reports whether the named parameter is present.
func (h Header) Has(name string) bool {
	_, ok := h[name]
	return ok
}

// Merge combines the protected, shared-unprotected and per-recipient header
// fragments into a single joint header. It fails when:
//
//   - any parameter name appears in more than one fragment;
//   - a "crit" parameter is present outside the protected header, is not a
//     non-empty array of strings, names a registered core parameter, or
//     names an extension the caller has not declared in recognizedCrit.
//
// Merge performs no cryptographic work and has no side effects; callers wrap
// the returned error with the structural code of their serialization.
func Merge(protected, unprotected, perRecipient Header, recognizedCrit []string) (Header, error) {
	joint := make(Header, len(protected)+len(unprotected)+len(perRecipient))
	for name, value := range protected {
		joint[name] = value
	}
	for name, value := range unprotected {
		if _, dup := joint[name]; dup {
			return nil, fmt.Errorf("header parameter %q appears in more than one header fragment", name)
		}
		joint[name] = value
	}
	for name, value := range perRecipient {
		if _, dup := joint[name]; dup {
			return nil, fmt.Errorf("header parameter %q appears in more than one header fragment", name)
		}
		joint[name] = value
	}

	if unprotected.Has(ParamCritical) || perRecipient.Has(ParamCritical) {
		return nil, fmt.Errorf("%q parameter must be integrity protected", ParamCritical)
	}
	if protected.Has(ParamCritical) {
		if err := checkCritical(protected[ParamCritical], joint, recognizedCrit); err != nil {
			return nil, err
		}
	}
	return joint, nil
}

// coreParams are parameter names defined by the JOSE specifications
// themselves; RFC 7515 §4.1.11 forbids listing them in "crit".
var coreParams = map[string]bool{
	ParamAlgorithm: true, ParamEncryption: true, ParamCompression: true,
	ParamKeyID: true, ParamType: true, ParamContentType: true,
	ParamCritical: true, ParamEphemeralKey: true,
	ParamAgreementPartyU: true, ParamAgreementPartyV: true,
	ParamInitVector: true, ParamTag: true,
	ParamPBES2Salt: true, ParamPBES2Count: true,
	"jku": true, "jwk": true, "x5u": true, "x5c": true, "x5t": true,
	"x5t#S256": true,
}

func checkCritical(raw any, joint Header, recognized []string) error {
	names, err := criticalNames(raw)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return fmt.Errorf("%q parameter must not be empty", ParamCritical)
	}
	for _, name := range names {
		if coreParams[name] {
			return fmt.Errorf("%q must not list registered parameter %q", ParamCritical, name)
		}
		if !joint.Has(name) {
			return fmt.Errorf("%q lists %q but the parameter is absent", ParamCritical, name)
		}
		found := false
		for _, r := range recognized {
			if r == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("extension parameter %q is marked critical and is not recognized", name)
		}
	}
	return nil
}

// criticalNames normalizes the "crit" value, which arrives as []string when
// built programmatically and as []any after JSON decoding.
func criticalNames(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%q entries must be strings", ParamCritical)
			}
			names = append(names, s)
		}
		return names, nil
	default:
		return nil, fmt.Errorf("%q must be an array of strings", ParamCritical)
	}
}
