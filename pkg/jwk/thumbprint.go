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

package jwk

import (
	"crypto"
	"fmt"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
)

// Thumbprint computes the RFC 7638 JWK thumbprint: the hash of the
// canonical JSON containing only the required members of the key type,
// serialized with lexicographically ordered names and no whitespace.
// Pass crypto.SHA256 for the standard thumbprint.
func (k *Key) Thumbprint(h crypto.Hash) ([]byte, error) {
	if !h.Available() {
		return nil, jose.NotSupported("hash function %v is not linked into the binary", h)
	}

	var canonical string
	switch k.Kty {
	case KeyTypeEC:
		if k.Crv == "" || k.X == "" || k.Y == "" {
			return nil, jose.JWKInvalid("EC key is missing required thumbprint members")
		}
		canonical = fmt.Sprintf(`{"crv":%q,"kty":"EC","x":%q,"y":%q}`, k.Crv, k.X, k.Y)
	case KeyTypeOKP:
		if k.Crv == "" || k.X == "" {
			return nil, jose.JWKInvalid("OKP key is missing required thumbprint members")
		}
		canonical = fmt.Sprintf(`{"crv":%q,"kty":"OKP","x":%q}`, k.Crv, k.X)
	case KeyTypeRSA:
		if k.N == "" || k.E == "" {
			return nil, jose.JWKInvalid("RSA key is missing required thumbprint members")
		}
		canonical = fmt.Sprintf(`{"e":%q,"kty":"RSA","n":%q}`, k.E, k.N)
	case KeyTypeOct:
		if k.K == "" {
			return nil, jose.JWKInvalid("oct key is missing required thumbprint members")
		}
		canonical = fmt.Sprintf(`{"k":%q,"kty":"oct"}`, k.K)
	default:
		return nil, jose.JWKInvalid("unsupported key type %q", k.Kty)
	}

	digest := h.New()
	digest.Write([]byte(canonical))
	return digest.Sum(nil), nil
}
