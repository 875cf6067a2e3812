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

package jwa

import (
	"crypto"
	"errors"
	"testing"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveContentEncryption(t *testing.T) {
	tests := []struct {
		id      string
		keySize int
		ivSize  int
		tagSize int
	}{
		{"A128GCM", 16, 12, 16},
		{"A192GCM", 24, 12, 16},
		{"A256GCM", 32, 12, 16},
		{"A128CBC-HS256", 32, 16, 16},
		{"A192CBC-HS384", 48, 16, 24},
		{"A256CBC-HS512", 64, 16, 32},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			desc, err := Resolve(tt.id)
			require.NoError(t, err)
			assert.Equal(t, FamilyContentEncryption, desc.Family)
			assert.Equal(t, tt.keySize, desc.KeySize)
			assert.Equal(t, tt.ivSize, desc.IVSize)
			assert.Equal(t, tt.tagSize, desc.TagSize)
			assert.Equal(t, UseEncryption, desc.Use)
		})
	}
}

func TestResolveKeyManagementFamilies(t *testing.T) {
	tests := []struct {
		id      string
		family  Family
		wrapAlg string
	}{
		{"dir", FamilyDirect, ""},
		{"A128KW", FamilyKeyWrap, ""},
		{"A256KW", FamilyKeyWrap, ""},
		{"A256GCMKW", FamilyKeyWrapAEAD, "A256GCM"},
		{"PBES2-HS256+A128KW", FamilyPasswordBased, "A128KW"},
		{"PBES2-HS512+A256KW", FamilyPasswordBased, "A256KW"},
		{"ECDH-ES", FamilyKeyAgreement, ""},
		{"ECDH-ES+A256KW", FamilyKeyAgreementWrap, "A256KW"},
		{"RSA-OAEP", FamilyKeyEncryption, ""},
		{"RSA-OAEP-256", FamilyKeyEncryption, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			desc, err := Resolve(tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.family, desc.Family)
			assert.Equal(t, tt.wrapAlg, desc.WrapAlg)
		})
	}
}

func TestResolveSignature(t *testing.T) {
	desc, err := Resolve("ES256")
	require.NoError(t, err)
	assert.Equal(t, FamilySignature, desc.Family)
	assert.Equal(t, crypto.SHA256, desc.Hash)
	assert.Equal(t, "P-256", desc.Curve)
	assert.Equal(t, UseSignature, desc.Use)
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve("A512GCM")
	require.Error(t, err)
	assert.Equal(t, jose.CodeJOSENotSupported, err.(*jose.Error).Code)
}

func TestCheckAllowed(t *testing.T) {
	// Empty allow-list permits everything registered.
	assert.NoError(t, CheckAllowed("A256GCM", nil))

	// Registered but excluded: policy violation, not "not supported".
	err := CheckAllowed("A256GCM", []string{"A128GCM"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.AlgNotAllowed("")))

	// Unregistered: not supported, even if allow-listed.
	err = CheckAllowed("A512GCM", []string{"A512GCM"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, jose.NotSupported("")))

	// Allowed and registered.
	assert.NoError(t, CheckAllowed("ES256", []string{"ES256", "RS256"}))
}
