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
	"errors"
	"testing"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSet(t *testing.T) {
	set, err := ParseSet([]byte(`{"keys":[
		{"kty":"oct","kid":"a","k":"AAAA"},
		{"kty":"oct","kid":"b","k":"BBBB"}
	]}`))
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, "a", set.Keys[0].Kid)
}

func TestParseSetRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not JSON":      `{"keys":`,
		"missing keys":  `{"kids":[]}`,
		"keys not list": `{"keys":{"kty":"oct"}}`,
		"key sans kty":  `{"keys":[{"kid":"a"}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseSet([]byte(doc))
			require.Error(t, err)
			assert.True(t, errors.Is(err, jose.JWKSInvalid("")))
		})
	}
}

// Two keys sharing a kid but differing in alg: filtering on kid and alg
// resolves a single key, filtering on kid alone matches both.
func TestFilterKidAndAlg(t *testing.T) {
	set := &Set{Keys: []*Key{
		{Kty: KeyTypeOct, Kid: "shared", Alg: "HS256", K: "AAAA"},
		{Kty: KeyTypeOct, Kid: "shared", Alg: "HS384", K: "BBBB"},
		{Kty: KeyTypeOct, Kid: "other", K: "CCCC"},
	}}

	matched := set.Filter("shared", "HS384", "")
	require.Len(t, matched, 1)
	assert.Equal(t, "HS384", matched[0].Alg)

	matched = set.Filter("shared", "", "")
	assert.Len(t, matched, 2)
}

func TestFilterWildcardSemantics(t *testing.T) {
	set := &Set{Keys: []*Key{
		{Kty: KeyTypeOct, Kid: "k1", K: "AAAA"},                           // no alg, no use
		{Kty: KeyTypeOct, Kid: "k2", Alg: "HS256", Use: "sig", K: "BBBB"}, // fully annotated
	}}

	// A key without alg matches any requested alg.
	assert.Len(t, set.Filter("k1", "HS512", ""), 1)
	// A key with alg set must match exactly.
	assert.Len(t, set.Filter("k2", "HS512", ""), 0)
	// Keys without a kid never match a non-empty kid.
	assert.Len(t, set.Filter("missing", "", ""), 0)
	// use constraint only binds annotated keys.
	assert.Len(t, set.Filter("", "", "enc"), 1)
	assert.Len(t, set.Filter("", "", "sig"), 2)
}

func TestIteratorSinglePass(t *testing.T) {
	keys := []*Key{
		{Kty: KeyTypeOct, Kid: "a"},
		{Kty: KeyTypeOct, Kid: "b"},
	}
	it := NewIterator(keys)
	assert.Equal(t, 2, it.Remaining())

	first, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "a", first.Kid)

	second, ok := it.Next()
	require.True(t, ok)
	assert.Equal(t, "b", second.Kid)
	assert.Equal(t, 0, it.Remaining())

	_, ok = it.Next()
	assert.False(t, ok)
	_, ok = it.Next()
	assert.False(t, ok, "an exhausted iterator stays exhausted")
}

func TestMultipleMatchingKeysError(t *testing.T) {
	err := &MultipleMatchingKeysError{
		Kid:        "shared",
		Candidates: NewIterator([]*Key{{Kid: "shared"}, {Kid: "shared"}}),
	}
	assert.True(t, errors.Is(err, jose.ErrJWKSMultipleMatchingKeys))
	assert.Contains(t, err.Error(), "shared")
	assert.Contains(t, err.Error(), jose.CodeJWKSMultipleMatchingKeys)
	assert.Equal(t, 2, err.Candidates.Remaining())
}
