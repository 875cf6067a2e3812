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
	"encoding/json"

	"github.com/jeremyhahn/go-josekit/pkg/jose"
)

// Set is a JWK Set (RFC 7517 §5).
type Set struct {
	Keys []*Key `json:"keys"`
}

// ParseSet parses a JWK Set document. The top-level "keys" member is
// required; individual keys with unknown key types are kept as-is and
// rejected only when converted.
func ParseSet(data []byte) (*Set, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, jose.JWKSInvalid("failed to parse JWK Set: %v", err)
	}
	raw, ok := probe["keys"]
	if !ok {
		return nil, jose.JWKSInvalid("JWK Set is missing required %q member", "keys")
	}
	var keys []*Key
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, jose.JWKSInvalid("JWK Set %q member is not an array of keys: %v", "keys", err)
	}
	for i, key := range keys {
		if key == nil || key.Kty == "" {
			return nil, jose.JWKSInvalid("JWK Set key at index %d is missing %q", i, "kty")
		}
	}
	return &Set{Keys: keys}, nil
}

// Filter returns the keys matching every non-empty constraint. A key with an
// empty "alg" or "use" matches any requested value for that constraint; a
// key with the field set must match exactly. The kid constraint is exact:
// keys without a kid never match a non-empty kid.
func (s *Set) Filter(kid, alg, use string) []*Key {
	var matched []*Key
	for _, key := range s.Keys {
		if kid != "" && key.Kid != kid {
			continue
		}
		if alg != "" && key.Alg != "" && key.Alg != alg {
			continue
		}
		if use != "" && key.Use != "" && key.Use != use {
			continue
		}
		matched = append(matched, key)
	}
	return matched
}

// Len returns the number of keys in the set.
func (s *Set) Len() int {
	return len(s.Keys)
}

// Iterator walks a list of candidate keys exactly once. It is single-pass
// and not safe for concurrent use; callers that need a second pass must
// obtain a new iterator.
type Iterator struct {
	keys []*Key
	next int
}

// NewIterator returns an iterator over the given candidate keys.
func NewIterator(keys []*Key) *Iterator {
	return &Iterator{keys: keys}
}

// Next returns the next candidate, or nil and false when exhausted.
func (it *Iterator) Next() (*Key, bool) {
	if it == nil || it.next >= len(it.keys) {
		return nil, false
	}
	key := it.keys[it.next]
	it.next++
	return key, true
}

// Remaining returns how many candidates have not yet been consumed.
func (it *Iterator) Remaining() int {
	if it == nil {
		return 0
	}
	return len(it.keys) - it.next
}

// MultipleMatchingKeysError is returned when key set filtering narrows to
// more than one key. Callers may consume Candidates to try each key in
// turn rather than failing outright.
type MultipleMatchingKeysError struct {
	// Kid is the key id the lookup filtered on, if any.
	Kid string
	// Candidates iterates the matching keys. Single-pass.
	Candidates *Iterator
}

func (e *MultipleMatchingKeysError) Error() string {
	if e.Kid != "" {
		return "jwk: multiple keys match kid " + e.Kid + " [" + jose.CodeJWKSMultipleMatchingKeys + "]"
	}
	return "jwk: multiple keys match the lookup criteria [" + jose.CodeJWKSMultipleMatchingKeys + "]"
}

// Is makes the error match jose.ErrJWKSMultipleMatchingKeys under errors.Is.
func (e *MultipleMatchingKeysError) Is(target error) bool {
	je, ok := target.(*jose.Error)
	return ok && je.Code == jose.CodeJWKSMultipleMatchingKeys
}
