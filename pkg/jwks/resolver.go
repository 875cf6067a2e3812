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

// Package jwks resolves verification and decryption keys from a remote
// JSON Web Key Set endpoint.
//
// The Resolver caches the fetched document and collapses concurrent
// refreshes into a single HTTP request. Waiters that hit their timeout
// abandon the shared fetch without cancelling it, so one slow caller never
// poisons the fetch for the others; the result still lands in the cache.
// After a failed fetch the resolver enters a cooldown window during which
// it serves the stale cache (if any) instead of hammering the endpoint.
package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/jeremyhahn/go-josekit/pkg/header"
	"github.com/jeremyhahn/go-josekit/pkg/jose"
	"github.com/jeremyhahn/go-josekit/pkg/jwk"
	"github.com/jeremyhahn/go-josekit/pkg/logging"
	"github.com/jeremyhahn/go-josekit/pkg/metrics"
)

const (
	// DefaultTimeout bounds how long a single Resolve call waits for an
	// in-flight fetch before returning jose.ErrJWKSTimeout.
	DefaultTimeout = 5 * time.Second

	// DefaultCacheMaxAge is how long a fetched key set is served without
	// refetching.
	DefaultCacheMaxAge = 10 * time.Minute

	// DefaultCooldown is the minimum interval between fetch attempts after
	// a failure.
	DefaultCooldown = 30 * time.Second

	// maxDocumentSize caps the JWKS response body. Key set documents are
	// small; anything larger is treated as malformed.
	maxDocumentSize = 4 << 20
)

// Options configures a Resolver. The zero value is usable: every field has
// a default.
type Options struct {
	// HTTPClient performs the fetches. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Timeout bounds how long a Resolve call waits for key material.
	// Defaults to DefaultTimeout.
	Timeout time.Duration

	// CacheMaxAge is how long a fetched key set stays fresh.
	// Defaults to DefaultCacheMaxAge.
	CacheMaxAge time.Duration

	// Cooldown is the minimum interval between fetch attempts after a
	// failed fetch. Defaults to DefaultCooldown.
	Cooldown time.Duration

	// Logger receives fetch and cache events. Defaults to a no-op logger.
	Logger *logging.Logger
}

// Resolver fetches and caches a remote JWK Set and resolves individual keys
// against JOSE header parameters. Safe for concurrent use.
type Resolver struct {
	url   string
	opts  Options
	group singleflight.Group

	mu        sync.RWMutex
	set       *jwk.Set
	fetchedAt time.Time
	lastErr   error
	lastErrAt time.Time
}

// NewResolver creates a resolver for the given JWKS URL.
func NewResolver(url string, opts *Options) (*Resolver, error) {
	if url == "" {
		return nil, jose.JWKSInvalid("JWKS URL cannot be empty")
	}
	resolved := Options{}
	if opts != nil {
		resolved = *opts
	}
	if resolved.HTTPClient == nil {
		resolved.HTTPClient = http.DefaultClient
	}
	if resolved.Timeout <= 0 {
		resolved.Timeout = DefaultTimeout
	}
	if resolved.CacheMaxAge <= 0 {
		resolved.CacheMaxAge = DefaultCacheMaxAge
	}
	if resolved.Cooldown <= 0 {
		resolved.Cooldown = DefaultCooldown
	}
	if resolved.Logger == nil {
		resolved.Logger = logging.NewNopLogger()
	}
	return &Resolver{url: url, opts: resolved}, nil
}

// URL returns the endpoint this resolver fetches from.
func (r *Resolver) URL() string {
	return r.url
}

// ResolveKey resolves a single key for the given JOSE header. The header's
// kid, alg, and use (derived from the presence of an "enc" parameter)
// filter the cached set.
//
// Exactly one match returns that key. More than one match returns a
// *jwk.MultipleMatchingKeysError whose Candidates iterator walks the
// matches; callers that can validate a key cryptographically (signature
// verification, authenticated decryption) may try each candidate in turn.
// No match triggers one forced refetch (the key may have rotated since the
// cache was filled) before returning jose.ErrJWKSNoMatchingKey.
func (r *Resolver) ResolveKey(ctx context.Context, hdr header.Header) (*jwk.Key, error) {
	kid := hdr.KeyID()
	alg := hdr.Algorithm()
	use := "sig"
	if hdr.Has(header.ParamEncryption) {
		use = "enc"
	}

	before := r.cacheAge()
	set, err := r.current(ctx, false)
	if err != nil {
		return nil, err
	}

	matched := set.Filter(kid, alg, use)
	if len(matched) == 0 && r.cacheAge() >= before {
		// The set was served from cache and the signer may have rotated
		// keys since it was filled. One forced refresh, then give up.
		refreshed, err := r.current(ctx, true)
		if err != nil {
			return nil, err
		}
		matched = refreshed.Filter(kid, alg, use)
	}

	switch len(matched) {
	case 0:
		r.opts.Logger.Debug("jwks: no key matched", "url", r.url, "kid", kid, "alg", alg)
		return nil, jose.ErrJWKSNoMatchingKey
	case 1:
		return matched[0], nil
	default:
		return nil, &jwk.MultipleMatchingKeysError{
			Kid:        kid,
			Candidates: jwk.NewIterator(matched),
		}
	}
}

// cacheAge returns the age of the cached set. The age only shrinks when a
// fetch completes, so comparing ages across a call detects whether that
// call fetched or served from cache.
func (r *Resolver) cacheAge() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return time.Since(r.fetchedAt)
}

// Refresh forces a fetch, bypassing both the cache and the failure
// cooldown, and returns the fresh key set.
func (r *Resolver) Refresh(ctx context.Context) (*jwk.Set, error) {
	return r.await(ctx, r.startFetch(true))
}

// KeySet returns the cached key set, fetching if the cache is empty or
// stale.
func (r *Resolver) KeySet(ctx context.Context) (*jwk.Set, error) {
	return r.current(ctx, false)
}

// current returns a usable key set: the fresh cache when available,
// otherwise the result of a (possibly shared) fetch. force bypasses
// freshness and cooldown checks.
func (r *Resolver) current(ctx context.Context, force bool) (*jwk.Set, error) {
	r.mu.RLock()
	set := r.set
	fresh := set != nil && time.Since(r.fetchedAt) < r.opts.CacheMaxAge
	cooling := time.Since(r.lastErrAt) < r.opts.Cooldown
	lastErr := r.lastErr
	r.mu.RUnlock()

	if fresh && !force {
		return set, nil
	}

	if cooling && !force {
		// Recently failed: serve stale rather than retry immediately.
		if set != nil {
			r.opts.Logger.Warn("jwks: serving stale key set during cooldown", "url", r.url)
			return set, nil
		}
		return nil, jose.Wrap(jose.JWKSInvalid("JWKS fetch is in cooldown after a failure"), lastErr)
	}

	fetched, err := r.await(ctx, r.startFetch(force))
	if err != nil {
		// A stale set beats no set for every caller except Refresh.
		if set != nil && !force {
			r.opts.Logger.Warn("jwks: fetch failed, serving stale key set", "url", r.url)
			return set, nil
		}
		return nil, err
	}
	return fetched, nil
}

// startFetch launches (or joins) the shared fetch goroutine and returns its
// result channel. The fetch runs on its own context so a waiter timing out
// never cancels it for the other waiters.
func (r *Resolver) startFetch(force bool) <-chan singleflight.Result {
	key := "fetch"
	if force {
		key = "force"
	}
	return r.group.DoChan(key, func() (any, error) {
		// The fetch outlives any individual waiter: a caller hitting its
		// timeout must not cancel the request for the others, and the
		// result still lands in the cache for the next resolve.
		ctx, cancel := context.WithTimeout(context.Background(), 2*r.opts.Timeout)
		defer cancel()

		start := time.Now()
		set, err := r.fetch(ctx)
		elapsed := time.Since(start).Seconds()

		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			r.lastErr = err
			r.lastErrAt = time.Now()
			metrics.RecordJWKSFetch(metrics.StatusError, elapsed)
			r.opts.Logger.Warn("jwks: fetch failed", "url", r.url, "error", err.Error())
			return nil, err
		}
		r.set = set
		r.fetchedAt = time.Now()
		r.lastErr = nil
		r.lastErrAt = time.Time{}
		metrics.RecordJWKSFetch(metrics.StatusSuccess, elapsed)
		metrics.SetJWKSCachedKeys(r.url, float64(set.Len()))
		r.opts.Logger.Debug("jwks: cached key set", "url", r.url, "keys", set.Len())
		return set, nil
	})
}

// await waits for a shared fetch result, bounded by both the caller's
// context and the resolver timeout.
func (r *Resolver) await(ctx context.Context, ch <-chan singleflight.Result) (*jwk.Set, error) {
	timer := time.NewTimer(r.opts.Timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*jwk.Set), nil
	case <-ctx.Done():
		return nil, jose.Wrap(jose.ErrJWKSTimeout, ctx.Err())
	case <-timer.C:
		return nil, jose.ErrJWKSTimeout
	}
}

// fetch performs one HTTP GET of the key set document.
func (r *Resolver) fetch(ctx context.Context) (*jwk.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, jose.JWKSInvalid("failed to build JWKS request: %v", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, jose.JWKSInvalid("failed to fetch JWKS from %s: %v", r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, jose.JWKSInvalid("JWKS endpoint %s returned status %d", r.url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize+1))
	if err != nil {
		return nil, jose.JWKSInvalid("failed to read JWKS response: %v", err)
	}
	if len(body) > maxDocumentSize {
		return nil, jose.JWKSInvalid("JWKS document exceeds %d bytes", maxDocumentSize)
	}
	set, err := jwk.ParseSet(body)
	if err != nil {
		return nil, fmt.Errorf("JWKS endpoint %s: %w", r.url, err)
	}
	return set, nil
}
