// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tokenrefresh is a contract-only governor plugin that attaches a
// bearer token to outgoing requests and refreshes it once, cooperatively,
// whenever the wrapped transport reports a 401. Every request that
// encounters a stale token while a refresh is already underway waits on
// that single in-flight attempt instead of triggering its own; this is the
// "single global refresh flow" described for the plugin, a one-shot
// rendezvous built from a mutex and a close-once channel rather than
// sync.Once (which cannot be reset and reused across refresh cycles).
package tokenrefresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/deep-rent/govern/govern"
	"github.com/deep-rent/govern/jose/jwt"
)

// RefreshFunc retrieves a new bearer token, typically by calling an
// authorization server's token endpoint. ctx carries the plugin's
// configured timeout.
type RefreshFunc func(ctx context.Context) (token string, err error)

// Plugin wraps a transport, attaching a bearer token to each request and
// refreshing it on a 401 response.
type Plugin struct {
	next    http.RoundTripper
	refresh RefreshFunc
	timeout time.Duration
	version string

	mu         sync.Mutex
	token      string
	refreshing chan struct{}
	refreshErr error
}

// Option configures a Plugin at construction time.
type Option func(*Plugin)

// WithInitialToken seeds the bearer token used before the first refresh.
func WithInitialToken(token string) Option {
	return func(p *Plugin) { p.token = token }
}

// WithTimeout bounds a single refresh attempt. Values <= 0 fall back to 10
// seconds.
func WithTimeout(d time.Duration) Option {
	return func(p *Plugin) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithVersion overrides the plugin's reported semantic version.
func WithVersion(v string) Option {
	return func(p *Plugin) { p.version = v }
}

// New wraps next with bearer-token attachment and refresh-on-401. refresh
// may be nil, in which case a 401 is reported to the caller as
// govern.ErrNoTokenRefreshHandler (with no response) instead of triggering
// a refresh.
func New(next http.RoundTripper, refresh RefreshFunc, opts ...Option) *Plugin {
	p := &Plugin{
		next:    next,
		refresh: refresh,
		timeout: 10 * time.Second,
		version: "1.0.0",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies this plugin on the bus.
func (p *Plugin) Name() string { return "token-refresh" }

// Version reports this plugin's semantic version.
func (p *Plugin) Version() string { return p.version }

// Initialize is a no-op; the plugin needs no reference to the governor.
func (p *Plugin) Initialize(manager any) error { return nil }

var _ http.RoundTripper = (*Plugin)(nil)

// RoundTrip attaches the current bearer token, and on a 401 response
// refreshes it (or waits for a concurrent refresh to finish) before
// retrying the request exactly once with the new token.
func (p *Plugin) RoundTrip(req *http.Request) (*http.Response, error) {
	res, err := p.send(req, p.currentToken())
	if err != nil || res.StatusCode != http.StatusUnauthorized {
		return res, err
	}
	res.Body.Close()

	token, err := p.doRefresh(req.Context())
	if err != nil {
		return nil, err
	}
	return p.send(req, token)
}

func (p *Plugin) send(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return p.next.RoundTrip(clone)
}

func (p *Plugin) currentToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// doRefresh runs refresh at most once per cycle. Callers that arrive while
// a refresh is already in flight wait on the same channel and share its
// outcome instead of starting their own attempt.
func (p *Plugin) doRefresh(ctx context.Context) (string, error) {
	if p.refresh == nil {
		return "", govern.ErrNoTokenRefreshHandler
	}

	p.mu.Lock()
	if ch := p.refreshing; ch != nil {
		p.mu.Unlock()
		select {
		case <-ch:
			p.mu.Lock()
			defer p.mu.Unlock()
			return p.token, p.refreshErr
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	ch := make(chan struct{})
	p.refreshing = ch
	p.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	token, err := p.refresh(rctx)
	if err == nil {
		if verr := validate(token); verr != nil {
			err = fmt.Errorf("tokenrefresh: refreshed token failed validation: %w", verr)
		}
	}
	if errors.Is(rctx.Err(), context.DeadlineExceeded) {
		err = govern.ErrTokenRefreshTimeout
	}

	p.mu.Lock()
	if err == nil {
		p.token = token
	}
	p.refreshErr = err
	p.refreshing = nil
	close(ch)
	p.mu.Unlock()

	return token, err
}

// validate does a light sanity check of the refreshed token's claims
// without requiring a key set to verify its signature: a freshly issued
// token should parse and not already be expired.
func validate(token string) error {
	if token == "" {
		return errors.New("empty token")
	}
	tok, err := jwt.Parse[jwt.Reserved]([]byte(token))
	if err != nil {
		// Opaque (non-JWT) bearer tokens are valid too; only reject
		// malformed input that looks like it was meant to be a JWT.
		return nil
	}
	exp := tok.Claims().ExpiresAt()
	if !exp.IsZero() && exp.Before(time.Now()) {
		return jwt.ErrTokenExpired
	}
	return nil
}
