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

// Package circuitbreaker is a contract-only governor plugin that wraps a
// transport with a three-state (closed/open/half-open) circuit breaker,
// adapted from the retrieval pack's CircuitBreakerClient pattern but
// generic over *http.Response instead of interface{}, and driven directly
// by gobreaker/v2's own Execute rather than a hand-rolled state machine.
package circuitbreaker

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/deep-rent/govern/pluginbus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Metrics reports point-in-time breaker counters for GetMetrics.
type Metrics struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Plugin wraps next with a gobreaker.CircuitBreaker. Requests whose URL
// matches one of the configured exclusions bypass the breaker entirely,
// neither tripping it nor counting toward its statistics.
type Plugin struct {
	next    http.RoundTripper
	cb      *gobreaker.CircuitBreaker[*http.Response]
	name    string
	version string

	mu         sync.RWMutex
	exclusions []string
}

// Option configures a Plugin at construction time.
type Option func(*gobreaker.Settings)

// WithMaxRequests sets how many requests are allowed through in the
// half-open state.
func WithMaxRequests(n uint32) Option {
	return func(s *gobreaker.Settings) { s.MaxRequests = n }
}

// WithInterval sets the cyclic period in the closed state after which the
// breaker's internal counts reset. Zero disables the reset.
func WithInterval(d time.Duration) Option {
	return func(s *gobreaker.Settings) { s.Interval = d }
}

// WithTimeout sets how long the breaker stays open before transitioning to
// half-open.
func WithTimeout(d time.Duration) Option {
	return func(s *gobreaker.Settings) { s.Timeout = d }
}

// WithReadyToTrip overrides the default trip predicate (60% failure ratio
// over at least 10 requests).
func WithReadyToTrip(fn func(gobreaker.Counts) bool) Option {
	return func(s *gobreaker.Settings) { s.ReadyToTrip = fn }
}

// New wraps next with a circuit breaker named name. excludedURLs lists
// request URLs (whole-URL match, ignoring case) that always bypass the
// breaker.
func New(next http.RoundTripper, name string, excludedURLs []string, opts ...Option) *Plugin {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
	}
	for _, opt := range opts {
		opt(&settings)
	}

	p := &Plugin{
		next:       next,
		name:       name,
		version:    "1.0.0",
		exclusions: append([]string(nil), excludedURLs...),
	}
	p.cb = gobreaker.NewCircuitBreaker[*http.Response](settings)
	return p
}

// Name identifies this plugin on the bus.
func (p *Plugin) Name() string { return p.name }

// Version reports this plugin's semantic version.
func (p *Plugin) Version() string { return p.version }

// Initialize is a no-op; the plugin needs no reference to the governor.
func (p *Plugin) Initialize(manager any) error { return nil }

var (
	_ pluginbus.Plugin  = (*Plugin)(nil)
	_ http.RoundTripper = (*Plugin)(nil)
)

// ExcludeURL adds a URL to the bypass list at runtime.
func (p *Plugin) ExcludeURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exclusions = append(p.exclusions, url)
}

func (p *Plugin) excluded(url string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, u := range p.exclusions {
		if strings.EqualFold(u, url) {
			return true
		}
	}
	return false
}

// RoundTrip dispatches req through the breaker, unless its URL is on the
// exclusion list.
func (p *Plugin) RoundTrip(req *http.Request) (*http.Response, error) {
	if p.excluded(req.URL.String()) {
		return p.next.RoundTrip(req)
	}
	return p.cb.Execute(func() (*http.Response, error) {
		res, err := p.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 500 {
			return res, errors.New("circuitbreaker: server error " + res.Status)
		}
		return res, nil
	})
}

// GetState reports the breaker's current state: "closed", "half-open", or
// "open".
func (p *Plugin) GetState() string {
	switch p.cb.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// GetMetrics reports the breaker's current counts.
func (p *Plugin) GetMetrics() Metrics {
	c := p.cb.Counts()
	return Metrics{
		Requests:             c.Requests,
		TotalSuccesses:       c.TotalSuccesses,
		TotalFailures:        c.TotalFailures,
		ConsecutiveSuccesses: c.ConsecutiveSuccesses,
		ConsecutiveFailures:  c.ConsecutiveFailures,
	}
}
