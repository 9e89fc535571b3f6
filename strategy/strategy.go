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

// Package strategy decides, for a single failed attempt, whether the
// governor should retry and how long to wait before it does.
//
// A Strategy is pure: IsRetryable, ShouldRetry and DelayMS never block and
// never touch the network. The governor calls them synchronously from its
// dispatch loop. Applications swap in a custom Strategy (e.g. via a plugin)
// to change retry policy without touching the queue, the store, or the bus.
package strategy

import (
	"net/http"
	"strings"
	"time"

	"github.com/deep-rent/govern/backoff"
)

// Range is an inclusive range of HTTP status codes, e.g. {500, 599} for all
// server errors. A single status code is represented with Min == Max.
type Range struct {
	Min, Max int
}

// contains reports whether code falls within the inclusive range.
func (r Range) contains(code int) bool {
	return code >= r.Min && code <= r.Max
}

// Failure describes one failed attempt, as observed by the governor. It is
// the only input a Strategy sees: it never receives the request body or
// unrelated governance fields.
type Failure struct {
	// Method is the HTTP method of the failed attempt, lowercased.
	Method string
	// HasResponse is true if the transport returned a response (as opposed
	// to a network-level error with no response at all).
	HasResponse bool
	// StatusCode is the response status, valid only when HasResponse.
	StatusCode int
	// Header carries the request's headers, used to look up idempotency
	// headers for methods not otherwise in the retryable set.
	Header http.Header
}

// Strategy is the pluggable retry decision-maker described by §4.2 of the
// governance specification.
type Strategy interface {
	// IsRetryable reports whether f describes a failure that is, in
	// principle, safe to retry — independent of attempt/max bookkeeping.
	IsRetryable(f Failure) bool
	// ShouldRetry combines IsRetryable with the attempt budget: it reports
	// true only if attempt <= max and f is retryable.
	ShouldRetry(f Failure, attempt, max int) bool
	// DelayMS computes how long to wait before the next attempt.
	DelayMS(attempt, max int, kind backoff.Kind) time.Duration
}

// Config parametrizes the Default strategy.
type Config struct {
	// StatusRanges lists response statuses considered retryable for methods
	// in Methods. A request outside these ranges is never retried purely
	// on status, regardless of method.
	StatusRanges []Range
	// Methods lists HTTP methods (lowercase) that are retryable by default,
	// e.g. "get", "head", "put", "delete", "options", "trace".
	Methods []string
	// Backoff selects the delay formula DelayMS delegates to.
	Backoff backoff.Kind
	// IdempotencyHeaders lists header names whose non-empty presence marks
	// an otherwise non-idempotent method (e.g. POST) as safe to retry, such
	// as "Idempotency-Key" or "X-Request-Id".
	IdempotencyHeaders []string
}

// DefaultConfig returns the conventional configuration: GET/HEAD/PUT/DELETE/
// OPTIONS/TRACE are retryable on 5xx and 429, with exponential backoff and
// no idempotency header exemptions.
func DefaultConfig() Config {
	return Config{
		StatusRanges: []Range{
			{Min: 429, Max: 429},
			{Min: 500, Max: 599},
		},
		Methods: []string{
			strings.ToLower(http.MethodGet),
			strings.ToLower(http.MethodHead),
			strings.ToLower(http.MethodPut),
			strings.ToLower(http.MethodDelete),
			strings.ToLower(http.MethodOptions),
			strings.ToLower(http.MethodTrace),
		},
		Backoff: backoff.Exponential,
	}
}

// Default is the strategy.Strategy implementation the governor constructs
// when no replacement is supplied.
type Default struct {
	Config
}

// New builds a Default strategy from cfg.
func New(cfg Config) *Default {
	return &Default{Config: cfg}
}

func (d *Default) isRetryableMethod(method string) bool {
	for _, m := range d.Methods {
		if m == method {
			return true
		}
	}
	return false
}

func (d *Default) hasIdempotencyHeader(h http.Header) bool {
	if h == nil {
		return false
	}
	for _, name := range d.IdempotencyHeaders {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

func (d *Default) statusRetryable(code int) bool {
	for _, r := range d.StatusRanges {
		if r.contains(code) {
			return true
		}
	}
	return false
}

// IsRetryable implements the decision tree from §4.2:
//
//  1. A failure with no method is never retryable.
//  2. A failure for a retryable method, with a response whose status is in
//     the retryable set, is retryable.
//  3. A failure for a non-retryable method is still retryable if a
//     configured idempotency header carries a non-empty value.
//  4. A failure with no response (a network/transport error) is retryable
//     exactly when the method is in the retryable set.
//  5. Otherwise, not retryable.
func (d *Default) IsRetryable(f Failure) bool {
	method := strings.ToLower(f.Method)
	if method == "" {
		return false
	}
	methodRetryable := d.isRetryableMethod(method)
	if methodRetryable && f.HasResponse && d.statusRetryable(f.StatusCode) {
		return true
	}
	if !methodRetryable && d.hasIdempotencyHeader(f.Header) {
		return true
	}
	if !f.HasResponse && methodRetryable {
		return true
	}
	return false
}

// ShouldRetry reports attempt <= max && IsRetryable(f).
func (d *Default) ShouldRetry(f Failure, attempt, max int) bool {
	return attempt <= max && d.IsRetryable(f)
}

// DelayMS delegates to the backoff package. max is accepted for interface
// symmetry; none of the built-in backoff kinds are capped by it.
func (d *Default) DelayMS(attempt, max int, kind backoff.Kind) time.Duration {
	return backoff.Delay(kind, attempt, max)
}

var _ Strategy = (*Default)(nil)
