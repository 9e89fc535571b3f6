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

package govern

import (
	"log/slog"
	"time"

	"github.com/deep-rent/govern/backoff"
	"github.com/deep-rent/govern/clock"
	"github.com/deep-rent/govern/logger"
	"github.com/deep-rent/govern/metrics"
	"github.com/deep-rent/govern/pluginbus"
	"github.com/deep-rent/govern/store"
	"github.com/deep-rent/govern/strategy"
	"github.com/prometheus/client_golang/prometheus"
)

// Option configures a Governor at construction time, following the
// With*-option idiom used elsewhere in this module (cache, queue, plugins).
type Option func(*Governor)

// WithConfig replaces the whole Config, e.g. one produced by env.Unmarshal
// or config.Load. Apply it before any other option so later With* calls
// can still override individual fields.
func WithConfig(cfg Config) Option {
	return func(g *Governor) { g.cfg = cfg }
}

// WithMode sets automatic vs. manual retry mode.
func WithMode(mode Mode) Option {
	return func(g *Governor) { g.cfg.Mode = mode }
}

// WithRetries sets the default max-retries budget for requests that don't
// override it per-request.
func WithRetries(n int) Option {
	return func(g *Governor) { g.cfg.Retries = n }
}

// WithRetryStrategy replaces the default retry strategy.
func WithRetryStrategy(s strategy.Strategy) Option {
	return func(g *Governor) { g.strategy = s }
}

// WithBackoffKind selects the backoff formula used when no strategy
// override supplies its own.
func WithBackoffKind(kind backoff.Kind) Option {
	return func(g *Governor) { g.cfg.BackoffKind = kind }
}

// WithRequestStore replaces the default bounded in-memory failed-request
// store with a caller-supplied one (e.g. backed by a different eviction
// policy).
func WithRequestStore(s *store.Store[*Descriptor]) Option {
	return func(g *Governor) { g.store = s }
}

// WithMaxRequestsToStore sets the failed-request store's capacity. Only
// effective if WithRequestStore is not also used.
func WithMaxRequestsToStore(n int) Option {
	return func(g *Governor) { g.cfg.MaxRequestsToStore = n }
}

// WithMaxConcurrentRequests sets the queue's concurrency bound (must be
// >= 1; values < 1 are clamped to 1).
func WithMaxConcurrentRequests(n int) Option {
	return func(g *Governor) { g.cfg.MaxConcurrentRequests = n }
}

// WithMaxQueueSize bounds the waiting list; <= 0 means unbounded.
func WithMaxQueueSize(n int) Option {
	return func(g *Governor) { g.cfg.MaxQueueSize = n }
}

// WithQueueDelay sets the minimum spacing between successive admissions.
func WithQueueDelay(d time.Duration) Option {
	return func(g *Governor) { g.cfg.QueueDelay = d }
}

// WithBlockingQueueThreshold sets the priority at or below which a request
// is considered critical.
func WithBlockingQueueThreshold(threshold int) Option {
	return func(g *Governor) { g.cfg.BlockingQueueThreshold = threshold }
}

// WithThrowErrorOnFailedRetries controls Send's boundary conversion for
// terminal failures.
func WithThrowErrorOnFailedRetries(throw bool) Option {
	return func(g *Governor) { g.cfg.ThrowErrorOnFailedRetries = throw }
}

// WithThrowErrorOnCancelRequest controls Send's boundary conversion for
// cancellations.
func WithThrowErrorOnCancelRequest(throw bool) Option {
	return func(g *Governor) { g.cfg.ThrowErrorOnCancelRequest = throw }
}

// WithDebug toggles verbose debug logging of the pipeline.
func WithDebug(debug bool) Option {
	return func(g *Governor) { g.cfg.Debug = debug }
}

// WithSanitization toggles redaction of sensitive headers and URL query
// parameters in debug logs; request bodies are not logged.
func WithSanitization(enabled bool) Option {
	return func(g *Governor) { g.cfg.EnableSanitization = enabled }
}

// WithSanitizeOptions overrides the default sensitive-header and
// sensitive-parameter lists. The Redact character it carries is not used;
// redacted values always read "REDACTED".
func WithSanitizeOptions(opts SanitizeOptions) Option {
	return func(g *Governor) { g.sanitize = sanitizeOptions(opts) }
}

// WithHooks registers initial hook handlers on the bus for the named
// events, without requiring a full Plugin implementation.
func WithHooks(hooks map[string]pluginbus.HandlerFunc) Option {
	return func(g *Governor) {
		if g.bus == nil {
			g.bus = pluginbus.New(g.log)
		}
		for event, fn := range hooks {
			handler := fn
			g.bus.On(event, func(args ...any) { handler(args...) })
		}
	}
}

// WithLogger supplies the *slog.Logger used for debug output and for
// logging recovered plugin-handler panics. If log is nil, the option is a
// no-op and slog.Default() remains in effect.
func WithLogger(log *slog.Logger) Option {
	return func(g *Governor) {
		if log != nil {
			g.log = log
		}
	}
}

// WithRequestLogging wraps the wrapped transport with one that logs the
// start and end of every dispatch attempt, including its duration and
// resulting status code. Apply it before options that further wrap next
// (e.g. a plugin's RoundTripper), since With* options compose outside-in
// in the order given.
func WithRequestLogging(log *slog.Logger) Option {
	return func(g *Governor) { g.next = logger.NewTransport(g.next, log) }
}

// WithMetricsRegisterer directs the governor's Prometheus collectors at a
// caller-supplied registerer instead of a private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(g *Governor) { g.mx = metrics.New(reg) }
}

// WithClock overrides the time source used for timestamps, e.g. with
// clock.FrozenClock for deterministic tests.
func WithClock(c clock.Clock) Option {
	return func(g *Governor) {
		if c != nil {
			g.clock = c
		}
	}
}
