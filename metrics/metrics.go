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

// Package metrics turns the governor's bookkeeping counters and
// distributions (§3 of the specification) into real Prometheus collectors,
// while also keeping an in-process snapshot cheap to read without scraping
// an HTTP endpoint.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrorKind classifies a terminal failure for the errorsByType tally.
type ErrorKind string

const (
	ErrorNetwork   ErrorKind = "network"
	ErrorServer5xx ErrorKind = "server5xx"
	ErrorClient4xx ErrorKind = "client4xx"
	ErrorCancelled ErrorKind = "cancelled"
)

// Snapshot is a point-in-time, dependency-free copy of the governor's
// metrics, suitable for Governor.Metrics() callers that do not want to
// scrape Prometheus.
type Snapshot struct {
	TotalRequests                    uint64
	SuccessfulRetries                uint64
	FailedRetries                    uint64
	CompletelyFailedRequests         uint64
	CancelledRequests                uint64
	CompletelyFailedCriticalRequests uint64

	RetriesByAttempt  map[int]uint64
	RetriesByPriority map[int]uint64
	RequestsByPriority map[int]uint64

	QueueWaitMS uint64
	RetryDelayMS uint64

	ErrorsByType map[ErrorKind]uint64
}

// Metrics holds both the Prometheus collectors exposed on a /metrics
// scrape surface and the plain counters backing Snapshot.
type Metrics struct {
	mu   sync.Mutex
	snap Snapshot

	totalRequests                    prometheus.Counter
	successfulRetries                prometheus.Counter
	failedRetries                    prometheus.Counter
	completelyFailedRequests         prometheus.Counter
	cancelledRequests                prometheus.Counter
	completelyFailedCriticalRequests prometheus.Counter

	retriesByAttempt   *prometheus.CounterVec
	retriesByPriority  *prometheus.CounterVec
	requestsByPriority *prometheus.CounterVec

	queueWaitMS  prometheus.Histogram
	retryDelayMS prometheus.Histogram

	errorsByType *prometheus.CounterVec
}

// New creates a Metrics instance whose collectors are registered against
// reg. If reg is nil, a private prometheus.NewRegistry() is used instead of
// the global DefaultRegisterer, so that constructing more than one Governor
// in the same process (e.g. in tests) never panics on duplicate
// registration.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	const ns = "govern"
	return &Metrics{
		snap: Snapshot{
			RetriesByAttempt:   make(map[int]uint64),
			RetriesByPriority:  make(map[int]uint64),
			RequestsByPriority: make(map[int]uint64),
			ErrorsByType:       make(map[ErrorKind]uint64),
		},
		totalRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "requests_total",
			Help: "Total requests submitted to the governor.",
		}),
		successfulRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "successful_retries_total",
			Help: "Attempts that ultimately succeeded after at least one retry.",
		}),
		failedRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "failed_retries_total",
			Help: "Retry attempts that themselves failed.",
		}),
		completelyFailedRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "completely_failed_requests_total",
			Help: "Requests that exhausted or bypassed retry and reached a terminal failure.",
		}),
		cancelledRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "cancelled_requests_total",
			Help: "Requests that ended in cancellation.",
		}),
		completelyFailedCriticalRequests: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "completely_failed_critical_requests_total",
			Help: "Critical-priority requests that reached a terminal failure.",
		}),
		retriesByAttempt: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "retries_by_attempt_total",
			Help: "Retries, labeled by attempt number.",
		}, []string{"attempt"}),
		retriesByPriority: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "retries_by_priority_total",
			Help: "Retries, labeled by request priority.",
		}, []string{"priority"}),
		requestsByPriority: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "requests_by_priority_total",
			Help: "Requests, labeled by priority.",
		}, []string{"priority"}),
		queueWaitMS: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "queue_wait_ms",
			Help:    "Time a request spent waiting in the admission queue.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		retryDelayMS: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "retry_delay_ms",
			Help:    "Backoff delay actually slept before a retry.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		}),
		errorsByType: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "errors_by_type_total",
			Help: "Terminal errors, labeled by classification.",
		}, []string{"kind"}),
	}
}

// RecordSubmission increments the total and per-priority request counters.
func (m *Metrics) RecordSubmission(priority int) {
	m.totalRequests.Inc()
	m.requestsByPriority.WithLabelValues(strconv.Itoa(priority)).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.TotalRequests++
	m.snap.RequestsByPriority[priority]++
}

// RecordRetry records that a retry was scheduled for the given attempt and
// priority, and observes the backoff delay actually applied.
func (m *Metrics) RecordRetry(attempt, priority int, delay time.Duration) {
	m.retriesByAttempt.WithLabelValues(strconv.Itoa(attempt)).Inc()
	m.retriesByPriority.WithLabelValues(strconv.Itoa(priority)).Inc()
	m.retryDelayMS.Observe(float64(delay.Milliseconds()))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.RetriesByAttempt[attempt]++
	m.snap.RetriesByPriority[priority]++
	m.snap.RetryDelayMS += uint64(delay.Milliseconds())
}

// RecordSuccessfulRetry records that a retried request ultimately succeeded.
func (m *Metrics) RecordSuccessfulRetry() {
	m.successfulRetries.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.SuccessfulRetries++
}

// RecordFailedRetry records that a single retry attempt itself failed.
func (m *Metrics) RecordFailedRetry() {
	m.failedRetries.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.FailedRetries++
}

// RecordCompletelyFailed records a terminal failure, optionally critical.
func (m *Metrics) RecordCompletelyFailed(critical bool) {
	m.completelyFailedRequests.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.CompletelyFailedRequests++
	if critical {
		m.completelyFailedCriticalRequests.Inc()
		m.snap.CompletelyFailedCriticalRequests++
	}
}

// RecordCancelled records a cancelled request.
func (m *Metrics) RecordCancelled() {
	m.cancelledRequests.Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.CancelledRequests++
	m.snap.ErrorsByType[ErrorCancelled]++
	m.errorsByType.WithLabelValues(string(ErrorCancelled)).Inc()
}

// RecordError tallies a terminal error by its classification.
func (m *Metrics) RecordError(kind ErrorKind) {
	m.errorsByType.WithLabelValues(string(kind)).Inc()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.ErrorsByType[kind]++
}

// ObserveQueueWait records how long a request waited in the admission queue.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	m.queueWaitMS.Observe(float64(d.Milliseconds()))
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.QueueWaitMS += uint64(d.Milliseconds())
}

// Snapshot returns a deep copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.snap
	out.RetriesByAttempt = cloneMap(m.snap.RetriesByAttempt)
	out.RetriesByPriority = cloneMap(m.snap.RetriesByPriority)
	out.RequestsByPriority = cloneMap(m.snap.RequestsByPriority)
	out.ErrorsByType = cloneMap(m.snap.ErrorsByType)
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
