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

// Package govern is the retry manager: the orchestrator that wires a
// transport's request/response interception into the priority queue, the
// retry strategy, the failed-request store, and the plugin/hook bus.
//
// A Governor wraps an http.RoundTripper. Every request that flows through
// it is tagged with identity and priority, admitted by the queue under a
// concurrency bound, dispatched, and — on failure — either retried with a
// computed backoff delay or recorded as a terminal failure, per the
// pipeline in §4.6 of the specification.
package govern

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/deep-rent/govern/backoff"
	"github.com/deep-rent/govern/cancel"
	"github.com/deep-rent/govern/clock"
	"github.com/deep-rent/govern/internal/buffer"
	"github.com/deep-rent/govern/metrics"
	"github.com/deep-rent/govern/pluginbus"
	"github.com/deep-rent/govern/queue"
	"github.com/deep-rent/govern/store"
	"github.com/deep-rent/govern/strategy"
	"github.com/deep-rent/govern/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// bodyBuffers pools the byte slices used to copy request bodies when a
// Descriptor is first created, avoiding an extra allocation per submission
// for requests with sizable bodies.
var bodyBuffers = buffer.NewPool(32*1024, 1<<20)

// Governor is the orchestrator described above. The zero value is not
// usable; construct one with New.
type Governor struct {
	next http.RoundTripper

	cfg      Config
	strategy strategy.Strategy

	q     *queue.Queue[*Descriptor]
	store *store.Store[*Descriptor]
	bus   *pluginbus.Bus
	mx    *metrics.Metrics
	log   *slog.Logger
	clock clock.Clock

	sanitize sanitizeOptions

	mu       sync.Mutex
	active   map[string]*Descriptor
	destroyed bool
}

// New constructs a Governor wrapping next. If next is nil,
// http.DefaultTransport is used. Options are applied in order, so later
// options override earlier ones.
func New(next http.RoundTripper, opts ...Option) *Governor {
	if next == nil {
		next = http.DefaultTransport
	}
	g := &Governor{
		next:     next,
		cfg:      DefaultConfig(),
		log:      slog.Default(),
		clock:    clock.SystemClock(),
		active:   make(map[string]*Descriptor),
		sanitize: defaultSanitizeOptions(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.strategy == nil {
		g.strategy = strategy.New(strategy.DefaultConfig())
	}
	if g.bus == nil {
		g.bus = pluginbus.New(g.log)
	}
	if g.mx == nil {
		g.mx = metrics.New(prometheus.NewRegistry())
	}
	if g.store == nil {
		g.store = store.New(g.cfg.MaxRequestsToStore, func(d *Descriptor) string { return d.ID }, func(d *Descriptor) {
			g.bus.Dispatch("onRetryRequestRemovedFromStore", d)
			g.bus.Dispatch("onRequestRemovedFromStore", d)
		})
	}
	q, err := queue.New[*Descriptor](
		atLeastOne(g.cfg.MaxConcurrentRequests),
		queue.WithMaxQueueSize[*Descriptor](g.cfg.MaxQueueSize),
		queue.WithQueueDelay[*Descriptor](g.cfg.QueueDelay),
		queue.WithCriticalPredicate[*Descriptor](func(d *Descriptor) bool {
			return d.IsCritical(g.cfg.BlockingQueueThreshold)
		}),
	)
	if err != nil {
		// maxConcurrent is clamped to >= 1 above, so this is unreachable
		// outside a programmer error in option application.
		panic(fmt.Errorf("govern: %w", err))
	}
	g.q = q
	return g
}

// RoundTrip implements http.RoundTripper. It always surfaces terminal
// failures and cancellations as errors, making Governor safe to embed in
// an *http.Client via the Transport field. Applications that want the
// ThrowErrorOnFailedRetries/ThrowErrorOnCancelRequest boundary conversion
// described in §6 should call Send instead.
func (g *Governor) RoundTrip(req *http.Request) (*http.Response, error) {
	d, err := g.newDescriptor(req)
	if err != nil {
		return nil, err
	}
	return g.run(d)
}

// Send runs req through the same governance pipeline as RoundTrip, but
// applies the configured boundary conversion: a terminal failure resolves
// as (nil, nil) if ThrowErrorOnFailedRetries is false, and a cancellation
// resolves as (nil, nil) if ThrowErrorOnCancelRequest is false.
func (g *Governor) Send(req *http.Request) (*http.Response, error) {
	d, err := g.newDescriptor(req)
	if err != nil {
		return nil, err
	}
	res, err := g.run(d)
	if err == nil {
		return res, nil
	}

	var cancelled *CancelledError
	if asCancelled(err, &cancelled) {
		if !g.cfg.ThrowErrorOnCancelRequest {
			return nil, nil
		}
		return nil, err
	}
	if !g.cfg.ThrowErrorOnFailedRetries {
		return nil, nil
	}
	return nil, err
}

func asCancelled(err error, target **CancelledError) bool {
	for err != nil {
		if ce, ok := err.(*CancelledError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (g *Governor) newDescriptor(req *http.Request) (*Descriptor, error) {
	id := uuid.New().String()

	priority := priorityFromContext(req.Context(), PriorityMedium)
	mode := modeFromContext(req.Context(), g.cfg.Mode)
	maxRetries := maxRetriesFromContext(req.Context(), g.cfg.Retries)
	if rid, ok := requestIDFromContext(req.Context()); ok {
		id = rid
	}

	var body []byte
	if req.Body != nil {
		b, err := readAndRestore(req)
		if err != nil {
			return nil, err
		}
		body = b
	}

	d := &Descriptor{
		ID:          id,
		SubmittedAt: g.clock(),
		Method:      req.Method,
		URL:         req.URL.String(),
		Header:      req.Header.Clone(),
		Body:        body,
		Params:      nil,
		Priority:    priority,
		Mode:        mode,
		MaxRetries:  maxRetries,
		Attempt:     0,
		Token:       cancel.New(),
		Ctx:         req.Context(),
	}
	return d, nil
}

// run drives a Descriptor through submission, admission, dispatch, and
// retry-or-terminal handling, per §4.6.
func (g *Governor) run(d *Descriptor) (*http.Response, error) {
	g.mu.Lock()
	destroyed := g.destroyed
	g.mu.Unlock()
	if destroyed {
		return nil, errors.New("govern: governor has been destroyed")
	}
	if g.cfg.Debug {
		g.log.Debug("govern: submitting request", "request", g.sanitizeForLog(d))
	}
	g.mx.RecordSubmission(d.Priority)
	g.registerActive(d)

	for {
		admitted, err := g.admit(d)
		if err != nil {
			g.unregisterActive(d)
			return nil, err
		}
		if !admitted {
			g.unregisterActive(d)
			g.mx.RecordCancelled()
			return nil, &CancelledError{ID: d.ID}
		}

		res, failure, rawErr, cancelled := g.dispatch(d)
		if cancelled {
			err := g.onTerminalFailure(d, metrics.ErrorCancelled, context.Canceled)
			return nil, err
		}
		if failure == nil {
			g.onSuccess(d)
			return res, nil
		}

		// This attempt itself was a retry (d.Attempt > 0 means beforeRetry
		// already fired for it), and it just failed, so its outcome is now
		// known: report it before deciding whether another retry follows.
		if d.Attempt > 0 {
			g.bus.Dispatch("afterRetry", d, false)
			g.mx.RecordFailedRetry()
		}

		max := d.MaxRetries
		if max <= 0 {
			max = g.cfg.Retries
		}
		attempt := d.Attempt + 1

		if d.Mode == Automatic && g.strategy.ShouldRetry(*failure, attempt, max) {
			ok := g.beforeRetrySleep(d, attempt, max)
			if !ok {
				g.onTerminalFailure(d, metrics.ErrorCancelled, rawErr)
				return nil, &CancelledError{ID: d.ID}
			}
			continue // re-submit through the queue, same identity
		}

		err = g.onTerminalFailure(d, classifyKind(*failure), rawErr)
		return nil, err
	}
}

// admit enqueues d and blocks until it is either admitted for dispatch or
// cancelled while waiting. It returns admitted=false (no error) when d was
// cancelled, so the caller can route to cancellation handling uniformly.
func (g *Governor) admit(d *Descriptor) (admitted bool, err error) {
	waitStart := g.clock()
	ch, err := g.q.Enqueue(d)
	if err != nil {
		var full *queue.FullError[*Descriptor]
		if errors.As(err, &full) {
			return false, &QueueFullError{Descriptor: d}
		}
		return false, err
	}

	select {
	case res := <-ch:
		g.mx.ObserveQueueWait(g.clock().Sub(waitStart))
		if res.Err != nil {
			return false, nil
		}
		g.noteRetrySessionStart()
		return true, nil
	case <-d.Token.Done():
		g.q.CancelWaiting(d.ID)
		return false, nil
	case <-d.Ctx.Done():
		g.q.CancelWaiting(d.ID)
		return false, nil
	}
}

// dispatch invokes the wrapped transport for d's current attempt. The
// cancelled return is true whenever d's token fired during the call,
// regardless of the transport's own error shape, per §5's cancellation
// propagation rule.
func (g *Governor) dispatch(d *Descriptor) (res *http.Response, failure *strategy.Failure, rawErr error, cancelled bool) {
	ctx, cancelCtx := context.WithCancel(d.Ctx)
	defer cancelCtx()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-d.Token.Done():
			cancelCtx()
		case <-stop:
		}
	}()

	req, err := d.NewRequest(ctx)
	if err != nil {
		return nil, &strategy.Failure{Method: d.Method, HasResponse: false}, err, false
	}

	res, err = g.next.RoundTrip(req)
	if d.Token.Aborted() || d.Ctx.Err() != nil {
		drainAndClose(res)
		return nil, nil, nil, true
	}
	if err != nil {
		return nil, &strategy.Failure{
			Method:      d.Method,
			HasResponse: false,
			Header:      d.Header,
		}, err, false
	}
	if res.StatusCode >= 400 {
		drainAndClose(res)
		return res, &strategy.Failure{
			Method:      d.Method,
			HasResponse: true,
			StatusCode:  res.StatusCode,
			Header:      d.Header,
		}, fmt.Errorf("govern: unexpected status %d", res.StatusCode), false
	}
	return res, nil, nil, false
}

// drainAndClose discards any unread body bytes and closes res, so the
// underlying connection can be reused by the transport, mirroring how a
// failed intermediate attempt's response is disposed of before a retry or
// a terminal failure.
func drainAndClose(res *http.Response) {
	if res == nil || res.Body == nil {
		return
	}
	io.Copy(io.Discard, res.Body)
	res.Body.Close()
}

func (g *Governor) beforeRetrySleep(d *Descriptor, attempt, max int) bool {
	d.InRetry = true
	d.Attempt = attempt
	g.bus.Dispatch("beforeRetry", d)

	delay := g.strategy.DelayMS(attempt, max, backoffKind(g, d))
	g.mx.RecordRetry(attempt, d.Priority, delay)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		// afterRetry fires once this attempt's outcome is known (see run),
		// not here: the delay elapsing only means the attempt is about to
		// be dispatched, not that it has resolved.
		return true
	case <-d.Token.Done():
		return false
	case <-d.Ctx.Done():
		return false
	}
}

func backoffKind(g *Governor, d *Descriptor) backoff.Kind {
	return g.cfg.BackoffKind
}

func (g *Governor) onSuccess(d *Descriptor) {
	if d.Attempt > 0 {
		g.bus.Dispatch("afterRetry", d, true)
		g.mx.RecordSuccessfulRetry()
	}
	g.q.MarkComplete(d)
	g.unregisterActive(d)
}

func (g *Governor) onTerminalFailure(d *Descriptor, kind metrics.ErrorKind, rawErr error) error {
	// afterRetry(d, false) for a failed retry attempt is dispatched in run,
	// right after that attempt's own dispatch resolves; by the time a
	// terminal failure reaches here, that report has already gone out.
	g.bus.Dispatch("onFailure", d)
	g.store.Add(d)

	if kind == metrics.ErrorCancelled {
		g.mx.RecordCancelled()
	} else {
		g.mx.RecordCompletelyFailed(d.IsCritical(g.cfg.BlockingQueueThreshold))
		g.mx.RecordError(kind)
	}

	g.q.MarkComplete(d)
	g.unregisterActive(d)

	if d.IsCritical(g.cfg.BlockingQueueThreshold) && kind != metrics.ErrorCancelled {
		g.bus.Dispatch("onCriticalRequestFailed")
		g.cancelNonCritical()
	}

	if kind == metrics.ErrorCancelled {
		return &CancelledError{ID: d.ID}
	}
	return &RequestError{RequestID: d.ID, Attempt: d.Attempt + 1, Err: rawErr}
}

// cancelNonCritical triggers every active or waiting descriptor whose
// priority does not qualify as critical, implementing the cascade from
// §4.6/§8 "Critical cascade".
func (g *Governor) cancelNonCritical() {
	threshold := g.cfg.BlockingQueueThreshold

	g.mu.Lock()
	var toCancel []*Descriptor
	for _, d := range g.active {
		if !d.IsCritical(threshold) {
			toCancel = append(toCancel, d)
		}
	}
	g.mu.Unlock()

	for _, d := range g.q.SnapshotWaiting() {
		if !d.IsCritical(threshold) {
			toCancel = append(toCancel, d)
		}
	}

	for _, d := range toCancel {
		d.Token.Trigger()
	}
}

func classifyKind(f strategy.Failure) metrics.ErrorKind {
	switch {
	case !f.HasResponse:
		return metrics.ErrorNetwork
	case f.StatusCode >= 500:
		return metrics.ErrorServer5xx
	case f.StatusCode >= 400:
		return metrics.ErrorClient4xx
	default:
		return metrics.ErrorNetwork
	}
}

func (g *Governor) registerActive(d *Descriptor) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active[d.ID] = d
}

func (g *Governor) unregisterActive(d *Descriptor) {
	g.mu.Lock()
	delete(g.active, d.ID)
	empty := len(g.active) == 0
	g.mu.Unlock()
	if empty {
		g.bus.Dispatch("onRetryProcessFinished")
	}
}

// noteRetrySessionStart dispatches onRetryProcessStarted the first time the
// active set transitions from empty to non-empty after admission.
func (g *Governor) noteRetrySessionStart() {
	g.mu.Lock()
	first := len(g.active) == 1
	g.mu.Unlock()
	if first {
		g.bus.Dispatch("onRetryProcessStarted")
	}
}

// CancelRequest triggers the cancellation token for id. It is idempotent:
// repeated calls for the same id have the effect of the first. It reports
// whether id was a currently-tracked request.
func (g *Governor) CancelRequest(id string) bool {
	g.mu.Lock()
	d, ok := g.active[id]
	g.mu.Unlock()
	if !ok {
		return false
	}
	g.q.CancelWaiting(id)
	d.Token.Trigger()
	return true
}

// CancelAllRequests triggers every currently-tracked request's token.
func (g *Governor) CancelAllRequests() {
	g.mu.Lock()
	tokens := make([]*cancel.Token, 0, len(g.active))
	for _, d := range g.active {
		tokens = append(tokens, d.Token)
	}
	g.mu.Unlock()
	for _, t := range tokens {
		t.Trigger()
	}
}

// RetryFailedRequests drains the failed-request store, resets each
// descriptor's attempt counter, and resubmits every one through the same
// pipeline used for a fresh request. It returns every successful response;
// if any resubmission fails terminally, it returns the responses gathered
// so far alongside the first error encountered.
func (g *Governor) RetryFailedRequests(ctx context.Context) ([]*http.Response, error) {
	stored := g.store.GetAll()
	g.store.Clear()

	responses := make([]*http.Response, 0, len(stored))
	var firstErr error
	for _, d := range stored {
		d.Attempt = 0
		d.InRetry = false
		d.Token = cancel.New()
		d.Ctx = ctx
		res, err := g.run(d)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		responses = append(responses, res)
	}
	return responses, firstErr
}

// Use registers a plugin with the bus, passing g as the plugin's manager
// handle.
func (g *Governor) Use(p pluginbus.Plugin) error {
	return g.bus.Register(p, g)
}

// Unuse removes a previously registered plugin by name.
func (g *Governor) Unuse(name string) bool {
	return g.bus.Unregister(name, g)
}

// ListPlugins returns the registered plugins in registration order.
func (g *Governor) ListPlugins() []pluginbus.Registration {
	return g.bus.List()
}

// On subscribes fn to event via the parallel listener channel.
func (g *Governor) On(event string, fn pluginbus.ListenerFunc) {
	g.bus.On(event, fn)
}

// Off removes a previously registered listener.
func (g *Governor) Off(event string, fn pluginbus.ListenerFunc) {
	g.bus.Off(event, fn)
}

// Emit notifies every listener registered for event.
func (g *Governor) Emit(event string, args ...any) {
	g.bus.Emit(event, args...)
}

// Metrics returns a snapshot of the governor's counters and distributions.
func (g *Governor) Metrics() metrics.Snapshot {
	return g.mx.Snapshot()
}

// Logger returns the *slog.Logger the governor was configured with.
func (g *Governor) Logger() *slog.Logger {
	return g.log
}

// Destroy cancels every active request, tears down every plugin (calling
// OnBeforeDestroyed where implemented), and marks the governor unusable
// for further submissions.
func (g *Governor) Destroy() {
	g.CancelAllRequests()
	for _, reg := range g.bus.List() {
		g.bus.Unregister(reg.Name, g)
	}
	g.mu.Lock()
	g.destroyed = true
	g.mu.Unlock()
}

func readAndRestore(req *http.Request) ([]byte, error) {
	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return copyBody(rc)
	}
	b, err := copyBody(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body.Close()
	req.Body = http.NoBody
	return b, nil
}

// copyBody reads r to completion using a pooled buffer, rather than
// io.ReadAll's internal allocate-and-grow. It runs once per submission;
// retries replay the copied Descriptor.Body rather than reading r again.
func copyBody(r io.Reader) ([]byte, error) {
	buf := bodyBuffers.Get()
	defer bodyBuffers.Put(buf)
	var out bytes.Buffer
	if _, err := io.CopyBuffer(&out, r, buf); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func atLeastOne(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

var _ http.RoundTripper = (*Governor)(nil)
