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

// Package cache is a contract-only governor plugin that caches successful
// GET/HEAD responses in front of a transport. It sits ahead of the governor
// in the transport chain (it is itself an http.RoundTripper), and registers
// with the governor's plugin bus only for introspection and lifecycle.
//
// Concurrent fills for the same cache key are coalesced through a
// singleflight.Group so a thundering herd of identical in-flight requests
// produces exactly one upstream call. Eviction follows the least-recently-used
// entry once the cache reaches its capacity, using a doubly-linked list
// alongside the lookup map for O(1) operations, the same structure the
// governance layer's LRU sibling in the retrieval pack uses.
package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deep-rent/govern/pluginbus"
	"golang.org/x/sync/singleflight"
)

// Stats reports point-in-time cache counters for CacheStats.
type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

type record struct {
	key        string
	status     int
	header     http.Header
	body       []byte
	storedAt   time.Time
	prev, next *record
}

// Plugin caches responses for idempotent requests ahead of a wrapped
// transport. It implements both http.RoundTripper (insert it in the
// transport chain) and pluginbus.Plugin (register it with a governor for
// introspection via ListPlugins).
type Plugin struct {
	next http.RoundTripper

	capacity int
	ttl      time.Duration
	headers  []string // header allow-list folded into the cache key
	version  string

	mu         sync.Mutex
	items      map[string]*record
	head, tail *record

	group singleflight.Group

	hits, misses atomic.Int64
}

// Option configures a Plugin at construction time.
type Option func(*Plugin)

// WithCapacity bounds the number of cached responses; the least recently
// used entry is evicted once this is exceeded. Values <= 0 fall back to 1000.
func WithCapacity(n int) Option {
	return func(p *Plugin) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithTTL sets how long a cached response remains valid. Values <= 0 fall
// back to 5 minutes.
func WithTTL(d time.Duration) Option {
	return func(p *Plugin) {
		if d > 0 {
			p.ttl = d
		}
	}
}

// WithKeyHeaders lists request header names (any case) that participate in
// the cache key, e.g. "Accept-Language" for content-negotiated endpoints.
func WithKeyHeaders(names ...string) Option {
	return func(p *Plugin) { p.headers = append(p.headers, names...) }
}

// WithVersion overrides the plugin's reported semantic version.
func WithVersion(v string) Option {
	return func(p *Plugin) { p.version = v }
}

// New wraps next with a response cache.
func New(next http.RoundTripper, opts ...Option) *Plugin {
	p := &Plugin{
		next:     next,
		capacity: 1000,
		ttl:      5 * time.Minute,
		version:  "1.0.0",
		items:    make(map[string]*record),
		head:     &record{},
		tail:     &record{},
	}
	p.head.next = p.tail
	p.tail.prev = p.head
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name identifies this plugin on the bus.
func (p *Plugin) Name() string { return "cache" }

// Version reports this plugin's semantic version.
func (p *Plugin) Version() string { return p.version }

// Initialize is a no-op; the cache needs no reference to the governor.
func (p *Plugin) Initialize(manager any) error { return nil }

var (
	_ pluginbus.Plugin  = (*Plugin)(nil)
	_ http.RoundTripper = (*Plugin)(nil)
)

// RoundTrip serves a cached response when one exists and is fresh,
// coalescing concurrent misses for the same key into a single upstream
// call. Only GET and HEAD requests are considered cacheable.
func (p *Plugin) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return p.next.RoundTrip(req)
	}

	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, err
		}
		body = b
		req.Body = io.NopCloser(bytes.NewReader(b))
	}

	key := cacheKey(req, body, p.headers)

	if rec, ok := p.get(key); ok {
		p.hits.Add(1)
		return rec.toResponse(req), nil
	}

	v, err, _ := p.group.Do(key, func() (any, error) {
		res, err := p.next.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			buf, err := io.ReadAll(res.Body)
			res.Body.Close()
			if err != nil {
				return nil, err
			}
			res.Body = io.NopCloser(bytes.NewReader(buf))
			p.put(key, &record{
				key:    key,
				status: res.StatusCode,
				header: res.Header.Clone(),
				body:   buf,
			})
		}
		return res, nil
	})
	p.misses.Add(1)
	if err != nil {
		return nil, err
	}
	return v.(*http.Response), nil
}

func (rec *record) toResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    rec.status,
		Status:        http.StatusText(rec.status),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        rec.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(rec.body)),
		ContentLength: int64(len(rec.body)),
		Request:       req,
	}
}

// cacheKey derives a stable key from method, URL, body, and any header in
// the allow-list, mirroring the canonicalization header.New already applies
// to header names.
func cacheKey(req *http.Request, body []byte, headers []string) string {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{0})
	h.Write([]byte(req.URL.String()))
	h.Write([]byte{0})
	h.Write(body)
	for _, name := range headers {
		canon := http.CanonicalHeaderKey(name)
		h.Write([]byte{0})
		h.Write([]byte(canon))
		h.Write([]byte{'='})
		h.Write([]byte(req.Header.Get(canon)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (p *Plugin) get(key string) (*record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, ok := p.items[key]
	if !ok {
		return nil, false
	}
	if time.Since(rec.storedAt) > p.ttl {
		p.unlink(rec)
		delete(p.items, key)
		return nil, false
	}
	p.moveToFront(rec)
	return rec, true
}

func (p *Plugin) put(key string, rec *record) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec.storedAt = time.Now()
	if existing, ok := p.items[key]; ok {
		p.unlink(existing)
	}
	p.items[key] = rec
	p.addToFront(rec)

	for len(p.items) > p.capacity {
		oldest := p.tail.prev
		if oldest == p.head {
			break
		}
		p.unlink(oldest)
		delete(p.items, oldest.key)
	}
}

func (p *Plugin) addToFront(rec *record) {
	rec.prev = p.head
	rec.next = p.head.next
	p.head.next.prev = rec
	p.head.next = rec
}

func (p *Plugin) moveToFront(rec *record) {
	p.unlink(rec)
	p.addToFront(rec)
}

func (p *Plugin) unlink(rec *record) {
	rec.prev.next = rec.next
	rec.next.prev = rec.prev
}

// ClearCache discards every cached response.
func (p *Plugin) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items = make(map[string]*record)
	p.head.next = p.tail
	p.tail.prev = p.head
}

// InvalidateCache discards the cached response for req, if any, and reports
// whether one was found.
func (p *Plugin) InvalidateCache(req *http.Request) bool {
	key := cacheKey(req, nil, p.headers)
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.items[key]
	if !ok {
		return false
	}
	p.unlink(rec)
	delete(p.items, key)
	return true
}

// CacheStats reports current hit/miss counters and cache size.
func (p *Plugin) CacheStats() Stats {
	p.mu.Lock()
	size := len(p.items)
	p.mu.Unlock()
	return Stats{
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
		Size:   size,
	}
}
