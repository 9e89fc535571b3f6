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

package cache_test

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deep-rent/govern/plugins/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newBody(s string) io.Reader { return strings.NewReader(s) }

func TestRoundTrip_CachesGETOnSecondCall(t *testing.T) {
	var calls atomic.Int32
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     make(http.Header),
			Body:       io.NopCloser(newBody("hello")),
		}, nil
	})
	p := cache.New(base)

	req1, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
	res1, err := p.RoundTrip(req1)
	require.NoError(t, err)
	b1, _ := io.ReadAll(res1.Body)
	assert.Equal(t, "hello", string(b1))

	req2, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
	res2, err := p.RoundTrip(req2)
	require.NoError(t, err)
	b2, _ := io.ReadAll(res2.Body)
	assert.Equal(t, "hello", string(b2))

	assert.Equal(t, int32(1), calls.Load(), "second GET should be served from cache")

	stats := p.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
}

func TestRoundTrip_DoesNotCacheNonSuccessStatus(t *testing.T) {
	var calls atomic.Int32
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Header:     make(http.Header),
			Body:       io.NopCloser(newBody("err")),
		}, nil
	})
	p := cache.New(base)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
		_, err := p.RoundTrip(req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load(), "5xx responses must never be cached")
}

func TestRoundTrip_BypassesCacheForNonIdempotentMethods(t *testing.T) {
	var calls atomic.Int32
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(newBody("ok"))}, nil
	})
	p := cache.New(base)

	for i := 0; i < 2; i++ {
		req, _ := http.NewRequest(http.MethodPost, "http://example.invalid/r", nil)
		_, err := p.RoundTrip(req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load(), "POST requests should never be cached")
}

func TestRoundTrip_CoalescesConcurrentMisses(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		<-release
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(newBody("ok"))}, nil
	})
	p := cache.New(base)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/shared", nil)
			_, err := p.RoundTrip(req)
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses for the same key must coalesce into one upstream call")
}

func TestCacheExpiresAfterTTL(t *testing.T) {
	var calls atomic.Int32
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(newBody("ok"))}, nil
	})
	p := cache.New(base, cache.WithTTL(10*time.Millisecond))

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
	_, err := p.RoundTrip(req)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)

	req2, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
	_, err = p.RoundTrip(req2)
	require.NoError(t, err)

	assert.Equal(t, int32(2), calls.Load(), "expired entries must be refetched")
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	var calls atomic.Int32
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		calls.Add(1)
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(newBody("ok"))}, nil
	})
	p := cache.New(base, cache.WithCapacity(1))

	reqA, _ := http.NewRequest(http.MethodGet, "http://example.invalid/a", nil)
	_, err := p.RoundTrip(reqA)
	require.NoError(t, err)

	reqB, _ := http.NewRequest(http.MethodGet, "http://example.invalid/b", nil)
	_, err = p.RoundTrip(reqB)
	require.NoError(t, err)

	assert.Equal(t, 1, p.CacheStats().Size)

	reqA2, _ := http.NewRequest(http.MethodGet, "http://example.invalid/a", nil)
	_, err = p.RoundTrip(reqA2)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load(), "evicted entry a must be refetched")
}

func TestInvalidateAndClearCache(t *testing.T) {
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Header: make(http.Header), Body: io.NopCloser(newBody("ok"))}, nil
	})
	p := cache.New(base)

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
	_, err := p.RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, 1, p.CacheStats().Size)

	invalidateReq, _ := http.NewRequest(http.MethodGet, "http://example.invalid/r", nil)
	assert.True(t, p.InvalidateCache(invalidateReq))
	assert.Equal(t, 0, p.CacheStats().Size)

	_, err = p.RoundTrip(req)
	require.NoError(t, err)
	p.ClearCache()
	assert.Equal(t, 0, p.CacheStats().Size)
}

func TestPlugin_ImplementsPluginbusContract(t *testing.T) {
	p := cache.New(http.DefaultTransport, cache.WithVersion("2.3.4"))
	assert.Equal(t, "cache", p.Name())
	assert.Equal(t, "2.3.4", p.Version())
	assert.NoError(t, p.Initialize(nil))
}
