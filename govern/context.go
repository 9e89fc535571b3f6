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

import "context"

// Per-request overrides (§6) are attached to the outgoing request's
// context, mirroring how http.Client callers already thread deadlines and
// values through net/http. WithPriority, WithRequestMode, WithMaxRetries
// and WithRequestID set them; RoundTrip/Send read them off when building a
// Descriptor.

type ctxKey int

const (
	ctxPriority ctxKey = iota
	ctxMode
	ctxMaxRetries
	ctxRequestID
)

// WithPriority attaches a per-request priority override to ctx.
func WithPriority(ctx context.Context, priority int) context.Context {
	return context.WithValue(ctx, ctxPriority, priority)
}

// WithRequestMode attaches a per-request mode override to ctx.
func WithRequestMode(ctx context.Context, mode Mode) context.Context {
	return context.WithValue(ctx, ctxMode, mode)
}

// WithMaxRetries attaches a per-request max-retries override to ctx.
func WithMaxRetries(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, ctxMaxRetries, n)
}

// WithRequestID attaches a caller-supplied request-id to ctx, overriding
// the governor's own generated id. The caller is responsible for ensuring
// uniqueness.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxRequestID, id)
}

func priorityFromContext(ctx context.Context, fallback int) int {
	if v, ok := ctx.Value(ctxPriority).(int); ok {
		return v
	}
	return fallback
}

func modeFromContext(ctx context.Context, fallback Mode) Mode {
	if v, ok := ctx.Value(ctxMode).(Mode); ok {
		return v
	}
	return fallback
}

func maxRetriesFromContext(ctx context.Context, fallback int) int {
	if v, ok := ctx.Value(ctxMaxRetries).(int); ok {
		return v
	}
	return fallback
}

func requestIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxRequestID).(string)
	return v, ok && v != ""
}
