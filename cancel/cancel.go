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

// Package cancel provides a one-shot cancellation signal bound to exactly
// one descriptor for its lifetime.
//
// A Token is cheaper and narrower than a context.Context: it carries no
// values and no deadline, only an idempotent trigger and a channel that
// closes once. The governor wires a Token's Done channel into every
// suspension point of a request's lifecycle (queue wait, retry delay,
// transport dispatch) so that cancellation observed at any of those points
// routes to the same terminal handling.
package cancel

import "sync"

// Token is a one-shot cancellation signal. The zero value is not usable;
// construct one with New.
type Token struct {
	mu      sync.Mutex
	done    chan struct{}
	aborted bool
}

// New returns a fresh, untriggered Token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Trigger fires the token. It is idempotent: the second and later calls are
// no-ops. Once triggered, a Token is never reused.
func (t *Token) Trigger() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		return
	}
	t.aborted = true
	close(t.done)
}

// Aborted reports whether Trigger has been called.
func (t *Token) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// Done returns a channel that is closed when the token is triggered. Callers
// select on it alongside other suspension points (timers, transport I/O) to
// observe cancellation without polling Aborted.
func (t *Token) Done() <-chan struct{} {
	return t.done
}
