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

// Package pluginbus is the registry of named, versioned plugins and the
// dispatcher for the governor's lifecycle events.
//
// Two independent channels share the same dispatch machinery: the plugin
// contract (Register/Unregister/Dispatch), meant for cross-cutting
// concerns that need an initialize/teardown lifecycle (token refresh,
// circuit breaking, caching); and a parallel listener channel (On/Off/Emit)
// for application code that just wants to observe events without
// implementing the full contract. Dispatch delivers an event to the plugin
// handlers and then to the listeners; Emit reaches only the listeners.
// Both guarantee registration-order
// delivery and isolate handler panics so one misbehaving handler never
// affects another, or the caller.
package pluginbus

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/mod/semver"
)

// HandlerFunc is a plugin's handler for a single named event.
type HandlerFunc func(args ...any)

// ListenerFunc is an application-supplied observer registered via On.
type ListenerFunc func(args ...any)

// Plugin is the contract described in §4.5. Name must be non-empty and
// unique across the bus; Version must parse as MAJOR.MINOR.PATCH.
type Plugin interface {
	Name() string
	Version() string
	// Initialize is called once, synchronously, when the plugin is
	// registered. manager is the governor instance (passed as `any` to
	// avoid an import cycle between pluginbus and govern). An error here
	// propagates to the Register caller and aborts registration.
	Initialize(manager any) error
}

// Destroyer is an optional extension a Plugin may implement to run cleanup
// before it is removed from the bus, or when the governor is destroyed.
type Destroyer interface {
	OnBeforeDestroyed(manager any)
}

// Hooked is an optional extension a Plugin may implement to subscribe to
// named lifecycle events at registration time.
type Hooked interface {
	Hooks() map[string]HandlerFunc
}

// Registration describes a registered plugin for ListPlugins-style
// introspection.
type Registration struct {
	Name    string
	Version string
}

// Bus is the plugin registry and hook/listener dispatcher. The zero value
// is not usable; construct one with New.
type Bus struct {
	mu sync.Mutex

	order   []string
	plugins map[string]Plugin

	// hooks maps event name -> ordered list of (plugin name, handler),
	// preserving plugin registration order within an event.
	hooks map[string][]namedHandler

	listeners map[string][]ListenerFunc

	log *slog.Logger
}

type namedHandler struct {
	plugin  string
	handler HandlerFunc
}

// New creates an empty Bus. If log is nil, slog.Default() is used to report
// recovered handler panics.
func New(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		plugins:   make(map[string]Plugin),
		hooks:     make(map[string][]namedHandler),
		listeners: make(map[string][]ListenerFunc),
		log:       log,
	}
}

// Register validates and installs p: the name must be non-empty and not
// already registered, and the version must satisfy semver's
// MAJOR.MINOR.PATCH grammar (an optional pre-release suffix is accepted;
// shortened forms such as "1.0" and build metadata are not). On success, p.Initialize(manager) is invoked;
// an error it returns propagates to the caller and the plugin is not
// installed.
func (b *Bus) Register(p Plugin, manager any) error {
	name := p.Name()
	version := p.Version()

	if name == "" {
		return fmt.Errorf("pluginbus: plugin name must not be empty")
	}
	if v := "v" + version; !semver.IsValid(v) || semver.Canonical(v) != v {
		return fmt.Errorf("pluginbus: plugin %q has invalid version %q, want MAJOR.MINOR.PATCH", name, version)
	}

	b.mu.Lock()
	if _, exists := b.plugins[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("pluginbus: plugin %q is already registered", name)
	}
	b.mu.Unlock()

	if err := p.Initialize(manager); err != nil {
		return fmt.Errorf("pluginbus: initializing plugin %q: %w", name, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.plugins[name] = p
	b.order = append(b.order, name)
	if hp, ok := p.(Hooked); ok {
		for event, fn := range hp.Hooks() {
			b.hooks[event] = append(b.hooks[event], namedHandler{plugin: name, handler: fn})
		}
	}
	return nil
}

// Unregister removes the plugin named name, calling OnBeforeDestroyed(manager)
// first if it implements Destroyer. It reports whether a plugin was found.
func (b *Bus) Unregister(name string, manager any) bool {
	b.mu.Lock()
	p, ok := b.plugins[name]
	b.mu.Unlock()
	if !ok {
		return false
	}

	if d, ok := p.(Destroyer); ok {
		b.safeCall(name, "OnBeforeDestroyed", func() { d.OnBeforeDestroyed(manager) })
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.plugins, name)
	for i, n := range b.order {
		if n == name {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	for event, handlers := range b.hooks {
		kept := handlers[:0:0]
		for _, h := range handlers {
			if h.plugin != name {
				kept = append(kept, h)
			}
		}
		b.hooks[event] = kept
	}
	return true
}

// List returns the registered plugins in registration order.
func (b *Bus) List() []Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Registration, 0, len(b.order))
	for _, name := range b.order {
		p := b.plugins[name]
		out = append(out, Registration{Name: p.Name(), Version: p.Version()})
	}
	return out
}

// Dispatch invokes every plugin handler registered for event, in plugin
// registration order, and then every listener registered for event via On,
// in registration order. A handler panic is recovered and logged; it never
// propagates to Dispatch's caller, and never prevents other handlers (for
// this event or any other) from running.
func (b *Bus) Dispatch(event string, args ...any) {
	b.mu.Lock()
	handlers := make([]namedHandler, len(b.hooks[event]))
	copy(handlers, b.hooks[event])
	listeners := make([]ListenerFunc, len(b.listeners[event]))
	copy(listeners, b.listeners[event])
	b.mu.Unlock()

	for _, h := range handlers {
		handler := h.handler
		b.safeCall(h.plugin, event, func() { handler(args...) })
	}
	for _, fn := range listeners {
		f := fn
		b.safeCall("listener", event, func() { f(args...) })
	}
}

func (b *Bus) safeCall(source, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("pluginbus: handler panicked",
				"plugin", source, "event", event, "recovered", r)
		}
	}()
	fn()
}

// On registers fn to observe event via the parallel listener channel. Unlike
// Register, this requires no plugin contract.
func (b *Bus) On(event string, fn ListenerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners[event] = append(b.listeners[event], fn)
}

// Off removes a previously registered listener for event. Function values
// are not comparable in Go, so Off compares code pointers (see sameFunc):
// fn matches the value passed to On, and also any other closure created
// from the same function literal. Only the first matching listener, in
// registration order, is removed. Off is a no-op if no registered listener
// for this event matches fn.
func (b *Bus) Off(event string, fn ListenerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	handlers := b.listeners[event]
	for i := range handlers {
		if sameFunc(handlers[i], fn) {
			b.listeners[event] = append(handlers[:i:i], handlers[i+1:]...)
			return
		}
	}
}

// Emit notifies every listener registered for event, in registration order.
// Semantics mirror Dispatch: a panic in one listener is recovered, logged,
// and never prevents the others from running.
func (b *Bus) Emit(event string, args ...any) {
	b.mu.Lock()
	handlers := make([]ListenerFunc, len(b.listeners[event]))
	copy(handlers, b.listeners[event])
	b.mu.Unlock()

	for _, fn := range handlers {
		f := fn
		b.safeCall("listener", event, func() { f(args...) })
	}
}
