/*
Copyright 2022.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package daemon is the Command Loop (spec.md §4.6): the single
// consumer that serializes Load/Unload/List/PullBytecode requests
// against the Registry and Hook Managers. Every mutating request runs
// to completion before the next one starts, which is what lets the
// revision-swap protocol in internal/hook assume no concurrent
// operation can observe an intermediate state (spec.md §5).
package daemon

import (
	"context"
	"net"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/hook"
	"github.com/dispatchd/dispatchd/internal/kernelapi"
	"github.com/dispatchd/dispatchd/internal/ociimage"
	"github.com/dispatchd/dispatchd/internal/registry"
	"github.com/dispatchd/dispatchd/internal/store"
)

// InterfaceResolver maps a network interface name to its kernel index;
// net.InterfaceByName in production, a fake in tests that don't run on
// a host with the named interfaces.
type InterfaceResolver func(name string) (int, error)

func DefaultInterfaceResolver(name string) (int, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, command.InvalidArgument("unknown interface %q", name)
	}
	return iface.Index, nil
}

// Daemon is the Command Loop. Construct with New and call Run in its
// own goroutine; Load/Unload/List/PullBytecode are safe to call
// concurrently from any number of callers; they block until the
// request has been serialized through the loop and completed.
type Daemon struct {
	log      logr.Logger
	registry *registry.Registry
	store    *store.Store
	gateway  kernelapi.Gateway
	fetcher  ociimage.Fetcher
	resolve  InterfaceResolver

	hooks map[hook.Key]*hook.Manager

	// traceLinks holds the live kernel attachment for every non-dispatching
	// program this daemon loaded directly (tracepoint/kprobe/uprobe); these
	// kinds have no Hook Manager to keep a handle for them (spec.md §4.2).
	traceLinks map[uuid.UUID]kernelapi.LinkHandle

	reqCh chan func(ctx context.Context)
}

func New(log logr.Logger, reg *registry.Registry, st *store.Store, gw kernelapi.Gateway, fetcher ociimage.Fetcher) *Daemon {
	return &Daemon{
		log:      log,
		registry: reg,
		store:    st,
		gateway:  gw,
		fetcher:  fetcher,
		resolve:    DefaultInterfaceResolver,
		hooks:      map[hook.Key]*hook.Manager{},
		traceLinks: map[uuid.UUID]kernelapi.LinkHandle{},
		reqCh:      make(chan func(ctx context.Context), 64),
	}
}

// Run consumes requests until ctx is cancelled. It is the daemon's
// single writer goroutine.
func (d *Daemon) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-d.reqCh:
			fn(ctx)
		}
	}
}

// submit enqueues fn and blocks until it has run, preserving arrival
// order across every request kind (spec.md §4.6 "Serialization
// guarantee").
func (d *Daemon) submit(ctx context.Context, fn func(ctx context.Context)) {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		fn(ctx)
		close(done)
	}
	select {
	case d.reqCh <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
		// The request completes on the loop goroutine regardless; the
		// caller simply stops waiting (spec.md §5 "Cancellation").
	}
}

func (d *Daemon) hookFor(kind command.ProgramKind, iface string, direction command.Direction) (hook.Key, error) {
	switch kind {
	case command.KindSteeringInbound:
		return hook.InboundKey(iface), nil
	case command.KindSteeringOutbound:
		return hook.SteeringKey(iface, direction), nil
	case command.KindFastPath:
		return hook.FastPathKey(iface), nil
	default:
		return hook.Key{}, command.Internal("kind %v does not use a hook", kind)
	}
}

func (d *Daemon) managerFor(key hook.Key, ifIndex int) *hook.Manager {
	m, ok := d.hooks[key]
	if !ok {
		m = hook.New(key, ifIndex, d.gateway, d.store)
		d.hooks[key] = m
	}
	return m
}

// Load implements the Load request (spec.md §6).
func (d *Daemon) Load(ctx context.Context, spec LoadSpec) (uuid.UUID, error) {
	var id uuid.UUID
	var err error
	d.submit(ctx, func(ctx context.Context) {
		id, err = d.doLoad(ctx, spec)
	})
	return id, err
}

// Unload implements the Unload request.
func (d *Daemon) Unload(ctx context.Context, id uuid.UUID) error {
	var err error
	d.submit(ctx, func(ctx context.Context) {
		err = d.doUnload(ctx, id)
	})
	return err
}

// List implements the List request: it merges the registry snapshot
// with the kernel's enumeration.
func (d *Daemon) List(ctx context.Context) ([]Summary, error) {
	var out []Summary
	var err error
	d.submit(ctx, func(ctx context.Context) {
		out, err = d.doList(ctx)
	})
	return out, err
}

// PullBytecode implements the PullBytecode request: it delegates to the
// bytecode image store and never touches the registry or the kernel.
func (d *Daemon) PullBytecode(ctx context.Context, spec PullBytecodeSpec) error {
	var err error
	d.submit(ctx, func(ctx context.Context) {
		_, _, err = d.fetcher.Fetch(ctx, spec.Image)
	})
	return err
}
