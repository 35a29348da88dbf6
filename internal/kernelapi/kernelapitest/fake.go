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

// Package kernelapitest is an in-memory fake of the Kernel Gateway, the
// Go analogue of the teacher's own fake gRPC client used in
// bpfd-operator/test/utils: it lets the Hook Manager and Command Loop
// be tested without attaching anything to a real network interface.
package kernelapitest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/kernelapi"
)

type handle struct {
	fd     int
	name   string
	kind   command.ProgramKind
	pinned string
	slots  []int // dispatcher extension table, by slot index -> fd of spliced-in program
	closed bool
}

func (h *handle) FD() int { return h.fd }

type fakeLink struct {
	g      *Gateway
	ifIdx  int
	dir    command.Direction
	h      *handle
	closed bool
}

func (l *fakeLink) Close() error {
	l.closed = true
	return nil
}

// retargetLink is the fake analogue of a freplace link: closing it
// un-splices the program from its slot without touching the program's
// own handle, mirroring the real Gateway's AttachFreplace link.
type retargetLink struct {
	g          *Gateway
	dispatcher *handle
	slot       int
	closed     bool
}

func (l *retargetLink) Close() error {
	l.g.mu.Lock()
	defer l.g.mu.Unlock()
	if !l.closed && l.slot < len(l.dispatcher.slots) {
		l.dispatcher.slots[l.slot] = -1
	}
	l.closed = true
	return nil
}

// Gateway is a fully in-memory Kernel Gateway. Every behavior that
// spec.md's revision-swap protocol depends on (load failure, attach
// failure, retarget failure) is controllable via the Fail* hooks so
// tests can exercise the injected-failure paths §9's Open Question
// calls out.
type Gateway struct {
	mu sync.Mutex

	nextFD int
	handles map[int]*handle
	pins    map[string]*handle
	links   []*fakeLink

	// FailLoadNames maps a program name to the error LoadBytecode
	// returns, instead of succeeding, for a program of that name.
	FailLoadNames map[string]error
	// FailAttachInterfaces fails AttachSteering/AttachFastPath for the
	// given interface index.
	FailAttachInterfaces map[int]error
	// FailRetargetSlot fails Retarget when writing to this slot index.
	FailRetargetSlot map[int]error

	traceCalls []string
}

func New() *Gateway {
	return &Gateway{
		handles: map[int]*handle{},
		pins:    map[string]*handle{},
	}
}

var _ kernelapi.Gateway = (*Gateway)(nil)

func (g *Gateway) LoadBytecode(ctx context.Context, elf []byte, kind command.ProgramKind, name string, globalData map[string][]byte) (kernelapi.ProgramHandle, *command.KernelInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.FailLoadNames[name]; ok {
		return nil, nil, err
	}

	g.nextFD++
	fd := g.nextFD
	h := &handle{fd: fd, name: name, kind: kind}
	g.handles[fd] = h

	ki := &command.KernelInfo{
		ID:   uint32(fd),
		Name: name,
		Tag:  fmt.Sprintf("tag-%d", fd),
	}
	g.traceCalls = append(g.traceCalls, fmt.Sprintf("load %s", name))
	return h, ki, nil
}

func (g *Gateway) Pin(hd kernelapi.ProgramHandle, path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := hd.(*handle)
	h.pinned = path
	g.pins[path] = h
	return nil
}

func (g *Gateway) Unpin(path string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pins, path)
	return nil
}

func (g *Gateway) AttachSteering(ctx context.Context, ifIndex int, direction command.Direction, hd kernelapi.ProgramHandle) (kernelapi.LinkHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.FailAttachInterfaces[ifIndex]; ok {
		return nil, err
	}
	h := hd.(*handle)
	l := &fakeLink{g: g, ifIdx: ifIndex, dir: direction, h: h}
	g.links = append(g.links, l)
	g.traceCalls = append(g.traceCalls, fmt.Sprintf("attach %s if=%d dir=%v", h.name, ifIndex, direction))
	return l, nil
}

func (g *Gateway) AttachFastPath(ctx context.Context, ifIndex int, hd kernelapi.ProgramHandle) (kernelapi.LinkHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.FailAttachInterfaces[ifIndex]; ok {
		return nil, err
	}
	h := hd.(*handle)
	l := &fakeLink{g: g, ifIdx: ifIndex, h: h}
	g.links = append(g.links, l)
	g.traceCalls = append(g.traceCalls, fmt.Sprintf("attach-fastpath %s if=%d", h.name, ifIndex))
	return l, nil
}

func (g *Gateway) AttachTracepoint(ctx context.Context, category, name string, hd kernelapi.ProgramHandle) (kernelapi.LinkHandle, error) {
	h := hd.(*handle)
	return &fakeLink{g: g, h: h}, nil
}

func (g *Gateway) AttachKprobe(ctx context.Context, spec kernelapi.KprobeSpec, hd kernelapi.ProgramHandle) (kernelapi.LinkHandle, error) {
	h := hd.(*handle)
	return &fakeLink{g: g, h: h}, nil
}

func (g *Gateway) AttachUprobe(ctx context.Context, spec kernelapi.UprobeSpec, hd kernelapi.ProgramHandle) (kernelapi.LinkHandle, error) {
	h := hd.(*handle)
	return &fakeLink{g: g, h: h}, nil
}

func (g *Gateway) Detach(l kernelapi.LinkHandle) error {
	return l.Close()
}

func (g *Gateway) EnumerateAll(ctx context.Context) ([]command.KernelInfo, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []command.KernelInfo
	for _, h := range g.handles {
		if h.closed {
			continue
		}
		out = append(out, command.KernelInfo{ID: uint32(h.fd), Name: h.name})
	}
	return out, nil
}

func (g *Gateway) Retarget(ctx context.Context, dispatcherHandle kernelapi.ProgramHandle, slot int, hd kernelapi.ProgramHandle) (kernelapi.LinkHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err, ok := g.FailRetargetSlot[slot]; ok {
		return nil, err
	}
	d := dispatcherHandle.(*handle)
	h := hd.(*handle)
	for len(d.slots) <= slot {
		d.slots = append(d.slots, -1)
	}
	d.slots[slot] = h.fd
	g.traceCalls = append(g.traceCalls, fmt.Sprintf("retarget slot=%d -> %s", slot, h.name))
	return &retargetLink{g: g, dispatcher: d, slot: slot}, nil
}

func (g *Gateway) LoadedProgram(ctx context.Context, kernelID uint32) (kernelapi.ProgramHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[int(kernelID)]
	if !ok {
		return nil, command.NotFound("no kernel program with id %d", kernelID)
	}
	return h, nil
}

// TraceCalls returns every mutating call in order, for assertions like
// scenario A/B in spec.md §8 ("only P2's trace output appears").
func (g *Gateway) TraceCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.traceCalls))
	copy(out, g.traceCalls)
	return out
}

// Pinned reports whether path is currently pinned, for asserting the
// "empty hook ⇒ no pinned dispatcher object" boundary behavior.
func (g *Gateway) Pinned(path string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.pins[path]
	return ok
}
