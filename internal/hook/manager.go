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

// Package hook is the Hook Manager (spec.md §4.4): one instance per
// (interface, direction), owning the current dispatcher revision and
// performing the revision-swap protocol that is this daemon's most
// delicate sequence. Every exported method is meant to be called
// serially by the Command Loop (internal/daemon); Manager itself does
// not serialize concurrent calls.
package hook

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/dispatcher"
	"github.com/dispatchd/dispatchd/internal/kernelapi"
	"github.com/dispatchd/dispatchd/internal/store"
)

// Manager is the Hook Manager for a single hook.
type Manager struct {
	key     Key
	ifIndex int
	gw      kernelapi.Gateway
	st      *store.Store

	// order is the arrival-ordered list of attached programs; the
	// dispatch order is a stable sort of order by ascending priority,
	// so ties break by arrival order automatically and positions only
	// move when (priority, arrival order) actually changes (spec.md §8
	// property 2).
	order []command.Program

	revision   uint64
	dispHandle kernelapi.ProgramHandle
	dispLink   kernelapi.LinkHandle

	// slotLinks holds the current revision's freplace splices, one per
	// entry in sorted order; closing one un-splices its program from
	// the current dispatcher without unloading it (spec.md §4.4 step
	// 6's "retained... NOT reloaded").
	slotLinks []kernelapi.LinkHandle

	// handles caches the kernel handle for every user program
	// currently installed in this hook's dispatcher, so that a
	// revision swap retargeting a retained program never reloads it
	// (spec.md §4.4 step 6).
	handles map[uuid.UUID]kernelapi.ProgramHandle
}

func New(key Key, ifIndex int, gw kernelapi.Gateway, st *store.Store) *Manager {
	return &Manager{
		key:     key,
		ifIndex: ifIndex,
		gw:      gw,
		st:      st,
		handles: map[uuid.UUID]kernelapi.ProgramHandle{},
	}
}

func (m *Manager) Key() Key { return m.key }

// List returns an ordered snapshot of the attached programs.
func (m *Manager) List() []command.Program {
	return sortedByPriority(m.order)
}

func priorityOf(p command.Program) int32 {
	if d, ok := command.Dispatch(p); ok {
		return d.Priority
	}
	return 0
}

// sortedByPriority returns a new slice: order, stably sorted ascending
// by priority. Stability is what gives equal-priority programs
// insertion-order tie-breaking (spec.md §4.4 "Tie-break and edge
// policies").
func sortedByPriority(order []command.Program) []command.Program {
	out := make([]command.Program, len(order))
	copy(out, order)
	sort.SliceStable(out, func(i, j int) bool {
		return priorityOf(out[i]) < priorityOf(out[j])
	})
	return out
}

// Add inserts p into the hook's program list and performs the
// revision-swap protocol for the resulting list. elf is the raw
// bytecode for p; it is only consumed if p is not already kernel-loaded
// (it never is, on Add — Add always introduces a new program). On any
// failure the list insertion is rolled back and the hook is left
// exactly as it was.
func (m *Manager) Add(ctx context.Context, p command.Program, elf []byte) error {
	candidate := append(append([]command.Program{}, m.order...), p)
	if err := m.swap(ctx, candidate, map[uuid.UUID][]byte{p.ID(): elf}); err != nil {
		return err
	}
	m.order = candidate
	return nil
}

// Remove removes the program identified by id and performs the
// revision-swap protocol for the shorter list, or detaches the
// dispatcher entirely if the list becomes empty.
func (m *Manager) Remove(ctx context.Context, id uuid.UUID) error {
	idx := -1
	for i, p := range m.order {
		if p.ID() == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return command.NotFound("program %s is not attached to this hook", id)
	}
	candidate := make([]command.Program, 0, len(m.order)-1)
	candidate = append(candidate, m.order[:idx]...)
	candidate = append(candidate, m.order[idx+1:]...)

	if err := m.swap(ctx, candidate, nil); err != nil {
		return err
	}
	removed := m.order[idx]
	m.order = candidate
	m.releaseHandle(removed.ID())
	return nil
}

func (m *Manager) releaseHandle(id uuid.UUID) {
	delete(m.handles, id)
}

// swap is the revision-swap protocol (spec.md §4.4). newOrder is the
// full desired arrival-ordered program list (already including/
// excluding the program being added/removed); freshBytecode supplies
// raw ELF bytes for any program in newOrder not yet present in
// m.handles.
func (m *Manager) swap(ctx context.Context, newOrder []command.Program, freshBytecode map[uuid.UUID][]byte) error {
	sorted := sortedByPriority(newOrder)
	nextRevision := m.revision + 1

	if len(sorted) == 0 {
		return m.detachAll()
	}

	slots := make([]dispatcher.SlotSpec, len(sorted))
	for i, p := range sorted {
		d, _ := command.Dispatch(p)
		slots[i] = dispatcher.SlotSpec{ProceedOn: d.ProceedOn}
	}

	elf, progName, globalData, err := dispatcher.Build(m.key.Kind, slots)
	if err != nil {
		return err
	}

	// Step 2: load and pin the new dispatcher. No existing kernel
	// state is touched yet; a failure here aborts cleanly.
	dispHandle, _, err := m.gw.LoadBytecode(ctx, elf, m.key.Kind, progName, globalData)
	if err != nil {
		return err
	}
	dispPinPath := m.st.DispatcherPinPath(m.key.Interface, m.key.directionSuffix(), nextRevision)
	if err := m.gw.Pin(dispHandle, dispPinPath); err != nil {
		return err
	}

	// Step 3: load any not-yet-kernel-loaded user program in the new
	// list, tracking everything newly loaded this attempt so a later
	// failure can unwind it without touching retained programs.
	userHandles := make([]kernelapi.ProgramHandle, len(sorted))
	var newlyLoaded []uuid.UUID
	rollbackNew := func() {
		for _, id := range newlyLoaded {
			_ = m.gw.Unpin(m.st.ProgPinPath(id))
			delete(m.handles, id)
		}
	}

	for i, p := range sorted {
		id := p.ID()
		if h, ok := m.handles[id]; ok {
			userHandles[i] = h
			continue
		}
		bc, ok := freshBytecode[id]
		if !ok {
			_ = m.gw.Unpin(dispPinPath)
			rollbackNew()
			return command.Internal("program %s has no cached handle and no fresh bytecode was supplied", id)
		}
		name := command.Name(p)
		h, _, err := m.gw.LoadBytecode(ctx, bc, p.Kind(), name, globalDataOf(p))
		if err != nil {
			_ = m.gw.Unpin(dispPinPath)
			rollbackNew()
			return err
		}
		if err := m.gw.Pin(h, m.st.ProgPinPath(id)); err != nil {
			_ = m.gw.Unpin(dispPinPath)
			rollbackNew()
			return err
		}
		m.handles[id] = h
		newlyLoaded = append(newlyLoaded, id)
		userHandles[i] = h
	}

	// Step 4: all retargets must succeed before step 5 attaches the
	// new dispatcher; any failure unwinds both the dispatcher and any
	// programs loaded in step 3, plus any splice already made this
	// attempt.
	newSlotLinks := make([]kernelapi.LinkHandle, len(userHandles))
	rollbackSlotLinks := func() {
		for _, l := range newSlotLinks {
			if l != nil {
				_ = m.gw.Detach(l)
			}
		}
	}
	for i, h := range userHandles {
		l, err := m.gw.Retarget(ctx, dispHandle, i, h)
		if err != nil {
			rollbackSlotLinks()
			_ = m.gw.Unpin(dispPinPath)
			rollbackNew()
			return err
		}
		newSlotLinks[i] = l
	}

	// Step 5: the atomic cutover. Kernel traffic now flows through the
	// new dispatcher the instant this returns successfully.
	var newLink kernelapi.LinkHandle
	if m.key.Kind == command.KindFastPath {
		newLink, err = m.gw.AttachFastPath(ctx, m.ifIndex, dispHandle)
	} else {
		newLink, err = m.gw.AttachSteering(ctx, m.ifIndex, m.key.Direction, dispHandle)
	}
	if err != nil {
		rollbackSlotLinks()
		_ = m.gw.Unpin(dispPinPath)
		rollbackNew()
		return err
	}

	// Commit point reached: detach/unpin the previous revision and its
	// splices. A program this swap dropped from the list keeps its
	// cached handle until Remove releases it after swap returns.
	if m.dispLink != nil {
		for _, l := range m.slotLinks {
			if l != nil {
				_ = m.gw.Detach(l)
			}
		}
		_ = m.gw.Detach(m.dispLink)
		_ = m.gw.Unpin(m.st.DispatcherPinPath(m.key.Interface, m.key.directionSuffix(), m.revision))
	}

	m.revision = nextRevision
	m.dispHandle = dispHandle
	m.dispLink = newLink
	m.slotLinks = newSlotLinks

	for i, p := range sorted {
		command.SetPosition(p, i)
		command.SetAttached(p, uint32(m.ifIndex))
	}

	return nil
}

func (m *Manager) detachAll() error {
	if m.dispLink != nil {
		for _, l := range m.slotLinks {
			if l != nil {
				_ = m.gw.Detach(l)
			}
		}
		if err := m.gw.Detach(m.dispLink); err != nil {
			return err
		}
		_ = m.gw.Unpin(m.st.DispatcherPinPath(m.key.Interface, m.key.directionSuffix(), m.revision))
	}
	m.dispHandle = nil
	m.dispLink = nil
	m.slotLinks = nil
	m.revision++
	return nil
}

func globalDataOf(p command.Program) map[string][]byte {
	if d, ok := p.Data(); ok {
		return d.GlobalData
	}
	return nil
}

// Revision reports the hook's current monotonic revision counter
// (spec.md §8 property 4).
func (m *Manager) Revision() uint64 { return m.revision }

// Rehydrate restores a hook's arrival-ordered list and handle cache
// after a restart, recomputing CurrentPosition from the sorted order
// the way spec.md §4.1 requires ("current_position... recomputed on
// restart from the sorted list"). It does not touch the kernel: the
// existing dispatcher and links, if any, are assumed already installed
// from the prior process's lifetime and are adopted as revision 1.
func (m *Manager) Rehydrate(order []command.Program) {
	m.order = order
	sorted := sortedByPriority(order)
	for i, p := range sorted {
		command.SetPosition(p, i)
	}
	if len(sorted) > 0 {
		m.revision = 1
	}
}
