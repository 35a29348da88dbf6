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

// Package registry is the Program Registry (spec.md §4.5):
// process-wide index of programs by identifier, cross-cutting every
// hook, and the mediator of cross-program pinned-map sharing.
package registry

import (
	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/command"
)

// Registry is the process-wide program index. It is only ever mutated
// by the Command Loop (internal/daemon), which is the single writer;
// Registry itself does not lock.
type Registry struct {
	programs map[uuid.UUID]command.Program
	// usedBy maps a map-owning program's identifier to the set of
	// identifiers reusing its pinned maps (spec.md §3 "Map-Sharing
	// Record").
	usedBy map[uuid.UUID]map[uuid.UUID]struct{}
}

func New() *Registry {
	return &Registry{
		programs: map[uuid.UUID]command.Program{},
		usedBy:   map[uuid.UUID]map[uuid.UUID]struct{}{},
	}
}

// Insert adds p, assigning it a fresh identifier if it doesn't already
// have one. It rejects duplicate identifiers.
func (r *Registry) Insert(p command.Program) error {
	id := p.ID()
	if id == uuid.Nil {
		id = uuid.New()
		if d, ok := p.Data(); ok {
			d.ID = id
		}
	}
	if _, exists := r.programs[id]; exists {
		return command.Internal("program %s already registered", id)
	}
	r.programs[id] = p
	if _, ok := r.usedBy[id]; !ok {
		r.usedBy[id] = map[uuid.UUID]struct{}{}
	}
	return nil
}

func (r *Registry) Get(id uuid.UUID) (command.Program, bool) {
	p, ok := r.programs[id]
	return p, ok
}

func (r *Registry) Remove(id uuid.UUID) {
	delete(r.programs, id)
	delete(r.usedBy, id)
}

// Enumerate returns every registered program in unspecified order.
func (r *Registry) Enumerate() []command.Program {
	out := make([]command.Program, 0, len(r.programs))
	for _, p := range r.programs {
		out = append(out, p)
	}
	return out
}

// UsedBy reports the set of identifiers currently reusing ownerID's
// pinned maps.
func (r *Registry) UsedBy(ownerID uuid.UUID) []uuid.UUID {
	set := r.usedBy[ownerID]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// BindMapUser records that userID reuses ownerID's pinned maps. It
// fails if the owner is not registered.
func (r *Registry) BindMapUser(userID, ownerID uuid.UUID) error {
	if _, ok := r.programs[ownerID]; !ok {
		return command.NotFound("map owner %s is not registered", ownerID)
	}
	if r.usedBy[ownerID] == nil {
		r.usedBy[ownerID] = map[uuid.UUID]struct{}{}
	}
	r.usedBy[ownerID][userID] = struct{}{}
	return nil
}

func (r *Registry) UnbindMapUser(userID, ownerID uuid.UUID) {
	if set, ok := r.usedBy[ownerID]; ok {
		delete(set, userID)
	}
}

// IsMapOwnerInUse reports whether ownerID currently has any programs
// reusing its pinned maps (spec.md §4.5 invariant backing the InUse
// unload error).
func (r *Registry) IsMapOwnerInUse(ownerID uuid.UUID) bool {
	return len(r.usedBy[ownerID]) > 0
}
