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

package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/command"
)

func newProgram() *command.XdpProgram {
	return &command.XdpProgram{ProgramData: command.ProgramData{Name: "p"}}
}

func TestInsertAssignsIdentifier(t *testing.T) {
	r := New()
	p := newProgram()
	require.NoError(t, r.Insert(p))
	require.NotEqual(t, uuid.Nil, p.ID())

	got, ok := r.Get(p.ID())
	require.True(t, ok)
	require.Same(t, p, got)
}

func TestInsertRejectsDuplicateIdentifier(t *testing.T) {
	r := New()
	id := uuid.New()
	p1 := &command.XdpProgram{ProgramData: command.ProgramData{ID: id}}
	p2 := &command.XdpProgram{ProgramData: command.ProgramData{ID: id}}
	require.NoError(t, r.Insert(p1))

	err := r.Insert(p2)
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindInternal, kind)
}

func TestMapSharingLifecycle(t *testing.T) {
	r := New()
	owner := newProgram()
	require.NoError(t, r.Insert(owner))
	user := newProgram()
	require.NoError(t, r.Insert(user))

	require.False(t, r.IsMapOwnerInUse(owner.ID()))

	require.NoError(t, r.BindMapUser(user.ID(), owner.ID()))
	require.True(t, r.IsMapOwnerInUse(owner.ID()))
	require.ElementsMatch(t, []uuid.UUID{user.ID()}, r.UsedBy(owner.ID()))

	r.UnbindMapUser(user.ID(), owner.ID())
	require.False(t, r.IsMapOwnerInUse(owner.ID()))
}

func TestBindMapUserRejectsUnknownOwner(t *testing.T) {
	r := New()
	user := newProgram()
	require.NoError(t, r.Insert(user))

	err := r.BindMapUser(user.ID(), uuid.New())
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindNotFound, kind)
}

func TestRemoveClearsMapSharingState(t *testing.T) {
	r := New()
	owner := newProgram()
	require.NoError(t, r.Insert(owner))
	user := newProgram()
	require.NoError(t, r.Insert(user))
	require.NoError(t, r.BindMapUser(user.ID(), owner.ID()))

	r.Remove(owner.ID())
	_, ok := r.Get(owner.ID())
	require.False(t, ok)
	require.False(t, r.IsMapOwnerInUse(owner.ID()))
}
