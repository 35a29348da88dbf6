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

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/command"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	p := &command.XdpProgram{
		ProgramData: command.ProgramData{ID: uuid.New(), Name: "p1"},
		Priority:    5,
		Interface:   "eth0",
		ProceedOn:   command.DefaultProceedOn(command.KindSteeringInbound),
	}

	require.NoError(t, s.Save(p))

	loaded, err := s.Load(p.ID())
	require.NoError(t, err)
	x, ok := loaded.(*command.XdpProgram)
	require.True(t, ok)
	require.Equal(t, p.Interface, x.Interface)
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(uuid.New())
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindNotFound, kind)
}

func TestEnumerateSkipsTmpFiles(t *testing.T) {
	s := newTestStore(t)
	p1 := &command.XdpProgram{ProgramData: command.ProgramData{ID: uuid.New(), Name: "p1"}}
	p2 := &command.XdpProgram{ProgramData: command.ProgramData{ID: uuid.New(), Name: "p2"}}
	require.NoError(t, s.Save(p1))
	require.NoError(t, s.Save(p2))
	// A leftover from an interrupted Save; it is not valid JSON, so
	// Enumerate would fail if it tried to decode it.
	require.NoError(t, os.WriteFile(filepath.Join(s.ProgramsDir(), uuid.New().String()+".tmp"), []byte("partial"), 0o644))

	records, err := s.Enumerate()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id := uuid.New()
	require.NoError(t, s.Delete(id))

	p := &command.XdpProgram{ProgramData: command.ProgramData{ID: id, Name: "p1"}}
	require.NoError(t, s.Save(p))
	require.NoError(t, s.Delete(id))

	_, err := s.Load(id)
	require.Error(t, err)
}

func TestDispatcherPinPathNamesEncodeInterfaceDirectionRevision(t *testing.T) {
	s := newTestStore(t)
	require.Contains(t, s.DispatcherPinPath("eth0", "eg", 3), "dispatcher_eth0_eg_3")
	require.Contains(t, s.DispatcherPinPath("eth0", "", 1), "dispatcher_eth0_1")
}
