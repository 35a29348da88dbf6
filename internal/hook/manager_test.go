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

package hook

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/kernelapi/kernelapitest"
	"github.com/dispatchd/dispatchd/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *kernelapitest.Gateway, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	gw := kernelapitest.New()
	return New(InboundKey("eth0"), 2, gw, st), gw, st
}

func xdp(name string, priority int32) *command.XdpProgram {
	return &command.XdpProgram{
		ProgramData: command.ProgramData{ID: uuid.New(), Name: name},
		Priority:    priority,
		Interface:   "eth0",
		ProceedOn:   command.DefaultProceedOn(command.KindSteeringInbound),
	}
}

func TestAddFirstProgramAttachesAndAssignsPosition(t *testing.T) {
	m, gw, st := newTestManager(t)
	p := xdp("p1", 50)

	require.NoError(t, m.Add(context.Background(), p, []byte("elf")))

	require.Equal(t, uint64(1), m.Revision())
	require.True(t, p.HasPosition)
	require.Equal(t, 0, p.CurrentPosition)
	require.True(t, p.Attached)
	require.True(t, gw.Pinned(st.ProgPinPath(p.ID())))
}

func TestAddSecondProgramOnlyTracesTheNewProgram(t *testing.T) {
	m, gw, _ := newTestManager(t)
	p1 := xdp("p1", 50)
	require.NoError(t, m.Add(context.Background(), p1, []byte("elf1")))

	before := len(gw.TraceCalls())

	p2 := xdp("p2", 10)
	require.NoError(t, m.Add(context.Background(), p2, []byte("elf2")))

	after := gw.TraceCalls()[before:]
	for _, c := range after {
		require.NotEqual(t, "load p1", c, "p1 must not be reloaded on p2's Add (spec.md scenario A/B)")
	}
	require.Equal(t, uint64(2), m.Revision())

	list := m.List()
	require.Len(t, list, 2)
	require.Equal(t, p2.ID(), list[0].ID(), "lower priority sorts first")
	require.Equal(t, p1.ID(), list[1].ID())
}

func TestEqualPriorityTieBreaksByArrivalOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	p1 := xdp("p1", 10)
	p2 := xdp("p2", 10)
	require.NoError(t, m.Add(context.Background(), p1, []byte("elf1")))
	require.NoError(t, m.Add(context.Background(), p2, []byte("elf2")))

	list := m.List()
	require.Equal(t, p1.ID(), list[0].ID())
	require.Equal(t, p2.ID(), list[1].ID())
}

func TestRemoveLastProgramDetachesDispatcher(t *testing.T) {
	m, gw, st := newTestManager(t)
	p := xdp("p1", 50)
	require.NoError(t, m.Add(context.Background(), p, []byte("elf")))
	dispPath := st.DispatcherPinPath("eth0", "", 1)
	require.True(t, gw.Pinned(dispPath))

	require.NoError(t, m.Remove(context.Background(), p.ID()))
	require.False(t, gw.Pinned(dispPath), "detaching the last program must unpin its dispatcher revision")
	require.Empty(t, m.List())
}

func TestRemoveUnknownProgramIsNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.Remove(context.Background(), uuid.New())
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindNotFound, kind)
}

func TestAddRollsBackOnAttachFailure(t *testing.T) {
	m, gw, _ := newTestManager(t)
	gw.FailAttachInterfaces = map[int]error{2: command.Attach(nil, "simulated attach failure")}

	p := xdp("p1", 50)
	err := m.Add(context.Background(), p, []byte("elf"))
	require.Error(t, err)
	require.Empty(t, m.List(), "a failed Add must leave the hook's program list unchanged")
	require.Equal(t, uint64(0), m.Revision())
}

func TestAddRollsBackOnRetargetFailure(t *testing.T) {
	m, gw, st := newTestManager(t)
	gw.FailRetargetSlot = map[int]error{0: command.Internal("simulated retarget failure")}

	p := xdp("p1", 50)
	err := m.Add(context.Background(), p, []byte("elf"))
	require.Error(t, err)
	require.Empty(t, m.List())
	require.False(t, gw.Pinned(st.DispatcherPinPath("eth0", "", 1)),
		"a rolled-back swap must not leave the new dispatcher pinned")
}

func TestAddRollsBackOnUserProgramLoadFailure(t *testing.T) {
	m, gw, _ := newTestManager(t)
	gw.FailLoadNames = map[string]error{"p1": command.VerifierOrLoad("simulated verifier rejection")}

	p := xdp("p1", 50)
	err := m.Add(context.Background(), p, []byte("elf"))
	require.Error(t, err)
	require.Empty(t, m.List())
}

func TestSecondSwapDoesNotReloadRetainedProgram(t *testing.T) {
	m, gw, _ := newTestManager(t)
	p1 := xdp("p1", 50)
	require.NoError(t, m.Add(context.Background(), p1, []byte("elf1")))

	before := len(gw.TraceCalls())
	p2 := xdp("p2", 60)
	require.NoError(t, m.Add(context.Background(), p2, []byte("elf2")))
	calls := gw.TraceCalls()[before:]

	for _, c := range calls {
		require.NotEqual(t, "load p1", c)
	}
}

func TestRehydrateRecomputesPositions(t *testing.T) {
	m, _, _ := newTestManager(t)
	p1 := xdp("p1", 50)
	p2 := xdp("p2", 10)

	m.Rehydrate([]command.Program{p1, p2})

	require.Equal(t, uint64(1), m.Revision())
	list := m.List()
	require.Equal(t, p2.ID(), list[0].ID())
	require.Equal(t, 0, p2.CurrentPosition)
	require.Equal(t, 1, p1.CurrentPosition)
}
