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

package dispatcher

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/command"
)

func TestBuildEncodesSlotCountAndMasks(t *testing.T) {
	slots := []SlotSpec{
		{ProceedOn: command.NewProceedOnSet(command.ProceedPass)},
		{ProceedOn: command.NewProceedOnSet(command.ProceedDrop, command.ProceedDispatcherReturn)},
	}
	elf, name, globalData, err := Build(command.KindSteeringInbound, slots)
	require.NoError(t, err)
	require.NotEmpty(t, elf)
	require.Equal(t, entryProgramName, name)

	require.Equal(t, uint32(2), binary.LittleEndian.Uint32(globalData["num_slots"]))
	require.Equal(t, DispatcherReturn, binary.LittleEndian.Uint32(globalData["dispatcher_return"]))

	masks := globalData["proceed_on_masks"]
	require.Len(t, masks, 8*MaxSlots)

	mask0 := binary.LittleEndian.Uint64(masks[0:8])
	require.Equal(t, uint64(1)<<bitOf[command.ProceedPass], mask0)

	mask1 := binary.LittleEndian.Uint64(masks[8:16])
	require.Equal(t, uint64(1)<<bitOf[command.ProceedDrop]|uint64(1)<<bitOf[command.ProceedDispatcherReturn], mask1)
}

func TestBuildRejectsTooManySlots(t *testing.T) {
	slots := make([]SlotSpec, MaxSlots+1)
	_, _, _, err := Build(command.KindSteeringInbound, slots)
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindInternal, kind)
}

func TestBuildRejectsMultiSlotFastPath(t *testing.T) {
	slots := []SlotSpec{{}, {}}
	_, _, _, err := Build(command.KindFastPath, slots)
	require.Error(t, err)
}

func TestBuildSelectsTemplatePerKind(t *testing.T) {
	for _, kind := range []command.ProgramKind{command.KindSteeringInbound, command.KindSteeringOutbound, command.KindFastPath} {
		_, _, _, err := Build(kind, nil)
		require.NoError(t, err)
	}
	_, _, _, err := Build(command.KindTracingKprobe, nil)
	require.Error(t, err)
}
