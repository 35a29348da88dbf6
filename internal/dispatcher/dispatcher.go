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

// Package dispatcher is the Dispatcher Builder (spec.md §4.3): given a
// hook kind and an ordered (program id, proceed-on set) list, it
// produces the bytecode and global-data substitutions for a freshly
// compiled dispatcher configured for exactly that list. It never talks
// to the kernel directly; internal/kernelapi.Gateway.LoadBytecode
// consumes its output through the very same elf+globalData mechanism
// user programs load through (spec.md §3's "global_data... substituted
// into the bytecode before load"), since a dispatcher's per-slot
// proceed-on masks and slot count are just more .rodata globals from
// the kernel's point of view.
package dispatcher

import (
	_ "embed"
	"fmt"

	"github.com/dispatchd/dispatchd/internal/command"
)

// MaxSlots bounds how many user programs a single dispatcher instance
// may multiplex; the template declares exactly this many ext<N>
// extension placeholder functions (bpf/dispatcher.c).
const MaxSlots = 10

// DispatcherReturn is the sentinel return code a dispatcher yields once
// every slot it was asked to invoke has run without proceeding further,
// or after its last configured slot.
const DispatcherReturn uint32 = 31

//go:embed bpf/dispatcher_inbound_bpfel.o
var inboundTemplate []byte

//go:embed bpf/dispatcher_outbound_bpfel.o
var outboundTemplate []byte

//go:embed bpf/dispatcher_fastpath_bpfel.o
var fastPathTemplate []byte

// entryProgramName is the function name of the dispatcher's entry point
// in the steering-inbound (xdp) template; the steering-outbound and
// fast-path (tc) templates use tcEntryProgramName (see bpf/dispatcher.c).
const entryProgramName = "dispatcher"

const tcEntryProgramName = "dispatcher_tc"

// ExtensionName returns the name of the placeholder function a
// dispatcher template declares for the given slot (ext0, ext1, ...).
// internal/kernelapi.Gateway.Retarget passes this to the kernel's
// freplace attach call to splice a loaded user program into that slot
// (bpf/dispatcher.c's CALL_SLOT macro); centralized here so the naming
// convention has exactly one source of truth.
func ExtensionName(slot int) string {
	return fmt.Sprintf("ext%d", slot)
}

// SlotSpec is a single slot's configuration: which return codes cause
// the dispatcher to proceed to the next slot.
type SlotSpec struct {
	ProceedOn command.ProceedOnSet
}

// Build produces the template bytes and global-data substitutions for a
// dispatcher configured for the given ordered slot list. It does not
// load or attach anything; the caller (Hook Manager) passes the result
// to kernelapi.Gateway.LoadBytecode.
func Build(kind command.ProgramKind, slots []SlotSpec) (elf []byte, programName string, globalData map[string][]byte, err error) {
	if len(slots) > MaxSlots {
		return nil, "", nil, command.Internal("dispatcher cannot hold %d slots (max %d)", len(slots), MaxSlots)
	}
	if kind == command.KindFastPath && len(slots) > 1 {
		return nil, "", nil, command.Internal("fast-path dispatcher admits only one slot, got %d", len(slots))
	}

	switch kind {
	case command.KindSteeringInbound:
		elf, programName = inboundTemplate, entryProgramName
	case command.KindSteeringOutbound:
		elf, programName = outboundTemplate, tcEntryProgramName
	case command.KindFastPath:
		elf, programName = fastPathTemplate, tcEntryProgramName
	default:
		return nil, "", nil, command.Internal("kind %v does not have a dispatcher", kind)
	}

	globalData = map[string][]byte{
		"num_slots":         encodeU32(uint32(len(slots))),
		"dispatcher_return": encodeU32(DispatcherReturn),
		"proceed_on_masks":  encodeMasks(slots),
	}

	return elf, programName, globalData, nil
}

func encodeU32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// encodeMasks packs each slot's proceed-on set into a little-endian
// uint64 bitmask (see mask.go for the bit assignment), laid out back to
// back for exactly MaxSlots entries so the struct size the compiled
// .rodata declares never changes across builds.
func encodeMasks(slots []SlotSpec) []byte {
	out := make([]byte, 8*MaxSlots)
	for i, s := range slots {
		mask := maskOf(s.ProceedOn)
		for b := 0; b < 8; b++ {
			out[i*8+b] = byte(mask >> (8 * b))
		}
	}
	return out
}
