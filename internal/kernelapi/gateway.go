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

// Package kernelapi is the Kernel Gateway (spec.md §4.2): a uniform
// surface over the kernel operations the rest of the daemon needs, so
// that the Dispatcher Builder, Hook Manager, and Command Loop never
// import github.com/cilium/ebpf directly. The real implementation
// (gateway_linux.go) is grounded on the teacher's own use of
// cilium/ebpf across examples/go-*-counter.
package kernelapi

import (
	"context"

	"github.com/dispatchd/dispatchd/internal/command"
)

// ProgramHandle is an opaque reference to a loaded kernel program.
type ProgramHandle interface {
	// FD is the file descriptor of the loaded program.
	FD() int
}

// LinkHandle is an opaque reference to a live kernel attachment.
type LinkHandle interface {
	Close() error
}

// KprobeSpec and UprobeSpec carry the fields needed to attach a probe;
// these attach kinds do not participate in dispatching (spec.md §1) so
// their gateway surface is narrow and listed only for completeness.
type KprobeSpec struct {
	FnName    string
	Offset    uint64
	RetProbe  bool
	Namespace *string
}

type UprobeSpec struct {
	FnName    *string
	Offset    uint64
	Target    string
	RetProbe  bool
	Pid       *int32
	Namespace *string
}

// Gateway is the uniform kernel surface spec.md §4.2 describes.
type Gateway interface {
	// LoadBytecode verifies and loads bytecode for the given kind,
	// substituting globalData into the bytecode's global-data map
	// before load. On kernel rejection it returns a *command.Error
	// with Kind VerifierOrLoad carrying the kernel's diagnostic
	// string verbatim.
	LoadBytecode(ctx context.Context, elf []byte, kind command.ProgramKind, name string, globalData map[string][]byte) (ProgramHandle, *command.KernelInfo, error)

	Pin(h ProgramHandle, path string) error
	Unpin(path string) error

	AttachSteering(ctx context.Context, ifIndex int, direction command.Direction, h ProgramHandle) (LinkHandle, error)
	AttachFastPath(ctx context.Context, ifIndex int, h ProgramHandle) (LinkHandle, error)
	AttachTracepoint(ctx context.Context, category, name string, h ProgramHandle) (LinkHandle, error)
	AttachKprobe(ctx context.Context, spec KprobeSpec, h ProgramHandle) (LinkHandle, error)
	AttachUprobe(ctx context.Context, spec UprobeSpec, h ProgramHandle) (LinkHandle, error)

	Detach(l LinkHandle) error

	// EnumerateAll snapshots every program the kernel currently
	// knows about, managed or not.
	EnumerateAll(ctx context.Context) ([]command.KernelInfo, error)

	// Retarget splices h into dispatcher's slot-th extension point
	// (spec.md §4.2's "writes the program reference into the
	// dispatcher's internal dispatch table at the given slot"), via a
	// BPF_PROG_TYPE_EXT freplace link. Closing the returned LinkHandle
	// un-splices h without unloading it, which is what lets a program
	// retained across a revision swap be retargeted into the new
	// dispatcher without being reloaded (spec.md §4.4 step 6).
	Retarget(ctx context.Context, dispatcher ProgramHandle, slot int, h ProgramHandle) (LinkHandle, error)

	// LoadedProgram resolves a previously loaded program by its
	// kernel-assigned numeric ID, used when a program retained across
	// a revision swap needs to be retargeted without reloading.
	LoadedProgram(ctx context.Context, kernelID uint32) (ProgramHandle, error)
}
