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

package daemon

import (
	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/command"
)

// LoadSpec is the transport-independent Load request (spec.md §6):
// every field a caller can supply, kind-specific fields left zero when
// not applicable to Kind.
type LoadSpec struct {
	Kind       command.ProgramKind
	Name       string
	Location   command.Location
	GlobalData map[string][]byte
	MapOwnerID *uuid.UUID

	// steering-inbound / steering-outbound / fast-path
	Interface       string
	Priority        int32
	ProceedOnTokens []string
	Direction       command.Direction

	// tracing-tracepoint
	TracepointCategory string
	TracepointName     string

	// tracing-kprobe
	KprobeFnName   string
	KprobeOffset   uint64
	KprobeRetProbe bool
	KprobeNS       *string

	// tracing-uprobe
	UprobeFnName   *string
	UprobeOffset   uint64
	UprobeTarget   string
	UprobeRetProbe bool
	UprobePid      *int32
	UprobeNS       *string
}

// PullBytecodeSpec is the transport-independent PullBytecode request.
type PullBytecodeSpec struct {
	Image command.ImageLocation
}

// Summary is one List result entry: either a managed program (ID and
// Record set) or a kernel program this daemon does not manage (ID nil,
// Kind unsupported, Record an *command.UnsupportedProgram, Kernel set).
type Summary struct {
	ID     uuid.UUID
	Kind   command.ProgramKind
	Record command.Program
	Kernel *command.KernelInfo
}
