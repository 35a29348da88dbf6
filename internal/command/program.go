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

package command

import (
	"time"

	"github.com/google/uuid"
)

// ProgramData is the substructure shared by every program kind: what's
// known at Load time plus what's populated after a successful kernel
// load. Kind-specific structs embed it.
type ProgramData struct {
	Name        string
	Location    Location
	ID          uuid.UUID
	GlobalData  map[string][]byte
	MapOwnerID  *uuid.UUID

	KernelInfo  *KernelInfo
	MapPinPath  string
	MapsUsedBy  []uuid.UUID
	LoadedAt    time.Time
}

// Program is the tagged union over every program kind the registry can
// hold. A type switch on the concrete struct recovers kind-specific
// fields; Data recovers the common substructure, or reports "no shared
// data" for the Unsupported variant via ok=false.
type Program interface {
	Kind() ProgramKind
	Data() (*ProgramData, bool)
	ID() uuid.UUID
}

// XdpProgram is a steering-inbound program (native kernel hook: XDP).
type XdpProgram struct {
	ProgramData
	Priority         int32
	Interface        string
	ProceedOn        ProceedOnSet
	CurrentPosition  int // transient; recomputed from the sorted hook list on restart
	HasPosition      bool
	IfIndex          uint32
	Attached         bool
}

func (p *XdpProgram) Kind() ProgramKind          { return KindSteeringInbound }
func (p *XdpProgram) Data() (*ProgramData, bool) { return &p.ProgramData, true }
func (p *XdpProgram) ID() uuid.UUID              { return p.ProgramData.ID }

// TcProgram is a steering-outbound or fast-path program (native kernel
// hook: TC); Direction is ignored for fast-path.
type TcProgram struct {
	ProgramData
	Priority        int32
	Interface       string
	ProceedOn       ProceedOnSet
	Direction       Direction
	FastPath        bool
	CurrentPosition int
	HasPosition     bool
	IfIndex         uint32
	Attached        bool
}

func (p *TcProgram) Kind() ProgramKind {
	if p.FastPath {
		return KindFastPath
	}
	return KindSteeringOutbound
}
func (p *TcProgram) Data() (*ProgramData, bool) { return &p.ProgramData, true }
func (p *TcProgram) ID() uuid.UUID              { return p.ProgramData.ID }

type TracepointProgram struct {
	ProgramData
	Category string
	Name     string
}

func (p *TracepointProgram) Kind() ProgramKind          { return KindTracingTracepoint }
func (p *TracepointProgram) Data() (*ProgramData, bool) { return &p.ProgramData, true }
func (p *TracepointProgram) ID() uuid.UUID              { return p.ProgramData.ID }

type KprobeProgram struct {
	ProgramData
	FnName    string
	Offset    uint64
	RetProbe  bool
	Namespace *string
}

func (p *KprobeProgram) Kind() ProgramKind          { return KindTracingKprobe }
func (p *KprobeProgram) Data() (*ProgramData, bool) { return &p.ProgramData, true }
func (p *KprobeProgram) ID() uuid.UUID              { return p.ProgramData.ID }

type UprobeProgram struct {
	ProgramData
	FnName    *string
	Offset    uint64
	Target    string
	RetProbe  bool
	Pid       *int32
	Namespace *string
}

func (p *UprobeProgram) Kind() ProgramKind          { return KindTracingUprobe }
func (p *UprobeProgram) Data() (*ProgramData, bool) { return &p.ProgramData, true }
func (p *UprobeProgram) ID() uuid.UUID              { return p.ProgramData.ID }

// UnsupportedProgram is a kernel program this daemon discovered but did
// not load: it carries only kernel-side info, no ProgramData.
type UnsupportedProgram struct {
	Info KernelInfo
}

func (p *UnsupportedProgram) Kind() ProgramKind          { return KindUnsupported }
func (p *UnsupportedProgram) Data() (*ProgramData, bool) { return nil, false }
func (p *UnsupportedProgram) ID() uuid.UUID              { return uuid.Nil }

// DispatchInfo is the (priority, proceed-on, current position) of a
// dispatching program. Dispatch returns it, and false for kinds that
// don't dispatch.
type DispatchInfo struct {
	Priority        int32
	ProceedOn       ProceedOnSet
	CurrentPosition int
	HasPosition     bool
}

func Dispatch(p Program) (DispatchInfo, bool) {
	switch v := p.(type) {
	case *XdpProgram:
		return DispatchInfo{v.Priority, v.ProceedOn, v.CurrentPosition, v.HasPosition}, true
	case *TcProgram:
		return DispatchInfo{v.Priority, v.ProceedOn, v.CurrentPosition, v.HasPosition}, true
	default:
		return DispatchInfo{}, false
	}
}

// SetPosition stamps the transient slot index assigned by a hook's most
// recent revision swap; it is a no-op for non-dispatching kinds.
func SetPosition(p Program, pos int) {
	switch v := p.(type) {
	case *XdpProgram:
		v.CurrentPosition, v.HasPosition = pos, true
	case *TcProgram:
		v.CurrentPosition, v.HasPosition = pos, true
	}
}

func ClearPosition(p Program) {
	switch v := p.(type) {
	case *XdpProgram:
		v.CurrentPosition, v.HasPosition = 0, false
	case *TcProgram:
		v.CurrentPosition, v.HasPosition = 0, false
	}
}

func SetAttached(p Program, ifIndex uint32) {
	switch v := p.(type) {
	case *XdpProgram:
		v.Attached, v.IfIndex = true, ifIndex
	case *TcProgram:
		v.Attached, v.IfIndex = true, ifIndex
	}
}

func IfIndex(p Program) (uint32, bool) {
	switch v := p.(type) {
	case *XdpProgram:
		return v.IfIndex, true
	case *TcProgram:
		return v.IfIndex, true
	default:
		return 0, false
	}
}

func InterfaceName(p Program) (string, bool) {
	switch v := p.(type) {
	case *XdpProgram:
		return v.Interface, true
	case *TcProgram:
		return v.Interface, true
	default:
		return "", false
	}
}

func DirectionOf(p Program) (Direction, bool) {
	if tc, ok := p.(*TcProgram); ok && !tc.FastPath {
		return tc.Direction, true
	}
	return 0, false
}

// Name returns the program's symbol name, or the kernel-reported name
// for an Unsupported program.
func Name(p Program) string {
	if d, ok := p.Data(); ok {
		return d.Name
	}
	if u, ok := p.(*UnsupportedProgram); ok {
		return u.Info.Name
	}
	return ""
}
