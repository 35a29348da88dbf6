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
	"context"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/kernelapi"
)

func (d *Daemon) doLoad(ctx context.Context, spec LoadSpec) (uuid.UUID, error) {
	if spec.Kind.Dispatches() && spec.Interface == "" {
		return uuid.Nil, command.InvalidArgument("interface is required for kind %v", spec.Kind)
	}

	var proceedOn command.ProceedOnSet
	if spec.Kind.Dispatches() {
		var err error
		proceedOn, err = command.ParseProceedOn(spec.Kind, spec.ProceedOnTokens)
		if err != nil {
			return uuid.Nil, err
		}
	}

	if spec.MapOwnerID != nil {
		if _, ok := d.registry.Get(*spec.MapOwnerID); !ok {
			return uuid.Nil, command.NotFound("map owner %s is not registered", *spec.MapOwnerID)
		}
	}

	bc, name, err := d.resolveBytecode(ctx, spec.Location, spec.Name)
	if err != nil {
		return uuid.Nil, err
	}

	data := command.ProgramData{
		Name:       name,
		Location:   spec.Location,
		GlobalData: spec.GlobalData,
		MapOwnerID: spec.MapOwnerID,
	}

	var p command.Program
	switch spec.Kind {
	case command.KindSteeringInbound:
		p = &command.XdpProgram{ProgramData: data, Priority: spec.Priority, Interface: spec.Interface, ProceedOn: proceedOn}
	case command.KindSteeringOutbound:
		p = &command.TcProgram{ProgramData: data, Priority: spec.Priority, Interface: spec.Interface, ProceedOn: proceedOn, Direction: spec.Direction}
	case command.KindFastPath:
		p = &command.TcProgram{ProgramData: data, Priority: spec.Priority, Interface: spec.Interface, ProceedOn: proceedOn, FastPath: true}
	case command.KindTracingTracepoint:
		p = &command.TracepointProgram{ProgramData: data, Category: spec.TracepointCategory, Name: spec.TracepointName}
	case command.KindTracingKprobe:
		p = &command.KprobeProgram{ProgramData: data, FnName: spec.KprobeFnName, Offset: spec.KprobeOffset, RetProbe: spec.KprobeRetProbe, Namespace: spec.KprobeNS}
	case command.KindTracingUprobe:
		p = &command.UprobeProgram{ProgramData: data, FnName: spec.UprobeFnName, Offset: spec.UprobeOffset, Target: spec.UprobeTarget, RetProbe: spec.UprobeRetProbe, Pid: spec.UprobePid, Namespace: spec.UprobeNS}
	default:
		return uuid.Nil, command.InvalidArgument("unsupported program kind %v", spec.Kind)
	}

	id := uuid.New()
	if pd, ok := p.Data(); ok {
		pd.ID = id
	}
	if err := d.registry.Insert(p); err != nil {
		return uuid.Nil, err
	}

	if spec.MapOwnerID != nil {
		if err := d.registry.BindMapUser(id, *spec.MapOwnerID); err != nil {
			d.registry.Remove(id)
			return uuid.Nil, err
		}
	}

	if err := d.installKernel(ctx, p, bc, spec); err != nil {
		if spec.MapOwnerID != nil {
			d.registry.UnbindMapUser(id, *spec.MapOwnerID)
		}
		d.registry.Remove(id)
		return uuid.Nil, err
	}

	return id, nil
}

// installKernel performs the kernel installation for a newly-inserted
// program: for dispatching kinds, routes through the owning Hook
// Manager's revision-swap protocol; for tracing kinds, loads and
// attaches directly via the Kernel Gateway. On success it persists
// every affected record.
func (d *Daemon) installKernel(ctx context.Context, p command.Program, bc []byte, spec LoadSpec) error {
	if spec.Kind.Dispatches() {
		ifIndex, err := d.resolve(spec.Interface)
		if err != nil {
			return err
		}
		key, err := d.hookFor(spec.Kind, spec.Interface, spec.Direction)
		if err != nil {
			return err
		}
		mgr := d.managerFor(key, ifIndex)
		if err := mgr.Add(ctx, p, bc); err != nil {
			return err
		}
		for _, attached := range mgr.List() {
			if err := d.store.Save(attached); err != nil {
				return err
			}
		}
		return nil
	}

	name := command.Name(p)
	globalData := map[string][]byte{}
	if pd, ok := p.Data(); ok {
		globalData = pd.GlobalData
	}
	handle, kernelInfo, err := d.gateway.LoadBytecode(ctx, bc, spec.Kind, name, globalData)
	if err != nil {
		return err
	}
	if pd, ok := p.Data(); ok {
		pd.KernelInfo = kernelInfo
	}
	if err := d.gateway.Pin(handle, d.store.ProgPinPath(p.ID())); err != nil {
		return err
	}

	var link kernelapi.LinkHandle
	switch spec.Kind {
	case command.KindTracingTracepoint:
		link, err = d.gateway.AttachTracepoint(ctx, spec.TracepointCategory, spec.TracepointName, handle)
	case command.KindTracingKprobe:
		link, err = d.gateway.AttachKprobe(ctx, kprobeSpecOf(spec), handle)
	case command.KindTracingUprobe:
		link, err = d.gateway.AttachUprobe(ctx, uprobeSpecOf(spec), handle)
	default:
		return command.Internal("installKernel: unhandled non-dispatching kind %v", spec.Kind)
	}
	if err != nil {
		_ = d.gateway.Unpin(d.store.ProgPinPath(p.ID()))
		return err
	}
	d.traceLinks[p.ID()] = link

	return d.store.Save(p)
}

func kprobeSpecOf(spec LoadSpec) kernelapi.KprobeSpec {
	return kernelapi.KprobeSpec{
		FnName:    spec.KprobeFnName,
		Offset:    spec.KprobeOffset,
		RetProbe:  spec.KprobeRetProbe,
		Namespace: spec.KprobeNS,
	}
}

func uprobeSpecOf(spec LoadSpec) kernelapi.UprobeSpec {
	return kernelapi.UprobeSpec{
		FnName:    spec.UprobeFnName,
		Offset:    spec.UprobeOffset,
		Target:    spec.UprobeTarget,
		RetProbe:  spec.UprobeRetProbe,
		Pid:       spec.UprobePid,
		Namespace: spec.UprobeNS,
	}
}
