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

//go:build linux
// +build linux

package kernelapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/dispatcher"
)

// ciliumGateway is the real Kernel Gateway, backed by
// github.com/cilium/ebpf the same way the teacher's go-*-counter
// examples load, pin, and attach programs.
type ciliumGateway struct{}

// New returns the production Gateway for this host.
func New() Gateway { return &ciliumGateway{} }

type programHandle struct{ prog *ebpf.Program }

func (h *programHandle) FD() int { return h.prog.FD() }

type linkHandle struct{ l link.Link }

func (h *linkHandle) Close() error { return h.l.Close() }

func (g *ciliumGateway) LoadBytecode(ctx context.Context, elf []byte, kind command.ProgramKind, name string, globalData map[string][]byte) (ProgramHandle, *command.KernelInfo, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(elf))
	if err != nil {
		return nil, nil, command.VerifierOrLoad(fmt.Sprintf("parse bytecode object: %v", err))
	}

	progSpec, ok := spec.Programs[name]
	if !ok {
		return nil, nil, command.VerifierOrLoad(fmt.Sprintf("bytecode object has no program named %q", name))
	}

	if len(globalData) > 0 {
		if err := rewriteGlobalData(spec, globalData); err != nil {
			return nil, nil, command.VerifierOrLoad(fmt.Sprintf("substitute global data: %v", err))
		}
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{})
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return nil, nil, command.VerifierOrLoad(fmt.Sprintf("%+v", verr))
		}
		return nil, nil, command.VerifierOrLoad(err.Error())
	}

	prog, ok := coll.Programs[progSpec.Name]
	if !ok {
		coll.Close()
		return nil, nil, command.Internal("loaded collection missing program %q", progSpec.Name)
	}

	info, err := prog.Info()
	if err != nil {
		coll.Close()
		return nil, nil, command.Internal("read program info: %v", err)
	}
	ki := kernelInfoFrom(info)

	return &programHandle{prog: prog}, &ki, nil
}

func (g *ciliumGateway) Pin(h ProgramHandle, path string) error {
	ph, ok := h.(*programHandle)
	if !ok {
		return command.Internal("Pin: not a kernel-backed program handle")
	}
	if err := ph.prog.Pin(path); err != nil {
		return command.Attach(err, "pin program at %s", path)
	}
	return nil
}

// Unpin removes the bpffs pin file directly rather than going through
// cilium/ebpf's own bookkeeping, the same approach the original
// implementation takes (fs::remove_file on the pin path).
func (g *ciliumGateway) Unpin(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return command.Attach(err, "unpin %s", path)
	}
	return nil
}

func (g *ciliumGateway) AttachSteering(ctx context.Context, ifIndex int, direction command.Direction, h ProgramHandle) (LinkHandle, error) {
	ph, ok := h.(*programHandle)
	if !ok {
		return nil, command.Internal("AttachSteering: not a kernel-backed program handle")
	}

	attach := ebpf.AttachTCXIngress
	if direction == command.DirectionEgress {
		attach = ebpf.AttachTCXEgress
	}

	l, err := link.AttachTCX(link.TCXOptions{
		Program:   ph.prog,
		Attach:    attach,
		Interface: ifIndex,
	})
	if err != nil {
		return nil, command.Attach(err, "attach steering program to interface %d direction %v", ifIndex, direction)
	}
	return &linkHandle{l: l}, nil
}

func (g *ciliumGateway) AttachFastPath(ctx context.Context, ifIndex int, h ProgramHandle) (LinkHandle, error) {
	ph, ok := h.(*programHandle)
	if !ok {
		return nil, command.Internal("AttachFastPath: not a kernel-backed program handle")
	}
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   ph.prog,
		Interface: ifIndex,
	})
	if err != nil {
		return nil, command.Attach(err, "attach fast-path program to interface %d", ifIndex)
	}
	return &linkHandle{l: l}, nil
}

func (g *ciliumGateway) AttachTracepoint(ctx context.Context, category, name string, h ProgramHandle) (LinkHandle, error) {
	ph, ok := h.(*programHandle)
	if !ok {
		return nil, command.Internal("AttachTracepoint: not a kernel-backed program handle")
	}
	l, err := link.Tracepoint(category, name, ph.prog, nil)
	if err != nil {
		return nil, command.Attach(err, "attach tracepoint %s/%s", category, name)
	}
	return &linkHandle{l: l}, nil
}

func (g *ciliumGateway) AttachKprobe(ctx context.Context, spec KprobeSpec, h ProgramHandle) (LinkHandle, error) {
	ph, ok := h.(*programHandle)
	if !ok {
		return nil, command.Internal("AttachKprobe: not a kernel-backed program handle")
	}
	opts := &link.KprobeOptions{Offset: spec.Offset}
	var l link.Link
	var err error
	if spec.RetProbe {
		l, err = link.Kretprobe(spec.FnName, ph.prog, opts)
	} else {
		l, err = link.Kprobe(spec.FnName, ph.prog, opts)
	}
	if err != nil {
		return nil, command.Attach(err, "attach kprobe %s", spec.FnName)
	}
	return &linkHandle{l: l}, nil
}

func (g *ciliumGateway) AttachUprobe(ctx context.Context, spec UprobeSpec, h ProgramHandle) (LinkHandle, error) {
	ph, ok := h.(*programHandle)
	if !ok {
		return nil, command.Internal("AttachUprobe: not a kernel-backed program handle")
	}
	ex, err := link.OpenExecutable(spec.Target)
	if err != nil {
		return nil, command.Attach(err, "open uprobe target %s", spec.Target)
	}
	fn := ""
	if spec.FnName != nil {
		fn = *spec.FnName
	}
	opts := &link.UprobeOptions{Offset: spec.Offset}
	if spec.Pid != nil {
		opts.PID = int(*spec.Pid)
	}
	var l link.Link
	if spec.RetProbe {
		l, err = ex.Uretprobe(fn, ph.prog, opts)
	} else {
		l, err = ex.Uprobe(fn, ph.prog, opts)
	}
	if err != nil {
		return nil, command.Attach(err, "attach uprobe %s@%s", fn, spec.Target)
	}
	return &linkHandle{l: l}, nil
}

func (g *ciliumGateway) Detach(l LinkHandle) error {
	lh, ok := l.(*linkHandle)
	if !ok {
		return command.Internal("Detach: not a kernel-backed link handle")
	}
	if err := lh.l.Close(); err != nil {
		return command.Attach(err, "detach link")
	}
	return nil
}

func (g *ciliumGateway) EnumerateAll(ctx context.Context) ([]command.KernelInfo, error) {
	var out []command.KernelInfo
	var id ebpf.ProgramID
	for {
		next, err := ebpf.ProgramGetNextID(id)
		if err != nil {
			break
		}
		id = next
		prog, err := ebpf.NewProgramFromID(id)
		if err != nil {
			continue
		}
		info, err := prog.Info()
		prog.Close()
		if err != nil {
			continue
		}
		ki := kernelInfoFrom(info)
		out = append(out, ki)
	}
	return out, nil
}

func (g *ciliumGateway) Retarget(ctx context.Context, dispatcherHandle ProgramHandle, slot int, h ProgramHandle) (LinkHandle, error) {
	dh, ok := dispatcherHandle.(*programHandle)
	if !ok {
		return nil, command.Internal("Retarget: dispatcher is not a kernel-backed handle")
	}
	ph, ok := h.(*programHandle)
	if !ok {
		return nil, command.Internal("Retarget: program is not a kernel-backed handle")
	}
	l, err := link.AttachFreplace(dh.prog, dispatcher.ExtensionName(slot), ph.prog)
	if err != nil {
		return nil, command.Attach(err, "retarget slot %d", slot)
	}
	return &linkHandle{l: l}, nil
}

func (g *ciliumGateway) LoadedProgram(ctx context.Context, kernelID uint32) (ProgramHandle, error) {
	prog, err := ebpf.NewProgramFromID(ebpf.ProgramID(kernelID))
	if err != nil {
		return nil, command.NotFound("no kernel program with id %d", kernelID)
	}
	return &programHandle{prog: prog}, nil
}

func rewriteGlobalData(spec *ebpf.CollectionSpec, globalData map[string][]byte) error {
	for varName, value := range globalData {
		v, ok := spec.Variables[varName]
		if !ok {
			return fmt.Errorf("bytecode object has no global variable %q", varName)
		}
		if err := v.Set(value); err != nil {
			return fmt.Errorf("set global variable %q: %w", varName, err)
		}
	}
	return nil
}

func kernelInfoFrom(info *ebpf.ProgramInfo) command.KernelInfo {
	ki := command.KernelInfo{
		Name:        info.Name,
		ProgramType: uint32(info.Type),
		Tag:         info.Tag,
	}
	if id, ok := info.ID(); ok {
		ki.ID = uint32(id)
	}
	if btf, ok := info.BTFID(); ok {
		ki.BTFID = uint32(btf)
	}
	if ids, ok := info.MapIDs(); ok {
		for _, m := range ids {
			ki.MapIDs = append(ki.MapIDs, uint32(m))
		}
	}
	ki.LoadedAt = time.Now().Format("2006-01-02T15:04:05-0700")
	return ki
}
