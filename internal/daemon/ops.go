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
)

func (d *Daemon) doUnload(ctx context.Context, id uuid.UUID) error {
	p, ok := d.registry.Get(id)
	if !ok {
		return command.NotFound("no program with id %s", id)
	}
	if d.registry.IsMapOwnerInUse(id) {
		return command.InUse("program %s owns maps still in use by %v", id, d.registry.UsedBy(id))
	}

	if p.Kind().Dispatches() {
		iface, _ := command.InterfaceName(p)
		direction, _ := command.DirectionOf(p)
		key, err := d.hookFor(p.Kind(), iface, direction)
		if err != nil {
			return err
		}
		mgr, ok := d.hooks[key]
		if !ok {
			return command.Internal("no hook manager for %s is tracking program %s", key, id)
		}
		if err := mgr.Remove(ctx, id); err != nil {
			return err
		}
		for _, remaining := range mgr.List() {
			if err := d.store.Save(remaining); err != nil {
				return err
			}
		}
	} else if link, ok := d.traceLinks[id]; ok {
		if err := d.gateway.Detach(link); err != nil {
			return err
		}
		delete(d.traceLinks, id)
		if err := d.gateway.Unpin(d.store.ProgPinPath(id)); err != nil {
			return err
		}
	}

	if err := d.store.Delete(id); err != nil {
		return err
	}
	if pd, ok := p.Data(); ok && pd.MapOwnerID != nil {
		d.registry.UnbindMapUser(id, *pd.MapOwnerID)
	}
	d.registry.Remove(id)
	return nil
}

func (d *Daemon) doList(ctx context.Context) ([]Summary, error) {
	managed := d.registry.Enumerate()
	managedKernelIDs := make(map[uint32]struct{}, len(managed))
	out := make([]Summary, 0, len(managed))
	for _, p := range managed {
		s := Summary{ID: p.ID(), Kind: p.Kind(), Record: p}
		if pd, ok := p.Data(); ok && pd.KernelInfo != nil {
			s.Kernel = pd.KernelInfo
			managedKernelIDs[pd.KernelInfo.ID] = struct{}{}
		}
		out = append(out, s)
	}

	kernelProgs, err := d.gateway.EnumerateAll(ctx)
	if err != nil {
		return nil, err
	}
	for i := range kernelProgs {
		info := kernelProgs[i]
		if _, ok := managedKernelIDs[info.ID]; ok {
			continue
		}
		out = append(out, Summary{
			Kind:   command.KindUnsupported,
			Record: &command.UnsupportedProgram{Info: info},
			Kernel: &info,
		})
	}

	return out, nil
}
