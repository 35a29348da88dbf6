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

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/hook"
)

// Rehydrate reconstructs the registry from the Persistence Store and
// reconciles it against the kernel's own view (spec.md §4.5 "On
// startup..."): a managed record whose kernel id has disappeared is a
// warning, not a fatal error, and its stale record is dropped; kernel
// programs with no matching record surface later in List as the
// unsupported variant, since EnumerateAll is consulted live on every
// List rather than cached here. It must run before Run's event loop
// starts processing requests.
func (d *Daemon) Rehydrate(ctx context.Context) error {
	records, err := d.store.Enumerate()
	if err != nil {
		return err
	}

	kernelIDs := map[uint32]struct{}{}
	if live, err := d.gateway.EnumerateAll(ctx); err == nil {
		for _, info := range live {
			kernelIDs[info.ID] = struct{}{}
		}
	} else {
		d.log.Error(err, "unable to enumerate kernel programs during restart recovery")
	}

	byHook := map[hook.Key][]command.Program{}
	for _, p := range records {
		pd, ok := p.Data()
		if ok && pd.KernelInfo != nil {
			if _, alive := kernelIDs[pd.KernelInfo.ID]; !alive {
				d.log.Info("dropping stale persisted record: kernel program is gone",
					"id", p.ID(), "kernelID", pd.KernelInfo.ID)
				_ = d.store.Delete(p.ID())
				continue
			}
		}

		if err := d.registry.Insert(p); err != nil {
			d.log.Error(err, "unable to reinsert persisted record", "id", p.ID())
			continue
		}
		if pd != nil && pd.MapOwnerID != nil {
			if err := d.registry.BindMapUser(p.ID(), *pd.MapOwnerID); err != nil {
				d.log.Error(err, "unable to restore map-sharing record", "id", p.ID(), "owner", *pd.MapOwnerID)
			}
		}

		if p.Kind().Dispatches() {
			iface, _ := command.InterfaceName(p)
			direction, _ := command.DirectionOf(p)
			key, err := d.hookFor(p.Kind(), iface, direction)
			if err != nil {
				continue
			}
			byHook[key] = append(byHook[key], p)
		}
		// Non-dispatching programs (tracepoint/kprobe/uprobe) are not
		// added to traceLinks here: their kernel-side links survive the
		// prior process independently, but this Gateway has no
		// operation to recover a LinkHandle for an already-attached
		// link by kernel id. The persisted record is kept so Unload
		// still tears down the pinned program, but a recovered
		// process cannot Close a link it never held.
	}

	for key, progs := range byHook {
		ifIndex, ok := command.IfIndex(progs[0])
		if !ok {
			continue
		}
		mgr := d.managerFor(key, int(ifIndex))
		mgr.Rehydrate(progs)
	}

	return nil
}
