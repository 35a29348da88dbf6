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

// Package bootstrap assembles the Command Loop out of its collaborators
// and performs restart recovery before serving the first request,
// mirroring the wiring cmd/bpfd-agent's main does for its controller
// manager, minus the Kubernetes control plane this daemon has no
// analogue for.
package bootstrap

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/daemon"
	"github.com/dispatchd/dispatchd/internal/kernelapi"
	"github.com/dispatchd/dispatchd/internal/ociimage"
	"github.com/dispatchd/dispatchd/internal/registry"
	"github.com/dispatchd/dispatchd/internal/store"
)

// Start builds the Daemon, recovers its state from the Persistence
// Store (spec.md §4.5, §8 property 5, scenario F), and launches its
// event loop in its own goroutine. The returned Daemon is ready to
// accept Load/Unload/List/PullBytecode calls.
func Start(ctx context.Context, log logr.Logger, cfg config.Config, st *store.Store, gw kernelapi.Gateway, fetcher ociimage.Fetcher) (*daemon.Daemon, error) {
	reg := registry.New()
	d := daemon.New(log, reg, st, gw, fetcher)

	if err := d.Rehydrate(ctx); err != nil {
		return nil, err
	}

	go d.Run(ctx)
	return d, nil
}
