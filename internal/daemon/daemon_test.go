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
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/command"
	"github.com/dispatchd/dispatchd/internal/kernelapi/kernelapitest"
	"github.com/dispatchd/dispatchd/internal/ociimage"
	"github.com/dispatchd/dispatchd/internal/registry"
	"github.com/dispatchd/dispatchd/internal/store"
)

type fakeFetcher struct {
	data []byte
	name string
	err  error
}

func (f *fakeFetcher) Fetch(ctx context.Context, loc command.ImageLocation) ([]byte, string, error) {
	return f.data, f.name, f.err
}

var _ ociimage.Fetcher = (*fakeFetcher)(nil)

func newTestDaemon(t *testing.T) (*Daemon, *kernelapitest.Gateway) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	gw := kernelapitest.New()
	d := New(logr.Discard(), registry.New(), st, gw, &fakeFetcher{})
	d.resolve = func(name string) (int, error) { return 7, nil }
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, gw
}

func writeBytecodeFile(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "prog.o")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadSteeringInboundAssignsPositionsInPriorityOrder(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()
	path := writeBytecodeFile(t, t.TempDir(), "elf")

	id1, err := d.Load(ctx, LoadSpec{Kind: command.KindSteeringInbound, Name: "p1", Location: command.FileLocation(path), Interface: "eth0", Priority: 50})
	require.NoError(t, err)

	id2, err := d.Load(ctx, LoadSpec{Kind: command.KindSteeringInbound, Name: "p2", Location: command.FileLocation(path), Interface: "eth0", Priority: 10})
	require.NoError(t, err)

	summaries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	var gotP1, gotP2 *command.XdpProgram
	for _, s := range summaries {
		switch s.ID {
		case id1:
			gotP1 = s.Record.(*command.XdpProgram)
		case id2:
			gotP2 = s.Record.(*command.XdpProgram)
		}
	}
	require.NotNil(t, gotP1)
	require.NotNil(t, gotP2)
	require.Equal(t, 0, gotP2.CurrentPosition, "lower priority gets position 0")
	require.Equal(t, 1, gotP1.CurrentPosition)
}

func TestLoadRejectsUnknownProceedOnToken(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()
	path := writeBytecodeFile(t, t.TempDir(), "elf")

	_, err := d.Load(ctx, LoadSpec{
		Kind: command.KindSteeringInbound, Name: "p1", Location: command.FileLocation(path),
		Interface: "eth0", ProceedOnTokens: []string{"not-a-real-token"},
	})
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindInvalidArgument, kind)

	summaries, err := d.List(ctx)
	require.NoError(t, err)
	require.Empty(t, summaries, "a failed Load must have no side effects")
}

func TestUnloadRejectsMapOwnerInUse(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()
	path := writeBytecodeFile(t, t.TempDir(), "elf")

	ownerID, err := d.Load(ctx, LoadSpec{Kind: command.KindSteeringInbound, Name: "owner", Location: command.FileLocation(path), Interface: "eth0"})
	require.NoError(t, err)

	_, err = d.Load(ctx, LoadSpec{
		Kind: command.KindSteeringInbound, Name: "user", Location: command.FileLocation(path),
		Interface: "eth0", MapOwnerID: &ownerID,
	})
	require.NoError(t, err)

	err = d.Unload(ctx, ownerID)
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindInUse, kind)
}

func TestUnloadUnknownIdentifierIsNotFound(t *testing.T) {
	d, _ := newTestDaemon(t)
	err := d.Unload(context.Background(), command.ProgramData{}.ID)
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindNotFound, kind)
}

func TestLoadThenUnloadRemovesFromList(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()
	path := writeBytecodeFile(t, t.TempDir(), "elf")

	id, err := d.Load(ctx, LoadSpec{Kind: command.KindSteeringInbound, Name: "p1", Location: command.FileLocation(path), Interface: "eth0"})
	require.NoError(t, err)

	require.NoError(t, d.Unload(ctx, id))

	summaries, err := d.List(ctx)
	require.NoError(t, err)
	require.Empty(t, summaries)
}

func TestLoadImageNameMismatchFails(t *testing.T) {
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	gw := kernelapitest.New()
	fetcher := &fakeFetcher{data: []byte("elf"), name: "embedded-name"}
	d := New(logr.Discard(), registry.New(), st, gw, fetcher)
	d.resolve = func(name string) (int, error) { return 1, nil }
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	_, err = d.Load(ctx, LoadSpec{
		Kind: command.KindSteeringInbound, Name: "caller-name",
		Location: command.ImageLocationOf(command.ImageLocation{Reference: "example.com/repo:tag"}),
		Interface: "eth0",
	})
	require.Error(t, err)
	kind, ok := command.KindOf(err)
	require.True(t, ok)
	require.Equal(t, command.KindBytecodeMetadataMismatch, kind)
}

func TestLoadTracepointDoesNotParticipateInAHook(t *testing.T) {
	d, _ := newTestDaemon(t)
	ctx := context.Background()
	path := writeBytecodeFile(t, t.TempDir(), "elf")

	id, err := d.Load(ctx, LoadSpec{
		Kind: command.KindTracingTracepoint, Name: "trace1", Location: command.FileLocation(path),
		TracepointCategory: "syscalls", TracepointName: "sys_enter_openat",
	})
	require.NoError(t, err)
	require.NoError(t, d.Unload(ctx, id))
}
