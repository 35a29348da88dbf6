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

// Package store is the Persistence Store (spec.md §4.1): one JSON file
// per program under programs/, and the daemon's pinned kernel objects
// under fs/. Grounded on the original implementation's save/delete/load
// trio (original_source/bpfd/src/command.rs), translated from
// serde_json::to_writer + fs::remove_file to Go's encoding/json plus an
// atomic rename so a crash mid-write never leaves a torn record.
package store

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/command"
)

const (
	ProgramsDir = "programs"
	FsDir       = "fs"
)

type Store struct {
	root string
}

// New prepares a store rooted at dir, creating the programs/ and fs/
// subdirectories if they don't already exist.
func New(dir string) (*Store, error) {
	s := &Store{root: dir}
	for _, sub := range []string{ProgramsDir, FsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, command.PersistenceIO(err, "create %s directory", sub)
		}
	}
	return s, nil
}

func (s *Store) ProgramsDir() string { return filepath.Join(s.root, ProgramsDir) }
func (s *Store) FsDir() string       { return filepath.Join(s.root, FsDir) }

func (s *Store) programPath(id uuid.UUID) string {
	return filepath.Join(s.ProgramsDir(), id.String())
}

// Save atomically replaces programs/<id> with the serialized record.
func (s *Store) Save(p command.Program) error {
	data, err := command.Encode(p)
	if err != nil {
		return err
	}
	path := s.programPath(p.ID())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return command.PersistenceIO(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return command.PersistenceIO(err, "rename %s into place", path)
	}
	return nil
}

// Load reads and deserializes programs/<id>.
func (s *Store) Load(id uuid.UUID) (command.Program, error) {
	data, err := os.ReadFile(s.programPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, command.NotFound("no persisted record for %s", id)
		}
		return nil, command.PersistenceIO(err, "read %s", s.programPath(id))
	}
	return command.Decode(data)
}

// Enumerate reads and deserializes every persisted record.
func (s *Store) Enumerate() ([]command.Program, error) {
	entries, err := os.ReadDir(s.ProgramsDir())
	if err != nil {
		return nil, command.PersistenceIO(err, "list %s", s.ProgramsDir())
	}
	var out []command.Program
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".tmp" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.ProgramsDir(), e.Name()))
		if err != nil {
			return nil, command.PersistenceIO(err, "read %s", e.Name())
		}
		p, err := command.Decode(data)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Delete removes programs/<id>, fs/prog_<id>, and fs/prog_<id>_link.
// Missing files are not an error.
func (s *Store) Delete(id uuid.UUID) error {
	paths := []string{
		s.programPath(id),
		filepath.Join(s.FsDir(), "prog_"+id.String()),
		filepath.Join(s.FsDir(), "prog_"+id.String()+"_link"),
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return command.PersistenceIO(err, "remove %s", p)
		}
	}
	return nil
}

// ProgPinPath and ProgLinkPinPath are the canonical per-program pin
// paths (spec.md §6 "Persisted layout").
func (s *Store) ProgPinPath(id uuid.UUID) string {
	return filepath.Join(s.FsDir(), "prog_"+id.String())
}

func (s *Store) ProgLinkPinPath(id uuid.UUID) string {
	return filepath.Join(s.FsDir(), "prog_"+id.String()+"_link")
}

// DispatcherPinPath is the canonical pin path for a hook's dispatcher
// at a given revision: fs/dispatcher_<interface>_<direction>_<revision>.
func (s *Store) DispatcherPinPath(iface, direction string, revision uint64) string {
	name := "dispatcher_" + iface
	if direction != "" {
		name += "_" + direction
	}
	name += "_" + strconv.FormatUint(revision, 10)
	return filepath.Join(s.FsDir(), name)
}
