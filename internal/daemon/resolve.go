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

	"github.com/dispatchd/dispatchd/internal/command"
)

// resolveBytecode fetches the raw bytecode bytes for loc, and resolves
// the program's final symbol name: when loc is an image and name is
// empty, the image-declared name wins; when both are non-empty they
// must agree, or Load fails with BytecodeMetadataMismatch (spec.md §3,
// scenario C/D in spec.md §8). This is the Go translation of the
// original implementation's ProgramData::program_bytes
// (original_source/bpfd/src/command.rs).
func (d *Daemon) resolveBytecode(ctx context.Context, loc command.Location, name string) ([]byte, string, error) {
	if !loc.IsImage() {
		data, err := os.ReadFile(loc.Path)
		if err != nil {
			return nil, "", command.BytecodeFetch(err, "read bytecode file %s", loc.Path)
		}
		return data, name, nil
	}

	data, embeddedName, err := d.fetcher.Fetch(ctx, *loc.Image)
	if err != nil {
		return nil, "", err
	}

	if name == "" {
		return data, embeddedName, nil
	}
	if embeddedName != "" && embeddedName != name {
		return nil, "", command.BytecodeMetadataMismatch(embeddedName, name)
	}
	return data, name, nil
}
