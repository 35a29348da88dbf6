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

// Package ociimage is the thin boundary the core consumes from the
// OCI-style bytecode image store (spec.md §1 Out of scope): a single
// Fetch(ref) -> (bytes, embedded name) operation. Fetching, unpacking,
// and caching container-image-packaged bytecode is explicitly out of
// scope for this daemon; this package only resolves an image reference
// and pulls the single bytecode layer a bpfd-style artifact carries,
// the same narrow slice of containers/image the teacher's
// bpfd-agent/internal.GetBytecode touches (docker/reference parsing,
// registry auth) without reimplementing an image cache. The
// ImageLocation's PullPolicy is not consulted: every Fetch pulls the
// image from its registry.
package ociimage

import (
	"context"
	"encoding/json"
	"io"

	"github.com/containers/image/docker/reference"
	"github.com/containers/image/image"
	"github.com/containers/image/transports/alltransports"
	"github.com/containers/image/types"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dispatchd/dispatchd/internal/command"
)

// bytecodeAnnotation is the OCI annotation bpfd-packaged artifacts use
// to embed the ELF symbol name of the program inside the image, so that
// Load can omit the name and let the image supply it (spec.md §3,
// scenario C in spec.md §8).
const bytecodeAnnotation = "io.ebpf.program_name"

// Fetcher is the interface the daemon's Load path consumes; it is
// intentionally the entire surface spec.md grants to the image store.
type Fetcher interface {
	Fetch(ctx context.Context, loc command.ImageLocation) (bytes []byte, embeddedName string, err error)
}

// Store is the minimal concrete Fetcher, grounded on containers/image
// (the teacher's own dependency for this purpose).
type Store struct {
	SystemContext *types.SystemContext
}

func NewStore() *Store {
	return &Store{SystemContext: &types.SystemContext{}}
}

func (s *Store) Fetch(ctx context.Context, loc command.ImageLocation) ([]byte, string, error) {
	named, err := reference.ParseNamed(loc.Reference)
	if err != nil {
		return nil, "", command.BytecodeFetch(err, "parse image reference %q", loc.Reference)
	}

	sys := s.systemContextFor(loc, named)

	data, manifest, err := openImage(ctx, sys, "docker://"+named.String())
	if err != nil {
		return nil, "", err
	}

	return data, annotationFromManifest(manifest), nil
}

// openImage resolves ref to its single bytecode layer and raw manifest
// bytes. It is a package-level variable, not a method, so tests can
// substitute a fake image backend (ociimage_test.go) instead of
// reaching a real registry or constructing a local "dir:" layout.
var openImage = func(ctx context.Context, sys *types.SystemContext, ref string) ([]byte, []byte, error) {
	imgRef, err := alltransports.ParseImageName(ref)
	if err != nil {
		return nil, nil, command.BytecodeFetch(err, "resolve image reference %q", ref)
	}

	src, err := imgRef.NewImageSource(ctx, sys)
	if err != nil {
		return nil, nil, command.BytecodeFetch(err, "open image source for %q", ref)
	}
	defer src.Close()

	img, err := image.FromSource(ctx, sys, src)
	if err != nil {
		return nil, nil, command.BytecodeFetch(err, "read image manifest for %q", ref)
	}

	layers := img.LayerInfos()
	if len(layers) == 0 {
		return nil, nil, command.BytecodeFetch(nil, "image %q has no layers", ref)
	}
	// bpfd-style bytecode images package exactly one layer: the
	// compiled ELF object. Multi-layer artifacts are not a supported
	// packaging convention.
	last := layers[len(layers)-1]

	rc, _, err := src.GetBlob(ctx, last, types.BlobInfoCache(nil))
	if err != nil {
		return nil, nil, command.BytecodeFetch(err, "fetch bytecode layer for %q", ref)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, nil, command.BytecodeFetch(err, "read bytecode layer for %q", ref)
	}

	// A manifest read failure only costs the embedded-name lookup, not
	// the bytecode itself: callers that supplied their own name never
	// notice.
	manifest, _, _ := img.Manifest(ctx)

	return data, manifest, nil
}

func (s *Store) systemContextFor(loc command.ImageLocation, named reference.Named) *types.SystemContext {
	sys := *s.SystemContext
	if loc.Username != "" {
		sys.DockerAuthConfig = &types.DockerAuthConfig{
			Username: loc.Username,
			Password: loc.Password,
		}
	}
	return &sys
}

// annotationFromManifest extracts the embedded program name from an
// OCI image manifest's top-level annotations (the only part of the
// manifest schema this daemon cares about; everything else is the
// image store's own out-of-scope unpack step). A manifest that fails
// to parse as OCI JSON, or carries no such annotation, yields "", and
// Fetch returns "" as the embedded name.
func annotationFromManifest(manifest []byte) string {
	var m specs.Manifest
	if err := json.Unmarshal(manifest, &m); err != nil {
		return ""
	}
	return m.Annotations[bytecodeAnnotation]
}
