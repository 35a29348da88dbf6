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

package hook

import (
	"fmt"

	"github.com/dispatchd/dispatchd/internal/command"
)

// Key identifies a hook: (interface, direction) for steering, or just
// (interface) for fast-path, where Direction is ignored (spec.md §3
// "Hook Key").
type Key struct {
	Kind      command.ProgramKind
	Interface string
	Direction command.Direction
}

func SteeringKey(iface string, dir command.Direction) Key {
	return Key{Kind: command.KindSteeringOutbound, Interface: iface, Direction: dir}
}

func InboundKey(iface string) Key {
	return Key{Kind: command.KindSteeringInbound, Interface: iface}
}

func FastPathKey(iface string) Key {
	return Key{Kind: command.KindFastPath, Interface: iface}
}

// directionSuffix returns the steering direction when the kind distinguishes
// one, and "" otherwise, for use in pinned-object filenames.
func (k Key) directionSuffix() string {
	if k.Kind != command.KindSteeringOutbound {
		return ""
	}
	return k.Direction.String()
}

func (k Key) String() string {
	if suffix := k.directionSuffix(); suffix != "" {
		return fmt.Sprintf("%s(%s,%s)", k.Kind, k.Interface, suffix)
	}
	return fmt.Sprintf("%s(%s)", k.Kind, k.Interface)
}
