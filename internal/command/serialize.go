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

package command

import (
	"encoding/json"

	"github.com/google/uuid"
)

// wireProgram is the on-disk envelope for a Program record: exactly one
// of the kind-specific fields is populated, selected by Kind. This is
// the Go analogue of the original Rust implementation's
// #[derive(Serialize, Deserialize)] enum Program { Xdp(..), Tc(..), .. }
// (original_source/bpfd/src/command.rs), since Go has no native
// tagged-union JSON encoding.
type wireProgram struct {
	Kind        ProgramKind         `json:"kind"`
	Xdp         *wireXdpProgram     `json:"xdp,omitempty"`
	Tc          *wireTcProgram      `json:"tc,omitempty"`
	Tracepoint  *TracepointProgram  `json:"tracepoint,omitempty"`
	Kprobe      *KprobeProgram      `json:"kprobe,omitempty"`
	Uprobe      *UprobeProgram      `json:"uprobe,omitempty"`
	Unsupported *UnsupportedProgram `json:"unsupported,omitempty"`
}

// wireXdpProgram and wireTcProgram drop CurrentPosition/HasPosition:
// those are transient, recomputed on restart from the hook's sorted
// list (spec.md §4.1).
type wireXdpProgram struct {
	ProgramData
	Priority  int32        `json:"priority"`
	Interface string       `json:"interface"`
	ProceedOn ProceedOnSet `json:"proceed_on"`
	IfIndex   uint32       `json:"if_index"`
	Attached  bool         `json:"attached"`
}

type wireTcProgram struct {
	ProgramData
	Priority  int32        `json:"priority"`
	Interface string       `json:"interface"`
	ProceedOn ProceedOnSet `json:"proceed_on"`
	Direction Direction    `json:"direction"`
	FastPath  bool         `json:"fast_path"`
	IfIndex   uint32       `json:"if_index"`
	Attached  bool         `json:"attached"`
}

// Encode serializes a Program record for persistence.
func Encode(p Program) ([]byte, error) {
	w := wireProgram{Kind: p.Kind()}
	switch v := p.(type) {
	case *XdpProgram:
		w.Xdp = &wireXdpProgram{v.ProgramData, v.Priority, v.Interface, v.ProceedOn, v.IfIndex, v.Attached}
	case *TcProgram:
		w.Tc = &wireTcProgram{v.ProgramData, v.Priority, v.Interface, v.ProceedOn, v.Direction, v.FastPath, v.IfIndex, v.Attached}
	case *TracepointProgram:
		w.Tracepoint = v
	case *KprobeProgram:
		w.Kprobe = v
	case *UprobeProgram:
		w.Uprobe = v
	case *UnsupportedProgram:
		w.Unsupported = v
	default:
		return nil, Internal("unknown program type %T", p)
	}
	return json.MarshalIndent(w, "", "  ")
}

// Decode deserializes a persisted Program record. CurrentPosition is
// left unset (HasPosition=false); the caller recomputes it from the
// owning hook's sorted program list.
func Decode(data []byte) (Program, error) {
	var w wireProgram
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, PersistenceIO(err, "decode program record")
	}
	switch w.Kind {
	case KindSteeringInbound:
		if w.Xdp == nil {
			return nil, Internal("malformed record: kind steering-inbound with no xdp payload")
		}
		x := w.Xdp
		return &XdpProgram{ProgramData: x.ProgramData, Priority: x.Priority, Interface: x.Interface, ProceedOn: x.ProceedOn, IfIndex: x.IfIndex, Attached: x.Attached}, nil
	case KindSteeringOutbound, KindFastPath:
		if w.Tc == nil {
			return nil, Internal("malformed record: kind %v with no tc payload", w.Kind)
		}
		t := w.Tc
		return &TcProgram{ProgramData: t.ProgramData, Priority: t.Priority, Interface: t.Interface, ProceedOn: t.ProceedOn, Direction: t.Direction, FastPath: t.FastPath, IfIndex: t.IfIndex, Attached: t.Attached}, nil
	case KindTracingTracepoint:
		if w.Tracepoint == nil {
			return nil, Internal("malformed record: kind tracepoint with no payload")
		}
		return w.Tracepoint, nil
	case KindTracingKprobe:
		if w.Kprobe == nil {
			return nil, Internal("malformed record: kind kprobe with no payload")
		}
		return w.Kprobe, nil
	case KindTracingUprobe:
		if w.Uprobe == nil {
			return nil, Internal("malformed record: kind uprobe with no payload")
		}
		return w.Uprobe, nil
	case KindUnsupported:
		if w.Unsupported == nil {
			return nil, Internal("malformed record: kind unsupported with no payload")
		}
		return w.Unsupported, nil
	default:
		return nil, Internal("unknown persisted kind %v", w.Kind)
	}
}

// IDOf is a convenience used by the store for filenames.
func IDOf(p Program) uuid.UUID { return p.ID() }
