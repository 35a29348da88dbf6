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

package dispatcher

import "github.com/dispatchd/dispatchd/internal/command"

// bitOf assigns every proceed-on token a stable bit position shared by
// the inbound and outbound vocabularies (a handful of tokens, like
// "redirect" and "dispatcher_return", are accepted by both). The
// dispatcher template interprets a slot's program return code modulo
// 64 as a bit index into that slot's mask.
var bitOf = map[command.ProceedOnCode]uint{
	command.ProceedAborted:          0,
	command.ProceedDrop:             1,
	command.ProceedPass:             2,
	command.ProceedTx:               3,
	command.ProceedRedirect:         4,
	command.ProceedDispatcherReturn: 31, // DispatcherReturn
	command.ProceedUnspec:           6,
	command.ProceedOk:               7,
	command.ProceedReclassify:       8,
	command.ProceedShot:             9,
	command.ProceedPipe:             10,
	command.ProceedStolen:           11,
	command.ProceedQueued:           12,
	command.ProceedRepeat:           13,
	command.ProceedTrap:             14,
}

func maskOf(set command.ProceedOnSet) uint64 {
	var mask uint64
	for code := range set {
		if bit, ok := bitOf[code]; ok {
			mask |= 1 << bit
		}
	}
	return mask
}
