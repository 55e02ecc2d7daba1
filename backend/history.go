// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"encoding/json"
)

// The undo protocol is interleaved with the log itself: an UNDO action
// targeting a generative action cancels it, an UNDO targeting an UNDO
// redoes the cancelled action. The net effect is computed in a single
// forward walk; nothing is ever removed from the log.

// decodedLog pairs each raw entry with its decoded header. Entries that
// fail to decode are kept with an empty ID and ignored by the walks.
type decodedLog []BaseAction

func decodeLog(log []json.RawMessage) decodedLog {
	out := make(decodedLog, 0, len(log))
	for _, raw := range log {
		a, err := decodeAction(raw)
		if err != nil {
			a = BaseAction{}
		}
		out = append(out, a)
	}
	return out
}

// undoRef extracts the refId of an UNDO action; empty for anything else.
func undoRef(a BaseAction) string {
	if a.Type != ActionUndo {
		return ""
	}
	p, err := decodePayload[UndoPayload](a)
	if err != nil {
		return ""
	}
	return p.RefID
}

// resolveRoot follows a chain of UNDO references down to the generative
// action at its base. A broken or cyclic chain resolves to "".
func resolveRoot(byID map[string]BaseAction, ref string) string {
	seen := make(map[string]bool)
	for ref != "" && !seen[ref] {
		seen[ref] = true
		target, ok := byID[ref]
		if !ok {
			return ""
		}
		if target.IsGenerative() {
			return target.ID
		}
		ref = undoRef(target)
	}
	return ""
}

// DeadSet walks the log once and returns the ids of generative actions
// whose effect is currently cancelled. Each UNDO toggles the liveness of
// the generative action at the root of its reference chain, so an
// UNDO(UNDO(A)) restores A.
func DeadSet(log []json.RawMessage) map[string]bool {
	return deadSetDecoded(decodeLog(log))
}

func deadSetDecoded(actions decodedLog) map[string]bool {
	dead := make(map[string]bool)
	byID := make(map[string]BaseAction, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			continue
		}
		byID[a.ID] = a
		if a.IsGenerative() {
			continue
		}
		root := resolveRoot(byID, undoRef(a))
		if root == "" {
			continue
		}
		if dead[root] {
			delete(dead, root)
		} else {
			dead[root] = true
		}
	}
	return dead
}

// UndoTargetID returns the id of the newest generative action whose
// effect is still live, or "" when there is nothing to undo. The opening
// GAME_START is never an undo target.
func UndoTargetID(log []json.RawMessage) string {
	actions := decodeLog(log)
	dead := deadSetDecoded(actions)
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.ID == "" || !a.IsGenerative() {
			continue
		}
		if a.Type == ActionGameStart {
			return ""
		}
		if !dead[a.ID] {
			return a.ID
		}
	}
	return ""
}

// RedoTargetID returns the id of the newest effective UNDO, or "" when
// there is nothing to redo. Any live generative action closer to the tip
// is a linear barrier: new work forecloses redo.
func RedoTargetID(log []json.RawMessage) string {
	actions := decodeLog(log)
	dead := deadSetDecoded(actions)
	byID := make(map[string]BaseAction, len(actions))
	for _, a := range actions {
		if a.ID != "" {
			byID[a.ID] = a
		}
	}
	for i := len(actions) - 1; i >= 0; i-- {
		a := actions[i]
		if a.ID == "" {
			continue
		}
		if a.IsGenerative() {
			if !dead[a.ID] {
				return ""
			}
			continue
		}
		root := resolveRoot(byID, undoRef(a))
		if root != "" && dead[root] {
			return a.ID
		}
	}
	return ""
}

// ComputeStateFromLog replays the log, skipping every generative action
// in the dead set. UNDO actions themselves never touch state. The first
// replay error is returned with the state; the state is still usable.
func ComputeStateFromLog(log []json.RawMessage) (*State, error) {
	actions := decodeLog(log)
	dead := deadSetDecoded(actions)
	s := NewState()
	var firstErr error
	for _, a := range actions {
		if a.ID == "" || !a.IsGenerative() || dead[a.ID] {
			continue
		}
		if err := Reduce(s, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return s, firstErr
}

// Revision returns the id of the last action in the log, the causality
// marker clients compare against. Empty logs have revision "".
func Revision(log []json.RawMessage) string {
	for i := len(log) - 1; i >= 0; i-- {
		a, err := decodeAction(log[i])
		if err == nil && a.ID != "" {
			return a.ID
		}
	}
	return ""
}
