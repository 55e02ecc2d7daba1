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
	"fmt"

	"github.com/google/uuid"
	"github.com/pmezard/go-difflib/difflib"
)

// Conflict classification. LINEAR histories fast-forward, DIVERGED
// histories auto-reconcile by interleaving, FORK histories are surfaced
// to the user.
const (
	ConflictLinear   = "LINEAR"
	ConflictFork     = "FORK"
	ConflictDiverged = "DIVERGED"
)

// Conflict describes the relation of two histories that share a common
// ancestor.
type Conflict struct {
	Kind             string            `json:"kind"`
	CommonAncestorID string            `json:"commonAncestorId"`
	LocalBranch      []json.RawMessage `json:"localBranch,omitempty"`
	ServerBranch     []json.RawMessage `json:"serverBranch,omitempty"`

	// Merged is the reconciled log for DIVERGED conflicts: ancestor,
	// then the server branch, then the local branch re-id'd. Nil
	// otherwise.
	Merged []json.RawMessage `json:"-"`
}

// SplitAtAncestor finds the longest common prefix of two logs by action
// id and returns the ancestor id, the shared prefix and both branches.
func SplitAtAncestor(local, server []json.RawMessage) (ancestorID string, prefix, localBranch, serverBranch []json.RawMessage) {
	n := 0
	for n < len(local) && n < len(server) {
		la, lerr := decodeAction(local[n])
		sa, serr := decodeAction(server[n])
		if lerr != nil || serr != nil || la.ID != sa.ID {
			break
		}
		ancestorID = la.ID
		n++
	}
	return ancestorID, local[:n], local[n:], server[n:]
}

// Classify decides how two branches hanging off a shared prefix relate.
// It is a pure function: no side effects, decidable from its inputs.
func Classify(prefix, localBranch, serverBranch []json.RawMessage, ancestorID string) Conflict {
	c := Conflict{
		CommonAncestorID: ancestorID,
		LocalBranch:      localBranch,
		ServerBranch:     serverBranch,
	}
	if len(localBranch) == 0 || len(serverBranch) == 0 {
		c.Kind = ConflictLinear
		return c
	}
	if branchesOverlap(localBranch, serverBranch) {
		c.Kind = ConflictFork
		return c
	}
	merged, err := MergeBranches(prefix, serverBranch, localBranch)
	if err != nil {
		c.Kind = ConflictFork
		return c
	}
	c.Kind = ConflictDiverged
	c.Merged = merged
	return c
}

// branchesOverlap reports whether the two branches write any of the same
// slots. Disjoint writes are the precondition for auto-reconciliation.
func branchesOverlap(a, b []json.RawMessage) bool {
	keys := make(map[string]bool)
	for _, raw := range a {
		for _, k := range actionWriteSet(raw) {
			if k == "*" {
				return true
			}
			keys[k] = true
		}
	}
	for _, raw := range b {
		for _, k := range actionWriteSet(raw) {
			if k == "*" || keys[k] {
				return true
			}
		}
	}
	return false
}

// actionWriteSet lists the slots an action writes, namespaced by concern.
// Actions whose footprint cannot be determined claim everything, which
// forces FORK.
func actionWriteSet(raw json.RawMessage) []string {
	a, err := decodeAction(raw)
	if err != nil {
		return []string{"*"}
	}
	switch a.Type {
	case ActionPitch:
		if p, err := decodePayload[PitchPayload](a); err == nil {
			return []string{"pa:" + p.Ctx.Key(p.Team)}
		}
	case ActionPlayResult:
		if p, err := decodePayload[PlayResultPayload](a); err == nil {
			keys := []string{"pa:" + p.Ctx.Key(p.Team)}
			for _, u := range p.Runners {
				keys = append(keys, "pa:"+u.Key)
			}
			return keys
		}
	case ActionRunnerAdvance, ActionRunnerBatchUpdate:
		if p, err := decodePayload[RunnerBatchPayload](a); err == nil {
			keys := make([]string, 0, len(p.Updates))
			for _, u := range p.Updates {
				keys = append(keys, "pa:"+u.Key)
			}
			return keys
		}
	case ActionClearData:
		if p, err := decodePayload[ClearDataPayload](a); err == nil {
			return []string{"pa:" + p.Ctx.Key(p.Team)}
		}
	case ActionSubstitution:
		if p, err := decodePayload[SubstitutionPayload](a); err == nil {
			keys := []string{"lineup:" + p.Team}
			if p.Ctx != nil {
				keys = append(keys, "pa:"+p.Ctx.Key(p.Team))
			}
			return keys
		}
	case ActionLineupUpdate:
		if p, err := decodePayload[LineupUpdatePayload](a); err == nil {
			return []string{"lineup:" + p.Team}
		}
	case ActionScoreOverride:
		if p, err := decodePayload[ScoreOverridePayload](a); err == nil {
			return []string{"score:" + outsKey(p.Team, p.Col)}
		}
	case ActionPitcherUpdate:
		if p, err := decodePayload[PitcherUpdatePayload](a); err == nil {
			return []string{"pitcher:" + p.Team}
		}
	case ActionManualPathOverride:
		if p, err := decodePayload[ManualPathOverridePayload](a); err == nil {
			return []string{"pa:" + p.Key}
		}
	case ActionOutNumUpdate:
		if p, err := decodePayload[OutNumUpdatePayload](a); err == nil {
			return []string{"pa:" + p.Key}
		}
	case ActionRBIEdit:
		if p, err := decodePayload[RBIEditPayload](a); err == nil {
			return []string{"pa:" + p.Key}
		}
	case ActionMovePlay:
		if p, err := decodePayload[MovePlayPayload](a); err == nil {
			return []string{"pa:" + p.SourceKey, "pa:" + p.TargetKey}
		}
	}
	// UNDO, metadata and column edits have a log-wide footprint.
	return []string{"*"}
}

// CloneForkedGame builds the log of a brand-new game from the shared
// prefix plus the local branch, for the fork resolution that keeps local
// work without touching the original game. The opening GAME_START payload
// is rewritten to carry the fresh game id; action ids stay as they are,
// unique within the new log.
func CloneForkedGame(prefix, localBranch []json.RawMessage) (string, []json.RawMessage, error) {
	newGameID := uuid.NewString()
	log := make([]json.RawMessage, 0, len(prefix)+len(localBranch))
	log = append(log, prefix...)
	log = append(log, localBranch...)
	for i, raw := range log {
		a, err := decodeAction(raw)
		if err != nil {
			return "", nil, err
		}
		if a.Type != ActionGameStart {
			continue
		}
		var p map[string]any
		if err := json.Unmarshal(a.Payload, &p); err != nil {
			return "", nil, fmt.Errorf("GAME_START payload: %w", err)
		}
		p["id"] = newGameID
		b, err := json.Marshal(p)
		if err != nil {
			return "", nil, err
		}
		a.Payload = b
		out, err := json.Marshal(a)
		if err != nil {
			return "", nil, err
		}
		log[i] = out
	}
	return newGameID, log, nil
}

// DiffBranches renders a unified diff of two diverging branches for
// conflict logs, one "id TYPE" line per action.
func DiffBranches(local, server []json.RawMessage) string {
	diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        branchLines(server),
		B:        branchLines(local),
		FromFile: "server",
		ToFile:   "local",
		Context:  2,
	})
	if err != nil {
		return ""
	}
	return diff
}

func branchLines(branch []json.RawMessage) []string {
	lines := make([]string, 0, len(branch))
	for _, raw := range branch {
		a, err := decodeAction(raw)
		if err != nil {
			lines = append(lines, "<undecodable>\n")
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s\n", a.ID, a.Type))
	}
	return lines
}

// MergeBranches builds the reconciled log for a DIVERGED pair: the shared
// prefix, the server branch, then the local branch with fresh ids (the
// originals were already optimistic on the losing side). UNDO references
// into the re-id'd branch are remapped. The merge is only returned when
// it replays cleanly.
func MergeBranches(prefix, serverBranch, localBranch []json.RawMessage) ([]json.RawMessage, error) {
	merged := make([]json.RawMessage, 0, len(prefix)+len(serverBranch)+len(localBranch))
	merged = append(merged, prefix...)
	merged = append(merged, serverBranch...)

	remap := make(map[string]string, len(localBranch))
	for _, raw := range localBranch {
		a, err := decodeAction(raw)
		if err != nil {
			return nil, err
		}
		newID := uuid.NewString()
		remap[a.ID] = newID
		a.ID = newID

		if a.Type == ActionUndo {
			var p UndoPayload
			if err := json.Unmarshal(a.Payload, &p); err == nil {
				if mapped, ok := remap[p.RefID]; ok {
					p.RefID = mapped
					if b, err := json.Marshal(p); err == nil {
						a.Payload = b
					}
				}
			}
		}

		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		merged = append(merged, json.RawMessage(b))
	}

	if _, err := ReplayLog(merged); err != nil {
		return nil, err
	}
	return merged, nil
}
