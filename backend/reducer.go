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
	"strconv"
)

// DefaultInnings seeds the column list when GAME_START does not carry an
// inning count.
const DefaultInnings = 9

// Reduce applies one action to the state. The state is only mutated when
// the action is understood; an unknown type returns an error and leaves
// the state untouched. UNDO is a no-op here: its effect exists only at
// replay level (see ComputeStateFromLog).
func Reduce(s *State, a BaseAction) error {
	switch a.Type {
	case ActionGameStart:
		return reduceGameStart(s, a)
	case ActionPitch:
		return reducePitch(s, a)
	case ActionPlayResult:
		return reducePlayResult(s, a)
	case ActionRunnerAdvance, ActionRunnerBatchUpdate:
		return reduceRunnerBatch(s, a)
	case ActionSubstitution:
		return reduceSubstitution(s, a)
	case ActionLineupUpdate:
		return reduceLineupUpdate(s, a)
	case ActionScoreOverride:
		return reduceScoreOverride(s, a)
	case ActionPitcherUpdate:
		return reducePitcherUpdate(s, a)
	case ActionMovePlay:
		return reduceMovePlay(s, a)
	case ActionClearData:
		return reduceClearData(s, a)
	case ActionAddInning:
		return reduceAddInning(s)
	case ActionAddColumn:
		return reduceAddColumn(s, a)
	case ActionRemoveColumn:
		return reduceRemoveColumn(s, a)
	case ActionGameMetadataUpdate:
		return reduceGameMetadataUpdate(s, a)
	case ActionSetInningLead:
		return reduceSetInningLead(s, a)
	case ActionGameFinalize:
		return reduceGameFinalize(s, a)
	case ActionManualPathOverride:
		return reduceManualPathOverride(s, a)
	case ActionOutNumUpdate:
		return reduceOutNumUpdate(s, a)
	case ActionRBIEdit:
		return reduceRBIEdit(s, a)
	case ActionUndo, ActionGameImport:
		return nil
	default:
		return fmt.Errorf("unknown action type: %s", a.Type)
	}
}

// ReplayLog reduces a full raw log into a fresh state. Actions that fail
// to decode or reduce are skipped; the first error is returned alongside
// the state so callers can log it without losing the rest of the replay.
func ReplayLog(log []json.RawMessage) (*State, error) {
	s := NewState()
	var firstErr error
	for i, raw := range log {
		a, err := decodeAction(raw)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("action %d: %w", i, err)
			}
			continue
		}
		if err := Reduce(s, a); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("action %d (%s): %w", i, a.Type, err)
		}
	}
	return s, firstErr
}

func reduceGameStart(s *State, a BaseAction) error {
	p, err := decodePayload[GameStartPayload](a)
	if err != nil {
		return err
	}
	s.Date = p.Date
	s.Location = p.Location
	s.Event = p.Event
	s.Away = p.Away
	s.Home = p.Home
	s.Status = "active"

	innings := p.Innings
	if innings == 0 {
		innings = DefaultInnings
	}
	s.Columns = s.Columns[:0]
	for i := 1; i <= innings; i++ {
		s.Columns = append(s.Columns, Column{
			ID:     "inn" + strconv.Itoa(i),
			Inning: i,
			Label:  strconv.Itoa(i),
		})
	}

	for _, team := range []string{TeamAway, TeamHome} {
		roster := p.Rosters[team]
		slots := make([]RosterSlot, len(roster))
		copy(slots, roster)
		s.Rosters[team] = slots
		if pid, ok := p.Pitchers[team]; ok {
			s.Pitchers[team] = pid
		}
	}
	return nil
}

func reduceScoreOverride(s *State, a BaseAction) error {
	p, err := decodePayload[ScoreOverridePayload](a)
	if err != nil {
		return err
	}
	key := outsKey(p.Team, p.Col)
	if p.Score == "" {
		delete(s.Overrides, key)
		return nil
	}
	s.Overrides[key] = p.Score
	return nil
}

func reducePitcherUpdate(s *State, a BaseAction) error {
	p, err := decodePayload[PitcherUpdatePayload](a)
	if err != nil {
		return err
	}
	s.Pitchers[p.Team] = p.Pitcher
	if p.Col != "" {
		s.PitcherLog[outsKey(p.Team, p.Col)] = p.Pitcher
	}
	return nil
}

func reduceMovePlay(s *State, a BaseAction) error {
	p, err := decodePayload[MovePlayPayload](a)
	if err != nil {
		return err
	}
	ev, ok := s.Events[p.SourceKey]
	if !ok {
		return nil
	}
	s.Events[p.TargetKey] = ev
	delete(s.Events, p.SourceKey)
	return nil
}

func reduceClearData(s *State, a BaseAction) error {
	p, err := decodePayload[ClearDataPayload](a)
	if err != nil {
		return err
	}
	if ev, ok := s.Events[p.Ctx.Key(p.Team)]; ok {
		ev.clearCounters()
	}
	return nil
}

func reduceAddInning(s *State) error {
	next := 1
	for _, c := range s.Columns {
		if c.Inning >= next {
			next = c.Inning + 1
		}
	}
	s.Columns = append(s.Columns, Column{
		ID:     "inn" + strconv.Itoa(next),
		Inning: next,
		Label:  strconv.Itoa(next),
	})
	return nil
}

func reduceAddColumn(s *State, a BaseAction) error {
	p, err := decodePayload[AddColumnPayload](a)
	if err != nil {
		return err
	}
	n := 0
	for _, c := range s.Columns {
		if c.Inning == p.TargetInning {
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("no such inning: %d", p.TargetInning)
	}
	col := Column{
		ID:     fmt.Sprintf("inn%dx%d", p.TargetInning, n),
		Inning: p.TargetInning,
		Label:  strconv.Itoa(p.TargetInning),
	}
	idx := s.lastColumnIndexForInning(p.TargetInning)
	s.Columns = append(s.Columns, Column{})
	copy(s.Columns[idx+1:], s.Columns[idx:])
	s.Columns[idx] = col
	return nil
}

func reduceRemoveColumn(s *State, a BaseAction) error {
	p, err := decodePayload[RemoveColumnPayload](a)
	if err != nil {
		return err
	}
	for i, c := range s.Columns {
		if c.ID == p.ColID {
			s.Columns = append(s.Columns[:i], s.Columns[i+1:]...)
			return nil
		}
	}
	return nil
}

func reduceGameMetadataUpdate(s *State, a BaseAction) error {
	p, err := decodePayload[GameMetadataUpdatePayload](a)
	if err != nil {
		return err
	}
	if p.Date != nil {
		s.Date = *p.Date
	}
	if p.Location != nil {
		s.Location = *p.Location
	}
	if p.Event != nil {
		s.Event = *p.Event
	}
	if p.Away != nil {
		s.Away = *p.Away
	}
	if p.Home != nil {
		s.Home = *p.Home
	}
	return nil
}

func reduceSetInningLead(s *State, a BaseAction) error {
	p, err := decodePayload[SetInningLeadPayload](a)
	if err != nil {
		return err
	}
	s.InningLead[outsKey(p.Team, p.Col)] = p.Slot
	return nil
}

func reduceGameFinalize(s *State, a BaseAction) error {
	p, err := decodePayload[GameFinalizePayload](a)
	if err != nil {
		return err
	}
	s.Status = "final"
	s.FinalScore = &FinalScore{Away: p.FinalScore.Away, Home: p.FinalScore.Home}
	return nil
}

func reduceManualPathOverride(s *State, a BaseAction) error {
	p, err := decodePayload[ManualPathOverridePayload](a)
	if err != nil {
		return err
	}
	if p.Base < 0 || p.Base > 3 {
		return fmt.Errorf("invalid base index: %d", p.Base)
	}
	ev := s.eventAt(p.Key)
	ev.Paths[p.Base] = p.State
	if p.Info != "" {
		ev.PathInfo[p.Base] = p.Info
	}
	return nil
}

func reduceOutNumUpdate(s *State, a BaseAction) error {
	p, err := decodePayload[OutNumUpdatePayload](a)
	if err != nil {
		return err
	}
	s.eventAt(p.Key).OutNum = p.OutNum
	return nil
}

func reduceRBIEdit(s *State, a BaseAction) error {
	p, err := decodePayload[RBIEditPayload](a)
	if err != nil {
		return err
	}
	s.eventAt(p.Key).RBI = p.RBI
	return nil
}
