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

// reduceSubstitution replaces the player in a lineup slot, pushing the
// outgoing player onto the slot's history stack. A substitution made in
// the middle of a plate appearance additionally leaves a marker in that
// PA's pitch sequence so the boundary survives undo.
func reduceSubstitution(s *State, a BaseAction) error {
	p, err := decodePayload[SubstitutionPayload](a)
	if err != nil {
		return err
	}
	roster := s.Rosters[p.Team]
	for len(roster) <= p.RosterIndex {
		roster = append(roster, RosterSlot{})
	}
	slot := &roster[p.RosterIndex]
	if slot.Current.ID != "" {
		slot.History = append(slot.History, slot.Current)
	}
	slot.Current = p.SubParams
	s.Rosters[p.Team] = roster

	if p.Ctx != nil {
		ev := s.eventAt(p.Ctx.Key(p.Team))
		ev.PitchSequence = append(ev.PitchSequence, PitchMark{
			Type:  "substitution",
			RefID: a.ID,
		})
		ev.PID = p.SubParams.ID
	}
	return nil
}

// reduceLineupUpdate replaces a team's roster wholesale. A slot keeps its
// substitution history when the same player stays in the slot.
func reduceLineupUpdate(s *State, a BaseAction) error {
	p, err := decodePayload[LineupUpdatePayload](a)
	if err != nil {
		return err
	}
	old := s.Rosters[p.Team]
	next := make([]RosterSlot, len(p.Roster))
	copy(next, p.Roster)
	for i := range next {
		if i < len(old) && old[i].Current.ID == next[i].Current.ID {
			next[i].History = old[i].History
		}
	}
	s.Rosters[p.Team] = next

	if p.TeamName != "" {
		switch p.Team {
		case TeamAway:
			s.Away = p.TeamName
		case TeamHome:
			s.Home = p.TeamName
		}
	}
	return nil
}
