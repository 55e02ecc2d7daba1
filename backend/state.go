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
	"strings"
)

// Column is one scoring column. Regular columns map 1:1 to innings; extra
// columns are appended when an inning wraps around the lineup.
type Column struct {
	ID     string `json:"id"`
	Inning int    `json:"inning"`
	Label  string `json:"label"`
}

// PitchMark is one entry of a PA's pitch sequence. A substitution made
// mid-PA is recorded inline with type "substitution" and the id of the
// SUBSTITUTION action, so that replay can resolve the boundary when either
// side of it is undone.
type PitchMark struct {
	Type  string `json:"type"`
	Code  string `json:"code,omitempty"`
	RefID string `json:"refId,omitempty"`
}

// PAEvent is the scored record of one plate appearance, keyed in
// State.Events by "team-slot-columnId".
type PAEvent struct {
	PID           string          `json:"pId,omitempty"`
	Balls         int             `json:"balls"`
	Strikes       int             `json:"strikes"`
	Fouls         int             `json:"fouls"`
	Outcome       string          `json:"outcome,omitempty"`
	OutNum        int             `json:"outNum,omitempty"`
	Paths         [4]int          `json:"paths"`
	PathInfo      [4]string       `json:"pathInfo"`
	OutPos        float64         `json:"outPos,omitempty"`
	RBI           int             `json:"rbi,omitempty"`
	PitchSequence []PitchMark     `json:"pitchSequence,omitempty"`
	HitData       json.RawMessage `json:"hitData,omitempty"`
}

// clearCounters zeroes the scored data of a PA but keeps the player id.
func (ev *PAEvent) clearCounters() {
	pid := ev.PID
	*ev = PAEvent{PID: pid}
}

// FinalScore is set by GAME_FINALIZE.
type FinalScore struct {
	Away int `json:"away"`
	Home int `json:"home"`
}

// State is the canonical game document derived by replaying the action
// log. Two nodes replaying the same log produce equal states; Canonical
// gives a byte-stable encoding for comparison.
type State struct {
	Date     string `json:"date,omitempty"`
	Location string `json:"location,omitempty"`
	Event    string `json:"event,omitempty"`
	Away     string `json:"away,omitempty"`
	Home     string `json:"home,omitempty"`
	Status   string `json:"status,omitempty"`

	Columns    []Column                `json:"columns,omitempty"`
	Rosters    map[string][]RosterSlot `json:"rosters,omitempty"`
	Pitchers   map[string]string       `json:"pitchers,omitempty"`
	PitcherLog map[string]string       `json:"pitcherLog,omitempty"`
	Events     map[string]*PAEvent     `json:"events,omitempty"`
	Overrides  map[string]string       `json:"overrides,omitempty"`
	InningLead map[string]int          `json:"inningLead,omitempty"`
	Outs       map[string]int          `json:"outs,omitempty"`

	FinalScore *FinalScore `json:"finalScore,omitempty"`
}

// NewState returns an empty state ready for replay.
func NewState() *State {
	return &State{
		Rosters:    make(map[string][]RosterSlot),
		Pitchers:   make(map[string]string),
		PitcherLog: make(map[string]string),
		Events:     make(map[string]*PAEvent),
		Overrides:  make(map[string]string),
		InningLead: make(map[string]int),
		Outs:       make(map[string]int),
	}
}

// eventAt returns the PA event for a key, creating it if needed. The
// player id is seeded from the current roster slot on first touch.
func (s *State) eventAt(key string) *PAEvent {
	if ev, ok := s.Events[key]; ok {
		return ev
	}
	ev := &PAEvent{}
	if team, slot, _, ok := splitEventKey(key); ok {
		if roster, ok := s.Rosters[team]; ok && slot < len(roster) {
			ev.PID = roster[slot].Current.ID
		}
	}
	s.Events[key] = ev
	return ev
}

// splitEventKey splits "team-slot-columnId" into its parts. Column ids may
// themselves contain dashes, so only the first two separators split.
func splitEventKey(key string) (team string, slot int, col string, ok bool) {
	parts := strings.SplitN(key, "-", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	n, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], n, parts[2], true
}

// outsKey addresses the per-inning out counter for a team half.
func outsKey(team, col string) string {
	return team + "-" + col
}

// recordOut bumps the inning out counter and stamps the event's out
// number. The counter never runs past 3 and an event's out number is
// monotone within the PA.
func (s *State) recordOut(team, col string, ev *PAEvent) {
	k := outsKey(team, col)
	n := s.Outs[k]
	if n < 3 {
		n++
	}
	s.Outs[k] = n
	if n > ev.OutNum {
		ev.OutNum = n
	}
}

// ColumnScore returns the displayed score for one column: the override
// when present, otherwise the count of runners that touched home safely.
func (s *State) ColumnScore(team, col string) (string, int) {
	if ov, ok := s.Overrides[outsKey(team, col)]; ok {
		return ov, 0
	}
	runs := 0
	prefix := team + "-"
	suffix := "-" + col
	for key, ev := range s.Events {
		if strings.HasPrefix(key, prefix) && strings.HasSuffix(key, suffix) && ev.Paths[3] == PathSafe {
			runs++
		}
	}
	return "", runs
}

// Canonical returns a deterministic encoding of the state. Map keys are
// sorted by the JSON encoder, struct fields appear in declaration order,
// so equal states encode to equal bytes on every node.
func (s *State) Canonical() ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return b, nil
}

// columnForInning finds the first column of an inning.
func (s *State) columnForInning(inning int) (Column, bool) {
	for _, c := range s.Columns {
		if c.Inning == inning {
			return c, true
		}
	}
	return Column{}, false
}

// lastColumnIndexForInning returns the index after the last column of an
// inning, for extra-column insertion.
func (s *State) lastColumnIndexForInning(inning int) int {
	idx := len(s.Columns)
	for i := len(s.Columns) - 1; i >= 0; i-- {
		if s.Columns[i].Inning == inning {
			return i + 1
		}
	}
	return idx
}
