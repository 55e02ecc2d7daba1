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
	"fmt"
	"strings"
)

func reducePitch(s *State, a BaseAction) error {
	p, err := decodePayload[PitchPayload](a)
	if err != nil {
		return err
	}
	ev := s.eventAt(p.Ctx.Key(p.Team))
	if ev.PID == "" && p.BatterID != "" {
		ev.PID = p.BatterID
	}
	ev.PitchSequence = append(ev.PitchSequence, PitchMark{Type: p.Type, Code: p.Code})

	switch p.Type {
	case PitchTypeBall:
		ev.Balls++
		if p.Code == PitchCodeHitByPitch && ev.Outcome == "" {
			ev.Outcome = "HBP"
			markBatterSafe(ev, 1)
			break
		}
		if ev.Balls >= 4 && ev.Outcome == "" {
			ev.Outcome = OutcomeWalk
			markBatterSafe(ev, 1)
			ev.PathInfo[0] = OutcomeWalk
		}
	case PitchTypeStrike:
		if ev.Strikes < 2 {
			ev.Strikes++
			break
		}
		ev.Strikes = 3
		if ev.Outcome == "" {
			if p.Code == PitchCodeCalled {
				ev.Outcome = OutcomeStrikeoutCalled
			} else {
				ev.Outcome = OutcomeStrikeout
			}
			s.recordOut(p.Team, p.Ctx.Col, ev)
		}
	case PitchTypeFoul:
		ev.Fouls++
		if ev.Strikes < 2 {
			ev.Strikes++
		}
	case PitchTypeInPlay:
		// Outcome is written by the PLAY_RESULT that follows.
	default:
		return fmt.Errorf("invalid pitch type: %q", p.Type)
	}
	return nil
}

func reducePlayResult(s *State, a BaseAction) error {
	p, err := decodePayload[PlayResultPayload](a)
	if err != nil {
		return err
	}
	ev := s.eventAt(p.Ctx.Key(p.Team))
	if len(p.HitData) > 0 {
		ev.HitData = p.HitData
	}

	// Runner consequences first: on a multi-out play the batter takes the
	// last out number (6-4-3 retires the runner before the batter).
	runnerOuts := applyRunnerUpdates(s, p.Runners)

	safe := p.BiP.Res == PlayResSafe
	outcome := bipOutcome(p.BiP)

	if safe {
		markBatterSafe(ev, basesReached(p.BiP.Base))
		if ev.PathInfo[0] == "" {
			ev.PathInfo[0] = outcome
		}
	} else {
		ev.Paths[0] = PathOut
		ev.PathInfo[0] = outcome
		s.recordOut(p.Team, p.Ctx.Col, ev)
	}

	// DP/TP prefix when the whole play produced 2 or 3 outs.
	totalOuts := runnerOuts
	if !safe {
		totalOuts++
	}
	switch totalOuts {
	case 2:
		outcome = "DP " + outcome
	case 3:
		outcome = "TP " + outcome
	}
	ev.Outcome = outcome
	return nil
}

// bipOutcome translates a ball-in-play description into its scorebook
// label.
func bipOutcome(b BiPState) string {
	seq := strings.Join(b.Seq, "-")
	if b.Res == PlayResSafe {
		switch b.Type {
		case BiPResultError:
			return "E-" + seq
		case BiPResultFC:
			return "FC " + seq
		case BiPResultD3:
			return "D3 " + seq
		default:
			// A clean hit is labeled by the base reached.
			if b.Base != "" {
				return b.Base
			}
			return BiPResultSingle
		}
	}
	switch b.Type {
	case BiPResultFly, BiPResultPop:
		return "F" + seq
	case BiPResultLine:
		return "L" + seq
	case BiPResultIFF:
		return "IFF " + seq
	case BiPResultSac:
		return "SAC " + seq
	default:
		// Ground-ball and bunt outs read as the bare fielding sequence.
		return seq
	}
}

// basesReached maps a base label to the number of path segments the
// batter-runner completed safely.
func basesReached(base string) int {
	switch base {
	case BiPResultDouble:
		return 2
	case BiPResultTriple:
		return 3
	case BiPResultHR:
		return 4
	default:
		return 1
	}
}

func markBatterSafe(ev *PAEvent, bases int) {
	for i := 0; i < bases && i < 4; i++ {
		if ev.Paths[i] != PathOut {
			ev.Paths[i] = PathSafe
		}
	}
}

func reduceRunnerBatch(s *State, a BaseAction) error {
	p, err := decodePayload[RunnerBatchPayload](a)
	if err != nil {
		return err
	}
	applyRunnerUpdates(s, p.Updates)
	return nil
}

// runnerOutActions are the runner actions that record an out.
var runnerOutActions = map[string]bool{
	RunnerActionCS:    true,
	RunnerActionPO:    true,
	RunnerActionOut:   true,
	RunnerActionTag:   true,
	RunnerActionForce: true,
	RunnerActionINT:   true,
	RunnerActionLE:    true,
}

// applyRunnerUpdates writes path bits for a batch of runner updates and
// returns how many outs the batch recorded.
func applyRunnerUpdates(s *State, updates []RunnerUpdate) int {
	outs := 0
	for _, u := range updates {
		if u.Base < 0 || u.Base > 3 {
			continue
		}
		team, _, col, ok := splitEventKey(u.Key)
		if !ok {
			continue
		}
		ev := s.eventAt(u.Key)

		st := u.State
		if st == PathUntouched {
			if runnerOutActions[u.Action] {
				st = PathOut
			} else if u.Action != "" {
				st = PathSafe
			}
		}
		if st == PathUntouched {
			continue
		}

		ev.Paths[u.Base] = st
		if u.Info != "" {
			ev.PathInfo[u.Base] = u.Info
		} else if u.Action != "" {
			ev.PathInfo[u.Base] = u.Action
		}

		if st == PathOut {
			outs++
			s.recordOut(team, col, ev)
			if u.Action == RunnerActionPO {
				ev.OutPos = PickoffOutPos
			}
		}
	}
	return outs
}
