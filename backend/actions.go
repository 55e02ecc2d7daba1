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
	"net/mail"
	"regexp"
	"time"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a valid email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

const (
	CurrentSchemaVersion   = 3
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.3.0"
)

// ActionTypes constants. This set is closed: unknown types are rejected at
// the ingest boundary and leave state untouched during replay.
const (
	ActionGameStart          = "GAME_START"
	ActionLineupUpdate       = "LINEUP_UPDATE"
	ActionSubstitution       = "SUBSTITUTION"
	ActionPitch              = "PITCH"
	ActionPlayResult         = "PLAY_RESULT"
	ActionRunnerAdvance      = "RUNNER_ADVANCE"
	ActionScoreOverride      = "SCORE_OVERRIDE"
	ActionGameImport         = "GAME_IMPORT"
	ActionPitcherUpdate      = "PITCHER_UPDATE"
	ActionMovePlay           = "MOVE_PLAY"
	ActionClearData          = "CLEAR_DATA"
	ActionRunnerBatchUpdate  = "RUNNER_BATCH_UPDATE"
	ActionUndo               = "UNDO"
	ActionAddInning          = "ADD_INNING"
	ActionAddColumn          = "ADD_COLUMN"
	ActionRemoveColumn       = "REMOVE_COLUMN"
	ActionGameMetadataUpdate = "GAME_METADATA_UPDATE"
	ActionSetInningLead      = "SET_INNING_LEAD"
	ActionGameFinalize       = "GAME_FINALIZE"
	ActionManualPathOverride = "MANUAL_PATH_OVERRIDE"
	ActionOutNumUpdate       = "OUT_NUM_UPDATE"
	ActionRBIEdit            = "RBI_EDIT"
)

// BaseAction represents the common fields of an action. Actions are
// immutable once appended; the ID is content-stable across retries so that
// duplicate delivery is idempotent.
type BaseAction struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Timestamp     int64           `json:"timestamp"`
	ParentID      string          `json:"parentId,omitempty"`
	SchemaVersion int             `json:"schemaVersion,omitempty"`
}

// IsGenerative reports whether the action contributes new work to the log,
// as opposed to cancelling earlier work. Everything except UNDO is
// generative.
func (a *BaseAction) IsGenerative() bool {
	return a.Type != ActionUndo
}

func decodeAction(raw json.RawMessage) (BaseAction, error) {
	var a BaseAction
	if err := json.Unmarshal(raw, &a); err != nil {
		return a, fmt.Errorf("malformed action JSON: %w", err)
	}
	return a, nil
}

// --- Payload types (closed tagged union) ---

// Context addresses a plate appearance: batting slot, inning, column id.
type Context struct {
	B   int    `json:"b"`
	I   int    `json:"i"`
	Col string `json:"col"`
}

// Key returns the PA event key for a team, "team-slot-columnId".
func (c Context) Key(team string) string {
	return fmt.Sprintf("%s-%d-%s", team, c.B, c.Col)
}

type GameStartPayload struct {
	ID          string                  `json:"id"`
	OwnerID     string                  `json:"ownerId"`
	Date        string                  `json:"date"`
	Location    string                  `json:"location"`
	Event       string                  `json:"event"`
	Away        string                  `json:"away"`
	Home        string                  `json:"home"`
	AwayTeamID  string                  `json:"awayTeamId"`
	HomeTeamID  string                  `json:"homeTeamId"`
	Innings     int                     `json:"innings"`
	Rosters     map[string][]RosterSlot `json:"rosters"`
	Pitchers    map[string]string       `json:"pitchers"`
	Permissions Permissions             `json:"permissions"`
}

type PitchPayload struct {
	Ctx      Context `json:"ctx"`
	Team     string  `json:"team"`
	Type     string  `json:"type"`
	Code     string  `json:"code"`
	BatterID string  `json:"batterId"`
}

// BiPState describes the ball-in-play portion of a PLAY_RESULT.
type BiPState struct {
	Res  string   `json:"res"`
	Base string   `json:"base"`
	Type string   `json:"type"`
	Seq  []string `json:"seq,omitempty"`
}

// RunnerUpdate mutates one path bit of one runner's PA event. Key addresses
// the runner's own event; Base is the path index 0..3.
type RunnerUpdate struct {
	Key    string `json:"key"`
	Base   int    `json:"base"`
	Action string `json:"action"`
	State  int    `json:"state"`
	Info   string `json:"info,omitempty"`
}

type PlayResultPayload struct {
	Ctx     Context         `json:"ctx"`
	Team    string          `json:"team"`
	BiP     BiPState        `json:"bip"`
	Runners []RunnerUpdate  `json:"runners,omitempty"`
	HitData json.RawMessage `json:"hitData,omitempty"`
}

type RunnerBatchPayload struct {
	Updates []RunnerUpdate `json:"updates"`
}

type SubstitutionPayload struct {
	Team        string   `json:"team"`
	RosterIndex int      `json:"rosterIndex"`
	SubParams   Player   `json:"subParams"`
	Ctx         *Context `json:"ctx,omitempty"`
}

type LineupUpdatePayload struct {
	Team     string       `json:"team"`
	TeamName string       `json:"teamName"`
	Roster   []RosterSlot `json:"roster"`
}

type ScoreOverridePayload struct {
	Team  string `json:"team"`
	Col   string `json:"col"`
	Score string `json:"score"`
}

type PitcherUpdatePayload struct {
	Team    string `json:"team"`
	Pitcher string `json:"pitcher"`
	Col     string `json:"col"`
}

type ClearDataPayload struct {
	Ctx  Context `json:"ctx"`
	Team string  `json:"team"`
}

type MovePlayPayload struct {
	SourceKey string `json:"sourceKey"`
	TargetKey string `json:"targetKey"`
}

type UndoPayload struct {
	RefID string `json:"refId"`
}

type AddColumnPayload struct {
	TargetInning int    `json:"targetInning"`
	Team         string `json:"team"`
}

type RemoveColumnPayload struct {
	ColID string `json:"colId"`
	Team  string `json:"team"`
}

type GameMetadataUpdatePayload struct {
	AwayTeamID  *string      `json:"awayTeamId,omitempty"`
	HomeTeamID  *string      `json:"homeTeamId,omitempty"`
	Permissions *Permissions `json:"permissions,omitempty"`
	Date        *string      `json:"date,omitempty"`
	Location    *string      `json:"location,omitempty"`
	Event       *string      `json:"event,omitempty"`
	Away        *string      `json:"away,omitempty"`
	Home        *string      `json:"home,omitempty"`
}

type SetInningLeadPayload struct {
	Team string `json:"team"`
	Col  string `json:"colId"`
	Slot int    `json:"slot"`
}

type GameFinalizePayload struct {
	FinalScore struct {
		Away int `json:"away"`
		Home int `json:"home"`
	} `json:"finalScore"`
	Stats     json.RawMessage `json:"stats"`
	Timestamp int64           `json:"timestamp"`
}

type ManualPathOverridePayload struct {
	Key   string `json:"key"`
	Base  int    `json:"base"`
	State int    `json:"state"`
	Info  string `json:"info,omitempty"`
}

type OutNumUpdatePayload struct {
	Key    string `json:"key"`
	OutNum int    `json:"outNum"`
}

type RBIEditPayload struct {
	Key string `json:"key"`
	RBI int    `json:"rbi"`
}

// decodePayload unmarshals an action payload into its typed form.
func decodePayload[T any](a BaseAction) (T, error) {
	var p T
	if len(a.Payload) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return p, fmt.Errorf("%s payload: %w", a.Type, err)
	}
	return p, nil
}

// --- Validation ---

// ValidateGameData validates the entire game data structure including the
// action log.
func ValidateGameData(data []byte) error {
	var game struct {
		ID        string            `json:"id"`
		ActionLog []json.RawMessage `json:"actionLog"`
	}
	if err := json.Unmarshal(data, &game); err != nil {
		return fmt.Errorf("invalid game JSON: %w", err)
	}

	if !isValidUUID(game.ID) {
		return fmt.Errorf("invalid game ID format: %s", game.ID)
	}

	for i, rawAction := range game.ActionLog {
		if err := ValidateAction(rawAction); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}

	return nil
}

// ValidateAction validates a single action from raw JSON.
func ValidateAction(raw json.RawMessage) error {
	action, err := decodeAction(raw)
	if err != nil {
		return err
	}

	if !isValidUUID(action.ID) {
		return fmt.Errorf("invalid action ID: %s", action.ID)
	}
	if action.Type == "" {
		return fmt.Errorf("missing action type")
	}

	return validateActionPayload(action)
}

// ValidateActions validates a list of actions.
func ValidateActions(actions []json.RawMessage) error {
	for i, raw := range actions {
		if err := ValidateAction(raw); err != nil {
			return fmt.Errorf("invalid action at index %d: %w", i, err)
		}
	}
	return nil
}

func validateActionPayload(a BaseAction) error {
	switch a.Type {
	case ActionGameStart:
		return validateGameStart(a)
	case ActionPitch:
		return validatePitch(a)
	case ActionPlayResult:
		return validatePlayResult(a)
	case ActionRunnerAdvance, ActionRunnerBatchUpdate:
		return validateRunnerBatch(a)
	case ActionSubstitution:
		return validateSubstitution(a)
	case ActionLineupUpdate:
		return validateLineupUpdate(a)
	case ActionScoreOverride:
		return validateScoreOverride(a)
	case ActionGameImport:
		return validateGameImport(a)
	case ActionPitcherUpdate:
		return validatePitcherUpdate(a)
	case ActionMovePlay:
		return validateMovePlay(a)
	case ActionClearData:
		return validateClearData(a)
	case ActionAddInning:
		return nil
	case ActionAddColumn:
		return validateAddColumn(a)
	case ActionRemoveColumn:
		return validateRemoveColumn(a)
	case ActionGameMetadataUpdate:
		return validateGameMetadataUpdate(a)
	case ActionSetInningLead:
		return validateSetInningLead(a)
	case ActionGameFinalize:
		return validateGameFinalize(a)
	case ActionUndo:
		return validateUndo(a)
	case ActionManualPathOverride, ActionOutNumUpdate, ActionRBIEdit:
		return nil
	default:
		return fmt.Errorf("unknown action type: %s", a.Type)
	}
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return fmt.Errorf("%s too long (max %d chars)", name, max)
	}
	return nil
}

func validateContext(ctx Context) error {
	if ctx.B < 0 || ctx.B > 999 {
		return fmt.Errorf("invalid batter index: %d", ctx.B)
	}
	if ctx.I < 1 {
		return fmt.Errorf("invalid inning: %d", ctx.I)
	}
	if err := validateStringLen(ctx.Col, 20, "col"); err != nil {
		return err
	}
	return nil
}

func validateTeam(team string) error {
	if team != TeamAway && team != TeamHome {
		return fmt.Errorf("invalid team: %q", team)
	}
	return nil
}

func validateGameStart(a BaseAction) error {
	p, err := decodePayload[GameStartPayload](a)
	if err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid game ID in payload")
	}
	if p.Away == "" || p.Home == "" {
		return fmt.Errorf("missing team names")
	}
	if err := validateStringLen(p.Away, 50, "away team"); err != nil {
		return err
	}
	if err := validateStringLen(p.Home, 50, "home team"); err != nil {
		return err
	}
	if err := validateStringLen(p.Event, 100, "event"); err != nil {
		return err
	}
	if err := validateStringLen(p.Location, 100, "location"); err != nil {
		return err
	}
	if _, err := time.Parse(time.RFC3339, p.Date); err != nil {
		return fmt.Errorf("invalid date format: %v", err)
	}
	if p.Innings < 0 || p.Innings > 25 {
		return fmt.Errorf("invalid inning count: %d", p.Innings)
	}
	return nil
}

func validatePitch(a BaseAction) error {
	p, err := decodePayload[PitchPayload](a)
	if err != nil {
		return err
	}
	if err := validateContext(p.Ctx); err != nil {
		return err
	}
	if p.Type == "" {
		return fmt.Errorf("missing pitch type")
	}
	switch p.Type {
	case PitchTypeBall, PitchTypeStrike, PitchTypeFoul, PitchTypeInPlay:
	default:
		return fmt.Errorf("invalid pitch type: %q", p.Type)
	}
	if err := validateStringLen(p.Code, 20, "pitch code"); err != nil {
		return err
	}
	return validateTeam(p.Team)
}

func validatePlayResult(a BaseAction) error {
	p, err := decodePayload[PlayResultPayload](a)
	if err != nil {
		return err
	}
	if err := validateContext(p.Ctx); err != nil {
		return err
	}
	if err := validateTeam(p.Team); err != nil {
		return err
	}
	if p.BiP.Res == "" {
		return fmt.Errorf("missing bip.res")
	}
	if err := validateStringLen(p.BiP.Res, 20, "res"); err != nil {
		return err
	}
	if err := validateStringLen(p.BiP.Base, 10, "base"); err != nil {
		return err
	}
	if err := validateStringLen(p.BiP.Type, 20, "type"); err != nil {
		return err
	}
	for _, s := range p.BiP.Seq {
		if err := validateStringLen(s, 5, "seq entry"); err != nil {
			return err
		}
	}
	return validateRunnerUpdates(p.Runners)
}

func validateRunnerBatch(a BaseAction) error {
	p, err := decodePayload[RunnerBatchPayload](a)
	if err != nil {
		return err
	}
	return validateRunnerUpdates(p.Updates)
}

func validateRunnerUpdates(updates []RunnerUpdate) error {
	for _, u := range updates {
		if u.Base < 0 || u.Base > 3 {
			return fmt.Errorf("invalid base index: %d", u.Base)
		}
		if u.State < PathUntouched || u.State > PathOut {
			return fmt.Errorf("invalid path state: %d", u.State)
		}
		if err := validateStringLen(u.Key, 50, "key"); err != nil {
			return err
		}
		if err := validateStringLen(u.Action, 20, "action"); err != nil {
			return err
		}
		if err := validateStringLen(u.Info, 50, "info"); err != nil {
			return err
		}
	}
	return nil
}

func validateSubstitution(a BaseAction) error {
	p, err := decodePayload[SubstitutionPayload](a)
	if err != nil {
		return err
	}
	if err := validateTeam(p.Team); err != nil {
		return err
	}
	if p.RosterIndex < 0 || p.RosterIndex > 99 {
		return fmt.Errorf("invalid roster index: %d", p.RosterIndex)
	}
	if !isValidUUID(p.SubParams.ID) {
		return fmt.Errorf("invalid player ID")
	}
	if err := validateStringLen(p.SubParams.Name, 50, "player name"); err != nil {
		return err
	}
	if err := validateStringLen(p.SubParams.Number, 10, "player number"); err != nil {
		return err
	}
	if err := validateStringLen(p.SubParams.Pos, 10, "position"); err != nil {
		return err
	}
	if p.Ctx != nil {
		return validateContext(*p.Ctx)
	}
	return nil
}

func validateLineupUpdate(a BaseAction) error {
	p, err := decodePayload[LineupUpdatePayload](a)
	if err != nil {
		return err
	}
	if err := validateTeam(p.Team); err != nil {
		return err
	}
	if err := validateStringLen(p.TeamName, 50, "team name"); err != nil {
		return err
	}
	for _, s := range p.Roster {
		if !isValidUUID(s.Current.ID) {
			return fmt.Errorf("invalid roster player ID")
		}
		if err := validateStringLen(s.Current.Name, 50, "player name"); err != nil {
			return err
		}
		if err := validateStringLen(s.Current.Number, 10, "player number"); err != nil {
			return err
		}
		if err := validateStringLen(s.Current.Pos, 10, "position"); err != nil {
			return err
		}
	}
	return nil
}

func validateScoreOverride(a BaseAction) error {
	p, err := decodePayload[ScoreOverridePayload](a)
	if err != nil {
		return err
	}
	if err := validateTeam(p.Team); err != nil {
		return err
	}
	if p.Col == "" {
		return fmt.Errorf("missing col")
	}
	if err := validateStringLen(p.Col, 20, "col"); err != nil {
		return err
	}
	return validateStringLen(p.Score, 5, "score")
}

func validateGameImport(a BaseAction) error {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return err
	}
	if !isValidUUID(p.ID) {
		return fmt.Errorf("invalid imported game ID")
	}
	return nil
}

func validatePitcherUpdate(a BaseAction) error {
	p, err := decodePayload[PitcherUpdatePayload](a)
	if err != nil {
		return err
	}
	if err := validateTeam(p.Team); err != nil {
		return err
	}
	return validateStringLen(p.Pitcher, 50, "pitcher")
}

func validateMovePlay(a BaseAction) error {
	p, err := decodePayload[MovePlayPayload](a)
	if err != nil {
		return err
	}
	if p.SourceKey == "" || p.TargetKey == "" {
		return fmt.Errorf("missing source/target keys")
	}
	if err := validateStringLen(p.SourceKey, 50, "sourceKey"); err != nil {
		return err
	}
	return validateStringLen(p.TargetKey, 50, "targetKey")
}

func validateClearData(a BaseAction) error {
	p, err := decodePayload[ClearDataPayload](a)
	if err != nil {
		return err
	}
	if err := validateTeam(p.Team); err != nil {
		return err
	}
	return validateContext(p.Ctx)
}

func validateAddColumn(a BaseAction) error {
	p, err := decodePayload[AddColumnPayload](a)
	if err != nil {
		return err
	}
	if p.TargetInning < 1 {
		return fmt.Errorf("invalid target inning")
	}
	return nil
}

func validateRemoveColumn(a BaseAction) error {
	p, err := decodePayload[RemoveColumnPayload](a)
	if err != nil {
		return err
	}
	if p.ColID == "" {
		return fmt.Errorf("missing colId")
	}
	return validateStringLen(p.ColID, 20, "colId")
}

func validateGameMetadataUpdate(a BaseAction) error {
	p, err := decodePayload[GameMetadataUpdatePayload](a)
	if err != nil {
		return err
	}
	check := func(s *string, max int, name string) error {
		if s == nil {
			return nil
		}
		return validateStringLen(*s, max, name)
	}
	if err := check(p.Date, 50, "date"); err != nil {
		return err
	}
	if err := check(p.Event, 100, "event"); err != nil {
		return err
	}
	if err := check(p.Location, 100, "location"); err != nil {
		return err
	}
	if err := check(p.Away, 50, "away team"); err != nil {
		return err
	}
	return check(p.Home, 50, "home team")
}

func validateSetInningLead(a BaseAction) error {
	p, err := decodePayload[SetInningLeadPayload](a)
	if err != nil {
		return err
	}
	if p.Col == "" {
		return fmt.Errorf("missing colId")
	}
	return validateStringLen(p.Col, 20, "colId")
}

func validateGameFinalize(a BaseAction) error {
	p, err := decodePayload[GameFinalizePayload](a)
	if err != nil {
		return err
	}
	if p.Stats == nil {
		return fmt.Errorf("missing stats")
	}
	return nil
}

func validateUndo(a BaseAction) error {
	p, err := decodePayload[UndoPayload](a)
	if err != nil {
		return err
	}
	if !isValidUUID(p.RefID) {
		return fmt.Errorf("invalid refId")
	}
	return nil
}

// --- Log append ---

// ApplyActions appends multiple actions to the game log.
func ApplyActions(g *Game, actions []json.RawMessage) (bool, error) {
	anyChanged := false
	for _, raw := range actions {
		changed, err := ApplyAction(g, raw)
		if err != nil {
			return anyChanged, err
		}
		if changed {
			anyChanged = true
		}
	}
	return anyChanged, nil
}

// ApplyAction appends an action to the game log and updates game metadata.
// It assumes validation and authorization have already been performed.
// Returns true if the action was applied, false if it was a duplicate.
func ApplyAction(g *Game, raw json.RawMessage) (bool, error) {
	action, err := decodeAction(raw)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal action for apply: %w", err)
	}

	// Idempotency: a redelivered id must not append again, no matter how
	// old the original is. Scan backwards since retries usually hit the
	// tail, but cover the whole log.
	for i := len(g.ActionLog) - 1; i >= 0; i-- {
		existing, err := decodeAction(g.ActionLog[i])
		if err == nil && existing.ID == action.ID {
			return false, nil
		}
	}

	switch action.Type {
	case ActionGameStart:
		g.SchemaVersion = action.SchemaVersion
		if g.SchemaVersion == 0 {
			g.SchemaVersion = CurrentSchemaVersion
		}
		if p, err := decodePayload[GameStartPayload](action); err == nil {
			g.ID = p.ID
			g.OwnerID = p.OwnerID
			g.Date = p.Date
			g.Location = p.Location
			g.Event = p.Event
			g.Away = p.Away
			g.Home = p.Home
			g.AwayTeamID = p.AwayTeamID
			g.HomeTeamID = p.HomeTeamID
			g.Permissions = p.Permissions
		}
	case ActionGameMetadataUpdate:
		if p, err := decodePayload[GameMetadataUpdatePayload](action); err == nil {
			if p.AwayTeamID != nil {
				g.AwayTeamID = *p.AwayTeamID
			}
			if p.HomeTeamID != nil {
				g.HomeTeamID = *p.HomeTeamID
			}
			if p.Permissions != nil {
				g.Permissions = *p.Permissions
			}
			if p.Date != nil {
				g.Date = *p.Date
			}
			if p.Location != nil {
				g.Location = *p.Location
			}
			if p.Event != nil {
				g.Event = *p.Event
			}
			if p.Away != nil {
				g.Away = *p.Away
			}
			if p.Home != nil {
				g.Home = *p.Home
			}
		}
	case ActionGameFinalize:
		g.Status = "final"
	}

	g.ActionLog = append(g.ActionLog, raw)
	g.LastActionID = action.ID
	return true, nil
}
