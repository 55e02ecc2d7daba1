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
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// Player represents a player in a game roster.
type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Pos    string `json:"pos"`
}

// RosterSlot represents a position in the batting order. History holds
// the players substituted out of the slot, oldest first.
type RosterSlot struct {
	Slot    int      `json:"slot"`
	Starter Player   `json:"starter"`
	Current Player   `json:"current"`
	History []Player `json:"history,omitempty"`
}

// Permissions defines access control for a game.
type Permissions struct {
	Public string            `json:"public"` // "none", "read"
	Users  map[string]string `json:"users"`  // "email": "read"|"write"
}

// Game is the persisted form of one game: the authoritative action log
// plus the state materialized from it. The log is the document; State is
// a replay cache kept current by the FSM.
type Game struct {
	ID            string            `json:"id"`
	SchemaVersion int               `json:"schemaVersion"`
	Date          string            `json:"date,omitempty"`
	Location      string            `json:"location,omitempty"`
	Event         string            `json:"event,omitempty"`
	Away          string            `json:"away,omitempty"`
	Home          string            `json:"home,omitempty"`
	Status        string            `json:"status"`
	OwnerID       string            `json:"ownerId"`
	Permissions   Permissions       `json:"permissions,omitempty"`
	AwayTeamID    string            `json:"awayTeamId,omitempty"`
	HomeTeamID    string            `json:"homeTeamId,omitempty"`
	ActionLog     []json.RawMessage `json:"actionLog,omitempty"`
	State         *State            `json:"state,omitempty"`

	// LastActionID is the id of the most recently appended action, the
	// revision clients compare against.
	LastActionID string `json:"lastActionId,omitempty"`

	// DeletedAt is the timestamp (Unix Nano) when the game was deleted.
	DeletedAt int64 `json:"deletedAt,omitempty"`

	// LastRaftIndex tracks the index of the last Raft log entry applied
	// to this game. Used for idempotency during log replay.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (g *Game) normalize() {
	if g.SchemaVersion == 0 {
		g.SchemaVersion = CurrentSchemaVersion
	}
	if g.Permissions.Users == nil {
		g.Permissions.Users = make(map[string]string)
	}
	if g.ActionLog == nil {
		g.ActionLog = make([]json.RawMessage, 0)
	}
	if g.LastActionID == "" {
		g.LastActionID = Revision(g.ActionLog)
	}
}

// Revision returns the game's current causality marker.
func (g *Game) Revision() string {
	if g.LastActionID != "" {
		return g.LastActionID
	}
	return Revision(g.ActionLog)
}

// RecomputeState rebuilds the materialized state from the action log,
// honoring the undo protocol. Replay errors are logged, not fatal: the
// log stays authoritative.
func (g *Game) RecomputeState() {
	s, err := ComputeStateFromLog(g.ActionLog)
	if err != nil {
		log.Printf("[STATE] Replay warning for game %s: %v", g.ID, err)
	}
	g.State = s
}

// GameStore manages game persistence to disk.
type GameStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per gameId
	cache   sync.Map // latest JSON []byte per gameId

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewGameStore creates a new GameStore.
func NewGameStore(dataDir string, s *storage.Storage) *GameStore {
	return &GameStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func gameFilenames(gameId string) (data, meta string) {
	enc := url.PathEscape(gameId)
	return filepath.Join("games", enc+".json"), filepath.Join("games", enc+".meta.json")
}

// SaveGame saves the game data atomically, plus its metadata sidecar.
func (gs *GameStore) SaveGame(game *Game) error {
	gameId := game.ID
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := gameFilenames(gameId)

	if len(game.ActionLog) == 0 {
		log.Printf("SaveGame WARNING: Saving game %s with 0 actions!", gameId)
	}

	if err := gs.storage.SaveDataFile(filename, game); err != nil {
		return fmt.Errorf("storage.SaveDataFile: %w", err)
	}

	meta := metadataOf(game)
	if err := gs.storage.SaveDataFile(metaFilename, &meta); err != nil {
		// Non-fatal, the main file remains the fallback.
		log.Printf("Warning: Failed to save metadata sidecar for game %s: %v", gameId, err)
	}

	if jsonBytes, err := json.Marshal(game); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	gs.dirtyMu.Lock()
	delete(gs.dirty, gameId)
	gs.dirtyMu.Unlock()

	return nil
}

// SaveGameInMemory updates the in-memory cache and marks the game dirty.
// If forceSync is true, it writes to disk immediately.
func (gs *GameStore) SaveGameInMemory(game *Game, forceSync bool) error {
	jsonBytes, err := json.Marshal(game)
	if err != nil {
		return err
	}
	gs.cache.Store(game.ID, jsonBytes)

	if forceSync {
		return gs.SaveGame(game)
	}

	gs.dirtyMu.Lock()
	gs.dirty[game.ID] = true
	gs.dirtyMu.Unlock()

	return nil
}

// Flush persists a specific game to disk if it is dirty.
func (gs *GameStore) Flush(gameId string) error {
	gs.dirtyMu.Lock()
	if !gs.dirty[gameId] {
		gs.dirtyMu.Unlock()
		return nil
	}
	gs.dirtyMu.Unlock()

	val, ok := gs.cache.Load(gameId)
	if !ok {
		gs.dirtyMu.Lock()
		delete(gs.dirty, gameId)
		gs.dirtyMu.Unlock()
		return fmt.Errorf("game %s marked dirty but not found in cache", gameId)
	}

	var g Game
	if err := json.Unmarshal(val.([]byte), &g); err != nil {
		return fmt.Errorf("failed to unmarshal game from cache for flush: %w", err)
	}

	// SaveGame clears the dirty flag.
	return gs.SaveGame(&g)
}

// FlushAll persists all dirty games to disk.
func (gs *GameStore) FlushAll() error {
	gs.dirtyMu.Lock()
	dirtyIds := make([]string, 0, len(gs.dirty))
	for id := range gs.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	gs.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := gs.Flush(id); err != nil {
			return fmt.Errorf("failed to flush game %s: %w", id, err)
		}
	}
	return nil
}

// LoadGame loads the game data by game ID, cache first.
func (gs *GameStore) LoadGame(gameId string) (*Game, error) {
	if val, ok := gs.cache.Load(gameId); ok {
		var g Game
		if err := json.Unmarshal(val.([]byte), &g); err == nil {
			g.normalize()
			return &g, nil
		}
		gs.cache.Delete(gameId)
	}

	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := gameFilenames(gameId)

	var g Game
	err := gs.storage.ReadDataFile(filename, &g)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("ReadDataFile: %w", err)
	}
	if g.SchemaVersion < SchemaVersionV3 {
		return nil, fmt.Errorf("legacy schema version %d no longer supported", g.SchemaVersion)
	}
	g.normalize()

	if jsonBytes, err := json.Marshal(&g); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	return &g, nil
}

// LoadGameAsJSON is a helper for API handlers that just want bytes.
func (gs *GameStore) LoadGameAsJSON(gameId string) ([]byte, error) {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(g)
}

// DeleteGame deletes a game by overwriting it with a tombstone. The
// tombstone keeps the owner so quota accounting and GC stay correct.
func (gs *GameStore) DeleteGame(gameId string) error {
	g, err := gs.LoadGame(gameId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Game{
		ID:            gameId,
		SchemaVersion: CurrentSchemaVersion,
		Status:        "deleted",
		OwnerID:       g.OwnerID,
		DeletedAt:     time.Now().UnixNano(),
	}

	filename, metaFilename := gameFilenames(gameId)

	if err := gs.storage.SaveDataFile(filename, tombstone); err != nil {
		return fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)
	}

	meta := GameMetadata{
		ID:        gameId,
		OwnerID:   g.OwnerID,
		Status:    "deleted",
		DeletedAt: tombstone.DeletedAt,
	}
	if err := gs.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log.Printf("Warning: Failed to save metadata tombstone for game %s: %v", gameId, err)
	}

	if jsonBytes, err := json.Marshal(tombstone); err == nil {
		gs.cache.Store(gameId, jsonBytes)
	}

	return nil
}

// RestoreGame overwrites local state with a game from a snapshot.
func (gs *GameStore) RestoreGame(game *Game) error {
	game.normalize()
	return gs.SaveGame(game)
}

// PurgeGame permanently deletes the game file and its sidecar.
func (gs *GameStore) PurgeGame(gameId string) error {
	m, _ := gs.mu.LoadOrStore(gameId, &sync.RWMutex{})
	mutex := m.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	gs.cache.Delete(gameId)

	filename, metaFilename := gameFilenames(gameId)
	fullPath := filepath.Join(gs.DataDir, filename)
	fullMetaPath := filepath.Join(gs.DataDir, metaFilename)

	if err := os.Remove(fullPath); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not purge game file: %w", err)
		}
	}
	if err := os.Remove(fullMetaPath); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: could not purge meta file for game %s: %v", gameId, err)
		}
	}
	return nil
}

// GameSummary represents a summary of a game for listings.
type GameSummary struct {
	ID       string `json:"id"`
	Date     string `json:"date"`
	Location string `json:"location"`
	Event    string `json:"event"`
	Away     string `json:"away"`
	Home     string `json:"home"`
	Revision string `json:"revision"`
	Status   string `json:"status"`
	OwnerID  string `json:"ownerId"`
}

// GameMetadata contains only the fields needed for indexing.
type GameMetadata struct {
	ID          string      `json:"id"`
	OwnerID     string      `json:"ownerId"`
	Permissions Permissions `json:"permissions"`
	AwayTeamID  string      `json:"awayTeamId"`
	HomeTeamID  string      `json:"homeTeamId"`
	Date        string      `json:"date,omitempty"`
	Location    string      `json:"location,omitempty"`
	Event       string      `json:"event,omitempty"`
	Away        string      `json:"away,omitempty"`
	Home        string      `json:"home,omitempty"`
	Status      string      `json:"status"`
	Revision    string      `json:"revision,omitempty"`
	DeletedAt   int64       `json:"deletedAt"`
}

// Metadata extracts the indexable fields of the game.
func (g *Game) Metadata() *GameMetadata {
	m := metadataOf(g)
	return &m
}

// ListAllGameMetadata returns metadata for all games without loading
// full action logs. Sidecar files are the fast path; games missing one
// fall back to a full load. Dirty in-memory games are included last.
func (gs *GameStore) ListAllGameMetadata() iter.Seq2[GameMetadata, error] {
	return func(yield func(GameMetadata, error) bool) {
		gamesDir := filepath.Join(gs.DataDir, "games")
		files, err := os.ReadDir(gamesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(GameMetadata{}, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		hasMeta := make(map[string]bool)
		hasGame := make(map[string]bool)

		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if strings.HasSuffix(name, ".meta.json") {
				if id, err := url.PathUnescape(strings.TrimSuffix(name, ".meta.json")); err == nil {
					hasMeta[id] = true
				}
			} else if strings.HasSuffix(name, ".json") {
				if id, err := url.PathUnescape(strings.TrimSuffix(name, ".json")); err == nil {
					hasGame[id] = true
				}
			}
		}

		processed := make(map[string]bool)

		for id := range hasMeta {
			processed[id] = true

			_, metaFilename := gameFilenames(id)
			var meta GameMetadata
			if err := gs.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("Registry Warning: failed to load metadata for %s: %v. Falling back to main file.", id, err)
				hasGame[id] = true
				processed[id] = false
				continue
			}

			if !yield(meta, nil) {
				return
			}
		}

		for id := range hasGame {
			if processed[id] {
				continue
			}
			processed[id] = true

			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Registry Warning: failed to load game %s from disk: %v", id, err)
				continue
			}

			if !yield(metadataOf(g), nil) {
				return
			}
		}

		gs.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(gs.dirty))
		for id := range gs.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		gs.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if processed[id] {
				continue
			}
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty game %s: %v", id, err)
				continue
			}
			if !yield(metadataOf(g), nil) {
				return
			}
		}
	}
}

func metadataOf(g *Game) GameMetadata {
	return GameMetadata{
		ID:          g.ID,
		OwnerID:     g.OwnerID,
		Permissions: g.Permissions,
		AwayTeamID:  g.AwayTeamID,
		HomeTeamID:  g.HomeTeamID,
		Date:        g.Date,
		Location:    g.Location,
		Event:       g.Event,
		Away:        g.Away,
		Home:        g.Home,
		Status:      g.Status,
		Revision:    g.Revision(),
		DeletedAt:   g.DeletedAt,
	}
}

// ListAllGameIDs returns the ids of every game file on disk, plus dirty
// in-memory games, without loading any of them.
func (gs *GameStore) ListAllGameIDs() ([]string, error) {
	gamesDir := filepath.Join(gs.DataDir, "games")
	files, err := os.ReadDir(gamesDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read games directory: %w", err)
	}

	seen := make(map[string]bool)
	ids := make([]string, 0, len(files))
	for _, file := range files {
		name := file.Name()
		if file.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".meta.json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}

	gs.dirtyMu.Lock()
	for id := range gs.dirty {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	gs.dirtyMu.Unlock()

	return ids, nil
}

// ListAllGames returns an iterator over all games in the flat games
// directory, then any dirty in-memory games not yet on disk.
func (gs *GameStore) ListAllGames() iter.Seq2[*Game, error] {
	return func(yield func(*Game, error) bool) {
		gamesDir := filepath.Join(gs.DataDir, "games")
		files, err := os.ReadDir(gamesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read games directory: %w", err))
			return
		}

		seen := make(map[string]bool)

		for _, file := range files {
			name := file.Name()
			if file.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".meta.json") {
				continue
			}
			gameId, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}

			seen[gameId] = true

			g, err := gs.LoadGame(gameId)
			if err != nil {
				log.Printf("Warning: could not load game '%s': %v", gameId, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}

		gs.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(gs.dirty))
		for id := range gs.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		gs.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if seen[id] {
				continue
			}
			g, err := gs.LoadGame(id)
			if err != nil {
				log.Printf("Error: Failed to load dirty game %s: %v", id, err)
				continue
			}
			if !yield(g, nil) {
				return
			}
		}
	}
}
