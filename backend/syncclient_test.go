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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func syncTestAction(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"id":%q,"timestamp":1,"type":"NOTE","payload":{}}`, id))
}

func waitCond(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// onSyncLoop runs f on the client's goroutine and waits for it.
func onSyncLoop(c *SyncClient, f func()) {
	done := make(chan struct{})
	c.do(func() {
		f()
		close(done)
	})
	<-done
}

func TestSyncClientPushBatching(t *testing.T) {
	gameId := "10000000-0000-4000-8000-0000000000aa"

	var mu sync.Mutex
	var batches []Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sync/push" {
			http.NotFound(w, r)
			return
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("bad push body: %v", err)
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		mu.Lock()
		batches = append(batches, msg)
		mu.Unlock()

		var last struct {
			ID string `json:"id"`
		}
		json.Unmarshal(msg.Actions[len(msg.Actions)-1], &last)
		json.NewEncoder(w).Encode(Message{Type: MsgTypeAck, LastRevision: last.ID})
	}))
	defer srv.Close()

	c := NewSyncClient(SyncClientConfig{
		ServerURL:  srv.URL,
		GameID:     gameId,
		HTTPClient: srv.Client(),
	})
	defer c.Close()

	total := 250
	for i := 0; i < total; i++ {
		if err := c.SendAction(syncTestAction(fmt.Sprintf("act-%03d", i))); err != nil {
			t.Fatalf("SendAction %d: %v", i, err)
		}
	}

	waitCond(t, "all actions pushed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		n := 0
		for _, b := range batches {
			n += len(b.Actions)
		}
		return n == total
	})

	mu.Lock()
	defer mu.Unlock()

	prevLast := ""
	seen := 0
	for i, b := range batches {
		if len(b.Actions) == 0 || len(b.Actions) > maxSyncBatch {
			t.Errorf("batch %d has %d actions", i, len(b.Actions))
		}
		if b.GameId != gameId {
			t.Errorf("batch %d gameId = %q", i, b.GameId)
		}
		if b.BaseRevision != prevLast {
			t.Errorf("batch %d baseRevision = %q, want %q", i, b.BaseRevision, prevLast)
		}
		for _, raw := range b.Actions {
			var a struct {
				ID string `json:"id"`
			}
			json.Unmarshal(raw, &a)
			want := fmt.Sprintf("act-%03d", seen)
			if a.ID != want {
				t.Fatalf("action out of order: got %q, want %q", a.ID, want)
			}
			prevLast = a.ID
			seen++
		}
	}

	if rev := c.LastRevision(); rev != fmt.Sprintf("act-%03d", total-1) {
		t.Errorf("LastRevision = %q", rev)
	}
}

func TestSyncClientHonorsRetryAfter(t *testing.T) {
	gameId := "10000000-0000-4000-8000-0000000000ab"
	clk := NewFakeClock()

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		first := hits == 1
		mu.Unlock()
		if first {
			w.Header().Set("Retry-After", "2")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		var msg Message
		json.NewDecoder(r.Body).Decode(&msg)
		var last struct {
			ID string `json:"id"`
		}
		json.Unmarshal(msg.Actions[len(msg.Actions)-1], &last)
		json.NewEncoder(w).Encode(Message{Type: MsgTypeAck, LastRevision: last.ID})
	}))
	defer srv.Close()

	c := NewSyncClient(SyncClientConfig{
		ServerURL:  srv.URL,
		GameID:     gameId,
		Clock:      clk,
		HTTPClient: srv.Client(),
	})
	defer c.Close()

	c.SendAction(syncTestAction("r1"))

	waitCond(t, "retry scheduled after 429", func() bool {
		ch := make(chan bool, 1)
		c.do(func() { ch <- c.retryTimer != nil })
		return <-ch
	})

	// One second is not enough; the server asked for two.
	clk.Advance(time.Second)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if hits != 1 {
		mu.Unlock()
		t.Fatalf("retried before Retry-After elapsed: %d hits", hits)
	}
	mu.Unlock()

	clk.Advance(time.Second)
	waitCond(t, "retry after backoff", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 2
	})

	waitCond(t, "queue drained", func() bool {
		ch := make(chan bool, 1)
		c.do(func() { ch <- len(c.queue) == 0 })
		return <-ch
	})
}

func TestSyncClientEchoSuppression(t *testing.T) {
	var mu sync.Mutex
	var remote []string
	c := NewSyncClient(SyncClientConfig{
		ServerURL: "http://127.0.0.1:0",
		GameID:    "10000000-0000-4000-8000-0000000000ac",
		OnRemoteAction: func(raw json.RawMessage) {
			var a struct {
				ID string `json:"id"`
			}
			json.Unmarshal(raw, &a)
			mu.Lock()
			remote = append(remote, a.ID)
			mu.Unlock()
		},
	})
	defer c.Close()

	// A broadcast of our own unconfirmed action clears the pending mark
	// without touching the tip or the callback.
	onSyncLoop(c, func() {
		c.pending["l1"] = true
		c.lastRevision = "l1"
		c.deliverRemote(syncTestAction("l1"))
	})
	onSyncLoop(c, func() {
		if len(c.pending) != 0 {
			t.Errorf("pending not cleared: %v", c.pending)
		}
		if c.lastRevision != "l1" {
			t.Errorf("lastRevision = %q after echo", c.lastRevision)
		}
		if c.serverRevision != "l1" {
			t.Errorf("serverRevision = %q after echo", c.serverRevision)
		}
	})
	mu.Lock()
	if len(remote) != 0 {
		t.Errorf("echo reached OnRemoteAction: %v", remote)
	}
	mu.Unlock()

	// A foreign action with nothing pending advances the tip.
	onSyncLoop(c, func() { c.deliverRemote(syncTestAction("f1")) })
	onSyncLoop(c, func() {
		if c.lastRevision != "f1" {
			t.Errorf("lastRevision = %q, want f1", c.lastRevision)
		}
	})

	// With a local action in flight the optimistic tip holds; only the
	// confirmed server revision moves.
	onSyncLoop(c, func() {
		c.pending["l2"] = true
		c.lastRevision = "l2"
		c.deliverRemote(syncTestAction("f2"))
	})
	onSyncLoop(c, func() {
		if c.lastRevision != "l2" {
			t.Errorf("lastRevision = %q, want l2", c.lastRevision)
		}
		if c.serverRevision != "f2" {
			t.Errorf("serverRevision = %q, want f2", c.serverRevision)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(remote) != 2 || remote[0] != "f1" || remote[1] != "f2" {
		t.Errorf("remote deliveries = %v", remote)
	}
}

func TestSyncClientCatchUpEndsOnAck(t *testing.T) {
	var mu sync.Mutex
	var remote []string
	c := NewSyncClient(SyncClientConfig{
		ServerURL: "http://127.0.0.1:0",
		GameID:    "10000000-0000-4000-8000-0000000000ae",
		OnRemoteAction: func(raw json.RawMessage) {
			var a struct {
				ID string `json:"id"`
			}
			json.Unmarshal(raw, &a)
			mu.Lock()
			remote = append(remote, a.ID)
			mu.Unlock()
		},
	})
	defer c.Close()

	// A catch-up batch alone does not end the handshake.
	onSyncLoop(c, func() {
		c.setStatus(StatusSyncingHistory)
		c.handleMessage(c.connGen, Message{
			Type:         MsgTypeSyncUpdate,
			Actions:      []json.RawMessage{syncTestAction("s1"), syncTestAction("s2")},
			LastRevision: "s2",
		})
	})
	onSyncLoop(c, func() {
		if c.status != StatusSyncingHistory {
			t.Errorf("status after SYNC_UPDATE = %s, want %s", c.status, StatusSyncingHistory)
		}
		if c.serverRevision != "s2" {
			t.Errorf("serverRevision = %q, want s2", c.serverRevision)
		}
	})

	// The server's ACK marks the end of the replay.
	onSyncLoop(c, func() {
		c.handleMessage(c.connGen, Message{Type: MsgTypeAck, LastRevision: "s2"})
	})
	onSyncLoop(c, func() {
		if c.status != StatusReady {
			t.Errorf("status after ACK = %s, want %s", c.status, StatusReady)
		}
	})

	mu.Lock()
	defer mu.Unlock()
	if len(remote) != 2 || remote[0] != "s1" || remote[1] != "s2" {
		t.Errorf("catch-up deliveries = %v", remote)
	}
}

func TestSyncClientConflictPausesUntilResolved(t *testing.T) {
	gameId := "10000000-0000-4000-8000-0000000000ad"

	var mu sync.Mutex
	pushes := 0
	conflictMode := true
	var acked []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sync/push":
			mu.Lock()
			pushes++
			inConflict := conflictMode
			mu.Unlock()
			var msg Message
			json.NewDecoder(r.Body).Decode(&msg)
			if inConflict {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(Message{
					Type:             MsgTypeConflict,
					Error:            "Client history is divergent from server",
					BaseRevision:     "s2",
					CommonAncestorID: "",
				})
				return
			}
			var last struct {
				ID string `json:"id"`
			}
			json.Unmarshal(msg.Actions[len(msg.Actions)-1], &last)
			mu.Lock()
			for _, raw := range msg.Actions {
				var a struct {
					ID string `json:"id"`
				}
				json.Unmarshal(raw, &a)
				acked = append(acked, a.ID)
			}
			mu.Unlock()
			json.NewEncoder(w).Encode(Message{Type: MsgTypeAck, LastRevision: last.ID})
		case "/api/sync/pull":
			json.NewEncoder(w).Encode(Message{
				Type:         MsgTypeSyncUpdate,
				Actions:      []json.RawMessage{syncTestAction("s1"), syncTestAction("s2")},
				LastRevision: "s2",
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	conflicts := make(chan Conflict, 1)
	c := NewSyncClient(SyncClientConfig{
		ServerURL:  srv.URL,
		GameID:     gameId,
		HTTPClient: srv.Client(),
		OnConflict: func(conf Conflict) {
			select {
			case conflicts <- conf:
			default:
			}
		},
	})
	defer c.Close()

	c.SendAction(syncTestAction("l1"))

	var conf Conflict
	select {
	case conf = <-conflicts:
	case <-time.After(5 * time.Second):
		t.Fatal("no conflict surfaced")
	}
	if conf.Kind != ConflictFork {
		t.Fatalf("conflict kind = %q, want FORK", conf.Kind)
	}
	if len(conf.LocalBranch) != 1 || len(conf.ServerBranch) != 2 {
		t.Fatalf("branch sizes = %d/%d", len(conf.LocalBranch), len(conf.ServerBranch))
	}

	// While paused nothing leaves the queue.
	c.SendAction(syncTestAction("l2"))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if pushes != 1 {
		mu.Unlock()
		t.Fatalf("pushed while paused: %d pushes", pushes)
	}
	conflictMode = false
	mu.Unlock()

	c.ResolveConflict([]json.RawMessage{syncTestAction("l1b"), syncTestAction("l2b")}, "s2")

	waitCond(t, "requeued branch acked", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(acked) == 2
	})
	mu.Lock()
	if acked[0] != "l1b" || acked[1] != "l2b" {
		t.Errorf("acked = %v", acked)
	}
	mu.Unlock()

	if rev := c.LastRevision(); rev != "l2b" {
		t.Errorf("LastRevision = %q, want l2b", rev)
	}
}
