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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

// SyncStatus is the session state visible to the caller.
type SyncStatus string

const (
	StatusDisconnected   SyncStatus = "DISCONNECTED"
	StatusConnecting     SyncStatus = "CONNECTING"
	StatusSyncingHistory SyncStatus = "SYNCING_HISTORY"
	StatusReady          SyncStatus = "READY"
)

const (
	defaultPingInterval = 30 * time.Second
	maxSyncBatch        = 100
)

// SyncClientConfig configures one game session.
type SyncClientConfig struct {
	// ServerURL is the http(s) base of a cluster node, e.g. "https://host:8080".
	ServerURL string
	GameID    string

	// AuthCookie, when set, is sent as the Cookie header on every request.
	AuthCookie string

	// LastRevision seeds the session with the revision the caller already
	// holds, so reconnects only stream the missing tail.
	LastRevision string

	Clock      Clock
	HTTPClient *http.Client
	Dialer     *websocket.Dialer

	PingInterval time.Duration

	// OnRemoteAction delivers every action produced by another client, in
	// apply order. Echoes of this client's own actions are filtered out.
	OnRemoteAction func(action json.RawMessage)
	// OnConflict delivers a FORK or DIVERGED conflict. The session stays
	// paused until ResolveConflict is called.
	OnConflict func(c Conflict)
	OnError    func(err error)
	// OnStatusChange observes session state transitions.
	OnStatusChange func(s SyncStatus)
}

type queuedAction struct {
	id   string
	base string
	raw  json.RawMessage
}

// SyncClient is the client half of the sync protocol: a streaming channel
// for receiving and a batched HTTP queue for sending. All state lives on a
// single goroutine; exported methods post commands onto it.
type SyncClient struct {
	cfg SyncClientConfig

	cmds chan func()
	done chan struct{}

	status         SyncStatus
	lastRevision   string // optimistic tip (includes unconfirmed local actions)
	serverRevision string // last revision the server confirmed

	pending map[string]bool
	queue   []queuedAction

	sending bool // reentrancy guard for processHTTPQueue
	paused  bool // set on FORK/DIVERGED until ResolveConflict

	conn        *websocket.Conn
	connGen     int // invalidates stale read pumps after reconnect
	missedPongs int
	pingTimer   TimerHandle

	retryBackoff   *backoff.ExponentialBackOff
	connectBackoff *backoff.ExponentialBackOff
	retryTimer     TimerHandle

	// leaderURL overrides ServerURL after a 503 redirect.
	leaderURL string

	closed bool
}

// NewSyncClient creates a session. Call Connect to start it.
func NewSyncClient(cfg SyncClientConfig) *SyncClient {
	if cfg.Clock == nil {
		cfg.Clock = RealClock
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	c := &SyncClient{
		cfg:            cfg,
		cmds:           make(chan func(), 64),
		done:           make(chan struct{}),
		status:         StatusDisconnected,
		lastRevision:   cfg.LastRevision,
		serverRevision: cfg.LastRevision,
		pending:        make(map[string]bool),
		retryBackoff:   newSyncBackoff(cfg.Clock),
		connectBackoff: newSyncBackoff(cfg.Clock),
	}
	go c.run()
	return c
}

func newSyncBackoff(clock Clock) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.Multiplier = 1.5
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the session owns its lifetime
	bo.Clock = clock
	bo.Reset()
	return bo
}

func (c *SyncClient) run() {
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.cmds:
			cmd()
		}
	}
}

// do posts a command to the session goroutine. Drops the command when the
// session is already closed.
func (c *SyncClient) do(cmd func()) {
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

// Connect opens the streaming channel. Safe to call once; reconnects are
// automatic afterwards.
func (c *SyncClient) Connect() {
	c.do(c.connect)
}

// Close tears the session down. No callbacks fire after Close returns.
func (c *SyncClient) Close() {
	c.do(func() {
		if c.closed {
			return
		}
		c.closed = true
		c.stopTimers()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.setStatus(StatusDisconnected)
		close(c.done)
	})
	<-c.done
}

// SendAction queues a locally produced action. The action must carry an
// "id" field; the revision moves forward optimistically before the server
// confirms.
func (c *SyncClient) SendAction(raw json.RawMessage) error {
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil || a.ID == "" {
		return fmt.Errorf("action has no id")
	}
	c.do(func() {
		if c.closed {
			return
		}
		base := c.lastRevision
		c.pending[a.ID] = true
		c.lastRevision = a.ID
		c.queue = append(c.queue, queuedAction{id: a.ID, base: base, raw: raw})
		c.processHTTPQueue()
	})
	return nil
}

// LastRevision returns the optimistic tip.
func (c *SyncClient) LastRevision() string {
	ch := make(chan string, 1)
	c.do(func() { ch <- c.lastRevision })
	select {
	case rev := <-ch:
		return rev
	case <-c.done:
		return ""
	}
}

// Status returns the current session state.
func (c *SyncClient) Status() SyncStatus {
	ch := make(chan SyncStatus, 1)
	c.do(func() { ch <- c.status })
	select {
	case s := <-ch:
		return s
	case <-c.done:
		return StatusDisconnected
	}
}

// ResolveConflict ends a conflict pause. requeue replaces the outgoing
// queue (pass the re-id'd local branch to accept a merge, or nil to
// discard local work) and revision becomes the new session tip. This is
// the one case where the revision may move backwards.
func (c *SyncClient) ResolveConflict(requeue []json.RawMessage, revision string) {
	c.do(func() {
		if c.closed {
			return
		}
		c.queue = nil
		c.pending = make(map[string]bool)
		c.lastRevision = revision
		c.serverRevision = revision
		c.paused = false
		base := revision
		for _, raw := range requeue {
			var a struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(raw, &a); err != nil || a.ID == "" {
				continue
			}
			c.pending[a.ID] = true
			c.queue = append(c.queue, queuedAction{id: a.ID, base: base, raw: raw})
			base = a.ID
			c.lastRevision = a.ID
		}
		// Re-handshake so the stream resumes from the resolved revision.
		if c.conn != nil {
			c.closeConn()
			c.setStatus(StatusDisconnected)
			c.connect()
		}
		c.processHTTPQueue()
	})
}

func (c *SyncClient) setStatus(s SyncStatus) {
	if c.status == s {
		return
	}
	c.status = s
	if c.cfg.OnStatusChange != nil {
		c.cfg.OnStatusChange(s)
	}
}

func (c *SyncClient) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *SyncClient) stopTimers() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// --- Streaming channel ---

func (c *SyncClient) baseURL() string {
	if c.leaderURL != "" {
		return c.leaderURL
	}
	return c.cfg.ServerURL
}

func (c *SyncClient) wsURL() string {
	base := c.baseURL()
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return base + "/api/ws?gameId=" + url.QueryEscape(c.cfg.GameID)
}

func (c *SyncClient) connect() {
	if c.closed || c.conn != nil || c.status == StatusConnecting {
		return
	}
	c.setStatus(StatusConnecting)
	wsURL := c.wsURL()

	go func() {
		header := http.Header{}
		if c.cfg.AuthCookie != "" {
			header.Set("Cookie", c.cfg.AuthCookie)
		}
		conn, _, err := c.cfg.Dialer.Dial(wsURL, header)
		c.do(func() { c.onDialed(conn, err) })
	}()
}

func (c *SyncClient) onDialed(conn *websocket.Conn, err error) {
	if c.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.setStatus(StatusDisconnected)
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.connGen++
	gen := c.connGen
	c.missedPongs = 0
	c.connectBackoff.Reset()
	c.setStatus(StatusSyncingHistory)

	hello := Message{Type: MsgTypeHello, GameId: c.cfg.GameID, LastRevision: c.serverRevision}
	if err := conn.WriteJSON(hello); err != nil {
		c.closeConn()
		c.scheduleReconnect()
		return
	}

	go c.readPump(conn, gen)
	c.schedulePing(gen)
}

func (c *SyncClient) readPump(conn *websocket.Conn, gen int) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			c.do(func() { c.onSocketClosed(gen) })
			return
		}
		c.do(func() { c.handleMessage(gen, msg) })
	}
}

func (c *SyncClient) closeConn() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connGen++
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
}

func (c *SyncClient) onSocketClosed(gen int) {
	if c.closed || gen != c.connGen {
		return
	}
	c.closeConn()
	c.setStatus(StatusDisconnected)
	c.scheduleReconnect()
}

func (c *SyncClient) scheduleReconnect() {
	if c.closed {
		return
	}
	d := c.connectBackoff.NextBackOff()
	c.cfg.Clock.AfterFunc(d, func() {
		c.do(c.connect)
	})
}

func (c *SyncClient) schedulePing(gen int) {
	c.pingTimer = c.cfg.Clock.AfterFunc(c.cfg.PingInterval, func() {
		c.do(func() { c.pingTick(gen) })
	})
}

func (c *SyncClient) pingTick(gen int) {
	if c.closed || gen != c.connGen || c.conn == nil {
		return
	}
	if c.missedPongs >= 2 {
		log.Printf("[SYNC] Keepalive lost for game %s, reconnecting", c.cfg.GameID)
		c.closeConn()
		c.setStatus(StatusDisconnected)
		c.scheduleReconnect()
		return
	}
	c.missedPongs++
	if err := c.conn.WriteJSON(Message{Type: MsgTypePing}); err != nil {
		c.onSocketClosed(gen)
		return
	}
	c.schedulePing(gen)
}

func (c *SyncClient) handleMessage(gen int, msg Message) {
	if c.closed || gen != c.connGen {
		return
	}
	switch msg.Type {
	case MsgTypeAck:
		if msg.LastRevision != "" {
			c.serverRevision = msg.LastRevision
			if c.lastRevision == "" {
				c.lastRevision = msg.LastRevision
			}
		}
		c.setStatus(StatusReady)
		c.processHTTPQueue()

	case MsgTypeSyncUpdate:
		for _, raw := range msg.Actions {
			c.deliverRemote(raw)
		}
		if msg.LastRevision != "" {
			c.serverRevision = msg.LastRevision
		}
		// Still catching up. The server marks the end of the replay with
		// an ACK; only that transitions the session to READY.

	case MsgTypeAction:
		c.deliverRemote(msg.Action)

	case MsgTypeConflict:
		c.handleConflict(msg)

	case MsgTypeError:
		c.reportError(errors.New(msg.Error))

	case MsgTypePing:
		if c.conn != nil {
			c.conn.WriteJSON(Message{Type: MsgTypePong})
		}

	case MsgTypePong:
		c.missedPongs = 0
	}
}

// deliverRemote applies the echo rule: a broadcast of our own pending
// action only clears the pending mark, the optimistic tip stays put.
func (c *SyncClient) deliverRemote(raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	var a struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &a); err != nil {
		return
	}
	if c.pending[a.ID] {
		delete(c.pending, a.ID)
		c.serverRevision = a.ID
		return
	}
	c.serverRevision = a.ID
	if len(c.pending) == 0 {
		c.lastRevision = a.ID
	}
	if c.cfg.OnRemoteAction != nil {
		c.cfg.OnRemoteAction(raw)
	}
}

// --- HTTP queue ---

// processHTTPQueue drains the queue in batches of up to 100. At most one
// POST is in flight; it is skipped entirely while syncing history or
// paused on a conflict.
func (c *SyncClient) processHTTPQueue() {
	if c.closed || c.sending || c.paused || len(c.queue) == 0 {
		return
	}
	if c.status == StatusSyncingHistory {
		return
	}
	n := len(c.queue)
	if n > maxSyncBatch {
		n = maxSyncBatch
	}
	batch := make([]queuedAction, n)
	copy(batch, c.queue[:n])
	c.sending = true

	go c.postBatch(batch)
}

type batchResult struct {
	n       int
	status  int
	msg     *Message
	retryIn time.Duration
	err     error
}

func (c *SyncClient) postBatch(batch []queuedAction) {
	actions := make([]json.RawMessage, len(batch))
	for i, q := range batch {
		actions[i] = q.raw
	}
	payload := Message{
		GameId:       c.cfg.GameID,
		Actions:      actions,
		BaseRevision: batch[0].base,
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequest(http.MethodPost, c.baseURL()+"/api/sync/push", bytes.NewReader(body))
	if err != nil {
		c.do(func() { c.finishBatch(batchResult{n: len(batch), err: err}) })
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthCookie != "" {
		req.Header.Set("Cookie", c.cfg.AuthCookie)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		c.do(func() { c.finishBatch(batchResult{n: len(batch), err: err}) })
		return
	}
	defer resp.Body.Close()

	res := batchResult{n: len(batch), status: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusConflict, http.StatusServiceUnavailable:
		var msg Message
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&msg); err == nil {
			res.msg = &msg
		}
	case http.StatusTooManyRequests:
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s > 0 {
			res.retryIn = time.Duration(s) * time.Second
		} else {
			res.retryIn = time.Second
		}
	}
	c.do(func() { c.finishBatch(res) })
}

func (c *SyncClient) finishBatch(res batchResult) {
	c.sending = false
	if c.closed {
		return
	}

	switch {
	case res.err != nil:
		c.scheduleRetry(c.retryBackoff.NextBackOff())

	case res.status == http.StatusOK:
		c.retryBackoff.Reset()
		if res.n <= len(c.queue) {
			c.queue = c.queue[res.n:]
		} else {
			c.queue = nil
		}
		if res.msg != nil {
			switch res.msg.Type {
			case MsgTypeAck:
				if res.msg.LastRevision != "" {
					c.serverRevision = res.msg.LastRevision
				}
			case MsgTypeError:
				c.reportError(errors.New(res.msg.Error))
			}
		}
		c.processHTTPQueue()

	case res.status == http.StatusTooManyRequests:
		c.scheduleRetry(res.retryIn)

	case res.status == http.StatusConflict:
		if res.msg != nil {
			c.handleConflict(*res.msg)
		} else {
			c.reportError(fmt.Errorf("conflict with no body"))
		}

	case res.status == http.StatusServiceUnavailable:
		if res.msg != nil {
			var redirect struct {
				LeaderAddr string `json:"leaderAddr"`
			}
			if b, err := json.Marshal(res.msg); err == nil {
				json.Unmarshal(b, &redirect)
			}
			if redirect.LeaderAddr != "" {
				c.leaderURL = normalizeLeaderAddr(redirect.LeaderAddr)
			}
		}
		c.scheduleRetry(c.retryBackoff.NextBackOff())

	default:
		c.reportError(fmt.Errorf("push failed: HTTP %d", res.status))
		c.scheduleRetry(c.retryBackoff.NextBackOff())
	}
}

func normalizeLeaderAddr(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "https://" + addr
}

func (c *SyncClient) scheduleRetry(d time.Duration) {
	if c.closed || c.retryTimer != nil {
		return
	}
	c.retryTimer = c.cfg.Clock.AfterFunc(d, func() {
		c.do(func() {
			c.retryTimer = nil
			c.processHTTPQueue()
		})
	})
}

// --- Conflict handling ---

// handleConflict pauses the queue, fetches the server branch past the
// common ancestor, classifies it against the unconfirmed local branch
// and hands the result to the caller. The session stays paused until
// ResolveConflict.
func (c *SyncClient) handleConflict(msg Message) {
	if c.paused {
		return
	}
	c.paused = true
	ancestor := msg.CommonAncestorID
	serverRev := msg.BaseRevision

	go func() {
		serverBranch, err := c.pullSince(ancestor)
		c.do(func() { c.classifyConflict(ancestor, serverRev, serverBranch, err) })
	}()
}

func (c *SyncClient) pullSince(since string) ([]json.RawMessage, error) {
	u := c.baseURL() + "/api/sync/pull?gameId=" + url.QueryEscape(c.cfg.GameID) + "&since=" + url.QueryEscape(since)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.AuthCookie != "" {
		req.Header.Set("Cookie", c.cfg.AuthCookie)
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pull failed: HTTP %d", resp.StatusCode)
	}
	var msg Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&msg); err != nil {
		return nil, err
	}
	return msg.Actions, nil
}

func (c *SyncClient) classifyConflict(ancestor, serverRev string, serverBranch []json.RawMessage, pullErr error) {
	if c.closed {
		return
	}
	localBranch := make([]json.RawMessage, 0, len(c.queue))
	for _, q := range c.queue {
		localBranch = append(localBranch, q.raw)
	}

	if pullErr != nil {
		// Without the server branch the conflict cannot be narrowed down.
		c.reportError(pullErr)
		if c.cfg.OnConflict != nil {
			c.cfg.OnConflict(Conflict{
				Kind:             ConflictFork,
				CommonAncestorID: ancestor,
				LocalBranch:      localBranch,
			})
		}
		return
	}

	conflict := Classify(nil, localBranch, serverBranch, ancestor)
	if conflict.Kind == ConflictLinear {
		// Nothing unconfirmed on our side: adopt the server branch and
		// resume without involving the caller.
		for _, raw := range serverBranch {
			c.deliverRemote(raw)
		}
		c.queue = nil
		c.pending = make(map[string]bool)
		if serverRev != "" {
			c.lastRevision = serverRev
			c.serverRevision = serverRev
		}
		c.paused = false
		if c.conn != nil {
			c.closeConn()
			c.setStatus(StatusDisconnected)
			c.connect()
		} else {
			c.processHTTPQueue()
		}
		return
	}

	if c.cfg.OnConflict != nil {
		c.cfg.OnConflict(conflict)
	} else {
		c.reportError(fmt.Errorf("unresolved %s conflict at ancestor %q", conflict.Kind, ancestor))
	}
}
