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
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/raft"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// Message types for WebSocket communication
const (
	MsgTypeJoin     = "JOIN"
	MsgTypeOp       = "OP"
	MsgTypeAck      = "ACK"
	MsgTypeEvent    = "EVENT"
	MsgTypeSnapshot = "SNAPSHOT"
	MsgTypeError    = "ERROR"
)

// Message represents a WebSocket message.
type Message struct {
	Type      string          `json:"type"`
	MatchID   string          `json:"matchId,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	Op        *ScoreRequest   `json:"op,omitempty"`
	Events    []Event         `json:"events,omitempty"`
	Scorecard json.RawMessage `json:"scorecard,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ScoreRequest is one scoring operation submitted over HTTP or the socket.
type ScoreRequest struct {
	Op           string    `json:"op"`
	Delivery     *Delivery `json:"delivery,omitempty"`
	StrikerID    string    `json:"strikerId,omitempty"`
	NonStrikerID string    `json:"nonStrikerId,omitempty"`
	BowlerID     string    `json:"bowlerId,omitempty"`
	BatsmanID    string    `json:"batsmanId,omitempty"`
}

// HubRequest types
const (
	ReqTypeWSJoin    = "WS_JOIN"
	ReqTypeWSOp      = "WS_OP"
	ReqTypeHTTPLoad  = "HTTP_LOAD"
	ReqTypeHTTPOp    = "HTTP_OP"
	ReqTypeBroadcast = "BROADCAST"
)

// HubRequest represents a request to the Hub.
type HubRequest struct {
	Type    string
	Client  *wsClient   // For WS requests
	UserId  string      // For HTTP requests
	Headers http.Header // For forwarding cookies/auth to the leader
	Message Message     // For WS join
	Op      ScoreRequest
	Payload []byte  // For Broadcast (full match JSON)
	Events  []Event // For Broadcast
	Reply   chan HubResponse
}

// HubResponse represents a response from the Hub.
type HubResponse struct {
	Data  []byte
	Error error
}

// Hub owns one match. Its goroutine is the only writer of the match state,
// so scoring requests are serialized without locks; everything else talks
// to it through the requests channel.
type Hub struct {
	matchId string

	// Registered clients.
	clients map[*wsClient]bool

	// Inbound requests
	requests chan HubRequest

	// Register requests from the clients.
	register chan *wsClient

	// Unregister requests from clients.
	unregister chan *wsClient

	// In-memory state
	matchData *Match

	ms *MatchStore
	cs *CareerStore
	r  *Registry
	hm *HubManager
	rm *RaftManager
	mn *Monitoring
}

func newHub(id string, ms *MatchStore, cs *CareerStore, r *Registry, hm *HubManager, rm *RaftManager, mn *Monitoring) *Hub {
	return &Hub{
		matchId:    id,
		requests:   make(chan HubRequest, 64), // Buffered to prevent dropping FSM updates
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		clients:    make(map[*wsClient]bool),
		ms:         ms,
		cs:         cs,
		r:          r,
		hm:         hm,
		rm:         rm,
		mn:         mn,
	}
}

func (h *Hub) run() {
	idleTimer := time.NewTicker(5 * time.Minute)
	defer idleTimer.Stop()

	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			if h.mn != nil {
				h.mn.WSConnected()
			}
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				if h.mn != nil {
					h.mn.WSDisconnected()
				}
			}
		case req := <-h.requests:
			h.ensureLoaded(req.Reply)
			if h.matchData == nil {
				if req.Client != nil {
					req.Client.sendJSON(Message{Type: MsgTypeError, Error: "Server error loading match"})
				}
				continue
			}

			switch req.Type {
			case ReqTypeWSJoin:
				if req.Client != nil && !h.clients[req.Client] {
					continue
				}
				h.handleWSJoin(req.Client, req.Message)
			case ReqTypeWSOp:
				if req.Client != nil && !h.clients[req.Client] {
					continue
				}
				h.handleWSOp(req)
			case ReqTypeHTTPOp:
				h.handleHTTPOp(req)
			case ReqTypeHTTPLoad:
				h.handleHTTPLoad(req.Reply)
			case ReqTypeBroadcast:
				h.handleBroadcast(req.Payload, req.Events)
			}
		case <-idleTimer.C:
			if len(h.clients) == 0 {
				h.hm.RemoveHub(h.matchId)
				return
			}
		}
	}
}

func (h *Hub) ensureLoaded(reply chan HubResponse) {
	if h.matchData != nil {
		return
	}
	m, err := h.ms.LoadMatch(h.matchId)
	if err != nil {
		if os.IsNotExist(err) {
			if reply != nil {
				reply <- HubResponse{Error: os.ErrNotExist}
			}
			return
		}
		log.Printf("Hub: Error loading match %s: %v", h.matchId, err)
		if reply != nil {
			reply <- HubResponse{Error: err}
		}
		return
	}
	h.matchData = m
}

// handleBroadcast installs state applied by the Raft FSM and fans the
// events out to subscribers.
func (h *Hub) handleBroadcast(data []byte, events []Event) {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		log.Printf("handleBroadcast: Error unmarshaling match data: %v", err)
		return
	}
	m.normalize()
	h.matchData = &m

	if len(events) == 0 {
		return
	}
	scorecard, _ := json.Marshal(m.scorecard())
	h.broadcast(Message{Type: MsgTypeEvent, MatchID: h.matchId, Seq: m.Seq, Events: events, Scorecard: scorecard})
}

func (h *Hub) handleWSJoin(c *wsClient, msg Message) {
	access := GetMatchAccess(c.userId, h.matchData, h.r)
	if access < AccessRead {
		log.Printf("Forbidden: User %s attempted to join match %s without permissions", maskEmail(c.userId), h.matchId)
		c.sendJSON(Message{Type: MsgTypeError, Error: "Forbidden: You do not have access to this match"})
		return
	}

	if msg.Seq >= h.matchData.Seq {
		c.sendJSON(Message{Type: MsgTypeAck, MatchID: h.matchId, Seq: h.matchData.Seq})
		return
	}
	scorecard, err := json.Marshal(h.matchData.scorecard())
	if err != nil {
		c.sendJSON(Message{Type: MsgTypeError, Error: "Server error"})
		return
	}
	c.sendJSON(Message{Type: MsgTypeSnapshot, MatchID: h.matchId, Seq: h.matchData.Seq, Scorecard: scorecard})
}

func (h *Hub) handleHTTPOp(req HubRequest) {
	start := time.Now()
	response, broadcasts, err := h.processOp(req.Op, req.UserId)
	if h.mn != nil {
		h.mn.ObserveOp(req.Op.Op, time.Since(start), err == nil)
	}
	if err != nil {
		if errors.Is(err, ErrNotLeader) {
			h.forwardToLeader(req)
			return
		}
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	for _, b := range broadcasts {
		h.broadcast(b)
	}

	if req.Reply != nil {
		req.Reply <- HubResponse{Data: response}
	}
}

// handleWSOp runs a scoring operation submitted over the socket. It goes
// through the same processOp as the HTTP handlers; only the reply travels
// back over the connection instead of a response writer.
func (h *Hub) handleWSOp(req HubRequest) {
	c := req.Client
	start := time.Now()
	response, broadcasts, err := h.processOp(req.Op, c.userId)
	if h.mn != nil {
		h.mn.ObserveOp(req.Op.Op, time.Since(start), err == nil)
	}
	if errors.Is(err, ErrNotLeader) {
		reply := make(chan HubResponse, 1)
		req.Reply = reply
		h.forwardToLeader(req)
		resp := <-reply
		response, err = resp.Data, resp.Error
	}
	if err != nil {
		c.sendJSON(Message{Type: MsgTypeError, MatchID: h.matchId, Error: err.Error()})
		return
	}

	for _, b := range broadcasts {
		h.broadcast(b)
	}

	ack := Message{Type: MsgTypeAck, MatchID: h.matchId, Scorecard: response}
	var sc struct {
		Seq int64 `json:"seq"`
	}
	if json.Unmarshal(response, &sc) == nil {
		ack.Seq = sc.Seq
	}
	c.sendJSON(ack)
}

// runOp dispatches one scoring operation against a match. Shared with the
// Raft FSM so both paths apply identical semantics.
func runOp(m *Match, op ScoreRequest) ([]Event, error) {
	switch op.Op {
	case OpDelivery:
		if op.Delivery == nil {
			return nil, validationErrorf("delivery", "missing delivery body")
		}
		return ScoreDelivery(m, *op.Delivery)
	case OpUndo:
		return UndoDelivery(m)
	case OpStartInnings:
		return StartInnings(m, op.StrikerID, op.NonStrikerID, op.BowlerID)
	case OpSetBatsman:
		return SetNextBatsman(m, op.BatsmanID)
	case OpSetBowler:
		return SetNextBowler(m, op.BowlerID)
	case OpAbandon:
		return AbandonMatch(m)
	default:
		return nil, validationErrorf("op", "unknown operation %q", op.Op)
	}
}

// syncCareers pushes or retracts career contributions around a completion
// boundary. prev is the state before the op, m the state after.
func syncCareers(cs *CareerStore, prev, m *Match) error {
	if prev != nil && prev.CareerSynced && !m.CareerSynced {
		// A completion was undone; take the contributions back.
		if err := cs.RetractMatch(prev); err != nil {
			return err
		}
	}
	if m.Status == StatusCompleted && !m.CareerSynced {
		if err := cs.ApplyMatch(m); err != nil {
			return err
		}
		m.CareerSynced = true
	}
	return nil
}

func (h *Hub) processOp(op ScoreRequest, userId string) (data []byte, broadcasts []Message, err error) {
	access := GetMatchAccess(userId, h.matchData, h.r)
	required := AccessWrite
	if op.Op == OpAbandon {
		required = AccessAdmin
	}
	if access < required {
		if userId == "" {
			return nil, nil, ErrUnauthenticated
		}
		log.Printf("Forbidden: User %s attempted op %s on match %s", maskEmail(userId), op.Op, h.matchId)
		return nil, nil, ErrForbidden
	}

	// In cluster mode only the leader may mutate; followers forward.
	if h.rm != nil {
		if h.rm.Raft.State() != raft.Leader {
			return nil, nil, ErrNotLeader
		}
		cmd := RaftCommand{
			Type: CmdScoreOp,
			ID:   h.matchId,
			Op:   &op,
		}
		res, err := h.rm.Propose(cmd)
		if err != nil {
			return nil, nil, err
		}
		// The FSM broadcasts through the HubManager; nothing to fan out here.
		return res, nil, nil
	}

	// Apply to a clone so a failed op cannot corrupt the in-memory state.
	clone, err := h.matchData.clone()
	if err != nil {
		return nil, nil, err
	}
	events, err := runOp(clone, op)
	if err != nil {
		return nil, nil, err
	}
	if err := syncCareers(h.cs, h.matchData, clone); err != nil {
		return nil, nil, &PersistenceError{Err: fmt.Errorf("career sync for match %s: %w", h.matchId, err)}
	}
	if err := h.ms.SaveMatch(clone); err != nil {
		return nil, nil, err
	}

	// Success: commit to Hub cache and Registry.
	h.matchData = clone
	h.r.UpdateMatch(clone)

	scorecard, err := json.Marshal(clone.scorecard())
	if err != nil {
		return nil, nil, err
	}
	broadcasts = append(broadcasts, Message{
		Type:      MsgTypeEvent,
		MatchID:   h.matchId,
		Seq:       clone.Seq,
		Events:    events,
		Scorecard: scorecard,
	})
	return scorecard, broadcasts, nil
}

func (h *Hub) forwardToLeader(req HubRequest) {
	leaderAddr := h.rm.GetLeaderHTTPAddr()

	// Prevent forwarding to self if split-brain or stale metadata
	if leaderAddr == h.rm.ClusterAdvertise {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("local node listed as leader but not in leader state")}
		}
		return
	}
	if leaderAddr == "" {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("leader not found")}
		}
		return
	}
	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "https://" + leaderAddr
	}

	u := leaderAddr + "/api/cluster/op?matchId=" + url.QueryEscape(h.matchId)
	body, _ := json.Marshal(req.Op)
	forwardReq, err := http.NewRequest("POST", u, bytes.NewReader(body))
	if err != nil {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}

	// Copy authentication and content headers from the original request
	for _, name := range []string{"Cookie", "Authorization", "Content-Type"} {
		if v := req.Headers.Get(name); v != "" {
			forwardReq.Header.Set(name, v)
		}
	}

	forwarded := req.Headers.Get("X-Raft-Forwarded")
	if forwarded != "" {
		forwarded += "," + h.rm.NodeID
	} else {
		forwarded = h.rm.NodeID
	}
	forwardReq.Header.Set("X-Raft-Forwarded", forwarded)
	if h.rm.Secret != "" {
		forwardReq.Header.Set("X-Raft-Secret", h.rm.Secret)
	}

	client := h.rm.GetHTTPClient()
	resp, err := client.Do(forwardReq)
	if err != nil {
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: err}
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		if req.Reply != nil {
			req.Reply <- HubResponse{Error: fmt.Errorf("leader returned %d: %s", resp.StatusCode, string(respBody))}
		}
		return
	}

	respData, err := io.ReadAll(resp.Body)
	if req.Reply != nil {
		req.Reply <- HubResponse{Data: respData, Error: err}
	}
}

func (h *Hub) handleHTTPLoad(reply chan HubResponse) {
	data, err := json.Marshal(h.matchData)
	reply <- HubResponse{Data: data, Error: err}
}

func (h *Hub) broadcast(msg Message) {
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
			client.closeSend()
			delete(h.clients, client)
		}
	}
}

// HubManager manages hubs for different matches.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.Mutex
	rm   *RaftManager
	mn   *Monitoring
}

func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

func (hm *HubManager) SetRaftManager(rm *RaftManager) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.rm = rm
}

func (hm *HubManager) SetMonitoring(mn *Monitoring) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.mn = mn
}

func (hm *HubManager) GetHub(id string, ms *MatchStore, cs *CareerStore, r *Registry) *Hub {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if hub, ok := hm.hubs[id]; ok {
		return hub
	}
	hub := newHub(id, ms, cs, r, hm, hm.rm, hm.mn)
	hm.hubs[id] = hub
	go hub.run()
	return hub
}

func (hm *HubManager) RemoveHub(id string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	delete(hm.hubs, id)
}

func (hm *HubManager) Clear() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.hubs = make(map[string]*Hub)
}

// BroadcastToMatch hands FSM-applied state to the match's hub, if one is
// running. The send is non-blocking so a stuck hub cannot stall Raft apply.
func (hm *HubManager) BroadcastToMatch(matchId string, data []byte, events []Event) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hub, ok := hm.hubs[matchId]
	if !ok {
		return
	}
	select {
	case hub.requests <- HubRequest{
		Type:    ReqTypeBroadcast,
		Payload: data,
		Events:  events,
	}:
	default:
		log.Printf("Warning: Hub channel full, dropping broadcast for match %s", matchId)
	}
}

// wsClient is a middleman between the websocket connection and the hub.
type wsClient struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan Message

	userId  string
	matchId string

	// Auth headers from the upgrade request, kept for leader forwarding.
	headers http.Header

	// Guards send against the hub closing the channel while readPump is
	// still replying on it.
	sendMu     sync.Mutex
	sendClosed bool
}

func (c *wsClient) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	c.sendClosed = true
	close(c.send)
}

// readPump pumps messages from the websocket connection to the hub.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("error: %v", err)
			}
			break
		}

		switch msg.Type {
		case MsgTypeJoin:
			c.hub.requests <- HubRequest{Type: ReqTypeWSJoin, Client: c, Message: msg}
		case MsgTypeOp:
			if msg.Op == nil {
				c.sendJSON(Message{Type: MsgTypeError, Error: "Missing op body"})
				continue
			}
			select {
			case c.hub.requests <- HubRequest{Type: ReqTypeWSOp, Client: c, Headers: c.headers, Op: *msg.Op}:
			default:
				c.sendJSON(Message{Type: MsgTypeError, Error: "Busy, try again"})
			}
		case "PING":
			c.sendJSON(Message{Type: "PONG"})
		default:
			c.sendJSON(Message{Type: MsgTypeError, Error: "Unknown message type"})
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) sendJSON(msg Message) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// ServeWS handles websocket requests from the peer.
func ServeWS(ms *MatchStore, cs *CareerStore, r *Registry, hm *HubManager, w http.ResponseWriter, req *http.Request) {
	userId := getUserID(req)

	matchId := req.URL.Query().Get("matchId")
	if matchId == "" || !isValidUUID(matchId) {
		http.Error(w, "Invalid matchId", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Println(err)
		return
	}

	hub := hm.GetHub(matchId, ms, cs, r)
	client := &wsClient{hub: hub, conn: conn, send: make(chan Message, 256), userId: userId, matchId: matchId, headers: req.Header}
	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
