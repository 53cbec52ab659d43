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
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c2FmZQ/storage"
)

func generateETag(data []byte) string {
	return fmt.Sprintf("\"%x\"", sha256.Sum256(data))
}

func hubBusyResponse(w http.ResponseWriter, retryAfter string) {
	w.Header().Set("Retry-After", retryAfter)
	http.Error(w, "Too Many Requests: Server is busy", http.StatusTooManyRequests)
}

const (
	retryAfterLoad = "2"
	retryAfterSave = "10"
	retryAfterOp   = "5"
)

// writeOpError maps engine and store errors onto HTTP responses.
// Validation failures carry the offending field as JSON.
func writeOpError(w http.ResponseWriter, err error) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":  "validation",
			"field":  ve.Field,
			"reason": ve.Reason,
		})
		return
	}
	var se *InvalidStateError
	if errors.As(err, &se) {
		http.Error(w, "Conflict: "+se.Error(), http.StatusConflict)
		return
	}
	switch {
	case errors.Is(err, ErrNothingToUndo):
		http.Error(w, "Conflict: nothing to undo", http.StatusConflict)
	case errors.Is(err, ErrUnauthenticated):
		http.Error(w, "Unauthenticated", http.StatusUnauthorized)
	case errors.Is(err, ErrForbidden):
		http.Error(w, "Forbidden", http.StatusForbidden)
	case errors.Is(err, os.ErrNotExist):
		http.Error(w, "Not Found", http.StatusNotFound)
	default:
		var pe *PersistenceError
		if errors.As(err, &pe) {
			log.Printf("ERROR: persistence failure: %v", err)
		} else {
			log.Printf("Internal Server Error: %v", err)
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func parsePagination(r *http.Request) (int, int) {
	limit := 50
	offset := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if val, err := strconv.Atoi(o); err == nil {
			offset = val
		}
	}
	if limit < 1 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// Options represent server options.
type Options struct {
	Addr             string
	ClusterAdvertise string
	Cert             *tls.Certificate
	DataDir          string
	UseMockAuth      bool
	Debug            bool
	MatchStore       *MatchStore
	RoomStore        *RoomStore
	CareerStore      *CareerStore
	Storage          *storage.Storage
	Registry         *Registry
	Listener         net.Listener

	// Raft Options
	RaftEnabled           bool
	RaftBind              string
	RaftAdvertise         string
	RaftNodeID            string
	RaftSecret            string
	RaftBootstrap         bool
	RaftManager           *RaftManager      // Allow injecting pre-configured RaftManager
	RaftManagerChan       chan *RaftManager // For testing: receive the created RaftManager
	UseProductionTimeouts bool

	// Auth Options
	AuthCookieName string
	AuthJWKSURL    string

	// Access Control Options
	BootstrapAdmin string

	// ForceRebuild rescans the stores to rebuild the Registry indices.
	ForceRebuild bool
}

// Server represents the running server instance.
type Server struct {
	httpServer *http.Server
	raftMgr    *RaftManager
	registry   *Registry
}

// Shutdown gracefully shuts down the server and Raft node.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []string

	if s.raftMgr != nil {
		s.raftMgr.Shutdown()
		if s.raftMgr.FSM != nil {
			if err := s.raftMgr.FSM.FlushAll(); err != nil {
				errs = append(errs, fmt.Sprintf("fsm flush: %v", err))
			}
		}
	}
	if s.registry != nil {
		s.registry.StopGC()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("http: %v", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %s", strings.Join(errs, ", "))
	}
	return nil
}

// StartServer starts the web server and registers the API handlers.
func StartServer(opts Options) (*Server, error) {
	raftMgr, registry, handler := NewServerHandler(opts)

	if raftMgr != nil {
		// Replay the log before accepting traffic so reads are current.
		if err := raftMgr.WaitForSync(30 * time.Second); err != nil {
			log.Printf("Warning: Raft sync timed out: %v", err)
		}
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}

	go func() {
		var err error
		if opts.Listener != nil {
			if httpServer.TLSConfig != nil {
				log.Printf("Starting HTTPS server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.ServeTLS(opts.Listener, "", "")
			} else {
				log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.Serve(opts.Listener)
			}
		} else {
			log.Printf("Server starting on %s...\n", opts.Addr)
			if opts.Cert != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else if _, statErr := os.Stat("certs/cert.pem"); statErr == nil {
				log.Println("Starting HTTPS server using certs/cert.pem...")
				err = httpServer.ListenAndServeTLS("certs/cert.pem", "certs/key.pem")
			} else {
				log.Println("Starting HTTP server...")
				err = httpServer.ListenAndServe()
			}
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return &Server{
		httpServer: httpServer,
		raftMgr:    raftMgr,
		registry:   registry,
	}, nil
}

// NewServerHandler creates and configures the HTTP handler for the server.
func NewServerHandler(opts Options) (*RaftManager, *Registry, http.Handler) {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.Storage == nil {
		opts.Storage = storage.New(opts.DataDir, nil)
	}

	ms := opts.MatchStore
	if ms == nil {
		ms = NewMatchStore(opts.DataDir, opts.Storage)
	}
	rs := opts.RoomStore
	if rs == nil {
		rs = NewRoomStore(opts.DataDir, opts.Storage)
	}
	cs := opts.CareerStore
	if cs == nil {
		cs = NewCareerStore(opts.DataDir, opts.Storage)
	}

	registry := opts.Registry
	if registry == nil {
		registry = NewRegistry(ms, rs, opts.ForceRebuild)
	}
	loadAccessPolicy(opts.Storage, registry)

	accessControl := NewAccessControl(registry, opts.BootstrapAdmin)
	mn := NewMonitoring()

	hm := NewHubManager()
	hm.SetMonitoring(mn)

	var raftMgr *RaftManager
	if opts.RaftEnabled {
		if opts.RaftManager != nil {
			raftMgr = opts.RaftManager
		} else {
			raftDataDir := filepath.Join(opts.DataDir, "raft")
			if err := os.MkdirAll(raftDataDir, 0755); err != nil {
				log.Fatalf("Failed to create Raft data directory: %v", err)
			}
			raftStorage := storage.New(raftDataDir, nil)
			fsm := NewFSM(ms, rs, cs, registry, hm, raftStorage)

			raftMgr = NewRaftManager(fsm, mn, raftDataDir, opts.RaftBind, opts.RaftAdvertise,
				opts.ClusterAdvertise, opts.RaftNodeID, opts.RaftSecret)
			raftMgr.UseProductionTimeouts = opts.UseProductionTimeouts
		}
		if opts.RaftManagerChan != nil {
			go func() { opts.RaftManagerChan <- raftMgr }()
		}
		hm.SetRaftManager(raftMgr)
	}

	mux := http.NewServeMux()

	// submitToHub serializes one scoring operation through the match's hub
	// and writes the resulting scorecard.
	submitToHub := func(w http.ResponseWriter, r *http.Request, matchId, userId string, op ScoreRequest) {
		hub := hm.GetHub(matchId, ms, cs, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{
			Type:    ReqTypeHTTPOp,
			UserId:  userId,
			Headers: r.Header,
			Op:      op,
			Reply:   reply,
		}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					writeOpError(w, resp.Error)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write(resp.Data)
			case <-r.Context().Done():
			}
		default:
			hubBusyResponse(w, retryAfterOp)
		}
	}

	// scoreOpHandler builds the handler for one fixed scoring operation.
	scoreOpHandler := func(op string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
				return
			}
			userId := getUserID(r)
			if userId == "" || !isValidEmail(userId) {
				http.Error(w, "Unauthenticated", http.StatusUnauthorized)
				return
			}
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}

			var body struct {
				MatchID string `json:"matchId"`
				ScoreRequest
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err != nil {
				http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
				return
			}
			if body.MatchID == "" || !isValidUUID(body.MatchID) {
				http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
				return
			}
			if registry.IsMatchDeleted(body.MatchID) {
				http.Error(w, "Not Found: Match not found", http.StatusNotFound)
				return
			}

			req := body.ScoreRequest
			req.Op = op
			submitToHub(w, r, body.MatchID, userId, req)
		}
	}

	mux.HandleFunc("/api/match/delivery", scoreOpHandler(OpDelivery))
	mux.HandleFunc("/api/match/undo", scoreOpHandler(OpUndo))
	mux.HandleFunc("/api/match/start-innings", scoreOpHandler(OpStartInnings))
	mux.HandleFunc("/api/match/batsman", scoreOpHandler(OpSetBatsman))
	mux.HandleFunc("/api/match/bowler", scoreOpHandler(OpSetBowler))
	mux.HandleFunc("/api/match/abandon", scoreOpHandler(OpAbandon))

	mux.HandleFunc("/api/match", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusUnauthorized)
			return
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var req NewMatchRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}

		if req.RoomID != "" {
			if !isValidUUID(req.RoomID) {
				http.Error(w, "Bad Request: roomId is invalid", http.StatusBadRequest)
				return
			}
			room, err := rs.LoadRoom(req.RoomID)
			if err != nil || room.Status == StatusDeleted {
				http.Error(w, "Not Found: Room not found", http.StatusNotFound)
				return
			}
			if GetRoomAccess(userId, room) < AccessWrite {
				http.Error(w, "Forbidden: You cannot create matches in this room", http.StatusForbidden)
				return
			}
		}

		ownedCount := registry.CountOwnedMatches(userId)
		if err := accessControl.CheckMatchQuota(userId, ownedCount); err != nil {
			http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
			return
		}

		m, err := NewMatch(&req, userId)
		if err != nil {
			writeOpError(w, err)
			return
		}

		if raftMgr != nil {
			data, err := json.Marshal(m)
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			raw := json.RawMessage(data)
			cmd := RaftCommand{Type: CmdCreateMatch, ID: m.ID, MatchData: &raw}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(req)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := ms.SaveMatch(m); err != nil {
				writeOpError(w, err)
				return
			}
			registry.UpdateMatch(m)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(m.scorecard())
	})

	// Scorecard reads skip the hub: the store serves the last committed
	// state, and the cheap ID:Seq ETag spares re-serialization.
	mux.HandleFunc("/api/scorecard/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		matchId := strings.TrimPrefix(r.URL.Path, "/api/scorecard/")
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		m, err := ms.LoadMatch(matchId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: Match not found", http.StatusNotFound)
			} else {
				log.Printf("Internal Server Error during scorecard load: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}
		if m.Status == StatusDeleted {
			http.Error(w, "Not Found: Match not found", http.StatusNotFound)
			return
		}

		userId := getUserID(r)
		if GetMatchAccess(userId, m, registry) < AccessRead {
			http.Error(w, "Forbidden: You do not have access to this match", http.StatusForbidden)
			return
		}

		etag := m.etag()
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.scorecard())
	})

	mux.HandleFunc("/api/load/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}

		matchId := strings.TrimPrefix(r.URL.Path, "/api/load/")
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		hub := hm.GetHub(matchId, ms, cs, registry)
		reply := make(chan HubResponse, 1)
		select {
		case hub.requests <- HubRequest{Type: ReqTypeHTTPLoad, Reply: reply}:
			select {
			case resp := <-reply:
				if resp.Error != nil {
					if os.IsNotExist(resp.Error) {
						http.Error(w, "Not Found: Match not found", http.StatusNotFound)
					} else {
						log.Printf("Internal Server Error during Hub Load: %v", resp.Error)
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					}
					return
				}
				data := resp.Data

				var m Match
				if err := json.Unmarshal(data, &m); err != nil {
					log.Printf("Error unmarshaling match data for auth check: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
				if GetMatchAccess(userId, &m, registry) < AccessRead {
					http.Error(w, "Forbidden: You do not have access to this match", http.StatusForbidden)
					return
				}

				etag := generateETag(data)
				if r.Header.Get("If-None-Match") == etag {
					w.WriteHeader(http.StatusNotModified)
					return
				}
				w.Header().Set("ETag", etag)
				w.Header().Set("Content-Type", "application/json")
				w.Write(data)
			case <-r.Context().Done():
			}
		default:
			hubBusyResponse(w, retryAfterLoad)
		}
	})

	mux.HandleFunc("/api/list-matches", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset := parsePagination(r)
		roomId := r.URL.Query().Get("roomId")
		query := r.URL.Query().Get("q")

		accessible := registry.ListMatches(userId, roomId, query)
		total := len(accessible)

		var page []MatchMetadata
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			page = accessible[offset:end]
		}
		if page == nil {
			page = make([]MatchMetadata, 0)
		}

		// Tombstone summaries let offline clients drop deleted matches.
		for _, kid := range knownIds {
			if registry.IsMatchDeleted(kid) {
				page = append(page, MatchMetadata{ID: kid, Status: StatusDeleted})
			}
		}

		respData := struct {
			Data []MatchMetadata `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{Data: page}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		response, err := json.Marshal(respData)
		if err != nil {
			log.Printf("Internal Server Error during JSON Marshal: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	})

	mux.HandleFunc("/api/delete-match", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		matchId := data.ID
		if matchId == "" || !isValidUUID(matchId) {
			http.Error(w, "Bad Request: matchId is missing or invalid", http.StatusBadRequest)
			return
		}

		m, err := ms.LoadMatch(matchId)
		if err == nil {
			if GetMatchAccess(userId, m, registry) < AccessAdmin {
				http.Error(w, "Forbidden: Only the owner can delete this match", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteMatch, ID: matchId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := ms.DeleteMatch(matchId); err != nil {
				log.Printf("Internal Server Error during DeleteMatch: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteMatch(matchId)
			hm.RemoveHub(matchId)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Match %s deleted successfully", matchId)
	})

	// saveRoom persists a room through Raft or directly, depending on mode.
	saveRoom := func(w http.ResponseWriter, r *http.Request, room *Room) bool {
		room.UpdatedAt = time.Now().UnixNano()
		if raftMgr != nil {
			data, err := json.Marshal(room)
			if err != nil {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return false
			}
			raw := json.RawMessage(data)
			cmd := RaftCommand{Type: CmdSaveRoom, ID: room.ID, RoomData: &raw}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					r.Body = io.NopCloser(bytes.NewReader(data))
					raftMgr.forwardRequestToLeader(w, r)
					return false
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return false
			}
			return true
		}
		if err := rs.SaveRoom(room); err != nil {
			log.Printf("Internal Server Error during SaveRoom: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return false
		}
		registry.UpdateRoom(room)
		return true
	}

	mux.HandleFunc("/api/save-room", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var room Room
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&room); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		if room.ID == "" || !isValidUUID(room.ID) {
			http.Error(w, "Bad Request: roomId is missing or invalid", http.StatusBadRequest)
			return
		}
		if err := validateStringLen(room.Name, 100, "name"); err != nil {
			writeOpError(w, err)
			return
		}
		if room.Public != "" && room.Public != "none" && room.Public != "read" {
			http.Error(w, "Bad Request: public must be \"none\" or \"read\"", http.StatusBadRequest)
			return
		}

		existing, err := rs.LoadRoom(room.ID)
		if err == nil && existing.Status != StatusDeleted {
			// Room settings include the role lists, so updates need admin.
			if GetRoomAccess(userId, existing) < AccessAdmin {
				http.Error(w, "Forbidden: You do not have permission to manage this room", http.StatusForbidden)
				return
			}
			room.OwnerID = existing.OwnerID
		} else if err == nil || errors.Is(err, os.ErrNotExist) {
			room.OwnerID = userId
			ownedCount := registry.CountOwnedRooms(userId)
			if err := accessControl.CheckRoomQuota(userId, ownedCount); err != nil {
				http.Error(w, "Forbidden: "+err.Error(), http.StatusForbidden)
				return
			}
		} else {
			log.Printf("Error checking existing room %s: %v", room.ID, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		room.SchemaVersion = CurrentSchemaVersion
		room.Status = ""
		room.DeletedAt = 0
		room.normalize()

		if !saveRoom(w, r, &room) {
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Room %s saved successfully", room.ID)
	})

	mux.HandleFunc("/api/list-rooms", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		var knownIds []string
		if r.Method == http.MethodPost {
			var body struct {
				KnownIds []string `json:"knownIds"`
			}
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&body); err == nil {
				knownIds = body.KnownIds
			}
		} else if r.Method != http.MethodGet {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}

		limit, offset := parsePagination(r)
		accessible := registry.ListRooms(userId)
		total := len(accessible)

		var page []RoomMetadata
		if offset < total {
			end := offset + limit
			if end > total {
				end = total
			}
			page = accessible[offset:end]
		}
		if page == nil {
			page = make([]RoomMetadata, 0)
		}

		for _, kid := range knownIds {
			if rm, ok := registry.getRoomMeta(kid); ok && rm.Status == StatusDeleted {
				page = append(page, RoomMetadata{ID: kid, Status: StatusDeleted})
			}
		}

		respData := struct {
			Data []RoomMetadata `json:"data"`
			Meta struct {
				Total  int `json:"total"`
				Offset int `json:"offset"`
				Limit  int `json:"limit"`
			} `json:"meta"`
		}{Data: page}
		respData.Meta.Total = total
		respData.Meta.Offset = offset
		respData.Meta.Limit = limit

		response, err := json.Marshal(respData)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		etag := generateETag(response)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(response)
	})

	mux.HandleFunc("/api/load-room/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)

		roomId := strings.TrimPrefix(r.URL.Path, "/api/load-room/")
		if roomId == "" || !isValidUUID(roomId) {
			http.Error(w, "Bad Request: roomId is missing or invalid", http.StatusBadRequest)
			return
		}

		room, err := rs.LoadRoom(roomId)
		if err != nil || room.Status == StatusDeleted {
			http.Error(w, "Not Found: Room not found", http.StatusNotFound)
			return
		}
		if GetRoomAccess(userId, room) < AccessRead && room.Public != "read" {
			http.Error(w, "Forbidden: You do not have access to this room", http.StatusForbidden)
			return
		}

		data, err := json.Marshal(room)
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		etag := generateETag(data)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/api/delete-room", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}

		var data struct {
			ID string `json:"id"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&data); err != nil {
			http.Error(w, "Bad Request: Malformed JSON", http.StatusBadRequest)
			return
		}
		roomId := data.ID
		if roomId == "" || !isValidUUID(roomId) {
			http.Error(w, "Bad Request: roomId is missing or invalid", http.StatusBadRequest)
			return
		}

		existing, err := rs.LoadRoom(roomId)
		if err == nil {
			if GetRoomAccess(userId, existing) < AccessAdmin {
				http.Error(w, "Forbidden: You do not have permission to delete this room", http.StatusForbidden)
				return
			}
		}

		if raftMgr != nil {
			cmd := RaftCommand{Type: CmdDeleteRoom, ID: roomId}
			if _, err := raftMgr.Propose(cmd); err != nil {
				if errors.Is(err, ErrNotLeader) {
					body, _ := json.Marshal(data)
					r.Body = io.NopCloser(bytes.NewReader(body))
					raftMgr.forwardRequestToLeader(w, r)
					return
				}
				log.Printf("Raft Propose Error: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
		} else {
			if err := rs.DeleteRoom(roomId); err != nil {
				log.Printf("Internal Server Error during DeleteRoom: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}
			registry.DeleteRoom(roomId)
		}

		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Room %s deleted successfully", roomId)
	})

	mux.HandleFunc("/api/room/members", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		var req struct {
			RoomId string    `json:"roomId"`
			Roles  RoomRoles `json:"roles"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&req); err != nil {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if req.RoomId == "" || !isValidUUID(req.RoomId) {
			http.Error(w, "Bad Request: roomId is missing or invalid", http.StatusBadRequest)
			return
		}

		room, err := rs.LoadRoom(req.RoomId)
		if err != nil || room.Status == StatusDeleted {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		if GetRoomAccess(userId, room) < AccessAdmin {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		room.Roles = req.Roles
		room.normalize()
		if !saveRoom(w, r, room) {
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/api/career/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}
		if allowed, msg := accessControl.IsAllowed(userId); !allowed {
			http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
			return
		}

		playerId := strings.TrimPrefix(r.URL.Path, "/api/career/")
		if playerId == "" {
			http.Error(w, "Bad Request: playerId is missing", http.StatusBadRequest)
			return
		}

		career, err := cs.Get(playerId)
		if err != nil {
			if os.IsNotExist(err) {
				http.Error(w, "Not Found: No career record for player", http.StatusNotFound)
			} else {
				log.Printf("Internal Server Error during career load: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(career)
	})

	mux.HandleFunc("/api/me", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId == "" || !isValidEmail(userId) {
			http.Error(w, "Unauthenticated", http.StatusForbidden)
			return
		}

		allowed, msg := accessControl.IsAllowed(userId)
		maxMatches, maxRooms := accessControl.GetUserQuotas(userId)

		resp := map[string]interface{}{
			"id":      userId,
			"allowed": allowed,
			"message": msg,
			"admin":   accessControl.IsAdmin(userId),
			"quotas": map[string]int{
				"maxMatches":  maxMatches,
				"maxRooms":    maxRooms,
				"matchesUsed": registry.CountOwnedMatches(userId),
				"roomsUsed":   registry.CountOwnedRooms(userId),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/admin/policy", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if r.Method == http.MethodGet {
			policy := registry.GetAccessPolicy()
			if policy == nil {
				policy = &UserAccessPolicy{
					DefaultPolicy: "allow",
					Admins:        []string{},
					Users:         make(map[string]UserOverride),
				}
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(policy)
			return
		}

		if r.Method == http.MethodPost {
			var newPolicy UserAccessPolicy
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1048576)).Decode(&newPolicy); err != nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			normalizedUsers := make(map[string]UserOverride)
			for email, override := range newPolicy.Users {
				normalizedUsers[strings.ToLower(email)] = override
			}
			newPolicy.Users = normalizedUsers

			if newPolicy.DefaultPolicy != "allow" && newPolicy.DefaultPolicy != "deny" {
				http.Error(w, "Invalid default policy", http.StatusBadRequest)
				return
			}

			if raftMgr != nil {
				cmd := RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: &newPolicy}
				if _, err := raftMgr.Propose(cmd); err != nil {
					if errors.Is(err, ErrNotLeader) {
						body, _ := json.Marshal(newPolicy)
						r.Body = io.NopCloser(bytes.NewReader(body))
						raftMgr.forwardRequestToLeader(w, r)
						return
					}
					log.Printf("Raft Propose Error: %v", err)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
					return
				}
			} else {
				if opts.Storage != nil {
					if err := opts.Storage.SaveDataFile("sys_access_policy", &newPolicy); err != nil {
						http.Error(w, "Internal Server Error", http.StatusInternalServerError)
						return
					}
				}
				registry.UpdateAccessPolicy(&newPolicy)
			}
			w.WriteHeader(http.StatusOK)
			return
		}

		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/api/admin/metrics", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if !accessControl.IsAdmin(userId) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		resp := map[string]any{
			"node": mn.Snapshot(),
		}
		if raftMgr != nil {
			resp["cluster"] = raftMgr.FSM.GetMetricsJSON()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		userId := getUserID(r)
		if userId != "" {
			if allowed, msg := accessControl.IsAllowed(userId); !allowed {
				http.Error(w, "Forbidden: "+msg, http.StatusForbidden)
				return
			}
		}
		ServeWS(ms, cs, registry, hm, w, r)
	})

	// Cluster endpoints (secured by the shared Raft secret).
	mux.HandleFunc("/api/cluster/status", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusNotImplemented)
			return
		}
		raftMgr.handleStatus(w, r)
	})
	mux.HandleFunc("/api/cluster/join", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleJoin(w, r)
	})
	mux.HandleFunc("/api/cluster/remove", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleRemove(w, r)
	})
	mux.HandleFunc("/api/cluster/op", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		raftMgr.handleClusterOp(w, r)
	})
	mux.HandleFunc("/api/cluster/metrics", func(w http.ResponseWriter, r *http.Request) {
		if raftMgr == nil {
			http.Error(w, "Raft is not enabled on this node", http.StatusBadRequest)
			return
		}
		if r.Method == http.MethodGet {
			if !accessControl.IsAdmin(getUserID(r)) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			raftMgr.handleMetricsQuery(w, r)
			return
		}
		raftMgr.handleMetricsReport(w, r)
	})

	mux.HandleFunc("/api/login", func(w http.ResponseWriter, r *http.Request) {
		if opts.UseMockAuth {
			http.SetCookie(w, &http.Cookie{
				Name:  "mock_auth_user",
				Value: "test@example.com",
				Path:  "/",
			})
		} else if userId := getUserID(r); userId == "" || !isValidEmail(userId) {
			http.Error(w, "Forbidden: Invalid User ID", http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	// Mock SSO endpoints for local development
	if opts.UseMockAuth {
		mux.HandleFunc("/.sso/{$}", func(w http.ResponseWriter, r *http.Request) {
			ssoStatusHandler(w, r)
		})
		mux.HandleFunc("/.sso/logout", ssoLogoutHandler)
	}

	handler := http.Handler(mux)
	if opts.UseMockAuth {
		handler = mockAuthMiddleware(opts, handler)
	} else {
		handler = jwtAuthMiddleware(opts, handler)
	}
	handler = loggingMiddleware(handler)
	handler = securityMiddleware(handler)
	handler = cacheControlMiddleware(handler)

	if raftMgr != nil && raftMgr.Raft == nil {
		if err := raftMgr.Start(opts.RaftBootstrap); err != nil {
			log.Fatalf("Failed to start Raft: %v", err)
		}
	}

	return raftMgr, registry, handler
}

// loadAccessPolicy primes the registry's policy cache from disk.
func loadAccessPolicy(s *storage.Storage, r *Registry) {
	if s == nil {
		return
	}
	var policy UserAccessPolicy
	if err := s.ReadDataFile("sys_access_policy", &policy); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("Warning: failed to read access policy: %v", err)
		}
		return
	}
	r.UpdateAccessPolicy(&policy)
}

// cacheControlMiddleware keeps API responses out of shared caches.
func cacheControlMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") || strings.HasPrefix(r.URL.Path, "/.sso/") {
			w.Header().Set("Cache-Control", "private, no-cache, no-transform")
		} else {
			w.Header().Set("Cache-Control", "public, max-age=300, proxy-revalidate, no-transform")
		}
		next.ServeHTTP(w, r)
	})
}

// securityMiddleware adds HTTP security headers to responses.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// mockAuthMiddleware simulates the auth proxy by reading a cookie and
// setting the UserID context.
func mockAuthMiddleware(opts Options, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("mock_auth_user")
		if err == nil && cookie.Value != "" {
			ctx := context.WithValue(r.Context(), userIDKey, normalizeEmail(cookie.Value))
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ssoStatusHandler returns the current user status.
func ssoStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	userId := getUserID(r)
	if userId == "" {
		w.Write([]byte("null\n"))
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"email": userId,
		"name":  "Test User",
	})
}

// ssoLogoutHandler logs the user out (clears cookie).
func ssoLogoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:    "mock_auth_user",
		Value:   "",
		Path:    "/",
		Expires: time.Unix(0, 0),
		MaxAge:  -1,
	})
	w.WriteHeader(http.StatusOK)
}

// loggingMiddleware logs the method and URL path of every incoming HTTP request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("Received request: %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
