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
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// RaftManager owns the Raft node and the cluster-facing HTTP handlers.
// In cluster mode all mutations flow through Propose on the leader;
// followers forward. Standalone deployments never construct one.
type RaftManager struct {
	Raft *raft.Raft
	FSM  *FSM

	DataDir string

	// Bind is the address the Raft transport listens on. Advertise, when
	// set, is the address other nodes dial for Raft traffic.
	Bind      string
	Advertise string

	// ClusterAdvertise is the HTTPS address other nodes use to reach this
	// node's API, for op forwarding and metrics reports.
	ClusterAdvertise string

	NodeID    string
	Secret    string
	Bootstrap bool

	// UseProductionTimeouts selects the slow, WAN-tolerant election
	// timeouts. Tests keep the fast defaults.
	UseProductionTimeouts bool

	httpClient *http.Client

	logStore    *raftboltdb.BoltStore
	stableStore *raftboltdb.BoltStore
	transport   *raft.NetworkTransport

	startTime    time.Time
	pendingGapMS int64

	countersMu   sync.Mutex
	nodeCounters map[string]uint64

	mn *Monitoring

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewRaftManager wires a RaftManager to its FSM. Start must be called
// before any Raft operation.
func NewRaftManager(fsm *FSM, mn *Monitoring, dataDir, bind, advertise, clusterAdvertise, nodeID, secret string) *RaftManager {
	rm := &RaftManager{
		FSM:              fsm,
		DataDir:          dataDir,
		Bind:             bind,
		Advertise:        advertise,
		ClusterAdvertise: clusterAdvertise,
		NodeID:           nodeID,
		Secret:           secret,
		httpClient:       &http.Client{Timeout: 15 * time.Second},
		nodeCounters:     make(map[string]uint64),
		mn:               mn,
		shutdownCh:       make(chan struct{}),
	}
	fsm.rm = rm
	return rm
}

// Start opens the Raft stores and transport and, when bootstrap is set,
// bootstraps a single-node cluster on first run.
func (rm *RaftManager) Start(bootstrap bool) error {
	rm.Bootstrap = bootstrap
	rm.startTime = time.Now()

	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(rm.NodeID)
	config.LogLevel = "WARN"
	if rm.UseProductionTimeouts {
		// Scoring is human-paced; slow elections are cheaper than
		// spurious leader churn over flaky links.
		config.HeartbeatTimeout = 5 * time.Second
		config.ElectionTimeout = 20 * time.Second
		config.LeaderLeaseTimeout = 5 * time.Second
	} else {
		config.HeartbeatTimeout = 1000 * time.Millisecond
		config.ElectionTimeout = 1000 * time.Millisecond
		config.LeaderLeaseTimeout = 500 * time.Millisecond
	}
	config.CommitTimeout = 500 * time.Millisecond
	config.SnapshotInterval = 120 * time.Second
	config.SnapshotThreshold = 20480
	config.MaxAppendEntries = 200

	notifyCh := make(chan bool, 10)
	config.NotifyCh = notifyCh

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-log.bolt"))
	if err != nil {
		return fmt.Errorf("raft log store: %w", err)
	}
	rm.logStore = logStore

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(rm.DataDir, "raft-stable.bolt"))
	if err != nil {
		return fmt.Errorf("raft stable store: %w", err)
	}
	rm.stableStore = stableStore

	snapshots, err := raft.NewFileSnapshotStore(rm.DataDir, 1, os.Stderr)
	if err != nil {
		return fmt.Errorf("raft snapshot store: %w", err)
	}

	advertise := rm.Advertise
	if advertise == "" {
		advertise = rm.Bind
	}
	addr, err := net.ResolveTCPAddr("tcp", advertise)
	if err != nil {
		return fmt.Errorf("resolve advertise address: %w", err)
	}
	transport, err := raft.NewTCPTransport(rm.Bind, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return fmt.Errorf("raft transport: %w", err)
	}
	rm.transport = transport

	hasState, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return err
	}

	r, err := raft.NewRaft(config, rm.FSM, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("raft init: %w", err)
	}
	rm.Raft = r

	if bootstrap && !hasState {
		cfg := raft.Configuration{
			Servers: []raft.Server{
				{ID: config.LocalID, Address: transport.LocalAddr()},
			},
		}
		if err := r.BootstrapCluster(cfg).Error(); err != nil {
			return fmt.Errorf("bootstrap cluster: %w", err)
		}
	}

	go rm.monitorLeadership(notifyCh)
	go rm.monitorMetrics()
	if bootstrap {
		go rm.announceSelf()
	}
	return nil
}

// announceSelf proposes this node's metadata once it holds leadership,
// then ingests any data written while the node ran standalone.
func (rm *RaftManager) announceSelf() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
			if rm.Raft.State() != raft.Leader {
				continue
			}
			meta := &NodeMeta{
				NodeID:          rm.NodeID,
				HttpAddr:        rm.ClusterAdvertise,
				AppVersion:      CurrentAppVersion,
				ProtocolVersion: CurrentProtocolVersion,
				SchemaVersion:   CurrentSchemaVersion,
			}
			if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: meta}); err != nil {
				log.Printf("Raft: failed to propose node meta: %v", err)
				continue
			}
			rm.ingestStandaloneData()
			return
		}
	}
}

// ingestStandaloneData replays matches and rooms written before the node
// joined a cluster into the Raft log, so followers receive them.
func (rm *RaftManager) ingestStandaloneData() {
	ids, err := rm.FSM.ms.ListAllMatchIDs()
	if err != nil {
		log.Printf("Raft: listing standalone matches: %v", err)
		return
	}
	for _, id := range ids {
		m, err := rm.FSM.ms.LoadMatch(id)
		if err != nil || m.LastRaftIndex > 0 {
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			continue
		}
		raw := json.RawMessage(data)
		if _, err := rm.Propose(RaftCommand{Type: CmdCreateMatch, ID: id, MatchData: &raw}); err != nil {
			log.Printf("Raft: failed to ingest match %s: %v", id, err)
		}
	}

	roomIds, err := rm.FSM.rs.ListAllRoomIDs()
	if err != nil {
		log.Printf("Raft: listing standalone rooms: %v", err)
		return
	}
	for _, id := range roomIds {
		room, err := rm.FSM.rs.LoadRoom(id)
		if err != nil || room.LastRaftIndex > 0 {
			continue
		}
		data, err := json.Marshal(room)
		if err != nil {
			continue
		}
		raw := json.RawMessage(data)
		if _, err := rm.Propose(RaftCommand{Type: CmdSaveRoom, ID: id, RoomData: &raw}); err != nil {
			log.Printf("Raft: failed to ingest room %s: %v", id, err)
		}
	}
}

// Propose applies a command through the Raft log and returns the FSM's
// response bytes. Only the leader may propose.
func (rm *RaftManager) Propose(cmd RaftCommand) ([]byte, error) {
	if rm.Raft.State() != raft.Leader {
		return nil, ErrNotLeader
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	future := rm.Raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return nil, err
	}
	switch resp := future.Response().(type) {
	case error:
		return nil, resp
	case []byte:
		return resp, nil
	default:
		return nil, nil
	}
}

// IsLeader reports whether this node currently holds leadership.
func (rm *RaftManager) IsLeader() bool {
	return rm.Raft.State() == raft.Leader
}

// GetLeaderHTTPAddr returns the leader's API address, or "" if unknown.
func (rm *RaftManager) GetLeaderHTTPAddr() string {
	_, leaderID := rm.Raft.LeaderWithID()
	if leaderID == "" {
		return ""
	}
	return rm.FSM.GetNodeAddr(string(leaderID))
}

// GetHTTPClient returns the client used for node-to-node requests.
func (rm *RaftManager) GetHTTPClient() *http.Client {
	return rm.httpClient
}

// WaitForSync blocks until the FSM has applied every committed log entry,
// or the timeout elapses.
func (rm *RaftManager) WaitForSync(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if rm.FSM.LastAppliedIndex() >= rm.Raft.LastIndex() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for FSM sync (applied %d, last %d)",
				rm.FSM.LastAppliedIndex(), rm.Raft.LastIndex())
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// Join adds a node to the cluster. Leader only.
func (rm *RaftManager) Join(nodeID, raftAddr, httpAddr string, nonVoter bool, appVersion string, protocolVersion, schemaVersion int) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	if protocolVersion != CurrentProtocolVersion {
		return fmt.Errorf("protocol version mismatch: node %s has %d, cluster requires %d", nodeID, protocolVersion, CurrentProtocolVersion)
	}
	if schemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("node %s has newer schema version %d than leader %d", nodeID, schemaVersion, CurrentSchemaVersion)
	}

	var future raft.IndexFuture
	if nonVoter {
		future = rm.Raft.AddNonvoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	} else {
		future = rm.Raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(raftAddr), 0, 10*time.Second)
	}
	if err := future.Error(); err != nil {
		return fmt.Errorf("add node %s: %w", nodeID, err)
	}

	meta := &NodeMeta{
		NodeID:          nodeID,
		HttpAddr:        httpAddr,
		AppVersion:      appVersion,
		ProtocolVersion: protocolVersion,
		SchemaVersion:   schemaVersion,
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeMeta, NodeMeta: meta}); err != nil {
		return fmt.Errorf("propose node meta for %s: %w", nodeID, err)
	}
	log.Printf("Raft: node %s joined (raft=%s http=%s nonVoter=%v)", nodeID, raftAddr, httpAddr, nonVoter)
	return nil
}

// Leave removes a node from the cluster. Leader only.
func (rm *RaftManager) Leave(nodeID string) error {
	if rm.Raft.State() != raft.Leader {
		return ErrNotLeader
	}
	if err := rm.Raft.RemoveServer(raft.ServerID(nodeID), 0, 10*time.Second).Error(); err != nil {
		return fmt.Errorf("remove node %s: %w", nodeID, err)
	}
	if _, err := rm.Propose(RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: nodeID}}); err != nil {
		return fmt.Errorf("propose node left for %s: %w", nodeID, err)
	}
	log.Printf("Raft: node %s removed", nodeID)
	return nil
}

// Shutdown transfers leadership when possible and closes the Raft stores.
func (rm *RaftManager) Shutdown() {
	rm.shutdownOnce.Do(func() {
		close(rm.shutdownCh)

		if rm.Raft != nil {
			if rm.Raft.State() == raft.Leader && rm.FSM.GetNodeCount() > 1 {
				done := make(chan error, 1)
				go func() { done <- rm.Raft.LeadershipTransfer().Error() }()
				select {
				case err := <-done:
					if err != nil {
						log.Printf("Raft: leadership transfer failed: %v", err)
					}
				case <-time.After(5 * time.Second):
					log.Printf("Raft: leadership transfer timed out")
				}
			}
			if err := rm.Raft.Shutdown().Error(); err != nil {
				log.Printf("Raft: shutdown error: %v", err)
			}
		}
		if rm.transport != nil {
			rm.transport.Close()
		}
		if rm.logStore != nil {
			rm.logStore.Close()
		}
		if rm.stableStore != nil {
			rm.stableStore.Close()
		}
	})
}

func (rm *RaftManager) checkSecret(r *http.Request) bool {
	return rm.Secret != "" && r.Header.Get("X-Raft-Secret") == rm.Secret
}

// isForwardLoop reports whether this node already appears in the request's
// forwarding chain.
func (rm *RaftManager) isForwardLoop(r *http.Request) bool {
	forwarded := r.Header.Get("X-Raft-Forwarded")
	if forwarded == "" {
		return false
	}
	for _, hop := range strings.Split(forwarded, ",") {
		if strings.TrimSpace(hop) == rm.NodeID {
			return true
		}
	}
	return false
}

func (rm *RaftManager) forwardRequestToLeader(w http.ResponseWriter, r *http.Request) {
	if rm.isForwardLoop(r) {
		http.Error(w, "Forwarding loop detected", http.StatusLoopDetected)
		return
	}
	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" || leaderAddr == rm.ClusterAdvertise {
		http.Error(w, "No leader available", http.StatusServiceUnavailable)
		return
	}
	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "https://" + leaderAddr
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	req, err := http.NewRequest(r.Method, leaderAddr+r.URL.RequestURI(), bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()
	forwarded := r.Header.Get("X-Raft-Forwarded")
	if forwarded != "" {
		forwarded += "," + rm.NodeID
	} else {
		forwarded = rm.NodeID
	}
	req.Header.Set("X-Raft-Forwarded", forwarded)
	req.Header.Set("X-Raft-Secret", rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Leader unreachable: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleStatus reports this node's view of the cluster.
func (rm *RaftManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	leaderAddr, leaderID := rm.Raft.LeaderWithID()
	status := map[string]any{
		"nodeId":          rm.NodeID,
		"state":           rm.Raft.State().String(),
		"leaderId":        string(leaderID),
		"leaderAddr":      string(leaderAddr),
		"appliedIndex":    rm.FSM.LastAppliedIndex(),
		"lastIndex":       rm.Raft.LastIndex(),
		"nodes":           rm.FSM.GetAllNodes(),
		"appVersion":      CurrentAppVersion,
		"protocolVersion": CurrentProtocolVersion,
		"schemaVersion":   CurrentSchemaVersion,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleJoin admits a new node. Forwarded to the leader if needed.
func (rm *RaftManager) handleJoin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var req struct {
		NodeID          string `json:"nodeId"`
		RaftAddr        string `json:"raftAddr"`
		HttpAddr        string `json:"httpAddr"`
		NonVoter        bool   `json:"nonVoter"`
		AppVersion      string `json:"appVersion"`
		ProtocolVersion int    `json:"protocolVersion"`
		SchemaVersion   int    `json:"schemaVersion"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.NodeID == "" || req.RaftAddr == "" {
		http.Error(w, "nodeId and raftAddr are required", http.StatusBadRequest)
		return
	}

	if err := rm.Join(req.NodeID, req.RaftAddr, req.HttpAddr, req.NonVoter, req.AppVersion, req.ProtocolVersion, req.SchemaVersion); err != nil {
		log.Printf("Raft: join of %s failed: %v", req.NodeID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRemove removes a node. Forwarded to the leader if needed.
func (rm *RaftManager) handleRemove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var req struct {
		NodeID string `json:"nodeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if err := rm.Leave(req.NodeID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleClusterOp executes a scoring operation forwarded from a follower.
// The op still goes through the match hub so leader-local serialization
// holds for forwarded and direct requests alike.
func (rm *RaftManager) handleClusterOp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	matchId := r.URL.Query().Get("matchId")
	if matchId == "" || !isValidUUID(matchId) {
		http.Error(w, "Invalid matchId", http.StatusBadRequest)
		return
	}

	var op ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&op); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	hub := rm.FSM.hm.GetHub(matchId, rm.FSM.ms, rm.FSM.cs, rm.FSM.r)
	reply := make(chan HubResponse, 1)
	select {
	case hub.requests <- HubRequest{
		Type:    ReqTypeHTTPOp,
		UserId:  getUserID(r),
		Headers: r.Header,
		Op:      op,
		Reply:   reply,
	}:
	default:
		hubBusyResponse(w, "2")
		return
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			writeOpError(w, resp.Error)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(resp.Data)
	case <-time.After(10 * time.Second):
		hubBusyResponse(w, "10")
	}
}

func (rm *RaftManager) monitorLeadership(notifyCh <-chan bool) {
	for {
		select {
		case <-rm.shutdownCh:
			return
		case isLeader := <-notifyCh:
			if !isLeader {
				continue
			}
			// Record the leaderless gap so the dashboard shows outages.
			var gap time.Duration
			last := rm.Raft.LastContact()
			if !last.IsZero() {
				gap = time.Since(last)
			} else {
				// Restart case: the FSM's metrics timestamp is the best
				// record of when the previous leader last reported.
				if err := rm.WaitForSync(30 * time.Second); err != nil {
					log.Printf("Raft: WaitForSync during leadership change: %v", err)
				}
				if lastTs := rm.FSM.GetLastMetricsTimestamp(); lastTs > 0 {
					gap = time.Since(time.Unix(lastTs, 0))
				} else if !rm.startTime.IsZero() {
					gap = time.Since(rm.startTime)
				}
			}
			if gap > 0 {
				atomic.AddInt64(&rm.pendingGapMS, gap.Milliseconds())
				log.Printf("Raft: leadership acquired, gap %v", gap)
			}
		}
	}
}

func (rm *RaftManager) monitorMetrics() {
	// Align to the minute boundary for cleaner charts.
	now := time.Now()
	time.Sleep(time.Until(now.Truncate(time.Minute).Add(time.Minute)))

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	rm.reportMetrics()
	for {
		select {
		case <-rm.shutdownCh:
			return
		case <-ticker.C:
			rm.reportMetrics()
		}
	}
}

// reportMetrics ships this node's counters to the leader, which folds them
// into the replicated metrics series.
func (rm *RaftManager) reportMetrics() {
	if rm.mn == nil {
		return
	}
	payload := map[string]any{
		"nodeId":    rm.NodeID,
		"timestamp": time.Now().Unix(),
		"total":     rm.mn.OpCount(),
		"activeWS":  rm.mn.ActiveWS(),
		"latency":   rm.mn.DrainLatency(),
	}
	data, _ := json.Marshal(payload)

	leaderAddr := rm.GetLeaderHTTPAddr()
	if leaderAddr == "" {
		return
	}
	if !strings.HasPrefix(leaderAddr, "http") {
		leaderAddr = "https://" + leaderAddr
	}

	req, err := http.NewRequest("POST", leaderAddr+"/api/cluster/metrics", bytes.NewBuffer(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Raft-Secret", rm.Secret)

	resp, err := rm.httpClient.Do(req)
	if err != nil {
		log.Printf("Metrics: report to %s failed: %v", leaderAddr, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		log.Printf("Metrics: leader returned %d: %s", resp.StatusCode, string(body))
	}
}

// handleMetricsReport receives a node's counters, computes the per-minute
// rate, and proposes the update through Raft.
func (rm *RaftManager) handleMetricsReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Invalid method", http.StatusMethodNotAllowed)
		return
	}
	if !rm.checkSecret(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	if rm.Raft.State() != raft.Leader {
		rm.forwardRequestToLeader(w, r)
		return
	}

	var req struct {
		NodeID    string     `json:"nodeId"`
		Timestamp int64      `json:"timestamp"`
		Total     uint64     `json:"total"`
		ActiveWS  int        `json:"activeWS"`
		Latency   *Histogram `json:"latency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	rm.countersMu.Lock()
	last, exists := rm.nodeCounters[req.NodeID]
	rm.nodeCounters[req.NodeID] = req.Total
	rm.countersMu.Unlock()

	var delta uint64
	if !exists || req.Total < last {
		// First report, or the node restarted and its counter reset.
		delta = req.Total
	} else {
		delta = req.Total - last
	}
	rps := float64(delta) / 60.0

	metricsCmd := &MetricsPayload{
		Timestamp: req.Timestamp,
		Nodes: []NodeMetric{
			{NodeID: req.NodeID, RPS: rps, ActiveWS: req.ActiveWS, Latency: req.Latency},
		},
	}

	// The leader's own report carries the cluster-wide series.
	if req.NodeID == rm.NodeID {
		stats := rm.Raft.Stats()
		parseUint := func(key string) uint64 {
			if v, ok := stats[key]; ok {
				var i uint64
				fmt.Sscanf(v, "%d", &i)
				return i
			}
			return 0
		}
		metricsCmd.Cluster = &ClusterMetric{
			NodeCount:    rm.FSM.GetNodeCount(),
			Elections:    parseUint("term"),
			LastLogIndex: rm.Raft.LastIndex(),
			Snapshots:    parseUint("last_snapshot_index"),
			LeaderGapMS:  uint64(atomic.SwapInt64(&rm.pendingGapMS, 0)),
			TotalMatches: rm.FSM.GetTotalMatches(),
			TotalRooms:   rm.FSM.GetTotalRooms(),
		}
	}

	if _, err := rm.Propose(RaftCommand{Type: CmdMetricsUpdate, MetricsPayload: metricsCmd}); err != nil {
		log.Printf("Metrics: failed to propose update: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleMetricsQuery serves the replicated metrics history. Works on any
// node; auth is applied by the server's middleware.
func (rm *RaftManager) handleMetricsQuery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rm.FSM.GetMetricsJSON())
}
