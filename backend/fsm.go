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
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

// FSM implements the raft.FSM interface. Every node applies the same
// scoring operations through runOp, so replicas stay byte-identical.
type FSM struct {
	ms          *MatchStore
	rs          *RoomStore
	cs          *CareerStore
	r           *Registry
	hm          *HubManager
	storage     *storage.Storage
	initialized atomic.Bool
	rm          *RaftManager

	metricsMu sync.RWMutex
	metrics   *MetricsStore

	nodeMap          sync.Map // map[string]*NodeMeta
	lastAppliedIndex atomic.Uint64
}

// NewFSM creates a new FSM.
func NewFSM(ms *MatchStore, rs *RoomStore, cs *CareerStore, r *Registry, hm *HubManager, s *storage.Storage) *FSM {
	f := &FSM{
		ms:      ms,
		rs:      rs,
		cs:      cs,
		r:       r,
		hm:      hm,
		storage: s,
		metrics: NewMetricsStore(),
	}
	if s != nil {
		if _, err := os.Stat(filepath.Join(s.Dir(), "initialized")); err == nil {
			f.initialized.Store(true)
		}
		f.loadNodes()
	}
	return f
}

// LastAppliedIndex returns the index of the last applied log entry.
func (f *FSM) LastAppliedIndex() uint64 {
	return f.lastAppliedIndex.Load()
}

func (f *FSM) GetMetricsJSON() map[string]interface{} {
	f.metricsMu.RLock()
	defer f.metricsMu.RUnlock()
	return f.metrics.ToJSON()
}

func (f *FSM) GetTotalMatches() int {
	return f.r.CountTotalMatches()
}

func (f *FSM) GetTotalRooms() int {
	return f.r.CountTotalRooms()
}

func (f *FSM) GetLastMetricsTimestamp() int64 {
	f.metricsMu.RLock()
	defer f.metricsMu.RUnlock()

	ts := f.metrics.LastUpdate

	// A very recent update may be this node's own first report clobbering
	// the history; look for the previous point in the ring buffer.
	if ts > 0 && time.Since(time.Unix(ts, 0)) < 15*time.Second {
		if f.metrics.ClusterMetrics != nil {
			if series, ok := f.metrics.ClusterMetrics["nodeCount"]; ok {
				if buf, ok := series.Buffers["1m"]; ok {
					points := buf.GetPoints()
					alignedLast := (ts / 60) * 60
					for i := len(points) - 1; i >= 0; i-- {
						if points[i].Timestamp < alignedLast {
							return points[i].Timestamp
						}
					}
				}
			}
		}
	}

	if ts > 0 {
		return ts
	}

	if f.metrics.ClusterMetrics == nil {
		return 0
	}
	if series, ok := f.metrics.ClusterMetrics["nodeCount"]; ok {
		if buf, ok := series.Buffers["1m"]; ok {
			points := buf.GetPoints()
			if len(points) > 0 {
				return points[len(points)-1].Timestamp
			}
		}
	}
	return 0
}

func (f *FSM) loadNodes() {
	if f.storage == nil {
		return
	}
	var nodes map[string]*NodeMeta
	if err := f.storage.ReadDataFile("nodes.json", &nodes); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("FSM Error: failed to read nodes.json: %v", err)
		}
		return
	}
	for k, v := range nodes {
		f.nodeMap.Store(k, v)
	}
}

func (f *FSM) saveNodes() {
	if f.storage == nil {
		return
	}
	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(k, v interface{}) bool {
		nodes[k.(string)] = v.(*NodeMeta)
		return true
	})
	if err := f.storage.SaveDataFile("nodes.json", nodes); err != nil {
		log.Printf("FSM Error: failed to save nodes.json: %v", err)
	}
}

// IsInitialized returns true if the node has joined a cluster (processed a
// NodeMeta from another node).
func (f *FSM) IsInitialized() bool {
	return f.initialized.Load()
}

func (f *FSM) setInitialized() {
	if f.initialized.Swap(true) {
		return
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("initialized", "true"); err != nil {
			log.Printf("FSM Error: failed to save initialized state: %v", err)
		}
	}
}

func (f *FSM) GetNodeCount() int {
	count := 0
	f.nodeMap.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

func (f *FSM) GetAllNodes() map[string]string {
	nodes := make(map[string]string)
	f.nodeMap.Range(func(key, value interface{}) bool {
		if meta, ok := value.(*NodeMeta); ok {
			nodes[key.(string)] = meta.HttpAddr
		}
		return true
	})
	return nodes
}

func (f *FSM) GetNodeAddr(nodeID string) string {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta.HttpAddr
		}
	}
	return ""
}

func (f *FSM) GetNodeMeta(nodeID string) *NodeMeta {
	if val, ok := f.nodeMap.Load(nodeID); ok {
		if meta, ok := val.(*NodeMeta); ok {
			return meta
		}
	}
	return nil
}

// Apply applies a Raft log entry to the match state.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if len(l.Data) == 0 {
		return nil
	}
	var cmd RaftCommand
	if err := json.Unmarshal(l.Data, &cmd); err != nil {
		log.Printf("FSM Apply Error: failed to decode command: %v", err)
		return err
	}

	res := f.applyCommand(cmd, l.Index)
	f.lastAppliedIndex.Store(l.Index)
	return res
}

func (f *FSM) applyCommand(cmd RaftCommand, index uint64) interface{} {
	switch cmd.Type {
	case CmdCreateMatch:
		if cmd.MatchData == nil {
			return fmt.Errorf("missing match data")
		}
		return f.applyCreateMatch(cmd.ID, *cmd.MatchData, index)
	case CmdScoreOp:
		if cmd.Op == nil {
			return fmt.Errorf("missing op payload")
		}
		return f.applyScoreOp(cmd.ID, *cmd.Op, index)
	case CmdDeleteMatch:
		return f.applyDeleteMatch(cmd.ID, index)
	case CmdSaveRoom:
		if cmd.RoomData == nil {
			return fmt.Errorf("missing room data")
		}
		return f.applySaveRoom(cmd.ID, *cmd.RoomData, index)
	case CmdDeleteRoom:
		return f.applyDeleteRoom(cmd.ID, index)
	case CmdNodeMeta:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta")
		}
		f.nodeMap.Store(cmd.NodeMeta.NodeID, cmd.NodeMeta)
		f.saveNodes()
		if f.rm != nil && (cmd.NodeMeta.NodeID != f.rm.NodeID || f.rm.Bootstrap) {
			f.setInitialized()
		}
		return nil
	case CmdNodeLeft:
		if cmd.NodeMeta == nil {
			return fmt.Errorf("missing node meta for leave")
		}
		f.nodeMap.Delete(cmd.NodeMeta.NodeID)
		f.saveNodes()
		return nil
	case CmdUpdateAccessPolicy:
		if cmd.PolicyData == nil {
			return fmt.Errorf("missing policy data")
		}
		return f.applyUpdateAccessPolicy(cmd.PolicyData)
	case CmdMetricsUpdate:
		if cmd.MetricsPayload == nil {
			return nil
		}
		return f.applyMetricsUpdate(cmd.MetricsPayload)
	default:
		return fmt.Errorf("unknown command type: %s", cmd.Type)
	}
}

func (f *FSM) applyCreateMatch(id string, data []byte, index uint64) interface{} {
	var m Match
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("failed to unmarshal match data: %w", err)
	}
	m.normalize()

	existing, err := f.ms.LoadMatch(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil // Already applied
		}
	}

	if index > 0 {
		m.LastRaftIndex = index
	}
	if err := f.ms.SaveMatch(&m); err != nil {
		return err
	}
	f.r.UpdateMatch(&m)
	return nil
}

// applyScoreOp runs one scoring operation through the shared dispatcher and
// returns the updated scorecard bytes. Replayed entries are skipped by
// comparing the log index against the match's LastRaftIndex.
func (f *FSM) applyScoreOp(matchId string, op ScoreRequest, index uint64) interface{} {
	m, err := f.ms.LoadMatch(matchId)
	if err != nil {
		return fmt.Errorf("failed to load match %s: %w", matchId, err)
	}
	if index > 0 && index <= m.LastRaftIndex {
		return nil // Already applied
	}

	prev, err := m.clone()
	if err != nil {
		return err
	}

	events, err := runOp(m, op)
	if err != nil {
		return err
	}
	if err := syncCareers(f.cs, prev, m); err != nil {
		return &PersistenceError{Err: fmt.Errorf("career sync for match %s: %w", matchId, err)}
	}

	if index > 0 {
		m.LastRaftIndex = index
	}
	if err := f.ms.SaveMatchInMemory(m, f.rm == nil); err != nil {
		return err
	}
	f.r.UpdateMatch(m)

	newBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	f.hm.BroadcastToMatch(matchId, newBytes, events)

	scorecard, err := json.Marshal(m.scorecard())
	if err != nil {
		return err
	}
	return scorecard
}

func (f *FSM) applyDeleteMatch(id string, index uint64) interface{} {
	existing, err := f.ms.LoadMatch(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.ms.DeleteMatch(id); err != nil {
		return err
	}
	f.r.DeleteMatch(id)
	f.hm.RemoveHub(id)
	return nil
}

func (f *FSM) applySaveRoom(id string, data []byte, index uint64) interface{} {
	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		return fmt.Errorf("failed to unmarshal room data: %w", err)
	}
	room.normalize()

	existing, err := f.rs.LoadRoom(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if index > 0 {
		room.LastRaftIndex = index
	}
	if err := f.rs.SaveRoom(&room); err != nil {
		return err
	}
	f.r.UpdateRoom(&room)
	return nil
}

func (f *FSM) applyDeleteRoom(id string, index uint64) interface{} {
	existing, err := f.rs.LoadRoom(id)
	if err == nil {
		if index > 0 && index <= existing.LastRaftIndex {
			return nil
		}
	}

	if err := f.rs.DeleteRoom(id); err != nil {
		return err
	}
	f.r.DeleteRoom(id)
	return nil
}

func (f *FSM) applyMetricsUpdate(p *MetricsPayload) error {
	f.metricsMu.Lock()
	defer f.metricsMu.Unlock()

	f.metrics.LastUpdate = p.Timestamp

	for _, nm := range p.Nodes {
		series := f.metrics.GetNodeSeries(nm.NodeID)
		series.Ingest(p.Timestamp, nm.RPS)
		f.metrics.GetNodeSeries(nm.NodeID+":ws").Ingest(p.Timestamp, float64(nm.ActiveWS))
		f.metrics.GetNodeLatencySeries(nm.NodeID).Ingest(p.Timestamp, nm.Latency)
	}

	if p.Cluster != nil {
		f.metrics.GetClusterSeries("nodeCount").Ingest(p.Timestamp, float64(p.Cluster.NodeCount))
		f.metrics.GetClusterSeries("elections").Ingest(p.Timestamp, float64(p.Cluster.Elections))
		f.metrics.GetClusterSeries("lastLogIndex").Ingest(p.Timestamp, float64(p.Cluster.LastLogIndex))
		f.metrics.GetClusterSeries("snapshots").Ingest(p.Timestamp, float64(p.Cluster.Snapshots))
		f.metrics.GetClusterSeries("leaderGapMs").Ingest(p.Timestamp, float64(p.Cluster.LeaderGapMS))
		f.metrics.GetClusterSeries("totalMatches").Ingest(p.Timestamp, float64(p.Cluster.TotalMatches))
		f.metrics.GetClusterSeries("totalRooms").Ingest(p.Timestamp, float64(p.Cluster.TotalRooms))
	}

	return nil
}

func (f *FSM) applyUpdateAccessPolicy(policy *UserAccessPolicy) error {
	if f.storage != nil {
		if err := f.storage.SaveDataFile("sys_access_policy", policy); err != nil {
			return fmt.Errorf("failed to save access policy: %w", err)
		}
	}
	f.r.UpdateAccessPolicy(policy)
	return nil
}

// FSMSnapshot represents a snapshot of the FSM state.
type FSMSnapshot struct {
	fsm *FSM
}

// Persist saves the snapshot to the given sink.
func (s *FSMSnapshot) Persist(sink raft.SnapshotSink) error {
	return s.fsm.persist(sink)
}

// Release releases the snapshot.
func (s *FSMSnapshot) Release() {}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	// Flush all dirty state to disk so the snapshotter reads fresh data.
	if err := f.ms.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing matches failed: %v", err)
		return nil, err
	}
	if err := f.cs.FlushAll(); err != nil {
		log.Printf("FSM Snapshot Error: flushing careers failed: %v", err)
		return nil, err
	}

	state := map[string]any{
		"lastAppliedIndex": f.LastAppliedIndex(),
		"timestamp":        time.Now().UnixNano(),
	}
	if f.storage != nil {
		if err := f.storage.SaveDataFile("fsm_state.json", state); err != nil {
			log.Printf("Warning: failed to save fsm_state.json: %v", err)
		}
		f.metricsMu.RLock()
		if err := f.storage.SaveDataFile("metrics.json", f.metrics); err != nil {
			log.Printf("Warning: failed to save metrics.json: %v", err)
		}
		f.metricsMu.RUnlock()
	}

	return &FSMSnapshot{fsm: f}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	if err := f.restore(rc); err != nil {
		return err
	}
	f.r.Rebuild()
	if f.storage != nil {
		var m MetricsStore
		if err := f.storage.ReadDataFile("metrics.json", &m); err == nil {
			m.Hydrate()
			f.metricsMu.Lock()
			f.metrics = &m
			f.metricsMu.Unlock()
		} else if !os.IsNotExist(err) {
			log.Printf("Warning: failed to restore metrics.json: %v", err)
		}
	}
	return nil
}

func (f *FSM) FlushAll() error {
	if err := f.ms.FlushAll(); err != nil {
		return err
	}
	if err := f.cs.FlushAll(); err != nil {
		return err
	}
	return nil
}
