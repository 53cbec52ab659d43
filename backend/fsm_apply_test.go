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
	"path/filepath"
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/hashicorp/raft"
)

func newTestFSM(t *testing.T) (*FSM, *MatchStore, *RoomStore, *CareerStore) {
	t.Helper()
	tmpDir := t.TempDir()
	s := storage.New(tmpDir, nil)
	ms := NewMatchStore(tmpDir, s)
	rs := NewRoomStore(tmpDir, s)
	cs := NewCareerStore(tmpDir, s)
	reg := NewRegistry(ms, rs, false)
	hm := NewHubManager()
	raftS := storage.New(filepath.Join(tmpDir, "raft"), nil)
	return NewFSM(ms, rs, cs, reg, hm, raftS), ms, rs, cs
}

func applyCmd(t *testing.T, f *FSM, index uint64, cmd RaftCommand) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return f.Apply(&raft.Log{Index: index, Data: data})
}

func createMatchCmd(t *testing.T, m *Match) RaftCommand {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal match: %v", err)
	}
	raw := json.RawMessage(data)
	return RaftCommand{Type: CmdCreateMatch, ID: m.ID, MatchData: &raw}
}

func TestFSMCreateAndScore(t *testing.T) {
	f, ms, _, _ := newTestFSM(t)
	m := newTestMatch(t, 2)

	if res := applyCmd(t, f, 1, createMatchCmd(t, m)); res != nil {
		if err, ok := res.(error); ok {
			t.Fatalf("CmdCreateMatch: %v", err)
		}
	}

	res := applyCmd(t, f, 2, RaftCommand{
		Type: CmdScoreOp,
		ID:   m.ID,
		Op:   &ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"},
	})
	scorecard, ok := res.([]byte)
	if !ok {
		t.Fatalf("Expected scorecard bytes, got %T: %v", res, res)
	}
	var sc Scorecard
	if err := json.Unmarshal(scorecard, &sc); err != nil {
		t.Fatalf("unmarshal scorecard: %v", err)
	}
	if sc.Status != StatusInProgress {
		t.Errorf("Expected in_progress, got %q", sc.Status)
	}

	stored, err := ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if stored.LastRaftIndex != 2 {
		t.Errorf("Expected LastRaftIndex 2, got %d", stored.LastRaftIndex)
	}
	if f.LastAppliedIndex() != 2 {
		t.Errorf("Expected applied index 2, got %d", f.LastAppliedIndex())
	}
}

func TestFSMReplayIsIdempotent(t *testing.T) {
	f, ms, _, _ := newTestFSM(t)
	m := newTestMatch(t, 2)
	applyCmd(t, f, 1, createMatchCmd(t, m))

	op := RaftCommand{
		Type: CmdScoreOp,
		ID:   m.ID,
		Op:   &ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"},
	}
	applyCmd(t, f, 2, op)

	stored, _ := ms.LoadMatch(m.ID)
	seqAfterFirst := stored.Seq

	// Replaying the same log entry must be a no-op.
	if res := applyCmd(t, f, 2, op); res != nil {
		t.Errorf("Replayed entry should return nil, got %v", res)
	}
	stored, _ = ms.LoadMatch(m.ID)
	if stored.Seq != seqAfterFirst {
		t.Errorf("Replay mutated state: seq %d -> %d", seqAfterFirst, stored.Seq)
	}
}

func TestFSMScoreOpValidationError(t *testing.T) {
	f, _, _, _ := newTestFSM(t)
	m := newTestMatch(t, 2)
	applyCmd(t, f, 1, createMatchCmd(t, m))

	res := applyCmd(t, f, 2, RaftCommand{
		Type: CmdScoreOp,
		ID:   m.ID,
		Op:   &ScoreRequest{Op: OpDelivery, Delivery: &Delivery{Outcome: OutcomeNormal}},
	})
	if _, ok := res.(error); !ok {
		t.Fatalf("Expected error scoring before innings start, got %T", res)
	}

	// A failed op must not advance the match.
	res = applyCmd(t, f, 3, RaftCommand{
		Type: CmdScoreOp,
		ID:   m.ID,
		Op:   &ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"},
	})
	if _, ok := res.([]byte); !ok {
		t.Fatalf("Match should still accept the innings start, got %v", res)
	}
}

func TestFSMDeleteMatch(t *testing.T) {
	f, ms, _, _ := newTestFSM(t)
	m := newTestMatch(t, 2)
	applyCmd(t, f, 1, createMatchCmd(t, m))

	if res := applyCmd(t, f, 2, RaftCommand{Type: CmdDeleteMatch, ID: m.ID}); res != nil {
		t.Fatalf("CmdDeleteMatch: %v", res)
	}
	tomb, err := ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch tombstone: %v", err)
	}
	if tomb.Status != StatusDeleted {
		t.Errorf("Expected tombstone, got %q", tomb.Status)
	}
}

func TestFSMSaveRoom(t *testing.T) {
	f, _, rs, _ := newTestFSM(t)
	room := &Room{ID: "4a8a0e3e-91f8-4b5c-82f1-1c8e9a2b3c4d", Name: "Club", OwnerID: "host@example.com"}
	data, _ := json.Marshal(room)
	raw := json.RawMessage(data)

	if res := applyCmd(t, f, 1, RaftCommand{Type: CmdSaveRoom, ID: room.ID, RoomData: &raw}); res != nil {
		t.Fatalf("CmdSaveRoom: %v", res)
	}
	stored, err := rs.LoadRoom(room.ID)
	if err != nil {
		t.Fatalf("LoadRoom: %v", err)
	}
	if stored.Name != "Club" || stored.LastRaftIndex != 1 {
		t.Errorf("Room stored wrong: %+v", stored)
	}

	// Stale replay must not clobber.
	room.Name = "Renamed"
	data, _ = json.Marshal(room)
	raw = json.RawMessage(data)
	applyCmd(t, f, 1, RaftCommand{Type: CmdSaveRoom, ID: room.ID, RoomData: &raw})
	stored, _ = rs.LoadRoom(room.ID)
	if stored.Name != "Club" {
		t.Errorf("Stale replay applied: %q", stored.Name)
	}
}

func TestFSMNodeMeta(t *testing.T) {
	f, _, _, _ := newTestFSM(t)
	applyCmd(t, f, 1, RaftCommand{Type: CmdNodeMeta, NodeMeta: &NodeMeta{
		NodeID:   "node-1",
		HttpAddr: "node1.example.com:443",
	}})
	if addr := f.GetNodeAddr("node-1"); addr != "node1.example.com:443" {
		t.Errorf("GetNodeAddr = %q", addr)
	}
	if f.GetNodeCount() != 1 {
		t.Errorf("Expected 1 node, got %d", f.GetNodeCount())
	}

	applyCmd(t, f, 2, RaftCommand{Type: CmdNodeLeft, NodeMeta: &NodeMeta{NodeID: "node-1"}})
	if addr := f.GetNodeAddr("node-1"); addr != "" {
		t.Errorf("Node should be gone, got %q", addr)
	}
}

func TestFSMUpdateAccessPolicy(t *testing.T) {
	f, _, _, _ := newTestFSM(t)
	policy := &UserAccessPolicy{DefaultPolicy: "deny", DefaultDenyMessage: "closed"}
	if res := applyCmd(t, f, 1, RaftCommand{Type: CmdUpdateAccessPolicy, PolicyData: policy}); res != nil {
		t.Fatalf("CmdUpdateAccessPolicy: %v", res)
	}
	got := f.r.GetAccessPolicy()
	if got == nil || got.DefaultPolicy != "deny" {
		t.Errorf("Policy not applied: %+v", got)
	}
}

func TestFSMCompletionSyncsCareers(t *testing.T) {
	f, _, _, cs := newTestFSM(t)
	m := newTestMatch(t, 1)
	applyCmd(t, f, 1, createMatchCmd(t, m))

	score := func(index uint64, op ScoreRequest) {
		t.Helper()
		res := applyCmd(t, f, index, RaftCommand{Type: CmdScoreOp, ID: m.ID, Op: &op})
		if err, ok := res.(error); ok {
			t.Fatalf("op %s at %d: %v", op.Op, index, err)
		}
	}

	score(2, ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"})
	idx := uint64(3)
	striker, nonStriker := "a1", "a2"
	for i := 0; i < 6; i++ {
		score(idx, ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
			Outcome: OutcomeNormal, StrikerID: striker, NonStrikerID: nonStriker, BowlerID: "b1",
		}})
		idx++
	}
	score(idx, ScoreRequest{Op: OpStartInnings, StrikerID: "b1", NonStrikerID: "b2", BowlerID: "a1"})
	idx++
	striker, nonStriker = "b1", "b2"
	for i := 0; i < 6; i++ {
		score(idx, ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
			Outcome: OutcomeNormal, StrikerID: striker, NonStrikerID: nonStriker, BowlerID: "a1",
		}})
		idx++
	}

	// Both innings closed scoreless: a tie, and careers synced.
	career, err := cs.Get("a1")
	if err != nil {
		t.Fatalf("Get career: %v", err)
	}
	if career.Matches != 1 {
		t.Errorf("Completion should sync careers: %+v", career)
	}

	// Undoing the final ball retracts the contribution.
	score(idx, ScoreRequest{Op: OpUndo})
	career, err = cs.Get("a1")
	if err != nil {
		t.Fatalf("Get career after undo: %v", err)
	}
	if career.Matches != 0 {
		t.Errorf("Undo should retract career sync: %+v", career)
	}
}
