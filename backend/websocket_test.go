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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c2FmZQ/storage"
)

type hubEnv struct {
	dir string
	ms  *MatchStore
	cs  *CareerStore
	reg *Registry
	hm  *HubManager
}

func newHubEnv(t *testing.T) *hubEnv {
	t.Helper()
	tmpDir := t.TempDir()
	s := storage.New(tmpDir, nil)
	ms := NewMatchStore(tmpDir, s)
	rs := NewRoomStore(tmpDir, s)
	cs := NewCareerStore(tmpDir, s)
	return &hubEnv{
		dir: tmpDir,
		ms:  ms,
		cs:  cs,
		reg: NewRegistry(ms, rs, false),
		hm:  NewHubManager(),
	}
}

func (e *hubEnv) submit(t *testing.T, hub *Hub, userId string, op ScoreRequest) HubResponse {
	t.Helper()
	reply := make(chan HubResponse, 1)
	select {
	case hub.requests <- HubRequest{Type: ReqTypeHTTPOp, UserId: userId, Op: op, Reply: reply}:
	case <-time.After(5 * time.Second):
		t.Fatal("hub request channel blocked")
	}
	select {
	case resp := <-reply:
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("hub reply timed out")
		return HubResponse{}
	}
}

func TestHubSerializesOps(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 2)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	e.reg.UpdateMatch(m)

	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	owner := "owner@example.com"

	resp := e.submit(t, hub, owner, ScoreRequest{
		Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1",
	})
	if resp.Error != nil {
		t.Fatalf("start innings: %v", resp.Error)
	}

	striker, nonStriker := "a1", "a2"
	for i := 0; i < 6; i++ {
		resp = e.submit(t, hub, owner, ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
			Outcome: OutcomeNormal, StrikerID: striker, NonStrikerID: nonStriker, BowlerID: "b1",
		}})
		if resp.Error != nil {
			t.Fatalf("ball %d: %v", i, resp.Error)
		}
	}

	var sc Scorecard
	if err := json.Unmarshal(resp.Data, &sc); err != nil {
		t.Fatalf("unmarshal scorecard: %v", err)
	}
	if sc.Innings[0].Overs != "1.0" || !sc.NeedBowler {
		t.Errorf("Scorecard after the over wrong: %+v", sc.Innings[0])
	}

	stored, err := e.ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if stored.Innings[0].LegalBalls != 6 {
		t.Errorf("Expected 6 legal balls persisted, got %d", stored.Innings[0].LegalBalls)
	}
}

func TestHubAccessChecks(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 2)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	e.reg.UpdateMatch(m)
	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)

	op := ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"}

	if resp := e.submit(t, hub, "", op); !errors.Is(resp.Error, ErrUnauthenticated) {
		t.Errorf("Anonymous op should be unauthenticated, got %v", resp.Error)
	}
	if resp := e.submit(t, hub, "stranger@example.com", op); !errors.Is(resp.Error, ErrForbidden) {
		t.Errorf("Stranger op should be forbidden, got %v", resp.Error)
	}

	// Abandon needs admin; the owner qualifies, a would-be scorer does not.
	if resp := e.submit(t, hub, "owner@example.com", op); resp.Error != nil {
		t.Fatalf("Owner op failed: %v", resp.Error)
	}
	if resp := e.submit(t, hub, "owner@example.com", ScoreRequest{Op: OpAbandon}); resp.Error != nil {
		t.Errorf("Owner abandon failed: %v", resp.Error)
	}
}

func TestHubFailedOpLeavesStateIntact(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 2)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	e.reg.UpdateMatch(m)
	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	owner := "owner@example.com"

	e.submit(t, hub, owner, ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"})

	// Invalid ball: wrong striker. State must be untouched.
	resp := e.submit(t, hub, owner, ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
		Outcome: OutcomeNormal, StrikerID: "a3", NonStrikerID: "a2", BowlerID: "b1",
	}})
	var ve *ValidationError
	if !errors.As(resp.Error, &ve) {
		t.Fatalf("Expected validation error, got %v", resp.Error)
	}

	stored, err := e.ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if len(stored.Innings[0].Deliveries) != 0 {
		t.Errorf("Failed op leaked a delivery: %d", len(stored.Innings[0].Deliveries))
	}

	// The next valid ball goes through.
	resp = e.submit(t, hub, owner, ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
		Outcome: OutcomeNormal, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1",
	}})
	if resp.Error != nil {
		t.Errorf("Valid ball after failure rejected: %v", resp.Error)
	}
}

func TestHubHTTPLoad(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 2)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)

	reply := make(chan HubResponse, 1)
	hub.requests <- HubRequest{Type: ReqTypeHTTPLoad, Reply: reply}
	resp := <-reply
	if resp.Error != nil {
		t.Fatalf("HTTP load: %v", resp.Error)
	}
	var loaded Match
	if err := json.Unmarshal(resp.Data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if loaded.ID != m.ID {
		t.Errorf("Loaded wrong match: %s", loaded.ID)
	}
}

func TestHubLoadMissingMatch(t *testing.T) {
	e := newHubEnv(t)
	hub := e.hm.GetHub("4a8a0e3e-91f8-4b5c-82f1-1c8e9a2b3c4d", e.ms, e.cs, e.reg)

	reply := make(chan HubResponse, 1)
	hub.requests <- HubRequest{Type: ReqTypeHTTPLoad, Reply: reply}
	resp := <-reply
	if !os.IsNotExist(resp.Error) {
		t.Errorf("Expected not-exist, got %v", resp.Error)
	}
}

// corruptCareerFile overwrites a player's on-disk record so the next read
// fails.
func corruptCareerFile(t *testing.T, dir, playerId string) string {
	t.Helper()
	h := sha256.Sum256([]byte(playerId))
	path := filepath.Join(dir, "careers", hex.EncodeToString(h[:])+".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte("not a career record"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestHubCareerSyncFailureFailsOp(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 1)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	e.reg.UpdateMatch(m)
	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	owner := "owner@example.com"

	corrupted := corruptCareerFile(t, e.dir, "a1")

	score := func(op ScoreRequest) HubResponse {
		t.Helper()
		return e.submit(t, hub, owner, op)
	}
	dot := func(striker, nonStriker, bowler string) ScoreRequest {
		return ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
			Outcome: OutcomeNormal, StrikerID: striker, NonStrikerID: nonStriker, BowlerID: bowler,
		}}
	}

	score(ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"})
	for i := 0; i < 6; i++ {
		if resp := score(dot("a1", "a2", "b1")); resp.Error != nil {
			t.Fatalf("first innings ball %d: %v", i, resp.Error)
		}
	}
	score(ScoreRequest{Op: OpStartInnings, StrikerID: "b1", NonStrikerID: "b2", BowlerID: "a1"})
	for i := 0; i < 5; i++ {
		if resp := score(dot("b1", "b2", "a1")); resp.Error != nil {
			t.Fatalf("second innings ball %d: %v", i, resp.Error)
		}
	}

	// The final ball completes the match, which requires the career sync;
	// with a1's record unreadable the op must fail whole.
	resp := score(dot("b1", "b2", "a1"))
	var pe *PersistenceError
	if !errors.As(resp.Error, &pe) {
		t.Fatalf("Expected persistence error, got %v", resp.Error)
	}
	stored, err := e.ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if stored.Status == StatusCompleted {
		t.Error("Failed career sync must not commit the completion")
	}
	if stored.Innings[1].LegalBalls != 5 {
		t.Errorf("Failed ball leaked into the log: %d legal balls", stored.Innings[1].LegalBalls)
	}
	if c, err := e.cs.Get("b1"); err != nil || c.Matches != 0 {
		t.Errorf("No career may be credited: %+v (%v)", c, err)
	}

	// Once the record is readable again the same ball goes through.
	if err := os.Remove(corrupted); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if resp := score(dot("b1", "b2", "a1")); resp.Error != nil {
		t.Fatalf("Retry after repair failed: %v", resp.Error)
	}
	stored, err = e.ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	if stored.Status != StatusCompleted {
		t.Errorf("Expected completed match, got %q", stored.Status)
	}
	if c, err := e.cs.Get("a1"); err != nil || c.Matches != 1 {
		t.Errorf("Career should be synced after retry: %+v (%v)", c, err)
	}
}

func TestHubManagerReusesHubs(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 2)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}

	h1 := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	h2 := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	if h1 != h2 {
		t.Error("GetHub should reuse the live hub")
	}

	e.hm.RemoveHub(m.ID)
	h3 := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	if h3 == h1 {
		t.Error("GetHub after removal should build a fresh hub")
	}
}

func TestHubConcurrentSubmits(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 2)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	e.reg.UpdateMatch(m)
	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	owner := "owner@example.com"

	e.submit(t, hub, owner, ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"})

	// Dot balls keep the field placements stable, so every racing submission
	// is individually valid; the hub must still apply them one at a time.
	const n = 5
	var successes int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := make(chan HubResponse, 1)
			hub.requests <- HubRequest{Type: ReqTypeHTTPOp, UserId: owner, Op: ScoreRequest{
				Op: OpDelivery, Delivery: &Delivery{
					Outcome: OutcomeNormal, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1",
				},
			}, Reply: reply}
			if resp := <-reply; resp.Error == nil {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes == 0 {
		t.Fatal("No submission went through")
	}
	stored, err := e.ms.LoadMatch(m.ID)
	if err != nil {
		t.Fatalf("LoadMatch: %v", err)
	}
	inn := stored.Innings[0]
	if len(inn.Deliveries) != int(successes) {
		t.Errorf("Log length %d does not match %d successful ops", len(inn.Deliveries), successes)
	}
	if inn.LegalBalls != int(successes) {
		t.Errorf("Expected %d legal balls, got %d", successes, inn.LegalBalls)
	}
}

func TestClientSendAfterCloseIsDropped(t *testing.T) {
	c := &wsClient{send: make(chan Message, 1)}
	c.sendJSON(Message{Type: MsgTypeAck})
	c.closeSend()

	// A reply racing the close must be dropped, not panic.
	c.sendJSON(Message{Type: MsgTypeError})
	c.closeSend() // and closing twice is harmless

	if msg, ok := <-c.send; !ok || msg.Type != MsgTypeAck {
		t.Errorf("Queued message lost: %+v ok=%v", msg, ok)
	}
	if _, ok := <-c.send; ok {
		t.Error("Channel should be closed")
	}
}

func TestBroadcastDropsSlowClientSafely(t *testing.T) {
	h := &Hub{clients: make(map[*wsClient]bool)}
	slow := &wsClient{send: make(chan Message)} // unbuffered, never read
	h.clients[slow] = true

	h.broadcast(Message{Type: MsgTypeEvent})
	if h.clients[slow] {
		t.Error("Slow client should be dropped")
	}
	// The client's read pump may still try to reply after the drop.
	slow.sendJSON(Message{Type: "PONG"})
}

func TestHubConcurrentReadsDuringWrites(t *testing.T) {
	e := newHubEnv(t)
	m := newTestMatch(t, 50)
	if err := e.ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	e.reg.UpdateMatch(m)
	hub := e.hm.GetHub(m.ID, e.ms, e.cs, e.reg)
	owner := "owner@example.com"

	e.submit(t, hub, owner, ScoreRequest{Op: OpStartInnings, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1"})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				reply := make(chan HubResponse, 1)
				hub.requests <- HubRequest{Type: ReqTypeHTTPLoad, Reply: reply}
				if resp := <-reply; resp.Error != nil {
					t.Errorf("load: %v", resp.Error)
					return
				}
			}
		}()
	}

	// Interleave scoring on the main goroutine: dots only, so the field
	// placements stay stable for the whole over.
	for i := 0; i < 5; i++ {
		resp := e.submit(t, hub, owner, ScoreRequest{Op: OpDelivery, Delivery: &Delivery{
			Outcome: OutcomeNormal, StrikerID: "a1", NonStrikerID: "a2", BowlerID: "b1",
		}})
		if resp.Error != nil {
			t.Fatalf("ball %d: %v", i, resp.Error)
		}
	}
	wg.Wait()
}
