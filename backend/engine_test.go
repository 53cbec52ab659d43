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
	"errors"
	"strings"
	"testing"

	"github.com/pmezard/go-difflib/difflib"
)

func testMatchRequest(overs int) *NewMatchRequest {
	return &NewMatchRequest{
		TeamA: Team{ID: "team-a", Name: "Alpha CC", Players: []Player{
			{ID: "a1", Name: "A One"},
			{ID: "a2", Name: "A Two"},
			{ID: "a3", Name: "A Three"},
			{ID: "a4", Name: "A Four"},
		}},
		TeamB: Team{ID: "team-b", Name: "Bravo CC", Players: []Player{
			{ID: "b1", Name: "B One"},
			{ID: "b2", Name: "B Two"},
			{ID: "b3", Name: "B Three"},
			{ID: "b4", Name: "B Four"},
		}},
		OversLimit: overs,
		Toss:       Toss{WinnerTeamID: "team-a", Decision: TossDecisionBat},
	}
}

func newTestMatch(t *testing.T, overs int) *Match {
	t.Helper()
	m, err := NewMatch(testMatchRequest(overs), "owner@example.com")
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	return m
}

// ball builds a delivery against the match's current field placements so
// that strike rotation between calls is handled automatically.
func ball(m *Match, runs int) Delivery {
	return Delivery{
		Outcome:      OutcomeNormal,
		RunsOffBat:   runs,
		StrikerID:    m.StrikerID,
		NonStrikerID: m.NonStrikerID,
		BowlerID:     m.BowlerID,
	}
}

func mustScore(t *testing.T, m *Match, d Delivery) []Event {
	t.Helper()
	events, err := ScoreDelivery(m, d)
	if err != nil {
		t.Fatalf("ScoreDelivery: %v", err)
	}
	return events
}

func mustStart(t *testing.T, m *Match, striker, nonStriker, bowler string) {
	t.Helper()
	if _, err := StartInnings(m, striker, nonStriker, bowler); err != nil {
		t.Fatalf("StartInnings: %v", err)
	}
}

func diffJSON(t *testing.T, want, got any) string {
	t.Helper()
	w, _ := json.MarshalIndent(want, "", "  ")
	g, _ := json.MarshalIndent(got, "", "  ")
	if string(w) == string(g) {
		return ""
	}
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(w)),
		B:        difflib.SplitLines(string(g)),
		FromFile: "want",
		ToFile:   "got",
		Context:  3,
	})
	return diff
}

func TestNewMatchStartsAtTossDone(t *testing.T) {
	m := newTestMatch(t, 2)
	if m.Status != StatusTossDone {
		t.Errorf("Expected status %q, got %q", StatusTossDone, m.Status)
	}
	if m.Seq != 1 {
		t.Errorf("Expected seq 1, got %d", m.Seq)
	}
	if len(m.Innings) != 0 {
		t.Errorf("Expected no innings yet, got %d", len(m.Innings))
	}
}

func TestStartInningsFollowsToss(t *testing.T) {
	// Toss winner chose to bat, so team-a bats first.
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	if m.Status != StatusInProgress {
		t.Errorf("Expected status %q, got %q", StatusInProgress, m.Status)
	}
	inn := m.openInnings()
	if inn == nil || inn.BattingTeamID != "team-a" {
		t.Fatalf("Expected team-a batting, got %+v", inn)
	}

	// Toss winner chose to bowl: the other team bats first.
	req := testMatchRequest(2)
	req.Toss.Decision = TossDecisionBowl
	m2, err := NewMatch(req, "owner@example.com")
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	mustStart(t, m2, "b1", "b2", "a1")
	if m2.openInnings().BattingTeamID != "team-b" {
		t.Errorf("Expected team-b batting after bowl decision, got %s", m2.openInnings().BattingTeamID)
	}
}

func TestStartInningsRejectsWrongState(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	var se *InvalidStateError
	if _, err := StartInnings(m, "a1", "a2", "b1"); !errors.As(err, &se) {
		t.Errorf("Expected InvalidStateError starting innings twice, got %v", err)
	}
}

func TestScoreDeliveryAggregates(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")

	mustScore(t, m, ball(m, 1)) // a1 takes a single, strike rotates
	mustScore(t, m, ball(m, 4)) // a2 hits a four
	d := ball(m, 0)
	d.Outcome = OutcomeWide
	d.ExtraRuns = 1
	mustScore(t, m, d)

	inn := m.openInnings()
	if inn.Runs != 6 {
		t.Errorf("Expected 6 runs, got %d", inn.Runs)
	}
	if inn.LegalBalls != 2 {
		t.Errorf("Expected 2 legal balls, got %d", inn.LegalBalls)
	}
	if inn.Extras.Wides != 1 {
		t.Errorf("Expected 1 wide, got %d", inn.Extras.Wides)
	}
	if bf := inn.Batting["a1"]; bf.Runs != 1 || bf.Balls != 1 {
		t.Errorf("a1 figure wrong: %+v", bf)
	}
	if bf := inn.Batting["a2"]; bf.Runs != 4 || bf.Fours != 1 {
		t.Errorf("a2 figure wrong: %+v", bf)
	}
	// After the single, a2 is on strike. The wide does not rotate.
	if m.StrikerID != "a2" {
		t.Errorf("Expected a2 on strike, got %s", m.StrikerID)
	}
	if bl := inn.Bowling["b1"]; bl.Runs != 6 || bl.Balls != 2 || bl.Wides != 1 {
		t.Errorf("b1 figure wrong: %+v", bl)
	}
}

func TestByesNotChargedToBowler(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")

	d := ball(m, 0)
	d.Outcome = OutcomeBye
	d.ExtraRuns = 2
	mustScore(t, m, d)

	inn := m.openInnings()
	if inn.Runs != 2 || inn.Extras.Byes != 2 {
		t.Errorf("Expected 2 byes on the total, got runs=%d byes=%d", inn.Runs, inn.Extras.Byes)
	}
	if bl := inn.Bowling["b1"]; bl.Runs != 0 {
		t.Errorf("Byes must not be conceded to the bowler, got %d", bl.Runs)
	}
	if bf := inn.Batting["a1"]; bf.Runs != 0 || bf.Balls != 1 {
		t.Errorf("Striker charged wrongly for a bye: %+v", bf)
	}
}

func TestStrikeRotationCancelsAtOverEnd(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")

	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}
	// Single off the last ball: run rotation and over rotation cancel.
	mustScore(t, m, ball(m, 1))

	if m.StrikerID != "a1" {
		t.Errorf("Expected a1 to keep strike after single off last ball, got %s", m.StrikerID)
	}
	if !m.PendingBowler {
		t.Error("Expected PendingBowler after over completion")
	}
	if m.BowlerID != "" || m.PrevBowlerID != "b1" {
		t.Errorf("Expected bowler cleared and prev recorded, got bowler=%q prev=%q", m.BowlerID, m.PrevBowlerID)
	}
}

func TestOverBoundaryRequiresNewBowler(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	for i := 0; i < 6; i++ {
		mustScore(t, m, ball(m, 0))
	}

	d := ball(m, 0)
	d.BowlerID = "b1"
	if _, err := ScoreDelivery(m, d); err == nil {
		t.Fatal("Expected error scoring with pending bowler")
	}

	var ve *ValidationError
	if _, err := SetNextBowler(m, "b1"); !errors.As(err, &ve) {
		t.Errorf("Expected validation error for consecutive overs, got %v", err)
	}
	if _, err := SetNextBowler(m, "b2"); err != nil {
		t.Fatalf("SetNextBowler: %v", err)
	}
	if m.BowlerID != "b2" || m.PendingBowler {
		t.Errorf("Bowler not installed: bowler=%q pending=%v", m.BowlerID, m.PendingBowler)
	}
	mustScore(t, m, ball(m, 0))
}

func TestMaidenOver(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	for i := 0; i < 6; i++ {
		mustScore(t, m, ball(m, 0))
	}
	if bl := m.openInnings().Bowling["b1"]; bl.Maidens != 1 {
		t.Errorf("Expected 1 maiden, got %d", bl.Maidens)
	}
}

func TestWicketFlow(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")

	d := ball(m, 0)
	d.IsWicket = true
	d.DismissalType = DismissalBowled
	d.DismissedPlayerID = "a1"
	events := mustScore(t, m, d)

	var sawWicket bool
	for _, ev := range events {
		if ev.Kind == EventWicketFallen {
			sawWicket = true
			if ev.Wicket == nil || ev.Wicket.PlayerID != "a1" {
				t.Errorf("Wicket event payload wrong: %+v", ev.Wicket)
			}
		}
	}
	if !sawWicket {
		t.Error("Expected a wicket_fallen event")
	}

	if !m.PendingBatsman {
		t.Fatal("Expected PendingBatsman after dismissal")
	}
	if m.StrikerID != "" {
		t.Errorf("Expected striker end vacated, got %q", m.StrikerID)
	}
	if _, err := ScoreDelivery(m, ball(m, 0)); err == nil {
		t.Error("Expected error scoring with pending batsman")
	}

	var ve *ValidationError
	if _, err := SetNextBatsman(m, "a1"); !errors.As(err, &ve) {
		t.Errorf("Expected validation error naming a dismissed batsman, got %v", err)
	}
	if _, err := SetNextBatsman(m, "a2"); !errors.As(err, &ve) {
		t.Errorf("Expected validation error naming batsman already at crease, got %v", err)
	}
	if _, err := SetNextBatsman(m, "a3"); err != nil {
		t.Fatalf("SetNextBatsman: %v", err)
	}
	if m.StrikerID != "a3" || m.PendingBatsman {
		t.Errorf("New batsman should take vacated end: striker=%q pending=%v", m.StrikerID, m.PendingBatsman)
	}

	inn := m.openInnings()
	bat := inn.Batting["a1"]
	if !bat.Out || bat.DismissalType != DismissalBowled || bat.BowlerID != "b1" {
		t.Errorf("Dismissed figure wrong: %+v", bat)
	}
	if inn.Bowling["b1"].Wickets != 1 {
		t.Errorf("Bowler should be credited with the wicket")
	}
	if len(inn.FallOfWickets) != 1 || inn.FallOfWickets[0].Wicket != 1 {
		t.Errorf("Fall of wickets wrong: %+v", inn.FallOfWickets)
	}
}

func TestWicketOnFinalBallOfOver(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}

	d := ball(m, 0)
	d.IsWicket = true
	d.DismissalType = DismissalBowled
	d.DismissedPlayerID = "a1"
	events := mustScore(t, m, d)

	var sawWicket, sawOver bool
	for _, ev := range events {
		switch ev.Kind {
		case EventWicketFallen:
			sawWicket = true
		case EventOverComplete:
			sawOver = true
		}
	}
	if !sawWicket || !sawOver {
		t.Errorf("Expected wicket and over events together, wicket=%v over=%v", sawWicket, sawOver)
	}

	inn := m.openInnings()
	if len(inn.FallOfWickets) != 1 {
		t.Fatalf("Fall of wickets wrong: %+v", inn.FallOfWickets)
	}
	fow := inn.FallOfWickets[0]
	if fow.Over != "1.0" || fow.Wicket != 1 || fow.PlayerID != "a1" {
		t.Errorf("Fall of wicket entry wrong: %+v", fow)
	}

	// Only the over-end rotation fires: the surviving batsman crosses to
	// take strike while the vacated end waits for the replacement.
	if m.StrikerID != "a2" || m.NonStrikerID != "" {
		t.Errorf("Expected a2 on strike with the other end open, got striker=%q nonStriker=%q",
			m.StrikerID, m.NonStrikerID)
	}
	if !m.PendingBatsman || !m.PendingBowler {
		t.Errorf("Expected both replacements pending, batsman=%v bowler=%v",
			m.PendingBatsman, m.PendingBowler)
	}

	if _, err := SetNextBatsman(m, "a3"); err != nil {
		t.Fatalf("SetNextBatsman: %v", err)
	}
	if _, err := SetNextBowler(m, "b2"); err != nil {
		t.Fatalf("SetNextBowler: %v", err)
	}
	mustScore(t, m, ball(m, 0))
	if inn.LegalBalls != 7 {
		t.Errorf("Play should resume in over 2, got %d legal balls", inn.LegalBalls)
	}
}

func TestRunOutDoesNotCreditBowler(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")

	d := ball(m, 1)
	d.IsWicket = true
	d.DismissalType = DismissalRunOut
	d.DismissedPlayerID = "a2"
	d.FielderID = "b3"
	mustScore(t, m, d)

	inn := m.openInnings()
	if inn.Bowling["b1"].Wickets != 0 {
		t.Error("Run-out must not be credited to the bowler")
	}
	if inn.Batting["a2"].BowlerID != "" {
		t.Error("Run-out must not record a dismissing bowler")
	}
}

func TestAllOutClosesInnings(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")

	// 4 players a side: the third wicket ends the innings.
	batters := []string{"a3", "a4"}
	for i := 0; i < 3; i++ {
		d := ball(m, 0)
		d.IsWicket = true
		d.DismissalType = DismissalBowled
		d.DismissedPlayerID = m.StrikerID
		mustScore(t, m, d)
		if i < 2 {
			if _, err := SetNextBatsman(m, batters[i]); err != nil {
				t.Fatalf("SetNextBatsman: %v", err)
			}
		}
	}

	if m.Status != StatusInningsBreak {
		t.Errorf("Expected %q after all out, got %q", StatusInningsBreak, m.Status)
	}
	if !m.Innings[0].Closed {
		t.Error("Innings should be closed")
	}
	if m.PendingBatsman {
		t.Error("PendingBatsman must not survive innings close")
	}
}

func TestSecondInningsTargetAndChase(t *testing.T) {
	m := newTestMatch(t, 1)
	mustStart(t, m, "a1", "a2", "b1")
	// First innings: three singles, three dots = 3 runs off the over.
	for i := 0; i < 3; i++ {
		mustScore(t, m, ball(m, 1))
	}
	for i := 0; i < 3; i++ {
		mustScore(t, m, ball(m, 0))
	}
	if m.Status != StatusInningsBreak {
		t.Fatalf("Expected innings break, got %q", m.Status)
	}

	mustStart(t, m, "b1", "b2", "a1")
	inn2 := m.openInnings()
	if inn2.Target != 4 {
		t.Fatalf("Expected target 4, got %d", inn2.Target)
	}

	mustScore(t, m, ball(m, 4))
	if m.Status != StatusCompleted {
		t.Fatalf("Expected completed after chase, got %q", m.Status)
	}
	if m.Result == nil || m.Result.WinnerTeamID != "team-b" {
		t.Fatalf("Expected team-b win, got %+v", m.Result)
	}
	if !strings.Contains(m.Result.Summary, "wicket") {
		t.Errorf("Chasing win should be by wickets: %q", m.Result.Summary)
	}
}

func TestDefendingWinByRuns(t *testing.T) {
	m := newTestMatch(t, 1)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 2))
	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}
	mustStart(t, m, "b1", "b2", "a1")
	mustScore(t, m, ball(m, 1))
	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}
	if m.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %q", m.Status)
	}
	if m.Result.WinnerTeamID != "team-a" || !strings.Contains(m.Result.Summary, "1 run") {
		t.Errorf("Expected team-a win by 1 run, got %+v", m.Result)
	}
}

func TestTiedMatch(t *testing.T) {
	m := newTestMatch(t, 1)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 2))
	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}
	mustStart(t, m, "b1", "b2", "a1")
	mustScore(t, m, ball(m, 2))
	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}
	if m.Result == nil || !m.Result.Tie {
		t.Fatalf("Expected a tie, got %+v", m.Result)
	}
}

func TestUndoIsExactInverse(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 1))
	mustScore(t, m, ball(m, 4))

	before, err := m.clone()
	if err != nil {
		t.Fatalf("clone: %v", err)
	}

	d := ball(m, 0)
	d.IsWicket = true
	d.DismissalType = DismissalCaught
	d.DismissedPlayerID = m.StrikerID
	d.FielderID = "b4"
	mustScore(t, m, d)

	if _, err := UndoDelivery(m); err != nil {
		t.Fatalf("UndoDelivery: %v", err)
	}

	// Seq and UpdatedAt advance on every operation; everything else must
	// match the pre-delivery state exactly, checkpoint included.
	before.Seq, m.Seq = 0, 0
	before.UpdatedAt, m.UpdatedAt = m.CreatedAt, m.CreatedAt
	before.Checkpoint, m.Checkpoint = nil, nil
	if diff := diffJSON(t, before, m); diff != "" {
		t.Errorf("Undo did not restore state:\n%s", diff)
	}
}

func TestUndoDepthIsOne(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 1))
	if _, err := UndoDelivery(m); err != nil {
		t.Fatalf("UndoDelivery: %v", err)
	}
	if _, err := UndoDelivery(m); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Expected ErrNothingToUndo on second undo, got %v", err)
	}
}

func TestUndoBeforeAnyBall(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	if _, err := UndoDelivery(m); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Expected ErrNothingToUndo, got %v", err)
	}
}

func TestUndoReopensCompletedMatch(t *testing.T) {
	m := newTestMatch(t, 1)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 2))
	for i := 0; i < 5; i++ {
		mustScore(t, m, ball(m, 0))
	}
	mustStart(t, m, "b1", "b2", "a1")
	mustScore(t, m, ball(m, 1))

	// The winning hit.
	mustScore(t, m, ball(m, 2))
	if m.Status != StatusCompleted {
		t.Fatalf("Expected completed, got %q", m.Status)
	}

	if _, err := UndoDelivery(m); err != nil {
		t.Fatalf("UndoDelivery: %v", err)
	}
	if m.Status != StatusInProgress {
		t.Errorf("Expected match reopened, got %q", m.Status)
	}
	if m.Result != nil {
		t.Errorf("Result should be cleared, got %+v", m.Result)
	}
	inn := m.openInnings()
	if inn == nil || inn.Runs != 1 || inn.Closed {
		t.Errorf("Second innings not rewound: %+v", inn)
	}
}

func TestUndoBlockedAcrossInningsStart(t *testing.T) {
	m := newTestMatch(t, 1)
	mustStart(t, m, "a1", "a2", "b1")
	for i := 0; i < 6; i++ {
		mustScore(t, m, ball(m, 0))
	}
	// Starting the next innings invalidates the checkpoint: the previous
	// innings' last ball can no longer be taken back.
	mustStart(t, m, "b1", "b2", "a1")
	if _, err := UndoDelivery(m); !errors.Is(err, ErrNothingToUndo) {
		t.Errorf("Expected ErrNothingToUndo after innings start, got %v", err)
	}
}

func TestAbandonIsTerminal(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 1))

	if _, err := AbandonMatch(m); err != nil {
		t.Fatalf("AbandonMatch: %v", err)
	}
	if m.Status != StatusAbandoned {
		t.Errorf("Expected %q, got %q", StatusAbandoned, m.Status)
	}

	var se *InvalidStateError
	if _, err := AbandonMatch(m); !errors.As(err, &se) {
		t.Errorf("Expected InvalidStateError abandoning twice, got %v", err)
	}
	if _, err := UndoDelivery(m); !errors.As(err, &se) {
		t.Errorf("Abandonment must not be undoable, got %v", err)
	}
	if _, err := ScoreDelivery(m, ball(m, 0)); !errors.As(err, &se) {
		t.Errorf("Expected InvalidStateError scoring an abandoned match, got %v", err)
	}
}

func TestScorecardProjection(t *testing.T) {
	m := newTestMatch(t, 2)
	mustStart(t, m, "a1", "a2", "b1")
	mustScore(t, m, ball(m, 1))
	mustScore(t, m, ball(m, 4))

	sc := m.scorecard()
	if sc.MatchID != m.ID || sc.Status != StatusInProgress {
		t.Errorf("Scorecard header wrong: %+v", sc)
	}
	if !sc.CanUndo {
		t.Error("CanUndo should be set while a checkpoint is live")
	}
	if len(sc.Innings) != 1 {
		t.Fatalf("Expected 1 innings summary, got %d", len(sc.Innings))
	}
	s := sc.Innings[0]
	if s.Runs != 5 || s.Overs != "0.2" {
		t.Errorf("Summary wrong: runs=%d overs=%s", s.Runs, s.Overs)
	}
	// Batting lines in order of appearance at the crease.
	if len(s.Batting) != 2 || s.Batting[0].PlayerID != "a1" || s.Batting[1].PlayerID != "a2" {
		t.Errorf("Batting order wrong: %+v", s.Batting)
	}
}
