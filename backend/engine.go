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
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one scoring occurrence fanned out to websocket subscribers.
type Event struct {
	Kind     string        `json:"kind"`
	MatchID  string        `json:"matchId"`
	Innings  int           `json:"innings,omitempty"`
	Delivery *Delivery     `json:"delivery,omitempty"`
	Wicket   *FallOfWicket `json:"wicket,omitempty"`
	Over     string        `json:"over,omitempty"`
	Result   *MatchResult  `json:"result,omitempty"`
	Seq      int64         `json:"seq"`
}

func (m *Match) event(kind string) Event {
	ev := Event{Kind: kind, MatchID: m.ID, Seq: m.Seq}
	if inn := m.currentInnings(); inn != nil {
		ev.Innings = inn.Number
	}
	return ev
}

func (m *Match) touch() {
	m.Seq++
	m.UpdatedAt = time.Now().UTC()
}

// NewMatch builds a match in the toss_done state. The toss is part of
// creation, so there is no separate not_started phase to administer.
func NewMatch(req *NewMatchRequest, ownerId string) (*Match, error) {
	if err := validateNewMatch(req); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := &Match{
		SchemaVersion: CurrentSchemaVersion,
		ID:            uuid.NewString(),
		RoomID:        req.RoomID,
		OwnerID:       ownerId,
		TeamA:         req.TeamA,
		TeamB:         req.TeamB,
		OversLimit:    req.OversLimit,
		Toss:          &Toss{WinnerTeamID: req.Toss.WinnerTeamID, Decision: req.Toss.Decision},
		Status:        StatusTossDone,
		CreatedAt:     now,
		UpdatedAt:     now,
		Seq:           1,
	}
	m.normalize()
	return m, nil
}

// battingTeamForInnings derives who bats in the given innings from the toss.
func (m *Match) battingTeamForInnings(number int) *Team {
	winner := m.team(m.Toss.WinnerTeamID)
	first := winner
	if m.Toss.Decision == TossDecisionBowl {
		first = m.otherTeam(winner.ID)
	}
	if number == 1 {
		return first
	}
	return m.otherTeam(first.ID)
}

// StartInnings opens the next innings with its opening field placements.
// Valid from toss_done (first innings) and innings_break (second). Starting
// an innings invalidates any live undo checkpoint.
func StartInnings(m *Match, striker, nonStriker, bowler string) ([]Event, error) {
	switch m.Status {
	case StatusTossDone, StatusInningsBreak:
	default:
		return nil, &InvalidStateError{Status: m.Status, Op: OpStartInnings}
	}
	number := len(m.Innings) + 1
	battingTeam := m.battingTeamForInnings(number)
	if err := validateStartInnings(m, battingTeam, striker, nonStriker, bowler); err != nil {
		return nil, err
	}
	target := 0
	if number == 2 {
		target = m.Innings[0].Runs + 1
	}
	m.Innings = append(m.Innings, newInnings(number, battingTeam.ID, m.otherTeam(battingTeam.ID).ID, target))
	m.Status = StatusInProgress
	m.StrikerID = striker
	m.NonStrikerID = nonStriker
	m.BowlerID = bowler
	m.PrevBowlerID = ""
	m.PendingBatsman = false
	m.PendingBowler = false
	m.Checkpoint = nil
	m.touch()
	return []Event{m.event(EventBallUpdate)}, nil
}

// ScoreDelivery validates and applies one ball, advancing the match state
// machine. It returns the events the ball produced, in occurrence order.
func ScoreDelivery(m *Match, d Delivery) ([]Event, error) {
	if m.Status != StatusInProgress {
		return nil, &InvalidStateError{Status: m.Status, Op: "delivery"}
	}
	if m.PendingBatsman {
		return nil, validationErrorf("batsmanId", "new batsman must be set before the next ball")
	}
	if m.PendingBowler {
		return nil, validationErrorf("bowlerId", "next over's bowler must be set before the next ball")
	}
	if err := validateDelivery(m, &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp == 0 {
		d.Timestamp = time.Now().UnixMilli()
	}

	inn := m.openInnings()
	if inn == nil {
		return nil, &InvalidStateError{Status: m.Status, Op: "delivery"}
	}
	if err := m.checkpoint(d.ID); err != nil {
		return nil, err
	}

	res := inn.apply(d)
	m.touch()

	events := []Event{}
	ev := m.event(EventBallUpdate)
	ev.Delivery = &d
	events = append(events, ev)

	if res.WicketFell {
		switch d.DismissedPlayerID {
		case m.StrikerID:
			m.StrikerID = ""
		case m.NonStrikerID:
			m.NonStrikerID = ""
		}
		wev := m.event(EventWicketFallen)
		fow := inn.FallOfWickets[len(inn.FallOfWickets)-1]
		wev.Wicket = &fow
		events = append(events, wev)
	}

	// The two rotation triggers are independent; when both fire they cancel.
	if res.RotateForRuns {
		m.swapStrike()
	}
	if res.OverComplete {
		m.swapStrike()
		m.PrevBowlerID = m.BowlerID
		m.BowlerID = ""
		m.PendingBowler = true
		oev := m.event(EventOverComplete)
		oev.Over = inn.oversDisplay()
		events = append(events, oev)
	}

	if closed := m.checkInningsClose(inn); closed {
		m.StrikerID = ""
		m.NonStrikerID = ""
		m.BowlerID = ""
		m.PrevBowlerID = ""
		m.PendingBatsman = false
		m.PendingBowler = false
		if inn.Number == 1 {
			m.Status = StatusInningsBreak
			events = append(events, m.event(EventInningsComplete))
		} else {
			m.Status = StatusCompleted
			m.Result = m.computeResult(inn)
			events = append(events, m.event(EventInningsComplete))
			mev := m.event(EventMatchComplete)
			mev.Result = m.Result
			events = append(events, mev)
		}
	} else if res.WicketFell {
		m.PendingBatsman = true
	}
	return events, nil
}

// checkInningsClose closes the innings when the side is all out, the over
// allocation is spent, or a chase target has been reached.
func (m *Match) checkInningsClose(inn *Innings) bool {
	if inn.Closed {
		return true
	}
	battingSide := len(m.team(inn.BattingTeamID).Players)
	switch {
	case inn.Wickets >= battingSide-1:
	case inn.LegalBalls >= m.OversLimit*BallsPerOver:
	case inn.Target > 0 && inn.Runs >= inn.Target:
	default:
		return false
	}
	inn.Closed = true
	return true
}

func (m *Match) computeResult(second *Innings) *MatchResult {
	first := m.Innings[0]
	chasing := m.team(second.BattingTeamID)
	defending := m.team(first.BattingTeamID)
	switch {
	case second.Runs >= second.Target:
		wicketsLeft := len(chasing.Players) - 1 - second.Wickets
		return &MatchResult{
			WinnerTeamID: chasing.ID,
			Summary:      fmt.Sprintf("%s won by %d wicket(s)", chasing.Name, wicketsLeft),
		}
	case second.Runs == first.Runs:
		return &MatchResult{Tie: true, Summary: "Match tied"}
	default:
		margin := first.Runs - second.Runs
		return &MatchResult{
			WinnerTeamID: defending.ID,
			Summary:      fmt.Sprintf("%s won by %d run(s)", defending.Name, margin),
		}
	}
}

// UndoDelivery reverses the most recent ball. One checkpoint is kept, so
// exactly one ball can be taken back; scoring the next ball re-arms undo.
// An undone completion reopens the match, including across an innings close.
func UndoDelivery(m *Match) ([]Event, error) {
	switch m.Status {
	case StatusInProgress, StatusInningsBreak, StatusCompleted:
	default:
		return nil, &InvalidStateError{Status: m.Status, Op: OpUndo}
	}
	if m.Checkpoint == nil {
		return nil, ErrNothingToUndo
	}
	if err := m.restoreCheckpoint(); err != nil {
		return nil, err
	}
	m.touch()
	return []Event{m.event(EventUndoBall)}, nil
}

// SetNextBatsman names the incoming batsman after a dismissal. The new
// batsman takes the vacated end.
func SetNextBatsman(m *Match, playerId string) ([]Event, error) {
	if m.Status != StatusInProgress || !m.PendingBatsman {
		return nil, &InvalidStateError{Status: m.Status, Op: OpSetBatsman}
	}
	inn := m.openInnings()
	if inn == nil {
		return nil, &InvalidStateError{Status: m.Status, Op: OpSetBatsman}
	}
	if err := validateSetBatsman(m, inn, playerId); err != nil {
		return nil, err
	}
	if m.StrikerID == "" {
		m.StrikerID = playerId
	} else {
		m.NonStrikerID = playerId
	}
	m.PendingBatsman = false
	m.touch()
	return []Event{m.event(EventBallUpdate)}, nil
}

// SetNextBowler names the bowler for the over about to start.
func SetNextBowler(m *Match, playerId string) ([]Event, error) {
	if m.Status != StatusInProgress || !m.PendingBowler {
		return nil, &InvalidStateError{Status: m.Status, Op: OpSetBowler}
	}
	inn := m.openInnings()
	if inn == nil {
		return nil, &InvalidStateError{Status: m.Status, Op: OpSetBowler}
	}
	if err := validateSetBowler(m, inn, playerId); err != nil {
		return nil, err
	}
	m.BowlerID = playerId
	m.PendingBowler = false
	m.touch()
	return []Event{m.event(EventBallUpdate)}, nil
}

// AbandonMatch terminates a match with no result. Terminal states stay
// terminal, and abandonment cannot be undone.
func AbandonMatch(m *Match) ([]Event, error) {
	switch m.Status {
	case StatusCompleted, StatusAbandoned, StatusDeleted:
		return nil, &InvalidStateError{Status: m.Status, Op: OpAbandon}
	}
	m.Status = StatusAbandoned
	m.Result = &MatchResult{Summary: "Match abandoned"}
	m.Checkpoint = nil
	m.StrikerID = ""
	m.NonStrikerID = ""
	m.BowlerID = ""
	m.PendingBatsman = false
	m.PendingBowler = false
	m.touch()
	mev := m.event(EventMatchComplete)
	mev.Result = m.Result
	return []Event{mev}, nil
}
