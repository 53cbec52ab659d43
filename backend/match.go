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
	"fmt"
	"time"
)

// Player is one member of a team sheet.
type Player struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Team is one side of a match.
type Team struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Players []Player `json:"players"`
}

// Toss records who won the toss and what they chose.
type Toss struct {
	WinnerTeamID string `json:"winnerTeamId"`
	Decision     string `json:"decision"`
}

// MatchResult is set when a match completes.
type MatchResult struct {
	WinnerTeamID string `json:"winnerTeamId,omitempty"`
	Tie          bool   `json:"tie,omitempty"`
	Summary      string `json:"summary"`
}

// UndoCheckpoint captures everything one delivery changed outside the
// delivery log itself: the open innings' aggregates and the match-level
// lifecycle fields. Exactly one checkpoint is retained, so undo depth is
// one ball.
type UndoCheckpoint struct {
	DeliveryID     string       `json:"deliveryId"`
	Innings        *Innings     `json:"innings"`
	InningsIndex   int          `json:"inningsIndex"`
	Status         string       `json:"status"`
	StrikerID      string       `json:"strikerId"`
	NonStrikerID   string       `json:"nonStrikerId"`
	BowlerID       string       `json:"bowlerId"`
	PrevBowlerID   string       `json:"prevBowlerId"`
	PendingBatsman bool         `json:"pendingBatsman"`
	PendingBowler  bool         `json:"pendingBowler"`
	Result         *MatchResult `json:"result,omitempty"`
	CareerSynced   bool         `json:"careerSynced"`
}

// Match is the persisted aggregate for one fixture. All mutation goes
// through the scoring engine under the match hub's request loop; readers
// get deep copies.
type Match struct {
	SchemaVersion int    `json:"schemaVersion"`
	ID            string `json:"id"`
	RoomID        string `json:"roomId,omitempty"`
	OwnerID       string `json:"ownerId"`

	TeamA      Team  `json:"teamA"`
	TeamB      Team  `json:"teamB"`
	OversLimit int   `json:"oversLimit"`
	Toss       *Toss `json:"toss,omitempty"`

	Status  string       `json:"status"`
	Innings []*Innings   `json:"innings"`
	Result  *MatchResult `json:"result,omitempty"`

	// Field placements for the ball about to be bowled.
	StrikerID    string `json:"strikerId,omitempty"`
	NonStrikerID string `json:"nonStrikerId,omitempty"`
	BowlerID     string `json:"bowlerId,omitempty"`
	PrevBowlerID string `json:"prevBowlerId,omitempty"`

	// PendingBatsman blocks deliveries until the incoming batsman is named;
	// PendingBowler does the same at over boundaries.
	PendingBatsman bool `json:"pendingBatsman,omitempty"`
	PendingBowler  bool `json:"pendingBowler,omitempty"`

	Checkpoint *UndoCheckpoint `json:"checkpoint,omitempty"`

	// CareerSynced is set once completion deltas have been pushed to the
	// career store, so an undone completion knows to retract them.
	CareerSynced bool `json:"careerSynced,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Seq       int64     `json:"seq"`

	// LastRaftIndex makes command application idempotent in cluster mode.
	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (m *Match) normalize() {
	if m.SchemaVersion == 0 {
		m.SchemaVersion = CurrentSchemaVersion
	}
	if m.Innings == nil {
		m.Innings = make([]*Innings, 0)
	}
	for _, inn := range m.Innings {
		inn.normalize()
	}
}

// openInnings returns the innings currently accepting deliveries, or nil.
func (m *Match) openInnings() *Innings {
	for i := len(m.Innings) - 1; i >= 0; i-- {
		if !m.Innings[i].Closed {
			return m.Innings[i]
		}
	}
	return nil
}

func (m *Match) currentInnings() *Innings {
	if len(m.Innings) == 0 {
		return nil
	}
	return m.Innings[len(m.Innings)-1]
}

func (m *Match) team(id string) *Team {
	switch id {
	case m.TeamA.ID:
		return &m.TeamA
	case m.TeamB.ID:
		return &m.TeamB
	}
	return nil
}

func (m *Match) otherTeam(id string) *Team {
	if id == m.TeamA.ID {
		return &m.TeamB
	}
	return &m.TeamA
}

func (m *Match) hasPlayer(teamId, playerId string) bool {
	t := m.team(teamId)
	if t == nil {
		return false
	}
	for _, p := range t.Players {
		if p.ID == playerId {
			return true
		}
	}
	return false
}

func (m *Match) playerName(playerId string) string {
	for _, t := range []*Team{&m.TeamA, &m.TeamB} {
		for _, p := range t.Players {
			if p.ID == playerId {
				return p.Name
			}
		}
	}
	return playerId
}

func (m *Match) swapStrike() {
	m.StrikerID, m.NonStrikerID = m.NonStrikerID, m.StrikerID
}

// checkpoint snapshots everything the next delivery may change, keyed to
// the delivery that will follow it.
func (m *Match) checkpoint(deliveryId string) error {
	inn := m.openInnings()
	if inn == nil {
		return fmt.Errorf("checkpoint: no open innings")
	}
	snap, err := inn.snapshot()
	if err != nil {
		return err
	}
	var result *MatchResult
	if m.Result != nil {
		r := *m.Result
		result = &r
	}
	m.Checkpoint = &UndoCheckpoint{
		DeliveryID:     deliveryId,
		Innings:        snap,
		InningsIndex:   len(m.Innings) - 1,
		Status:         m.Status,
		StrikerID:      m.StrikerID,
		NonStrikerID:   m.NonStrikerID,
		BowlerID:       m.BowlerID,
		PrevBowlerID:   m.PrevBowlerID,
		PendingBatsman: m.PendingBatsman,
		PendingBowler:  m.PendingBowler,
		Result:         result,
		CareerSynced:   m.CareerSynced,
	}
	return nil
}

// restoreCheckpoint rewinds the match to the state before the checkpointed
// delivery and consumes the checkpoint.
func (m *Match) restoreCheckpoint() error {
	cp := m.Checkpoint
	if cp == nil || cp.InningsIndex < 0 || cp.InningsIndex >= len(m.Innings) {
		return ErrNothingToUndo
	}
	// An innings opened after the checkpoint (completion rolled first
	// innings into a second) is discarded with it.
	m.Innings = m.Innings[:cp.InningsIndex+1]
	m.Innings[cp.InningsIndex].restore(cp.Innings)
	m.Status = cp.Status
	m.StrikerID = cp.StrikerID
	m.NonStrikerID = cp.NonStrikerID
	m.BowlerID = cp.BowlerID
	m.PrevBowlerID = cp.PrevBowlerID
	m.PendingBatsman = cp.PendingBatsman
	m.PendingBowler = cp.PendingBowler
	m.Result = cp.Result
	m.CareerSynced = cp.CareerSynced
	m.Checkpoint = nil
	return nil
}

// clone deep-copies a match via a JSON round-trip.
func (m *Match) clone() (*Match, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("match clone marshal: %w", err)
	}
	var out Match
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("match clone unmarshal: %w", err)
	}
	out.normalize()
	return &out, nil
}

func (m *Match) etag() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", m.ID, m.Seq)))
	return `"` + hex.EncodeToString(h[:16]) + `"`
}

// InningsSummary is one innings line on the public scorecard.
type InningsSummary struct {
	Number        int            `json:"number"`
	BattingTeam   string         `json:"battingTeam"`
	BowlingTeam   string         `json:"bowlingTeam"`
	Runs          int            `json:"runs"`
	Wickets       int            `json:"wickets"`
	Overs         string         `json:"overs"`
	Extras        Extras         `json:"extras"`
	Batting       []BattingFigure `json:"batting"`
	Bowling       []BowlingFigure `json:"bowling"`
	FallOfWickets []FallOfWicket `json:"fallOfWickets"`
	Partnerships  []Partnership  `json:"partnerships"`
	Target        int            `json:"target,omitempty"`
	Closed        bool           `json:"closed"`
}

// Scorecard is the read-model served over HTTP and pushed over websockets.
type Scorecard struct {
	MatchID      string           `json:"matchId"`
	Status       string           `json:"status"`
	TeamA        Team             `json:"teamA"`
	TeamB        Team             `json:"teamB"`
	OversLimit   int              `json:"oversLimit"`
	Toss         *Toss            `json:"toss,omitempty"`
	Innings      []InningsSummary `json:"innings"`
	StrikerID    string           `json:"strikerId,omitempty"`
	NonStrikerID string           `json:"nonStrikerId,omitempty"`
	BowlerID     string           `json:"bowlerId,omitempty"`
	NeedBatsman  bool             `json:"needBatsman,omitempty"`
	NeedBowler   bool             `json:"needBowler,omitempty"`
	Result       *MatchResult     `json:"result,omitempty"`
	CanUndo      bool             `json:"canUndo"`
	Seq          int64            `json:"seq"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// scorecard projects the match into its public read-model. Batting lines
// are emitted in order of appearance at the crease, bowling lines in order
// of first over bowled.
func (m *Match) scorecard() *Scorecard {
	sc := &Scorecard{
		MatchID:      m.ID,
		Status:       m.Status,
		TeamA:        m.TeamA,
		TeamB:        m.TeamB,
		OversLimit:   m.OversLimit,
		Toss:         m.Toss,
		Innings:      make([]InningsSummary, 0, len(m.Innings)),
		StrikerID:    m.StrikerID,
		NonStrikerID: m.NonStrikerID,
		BowlerID:     m.BowlerID,
		NeedBatsman:  m.PendingBatsman,
		NeedBowler:   m.PendingBowler,
		Result:       m.Result,
		CanUndo:      m.Checkpoint != nil,
		Seq:          m.Seq,
		UpdatedAt:    m.UpdatedAt,
	}
	for _, inn := range m.Innings {
		s := InningsSummary{
			Number:        inn.Number,
			BattingTeam:   inn.BattingTeamID,
			BowlingTeam:   inn.BowlingTeamID,
			Runs:          inn.Runs,
			Wickets:       inn.Wickets,
			Overs:         inn.oversDisplay(),
			Extras:        inn.Extras,
			Batting:       make([]BattingFigure, 0, len(inn.BattingOrder)),
			Bowling:       make([]BowlingFigure, 0, len(inn.BowlingOrder)),
			FallOfWickets: inn.FallOfWickets,
			Partnerships:  inn.Partnerships,
			Target:        inn.Target,
			Closed:        inn.Closed,
		}
		for _, id := range inn.BattingOrder {
			s.Batting = append(s.Batting, *inn.Batting[id])
		}
		for _, id := range inn.BowlingOrder {
			s.Bowling = append(s.Bowling, *inn.Bowling[id])
		}
		sc.Innings = append(sc.Innings, s)
	}
	return sc
}
