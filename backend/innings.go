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
)

// BattingFigure is one player's batting line within one innings.
type BattingFigure struct {
	PlayerID      string `json:"playerId"`
	Runs          int    `json:"runs"`
	Balls         int    `json:"balls"`
	Fours         int    `json:"fours"`
	Sixes         int    `json:"sixes"`
	Out           bool   `json:"out,omitempty"`
	DismissalType string `json:"dismissalType,omitempty"`
	BowlerID      string `json:"bowlerId,omitempty"`
	FielderID     string `json:"fielderId,omitempty"`
}

// BowlingFigure is one bowler's line within one innings. Balls counts legal
// deliveries only; OverRuns accumulates runs conceded in the over in
// progress and resets at each over boundary (maiden detection).
type BowlingFigure struct {
	PlayerID string `json:"playerId"`
	Balls    int    `json:"balls"`
	Runs     int    `json:"runs"`
	Wickets  int    `json:"wickets"`
	Maidens  int    `json:"maidens"`
	Wides    int    `json:"wides"`
	NoBalls  int    `json:"noBalls"`
	OverRuns int    `json:"overRuns"`
}

// Extras is the innings extras breakdown, in runs.
type Extras struct {
	Wides   int `json:"wides"`
	NoBalls int `json:"noBalls"`
	Byes    int `json:"byes"`
	LegByes int `json:"legByes"`
}

func (e Extras) Total() int {
	return e.Wides + e.NoBalls + e.Byes + e.LegByes
}

// FallOfWicket records the team score and over at one dismissal.
type FallOfWicket struct {
	Runs     int    `json:"runs"`
	Wicket   int    `json:"wicket"`
	Over     string `json:"over"`
	PlayerID string `json:"playerId"`
}

// Partnership tracks runs added while a pair of batsmen were together.
type Partnership struct {
	Batsman1 string `json:"batsman1,omitempty"`
	Batsman2 string `json:"batsman2,omitempty"`
	Runs     int    `json:"runs"`
	Balls    int    `json:"balls"`
}

// Innings owns the ordered delivery log for one team's turn batting, plus
// aggregates derived from it. The log is the single source of truth: every
// aggregate must be exactly reproducible by replaying the log from empty
// state (see replayInnings).
type Innings struct {
	Number        int    `json:"number"`
	BattingTeamID string `json:"battingTeamId"`
	BowlingTeamID string `json:"bowlingTeamId"`

	Deliveries []Delivery `json:"deliveries"`

	Runs          int                       `json:"runs"`
	Wickets       int                       `json:"wickets"`
	LegalBalls    int                       `json:"legalBalls"`
	Extras        Extras                    `json:"extras"`
	FallOfWickets []FallOfWicket            `json:"fallOfWickets"`
	Partnerships  []Partnership             `json:"partnerships"`
	Partnership   Partnership               `json:"partnership"`
	Batting       map[string]*BattingFigure `json:"batting"`
	BattingOrder  []string                  `json:"battingOrder"`
	Bowling       map[string]*BowlingFigure `json:"bowling"`
	BowlingOrder  []string                  `json:"bowlingOrder"`

	// Target is set on the chasing innings: first innings total + 1.
	Target int `json:"target,omitempty"`

	Closed bool `json:"closed,omitempty"`
}

func newInnings(number int, battingTeam, bowlingTeam string, target int) *Innings {
	inn := &Innings{
		Number:        number,
		BattingTeamID: battingTeam,
		BowlingTeamID: bowlingTeam,
		Target:        target,
	}
	inn.normalize()
	return inn
}

func (inn *Innings) normalize() {
	if inn.Deliveries == nil {
		inn.Deliveries = make([]Delivery, 0)
	}
	if inn.FallOfWickets == nil {
		inn.FallOfWickets = make([]FallOfWicket, 0)
	}
	if inn.Partnerships == nil {
		inn.Partnerships = make([]Partnership, 0)
	}
	if inn.Batting == nil {
		inn.Batting = make(map[string]*BattingFigure)
	}
	if inn.BattingOrder == nil {
		inn.BattingOrder = make([]string, 0)
	}
	if inn.Bowling == nil {
		inn.Bowling = make(map[string]*BowlingFigure)
	}
	if inn.BowlingOrder == nil {
		inn.BowlingOrder = make([]string, 0)
	}
}

func (inn *Innings) battingFigure(playerId string) *BattingFigure {
	if bf, ok := inn.Batting[playerId]; ok {
		return bf
	}
	bf := &BattingFigure{PlayerID: playerId}
	inn.Batting[playerId] = bf
	inn.BattingOrder = append(inn.BattingOrder, playerId)
	return bf
}

func (inn *Innings) bowlingFigure(playerId string) *BowlingFigure {
	if bf, ok := inn.Bowling[playerId]; ok {
		return bf
	}
	bf := &BowlingFigure{PlayerID: playerId}
	inn.Bowling[playerId] = bf
	inn.BowlingOrder = append(inn.BowlingOrder, playerId)
	return bf
}

// applyOutcome reports what an applied delivery did, for lifecycle checks
// and broadcast fan-out. The two strike-rotation triggers are independent
// toggles: when both fire on the same ball they cancel.
type applyOutcome struct {
	RotateForRuns bool
	OverComplete  bool
	WicketFell    bool
}

// apply appends a validated delivery to the log and updates every derived
// aggregate. Illegality must have been rejected beforehand; apply itself
// cannot fail.
func (inn *Innings) apply(d Delivery) applyOutcome {
	var out applyOutcome

	// 1. The log is authoritative; everything below is derived.
	inn.Deliveries = append(inn.Deliveries, d)

	// 2. Team total and extras breakdown.
	inn.Runs += d.TotalRuns()
	switch d.Outcome {
	case OutcomeWide:
		inn.Extras.Wides += d.ExtraRuns
	case OutcomeNoBall:
		inn.Extras.NoBalls += d.ExtraRuns
	case OutcomeBye:
		inn.Extras.Byes += d.ExtraRuns
	case OutcomeLegBye:
		inn.Extras.LegByes += d.ExtraRuns
	}
	if d.IsLegalBall() {
		inn.LegalBalls++
	}

	// 3. Striker's batting figure.
	striker := inn.battingFigure(d.StrikerID)
	inn.battingFigure(d.NonStrikerID)
	striker.Runs += d.RunsOffBat
	if d.CountsBallFaced() {
		striker.Balls++
	}
	if d.RunsOffBat == 4 {
		striker.Fours++
	}
	if d.RunsOffBat == 6 {
		striker.Sixes++
	}

	// 4. Bowler's figure.
	bowler := inn.bowlingFigure(d.BowlerID)
	conceded := d.BowlerConceded()
	bowler.Runs += conceded
	bowler.OverRuns += conceded
	switch d.Outcome {
	case OutcomeWide:
		bowler.Wides++
	case OutcomeNoBall:
		bowler.NoBalls++
	}
	if d.IsLegalBall() {
		bowler.Balls++
	}
	if d.IsWicket && dismissalCreditsBowler(d.DismissalType) {
		bowler.Wickets++
	}

	// Active partnership accrues before any dismissal closes it. The pair
	// is bound from the first ball it faces so replay reproduces it.
	if inn.Partnership.Batsman1 == "" {
		inn.Partnership.Batsman1 = d.StrikerID
		inn.Partnership.Batsman2 = d.NonStrikerID
	}
	inn.Partnership.Runs += d.TotalRuns()
	if d.IsLegalBall() {
		inn.Partnership.Balls++
	}

	// 5. Wicket bookkeeping.
	if d.IsWicket {
		inn.Wickets++
		out.WicketFell = true
		inn.FallOfWickets = append(inn.FallOfWickets, FallOfWicket{
			Runs:     inn.Runs,
			Wicket:   inn.Wickets,
			Over:     oversString(inn.LegalBalls),
			PlayerID: d.DismissedPlayerID,
		})
		dismissed := inn.battingFigure(d.DismissedPlayerID)
		dismissed.Out = true
		dismissed.DismissalType = d.DismissalType
		dismissed.FielderID = d.FielderID
		if dismissalCreditsBowler(d.DismissalType) {
			dismissed.BowlerID = d.BowlerID
		}
		inn.Partnerships = append(inn.Partnerships, inn.Partnership)
		inn.Partnership = Partnership{}
	}

	// 6. Strike rotation triggers, reported separately so the caller can
	// encode them as two independent swaps.
	out.RotateForRuns = d.RotatesStrike()
	if d.IsLegalBall() && inn.LegalBalls%BallsPerOver == 0 {
		out.OverComplete = true
		if bowler.OverRuns == 0 {
			bowler.Maidens++
		}
		bowler.OverRuns = 0
	}

	return out
}

// truncate removes the most recent delivery from the log. Aggregate reversal
// is the checkpoint's job; the pair composes into the undo inverse.
func (inn *Innings) truncate() {
	if len(inn.Deliveries) > 0 {
		inn.Deliveries = inn.Deliveries[:len(inn.Deliveries)-1]
	}
}

// snapshot returns a deep copy of the innings aggregates with the delivery
// log stripped. Together with a one-entry log truncation it is sufficient
// to reverse exactly one apply.
func (inn *Innings) snapshot() (*Innings, error) {
	data, err := json.Marshal(inn)
	if err != nil {
		return nil, fmt.Errorf("snapshot marshal: %w", err)
	}
	var clone Innings
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil, fmt.Errorf("snapshot unmarshal: %w", err)
	}
	clone.Deliveries = nil
	clone.normalize()
	return &clone, nil
}

// restore rewinds the innings aggregates to a snapshot, keeping the current
// log minus its last entry.
func (inn *Innings) restore(snap *Innings) {
	log := inn.Deliveries
	*inn = *snap
	inn.normalize()
	inn.Deliveries = log
	inn.truncate()
}

// replayInnings rebuilds an innings from its delivery log alone. The result
// must equal the stored innings field for field; any divergence means an
// aggregate was mutated outside apply.
func replayInnings(inn *Innings) *Innings {
	fresh := newInnings(inn.Number, inn.BattingTeamID, inn.BowlingTeamID, inn.Target)
	for _, d := range inn.Deliveries {
		fresh.apply(d)
	}
	fresh.Closed = inn.Closed
	return fresh
}

// oversDisplay renders the innings progress, e.g. "12.4".
func (inn *Innings) oversDisplay() string {
	return oversString(inn.LegalBalls)
}
