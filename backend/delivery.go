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

import "fmt"

// Delivery represents one bowled ball, legal or illegal. Deliveries are
// constructed per submission, never mutated, and either appended to an
// innings ledger or discarded on validation failure.
type Delivery struct {
	ID                string `json:"id"`
	Outcome           string `json:"outcome"`
	RunsOffBat        int    `json:"runsOffBat"`
	ExtraRuns         int    `json:"extraRuns"`
	StrikerID         string `json:"strikerId"`
	NonStrikerID      string `json:"nonStrikerId"`
	BowlerID          string `json:"bowlerId"`
	IsWicket          bool   `json:"isWicket,omitempty"`
	DismissalType     string `json:"dismissalType,omitempty"`
	DismissedPlayerID string `json:"dismissedPlayerId,omitempty"`
	FielderID         string `json:"fielderId,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
}

// TotalRuns is the delivery's contribution to the team total.
func (d *Delivery) TotalRuns() int {
	return d.RunsOffBat + d.ExtraRuns
}

// IsLegalBall reports whether the delivery counts toward the over.
func (d *Delivery) IsLegalBall() bool {
	switch d.Outcome {
	case OutcomeWide, OutcomeNoBall, OutcomeDeadBall:
		return false
	}
	return true
}

// CountsBallFaced reports whether the striker is charged a ball faced.
// Wides do not count as a ball faced; no-balls do.
func (d *Delivery) CountsBallFaced() bool {
	switch d.Outcome {
	case OutcomeWide, OutcomeDeadBall:
		return false
	}
	return true
}

// BowlerConceded is the delivery's contribution to the bowler's runs
// conceded: everything except byes and leg-byes.
func (d *Delivery) BowlerConceded() int {
	switch d.Outcome {
	case OutcomeBye, OutcomeLegBye:
		return 0
	case OutcomeWide, OutcomeNoBall:
		return d.RunsOffBat + d.ExtraRuns
	}
	return d.RunsOffBat
}

// RotatesStrike reports whether this delivery's completed runs swap the
// batsmen, independent of the end-of-over rotation. Odd runs off the bat
// rotate; odd byes/leg-byes rotate (cricket law: the batsmen physically
// crossed); wide and no-ball penalty runs do not rotate by themselves.
func (d *Delivery) RotatesStrike() bool {
	if d.RunsOffBat%2 == 1 {
		return true
	}
	if (d.Outcome == OutcomeBye || d.Outcome == OutcomeLegBye) && d.ExtraRuns%2 == 1 {
		return true
	}
	return false
}

// dismissalCreditsBowler reports whether the kind counts toward the
// bowler's wickets. Run-outs do not.
func dismissalCreditsBowler(kind string) bool {
	switch kind {
	case DismissalBowled, DismissalCaught, DismissalLBW, DismissalStumped,
		DismissalCaughtAndBowled, DismissalHitWicket:
		return true
	}
	return false
}

func isKnownDismissal(kind string) bool {
	return kind == DismissalRunOut || dismissalCreditsBowler(kind)
}

func isKnownOutcome(outcome string) bool {
	switch outcome {
	case OutcomeNormal, OutcomeWide, OutcomeNoBall, OutcomeBye, OutcomeLegBye, OutcomeDeadBall:
		return true
	}
	return false
}

// oversString renders a legal-ball count in cricket notation, e.g. 29 -> "4.5".
func oversString(legalBalls int) string {
	return fmt.Sprintf("%d.%d", legalBalls/BallsPerOver, legalBalls%BallsPerOver)
}
