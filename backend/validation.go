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
	"net/mail"
	"regexp"
)

// uuidRegex is a regex for standard UUIDs (8-4-4-4-12 hex digits)
var uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

// isValidUUID checks if the string is a valid UUID.
func isValidUUID(id string) bool {
	return uuidRegex.MatchString(id)
}

// isValidEmail checks if the string is a plausible email address.
func isValidEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// validateStringLen checks if the string length is within the limit.
func validateStringLen(s string, max int, name string) error {
	if len(s) > max {
		return validationErrorf(name, "too long (max %d chars)", max)
	}
	return nil
}

// NewMatchRequest is the body of POST /api/match.
type NewMatchRequest struct {
	TeamA      Team   `json:"teamA"`
	TeamB      Team   `json:"teamB"`
	OversLimit int    `json:"oversLimit"`
	Toss       Toss   `json:"toss"`
	RoomID     string `json:"roomId,omitempty"`
}

func validateTeam(t Team, name string) error {
	if t.ID == "" {
		return validationErrorf(name+".id", "missing team ID")
	}
	if t.Name == "" {
		return validationErrorf(name+".name", "missing team name")
	}
	if err := validateStringLen(t.Name, 50, name+".name"); err != nil {
		return err
	}
	if len(t.Players) < 2 {
		return validationErrorf(name+".players", "need at least 2 players, got %d", len(t.Players))
	}
	if len(t.Players) > 16 {
		return validationErrorf(name+".players", "too many players (max 16)")
	}
	seen := make(map[string]bool, len(t.Players))
	for _, p := range t.Players {
		if p.ID == "" {
			return validationErrorf(name+".players", "missing player ID")
		}
		if err := validateStringLen(p.Name, 50, name+".players.name"); err != nil {
			return err
		}
		if seen[p.ID] {
			return validationErrorf(name+".players", "duplicate player ID %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func validateNewMatch(req *NewMatchRequest) error {
	if err := validateTeam(req.TeamA, "teamA"); err != nil {
		return err
	}
	if err := validateTeam(req.TeamB, "teamB"); err != nil {
		return err
	}
	if req.TeamA.ID == req.TeamB.ID {
		return validationErrorf("teamB.id", "teams must be distinct")
	}
	if req.OversLimit < 1 || req.OversLimit > 50 {
		return validationErrorf("oversLimit", "must be between 1 and 50, got %d", req.OversLimit)
	}
	if req.Toss.WinnerTeamID != req.TeamA.ID && req.Toss.WinnerTeamID != req.TeamB.ID {
		return validationErrorf("toss.winnerTeamId", "not one of the match teams")
	}
	if req.Toss.Decision != TossDecisionBat && req.Toss.Decision != TossDecisionBowl {
		return validationErrorf("toss.decision", "must be %q or %q", TossDecisionBat, TossDecisionBowl)
	}
	return nil
}

// dismissalsByOutcome lists the dismissal types possible off each delivery
// outcome. A no-ball suspends every bowler-credited mode; a wide still
// allows the keeper or fielders to act.
var dismissalsByOutcome = map[string]map[string]bool{
	OutcomeNormal: {
		DismissalBowled:          true,
		DismissalCaught:          true,
		DismissalLBW:             true,
		DismissalRunOut:          true,
		DismissalStumped:         true,
		DismissalCaughtAndBowled: true,
		DismissalHitWicket:       true,
	},
	OutcomeWide: {
		DismissalStumped:   true,
		DismissalRunOut:    true,
		DismissalHitWicket: true,
	},
	OutcomeNoBall: {
		DismissalRunOut: true,
	},
	OutcomeBye: {
		DismissalRunOut: true,
	},
	OutcomeLegBye: {
		DismissalRunOut: true,
	},
}

// validateDelivery checks a delivery against the match's current state. The
// caller has already established that the match accepts deliveries.
func validateDelivery(m *Match, d *Delivery) error {
	if d.ID != "" && !isValidUUID(d.ID) {
		return validationErrorf("id", "not a valid UUID")
	}
	if !isKnownOutcome(d.Outcome) {
		return validationErrorf("outcome", "unknown outcome %q", d.Outcome)
	}
	if d.RunsOffBat < 0 || d.RunsOffBat > MaxRunsOffBat {
		return validationErrorf("runsOffBat", "must be between 0 and %d", MaxRunsOffBat)
	}
	if d.ExtraRuns < 0 || d.ExtraRuns > MaxExtraRuns {
		return validationErrorf("extraRuns", "must be between 0 and %d", MaxExtraRuns)
	}
	switch d.Outcome {
	case OutcomeNormal:
		if d.ExtraRuns != 0 {
			return validationErrorf("extraRuns", "not allowed on a normal delivery")
		}
	case OutcomeWide:
		if d.RunsOffBat != 0 {
			return validationErrorf("runsOffBat", "not allowed on a wide")
		}
		if d.ExtraRuns < 1 {
			return validationErrorf("extraRuns", "a wide scores at least 1")
		}
	case OutcomeNoBall:
		if d.ExtraRuns < 1 {
			return validationErrorf("extraRuns", "a no-ball scores at least 1")
		}
	case OutcomeBye, OutcomeLegBye:
		if d.RunsOffBat != 0 {
			return validationErrorf("runsOffBat", "not allowed on a %s", d.Outcome)
		}
		if d.ExtraRuns < 1 {
			return validationErrorf("extraRuns", "at least 1 %s run required", d.Outcome)
		}
	case OutcomeDeadBall:
		if d.RunsOffBat != 0 || d.ExtraRuns != 0 {
			return validationErrorf("extraRuns", "a dead ball scores nothing")
		}
		if d.IsWicket {
			return validationErrorf("isWicket", "no dismissal on a dead ball")
		}
	}

	if d.StrikerID != m.StrikerID {
		return validationErrorf("strikerId", "expected current striker %s", m.StrikerID)
	}
	if d.NonStrikerID != m.NonStrikerID {
		return validationErrorf("nonStrikerId", "expected current non-striker %s", m.NonStrikerID)
	}
	if d.BowlerID != m.BowlerID {
		return validationErrorf("bowlerId", "expected current bowler %s", m.BowlerID)
	}

	if !d.IsWicket {
		if d.DismissalType != "" {
			return validationErrorf("dismissalType", "set without isWicket")
		}
		if d.DismissedPlayerID != "" {
			return validationErrorf("dismissedPlayerId", "set without isWicket")
		}
		return nil
	}

	if !isKnownDismissal(d.DismissalType) {
		return validationErrorf("dismissalType", "unknown dismissal %q", d.DismissalType)
	}
	if !dismissalsByOutcome[d.Outcome][d.DismissalType] {
		return validationErrorf("dismissalType", "%s not possible off a %s", d.DismissalType, d.Outcome)
	}
	switch d.DismissalType {
	case DismissalRunOut:
		if d.DismissedPlayerID != d.StrikerID && d.DismissedPlayerID != d.NonStrikerID {
			return validationErrorf("dismissedPlayerId", "run-out must dismiss one of the batsmen at the crease")
		}
	default:
		if d.DismissedPlayerID != d.StrikerID {
			return validationErrorf("dismissedPlayerId", "%s can only dismiss the striker", d.DismissalType)
		}
	}
	switch d.DismissalType {
	case DismissalCaught, DismissalRunOut, DismissalStumped:
		if d.FielderID == "" {
			return validationErrorf("fielderId", "required for %s", d.DismissalType)
		}
	}
	return nil
}

// validateStartInnings checks the opening field placements for an innings.
func validateStartInnings(m *Match, battingTeam *Team, striker, nonStriker, bowler string) error {
	bowlingTeam := m.otherTeam(battingTeam.ID)
	if striker == "" || nonStriker == "" {
		return validationErrorf("strikerId", "both opening batsmen are required")
	}
	if striker == nonStriker {
		return validationErrorf("nonStrikerId", "batsmen must be distinct")
	}
	if !m.hasPlayer(battingTeam.ID, striker) {
		return validationErrorf("strikerId", "%s is not in the batting team", striker)
	}
	if !m.hasPlayer(battingTeam.ID, nonStriker) {
		return validationErrorf("nonStrikerId", "%s is not in the batting team", nonStriker)
	}
	if !m.hasPlayer(bowlingTeam.ID, bowler) {
		return validationErrorf("bowlerId", "%s is not in the bowling team", bowler)
	}
	return nil
}

// validateSetBatsman checks an incoming batsman after a wicket.
func validateSetBatsman(m *Match, inn *Innings, playerId string) error {
	if !m.hasPlayer(inn.BattingTeamID, playerId) {
		return validationErrorf("batsmanId", "%s is not in the batting team", playerId)
	}
	if bf, ok := inn.Batting[playerId]; ok && bf.Out {
		return validationErrorf("batsmanId", "%s is already out", playerId)
	}
	if playerId == m.StrikerID || playerId == m.NonStrikerID {
		return validationErrorf("batsmanId", "%s is already at the crease", playerId)
	}
	return nil
}

// validateSetBowler checks the bowler for the next over. The same bowler
// cannot bowl consecutive overs.
func validateSetBowler(m *Match, inn *Innings, playerId string) error {
	if !m.hasPlayer(inn.BowlingTeamID, playerId) {
		return validationErrorf("bowlerId", "%s is not in the bowling team", playerId)
	}
	if playerId == m.PrevBowlerID {
		return validationErrorf("bowlerId", "%s bowled the previous over", playerId)
	}
	return nil
}
