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

// Schema Versions
const (
	SchemaVersionV1      = 1
	CurrentSchemaVersion = 1
)

// Cluster compatibility versions. ProtocolVersion gates which nodes may
// join a cluster; AppVersion is informational.
const (
	CurrentProtocolVersion = 1
	CurrentAppVersion      = "0.1.0"
)

const (
	// BallsPerOver is the number of legal deliveries in an over.
	BallsPerOver = 6

	// MaxRunsOffBat allows for the extreme overthrow case (6 + 1).
	MaxRunsOffBat = 7

	// MaxExtraRuns bounds any single extras count on one delivery.
	MaxExtraRuns = 7
)

// Delivery outcomes
const (
	OutcomeNormal   = "normal"
	OutcomeWide     = "wide"
	OutcomeNoBall   = "no_ball"
	OutcomeBye      = "bye"
	OutcomeLegBye   = "leg_bye"
	OutcomeDeadBall = "dead_ball"
)

// Dismissal kinds
const (
	DismissalBowled          = "bowled"
	DismissalCaught          = "caught"
	DismissalLBW             = "lbw"
	DismissalRunOut          = "run_out"
	DismissalStumped         = "stumped"
	DismissalCaughtAndBowled = "caught_and_bowled"
	DismissalHitWicket       = "hit_wicket"
)

// Match lifecycle statuses
const (
	StatusNotStarted   = "not_started"
	StatusTossDone     = "toss_done"
	StatusInProgress   = "in_progress"
	StatusInningsBreak = "innings_break"
	StatusCompleted    = "completed"
	StatusAbandoned    = "abandoned"
	StatusDeleted      = "deleted"
)

// Toss decisions
const (
	TossDecisionBat  = "bat"
	TossDecisionBowl = "bowl"
)

// Broadcast event kinds. Downstream consumers react differently to each,
// so every kind is delivered as its own notification.
const (
	EventBallUpdate      = "ball_update"
	EventWicketFallen    = "wicket_fallen"
	EventOverComplete    = "over_complete"
	EventInningsComplete = "innings_complete"
	EventMatchComplete   = "match_complete"
	EventUndoBall        = "undo_ball"
)

// Scoring operations serialized through the match hub.
const (
	OpDelivery     = "delivery"
	OpUndo         = "undo"
	OpStartInnings = "start_innings"
	OpSetBatsman   = "set_batsman"
	OpSetBowler    = "set_bowler"
	OpAbandon      = "abandon"
)
