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
)

// CommandType represents the type of operation to perform on the FSM.
type CommandType string

const (
	CmdCreateMatch        CommandType = "CREATE_MATCH"
	CmdScoreOp            CommandType = "SCORE_OP"
	CmdDeleteMatch        CommandType = "DELETE_MATCH"
	CmdSaveRoom           CommandType = "SAVE_ROOM"
	CmdDeleteRoom         CommandType = "DELETE_ROOM"
	CmdNodeMeta           CommandType = "NODE_META"
	CmdNodeLeft           CommandType = "NODE_LEFT"
	CmdUpdateAccessPolicy CommandType = "UPDATE_ACCESS_POLICY"
	CmdMetricsUpdate      CommandType = "METRICS_UPDATE"
)

// RaftCommand is a unified structure for all Raft log entries.
type RaftCommand struct {
	Type           CommandType       `json:"type"`
	NodeMeta       *NodeMeta         `json:"nodeMeta,omitempty"`
	Op             *ScoreRequest     `json:"op,omitempty"`
	MatchData      *json.RawMessage  `json:"matchData,omitempty"`
	RoomData       *json.RawMessage  `json:"roomData,omitempty"`
	PolicyData     *UserAccessPolicy `json:"policyData,omitempty"`
	MetricsPayload *MetricsPayload   `json:"metricsPayload,omitempty"`
	ID             string            `json:"id,omitempty"`
	UserID         string            `json:"userId,omitempty"`
}

// NodeMeta contains metadata about a cluster node.
type NodeMeta struct {
	NodeID          string `json:"nodeId"`
	HttpAddr        string `json:"httpAddr"`
	AppVersion      string `json:"appVersion,omitempty"`
	ProtocolVersion int    `json:"protocolVersion,omitempty"`
	SchemaVersion   int    `json:"schemaVersion,omitempty"`
}
