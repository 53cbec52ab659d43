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
	"net/http"
	"strings"
)

type contextKey struct{}

// userIDKey is the context key for the authenticated user's ID (email).
// The associated value is always a string.
var userIDKey contextKey

// getUserID returns the UserID from the request context, if present.
func getUserID(r *http.Request) string {
	if val := r.Context().Value(userIDKey); val != nil {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

// normalizeEmail ensures consistent casing and whitespace for User IDs.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// maskEmail obscures an email address for safe logging.
// e.g. "user@example.com" -> "u***@example.com"
func maskEmail(email string) string {
	if email == "" {
		return "<empty>"
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 || len(parts[0]) < 1 {
		return "****"
	}
	return string(parts[0][0]) + "***@" + parts[1]
}

type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessRead
	AccessWrite
	AccessAdmin
)

// GetMatchAccess calculates the effective access level for a user on a
// match. The owner is admin; otherwise membership of the match's room
// decides, and a public room grants anonymous read.
func GetMatchAccess(userId string, m *Match, r *Registry) AccessLevel {
	userId = normalizeEmail(userId)
	ownerId := normalizeEmail(m.OwnerID)

	// 1. Owner has full access
	if userId != "" && ownerId == userId {
		return AccessAdmin
	}

	// 2. Room inheritance
	level := AccessNone
	var public string
	if m.RoomID != "" && r != nil {
		if room, err := r.roomStore.LoadRoom(m.RoomID); err == nil && room.Status != StatusDeleted {
			public = room.Public
			if userId != "" {
				level = GetRoomAccess(userId, room)
			}
		}
	}
	if level > AccessNone {
		return level
	}

	// 3. Public Access
	if public == "read" {
		return AccessRead
	}
	return AccessNone
}

// GetRoomAccess calculates the effective access level for a user on a room.
func GetRoomAccess(userId string, room *Room) AccessLevel {
	userId = normalizeEmail(userId)
	if userId == "" {
		return AccessNone
	}
	if normalizeEmail(room.OwnerID) == userId {
		return AccessAdmin
	}

	for _, u := range room.Roles.Admins {
		if normalizeEmail(u) == userId {
			return AccessAdmin
		}
	}
	for _, u := range room.Roles.Scorers {
		if normalizeEmail(u) == userId {
			return AccessWrite
		}
	}
	for _, u := range room.Roles.Viewers {
		if normalizeEmail(u) == userId {
			return AccessRead
		}
	}

	return AccessNone
}
