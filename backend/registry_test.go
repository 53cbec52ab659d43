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
	"testing"

	"github.com/c2FmZQ/storage"
	"github.com/google/uuid"
)

func newTestRegistry(t *testing.T) (*MatchStore, *RoomStore, *Registry) {
	t.Helper()
	tmpDir := t.TempDir()
	s := storage.New(tmpDir, nil)
	ms := NewMatchStore(tmpDir, s)
	rs := NewRoomStore(tmpDir, s)
	return ms, rs, NewRegistry(ms, rs, false)
}

func saveTestMatch(t *testing.T, ms *MatchStore, reg *Registry, owner, roomId string) *Match {
	t.Helper()
	req := testMatchRequest(2)
	req.RoomID = roomId
	m, err := NewMatch(req, owner)
	if err != nil {
		t.Fatalf("NewMatch: %v", err)
	}
	if err := ms.SaveMatch(m); err != nil {
		t.Fatalf("SaveMatch: %v", err)
	}
	reg.UpdateMatch(m)
	return m
}

func saveTestRoom(t *testing.T, rs *RoomStore, reg *Registry, owner string, roles RoomRoles) *Room {
	t.Helper()
	room := &Room{
		ID:      uuid.NewString(),
		Name:    "Test Room",
		OwnerID: owner,
		Roles:   roles,
	}
	room.normalize()
	if err := rs.SaveRoom(room); err != nil {
		t.Fatalf("SaveRoom: %v", err)
	}
	reg.UpdateRoom(room)
	return room
}

func TestRegistryListMatchesVisibility(t *testing.T) {
	ms, rs, reg := newTestRegistry(t)
	room := saveTestRoom(t, rs, reg, "host@example.com", RoomRoles{
		Viewers: []string{"viewer@example.com"},
	})

	owned := saveTestMatch(t, ms, reg, "owner@example.com", "")
	inRoom := saveTestMatch(t, ms, reg, "host@example.com", room.ID)

	got := reg.ListMatches("owner@example.com", "", "")
	if len(got) != 1 || got[0].ID != owned.ID {
		t.Errorf("Owner should see only their match, got %+v", got)
	}

	got = reg.ListMatches("viewer@example.com", "", "")
	if len(got) != 1 || got[0].ID != inRoom.ID {
		t.Errorf("Room viewer should see the room match, got %+v", got)
	}

	if got = reg.ListMatches("stranger@example.com", "", ""); len(got) != 0 {
		t.Errorf("Stranger should see nothing, got %+v", got)
	}
}

func TestRegistryListMatchesFilters(t *testing.T) {
	ms, rs, reg := newTestRegistry(t)
	room := saveTestRoom(t, rs, reg, "owner@example.com", RoomRoles{})

	saveTestMatch(t, ms, reg, "owner@example.com", "")
	inRoom := saveTestMatch(t, ms, reg, "owner@example.com", room.ID)

	got := reg.ListMatches("owner@example.com", room.ID, "")
	if len(got) != 1 || got[0].ID != inRoom.ID {
		t.Errorf("Room filter wrong: %+v", got)
	}

	if got = reg.ListMatches("owner@example.com", "", "alpha"); len(got) != 2 {
		t.Errorf("Team-name query should match both, got %d", len(got))
	}
	if got = reg.ListMatches("owner@example.com", "", "nomatch"); len(got) != 0 {
		t.Errorf("Query should match nothing, got %d", len(got))
	}
}

func TestRegistryTombstones(t *testing.T) {
	ms, _, reg := newTestRegistry(t)
	m := saveTestMatch(t, ms, reg, "owner@example.com", "")

	if reg.IsMatchDeleted(m.ID) {
		t.Error("Live match flagged deleted")
	}
	if err := ms.DeleteMatch(m.ID); err != nil {
		t.Fatalf("DeleteMatch: %v", err)
	}
	reg.DeleteMatch(m.ID)

	if !reg.IsMatchDeleted(m.ID) {
		t.Error("Deleted match not flagged")
	}
	if reg.MatchExists(m.ID) {
		t.Error("Tombstone must not count as existing")
	}
	if got := reg.ListMatches("owner@example.com", "", ""); len(got) != 0 {
		t.Errorf("Deleted match still listed: %+v", got)
	}
	if lvl := reg.GetAccessLevel("owner@example.com", m.ID); lvl != AccessNone {
		t.Errorf("Deleted match must grant no access, got %v", lvl)
	}
}

func TestRegistryCountOwned(t *testing.T) {
	ms, _, reg := newTestRegistry(t)
	saveTestMatch(t, ms, reg, "owner@example.com", "")
	saveTestMatch(t, ms, reg, "owner@example.com", "")
	saveTestMatch(t, ms, reg, "other@example.com", "")

	if n := reg.CountOwnedMatches("owner@example.com"); n != 2 {
		t.Errorf("Expected 2 owned matches, got %d", n)
	}
	if n := reg.CountTotalMatches(); n != 3 {
		t.Errorf("Expected 3 total matches, got %d", n)
	}
}

func TestRegistryRebuildFromDisk(t *testing.T) {
	tmpDir := t.TempDir()
	s := storage.New(tmpDir, nil)
	ms := NewMatchStore(tmpDir, s)
	rs := NewRoomStore(tmpDir, s)
	reg := NewRegistry(ms, rs, false)

	m := saveTestMatch(t, ms, reg, "owner@example.com", "")

	// A rebuilt registry over the same stores recovers the index.
	reg2 := NewRegistry(ms, rs, true)
	if got := reg2.ListMatches("owner@example.com", "", ""); len(got) != 1 || got[0].ID != m.ID {
		t.Errorf("Rebuild lost the match: %+v", got)
	}
}

func TestRoomAccessLevels(t *testing.T) {
	room := &Room{
		ID:      uuid.NewString(),
		OwnerID: "host@example.com",
		Roles: RoomRoles{
			Admins:  []string{"admin@example.com"},
			Scorers: []string{"scorer@example.com"},
			Viewers: []string{"viewer@example.com"},
		},
	}

	for _, tc := range []struct {
		user string
		want AccessLevel
	}{
		{"host@example.com", AccessAdmin},
		{"admin@example.com", AccessAdmin},
		{"scorer@example.com", AccessWrite},
		{"viewer@example.com", AccessRead},
		{"stranger@example.com", AccessNone},
		{"", AccessNone},
	} {
		if got := GetRoomAccess(tc.user, room); got != tc.want {
			t.Errorf("GetRoomAccess(%q) = %v, want %v", tc.user, got, tc.want)
		}
	}

	// Role emails are matched case-insensitively.
	if got := GetRoomAccess("Scorer@Example.COM", room); got != AccessWrite {
		t.Errorf("Case-insensitive match failed: %v", got)
	}
}

func TestMatchAccessInheritsRoom(t *testing.T) {
	ms, rs, reg := newTestRegistry(t)
	room := saveTestRoom(t, rs, reg, "host@example.com", RoomRoles{
		Scorers: []string{"scorer@example.com"},
	})
	m := saveTestMatch(t, ms, reg, "host@example.com", room.ID)

	if lvl := GetMatchAccess("scorer@example.com", m, reg); lvl != AccessWrite {
		t.Errorf("Scorer should inherit write access, got %v", lvl)
	}
	if lvl := GetMatchAccess("stranger@example.com", m, reg); lvl != AccessNone {
		t.Errorf("Stranger should have no access, got %v", lvl)
	}
	if lvl := GetMatchAccess("host@example.com", m, reg); lvl != AccessAdmin {
		t.Errorf("Owner should have admin access, got %v", lvl)
	}
}
