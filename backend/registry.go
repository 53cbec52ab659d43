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
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const tombstoneTTL = 30 * 24 * time.Hour
const gcInterval = 12 * time.Hour

// UserAccessPolicy controls who may use the service and how much they may
// create. It is admin-managed and replicated through Raft in cluster mode.
type UserAccessPolicy struct {
	DefaultPolicy      string                  `json:"defaultPolicy"` // "allow" or "deny"
	DefaultMaxMatches  int                     `json:"defaultMaxMatches"`
	DefaultMaxRooms    int                     `json:"defaultMaxRooms"`
	DefaultDenyMessage string                  `json:"defaultDenyMessage"`
	Admins             []string                `json:"admins"`
	Users              map[string]UserOverride `json:"users"`
}

// UserOverride defines specific access rules for a single user.
type UserOverride struct {
	Access     string `json:"access"` // "allow" or "deny"
	MaxMatches int    `json:"maxMatches"`
	MaxRooms   int    `json:"maxRooms"`
}

// Registry keeps a metadata index of matches and rooms so that listing and
// permission checks avoid loading full delivery logs. Metadata sidecars on
// disk are the source of truth; the LRU caches keep the hot set in memory.
type Registry struct {
	matchStore *MatchStore
	roomStore  *RoomStore

	mu sync.RWMutex

	// Also acts as tombstone cache (Status="deleted").
	matchMetadata *lru.Cache[string, MatchMetadata]
	roomMetadata  *lru.Cache[string, RoomMetadata]

	matchCount int
	roomCount  int

	accessPolicy *UserAccessPolicy

	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a new Registry. With forceRebuild it scans the stores
// to warm the caches; otherwise it only counts entries.
func NewRegistry(ms *MatchStore, rs *RoomStore, forceRebuild bool) *Registry {
	mmCache, _ := lru.New[string, MatchMetadata](5000)
	rmCache, _ := lru.New[string, RoomMetadata](2000)

	r := &Registry{
		matchStore:    ms,
		roomStore:     rs,
		matchMetadata: mmCache,
		roomMetadata:  rmCache,
		stopChan:      make(chan struct{}),
	}

	if forceRebuild {
		r.Rebuild()
	} else {
		r.RefreshCounts()
		log.Printf("Registry: Fast startup. Found %d matches, %d rooms.", r.matchCount, r.roomCount)
	}

	r.StartGC()
	return r
}

// StartGC starts the background tombstone garbage collector.
func (r *Registry) StartGC() {
	go func() {
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.PurgeOldTombstones()
			case <-r.stopChan:
				return
			}
		}
	}()
}

// StopGC stops the background tombstone garbage collector.
func (r *Registry) StopGC() {
	r.stopOnce.Do(func() {
		close(r.stopChan)
	})
}

// PurgeOldTombstones permanently deletes expired tombstones from disk.
func (r *Registry) PurgeOldTombstones() {
	log.Println("Registry: Garbage collection of expired tombstones started...")
	cutoff := time.Now().UnixNano() - tombstoneTTL.Nanoseconds()

	var purgedMatches, purgedRooms int
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err == nil && m.Status == StatusDeleted && m.DeletedAt > 0 && m.DeletedAt < cutoff {
			if err := r.matchStore.PurgeMatch(m.ID); err == nil {
				r.matchMetadata.Remove(m.ID)
				purgedMatches++
			}
		}
	}
	for rm, err := range r.roomStore.ListAllRoomMetadata() {
		if err == nil && rm.Status == StatusDeleted && rm.DeletedAt > 0 && rm.DeletedAt < cutoff {
			if err := r.roomStore.PurgeRoom(rm.ID); err == nil {
				r.roomMetadata.Remove(rm.ID)
				purgedRooms++
			}
		}
	}

	if purgedMatches > 0 || purgedRooms > 0 {
		log.Printf("Registry: GC complete. Purged %d matches, %d rooms.", purgedMatches, purgedRooms)
	}
}

// RefreshCounts updates the global counts from the metadata sidecars.
func (r *Registry) RefreshCounts() {
	var matches, rooms int
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err == nil && m.Status != StatusDeleted {
			matches++
		}
	}
	for rm, err := range r.roomStore.ListAllRoomMetadata() {
		if err == nil && rm.Status != StatusDeleted {
			rooms++
		}
	}
	r.mu.Lock()
	r.matchCount = matches
	r.roomCount = rooms
	r.mu.Unlock()
}

// Rebuild reconstructs the caches by scanning the underlying stores.
func (r *Registry) Rebuild() {
	log.Println("Registry: Rebuild started...")
	cutoff := time.Now().UnixNano() - tombstoneTTL.Nanoseconds()

	var matches, rooms int
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing matches: %v", err)
			break
		}
		if m.Status == StatusDeleted && m.DeletedAt > 0 && m.DeletedAt < cutoff {
			r.matchStore.PurgeMatch(m.ID)
			continue
		}
		r.matchMetadata.Add(m.ID, m)
		if m.Status != StatusDeleted {
			matches++
		}
	}
	for rm, err := range r.roomStore.ListAllRoomMetadata() {
		if err != nil {
			log.Printf("Registry: Error listing rooms: %v", err)
			break
		}
		if rm.Status == StatusDeleted && rm.DeletedAt > 0 && rm.DeletedAt < cutoff {
			r.roomStore.PurgeRoom(rm.ID)
			continue
		}
		r.roomMetadata.Add(rm.ID, rm)
		if rm.Status != StatusDeleted {
			rooms++
		}
	}

	r.mu.Lock()
	r.matchCount = matches
	r.roomCount = rooms
	r.mu.Unlock()

	log.Printf("Registry: Rebuild complete. Indexed %d matches, %d rooms.", matches, rooms)
}

// UpdateAccessPolicy updates the cached access policy.
func (r *Registry) UpdateAccessPolicy(policy *UserAccessPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accessPolicy = policy
}

// GetAccessPolicy returns the current access policy.
func (r *Registry) GetAccessPolicy() *UserAccessPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.accessPolicy
}

// UpdateMatch refreshes the cached metadata after a write.
func (r *Registry) UpdateMatch(m *Match) {
	meta := metadataOf(m)
	if old, ok := r.matchMetadata.Peek(m.ID); !ok || old.Status == StatusDeleted {
		if m.Status != StatusDeleted {
			r.mu.Lock()
			r.matchCount++
			r.mu.Unlock()
		}
	}
	r.matchMetadata.Add(m.ID, meta)
}

// UpdateRoom refreshes the cached metadata after a write.
func (r *Registry) UpdateRoom(room *Room) {
	if old, ok := r.roomMetadata.Peek(room.ID); !ok || old.Status == StatusDeleted {
		if room.Status != StatusDeleted {
			r.mu.Lock()
			r.roomCount++
			r.mu.Unlock()
		}
	}
	r.roomMetadata.Add(room.ID, RoomMetadata{
		ID: room.ID, OwnerID: room.OwnerID, Roles: room.Roles, Public: room.Public,
		UpdatedAt: room.UpdatedAt, Status: room.Status, DeletedAt: room.DeletedAt,
	})
}

// DeleteMatch caches a tombstone for a deleted match.
func (r *Registry) DeleteMatch(matchId string) {
	if m, ok := r.matchMetadata.Peek(matchId); ok && m.Status == StatusDeleted {
		return
	}
	r.mu.Lock()
	r.matchCount--
	r.mu.Unlock()
	r.matchMetadata.Add(matchId, MatchMetadata{
		ID: matchId, Status: StatusDeleted, DeletedAt: time.Now().UnixNano(),
	})
}

// DeleteRoom caches a tombstone for a deleted room.
func (r *Registry) DeleteRoom(roomId string) {
	if m, ok := r.roomMetadata.Peek(roomId); ok && m.Status == StatusDeleted {
		return
	}
	r.mu.Lock()
	r.roomCount--
	r.mu.Unlock()
	r.roomMetadata.Add(roomId, RoomMetadata{
		ID: roomId, Status: StatusDeleted, DeletedAt: time.Now().UnixNano(),
	})
}

func (r *Registry) getMatchMeta(id string) (MatchMetadata, bool) {
	if m, ok := r.matchMetadata.Get(id); ok {
		return m, true
	}
	m, err := r.matchStore.LoadMatch(id)
	if err != nil {
		return MatchMetadata{}, false
	}
	meta := metadataOf(m)
	r.matchMetadata.Add(id, meta)
	return meta, true
}

func (r *Registry) getRoomMeta(id string) (RoomMetadata, bool) {
	if m, ok := r.roomMetadata.Get(id); ok {
		return m, true
	}
	room, err := r.roomStore.LoadRoom(id)
	if err != nil {
		return RoomMetadata{}, false
	}
	meta := RoomMetadata{
		ID: room.ID, OwnerID: room.OwnerID, Roles: room.Roles, Public: room.Public,
		UpdatedAt: room.UpdatedAt, Status: room.Status, DeletedAt: room.DeletedAt,
	}
	r.roomMetadata.Add(id, meta)
	return meta, true
}

func (r *Registry) IsMatchDeleted(id string) bool {
	if m, ok := r.getMatchMeta(id); ok {
		return m.Status == StatusDeleted
	}
	return false
}

func (r *Registry) MatchExists(id string) bool {
	m, ok := r.getMatchMeta(id)
	return ok && m.Status != StatusDeleted
}

func (r *Registry) RoomExists(id string) bool {
	m, ok := r.getRoomMeta(id)
	return ok && m.Status != StatusDeleted
}

func (r *Registry) CountTotalMatches() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.matchCount
}

func (r *Registry) CountTotalRooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomCount
}

// CountOwnedMatches scans metadata to count the user's live matches,
// for quota checks.
func (r *Registry) CountOwnedMatches(userId string) int {
	userId = normalizeEmail(userId)
	count := 0
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			break
		}
		if m.Status != StatusDeleted && normalizeEmail(m.OwnerID) == userId {
			count++
		}
	}
	return count
}

// CountOwnedRooms scans metadata to count the user's live rooms.
func (r *Registry) CountOwnedRooms(userId string) int {
	userId = normalizeEmail(userId)
	count := 0
	for m, err := range r.roomStore.ListAllRoomMetadata() {
		if err != nil {
			break
		}
		if m.Status != StatusDeleted && normalizeEmail(m.OwnerID) == userId {
			count++
		}
	}
	return count
}

// roomAccessFromMeta computes a user's access to a room from its metadata.
func roomAccessFromMeta(userId string, m RoomMetadata) AccessLevel {
	if userId == "" {
		if m.Public == "read" {
			return AccessRead
		}
		return AccessNone
	}
	if normalizeEmail(m.OwnerID) == userId {
		return AccessAdmin
	}
	for _, u := range m.Roles.Admins {
		if normalizeEmail(u) == userId {
			return AccessAdmin
		}
	}
	for _, u := range m.Roles.Scorers {
		if normalizeEmail(u) == userId {
			return AccessWrite
		}
	}
	for _, u := range m.Roles.Viewers {
		if normalizeEmail(u) == userId {
			return AccessRead
		}
	}
	if m.Public == "read" {
		return AccessRead
	}
	return AccessNone
}

// matchAccessFromMeta computes a user's access to a match without loading
// the full document.
func (r *Registry) matchAccessFromMeta(userId string, m MatchMetadata) AccessLevel {
	if m.Status == StatusDeleted {
		return AccessNone
	}
	if userId != "" && normalizeEmail(m.OwnerID) == userId {
		return AccessAdmin
	}
	if m.RoomID == "" {
		return AccessNone
	}
	rm, ok := r.getRoomMeta(m.RoomID)
	if !ok || rm.Status == StatusDeleted {
		return AccessNone
	}
	return roomAccessFromMeta(userId, rm)
}

// GetAccessLevel calculates the effective access level for a user on a
// match using indexed metadata.
func (r *Registry) GetAccessLevel(userId, matchId string) AccessLevel {
	userId = normalizeEmail(userId)
	m, ok := r.getMatchMeta(matchId)
	if !ok {
		return AccessNone
	}
	return r.matchAccessFromMeta(userId, m)
}

// ListMatches returns metadata for every match the user can read, filtered
// by room and a substring query on team names, newest first.
func (r *Registry) ListMatches(userId, roomId, query string) []MatchMetadata {
	userId = normalizeEmail(userId)
	query = strings.ToLower(query)

	var out []MatchMetadata
	for m, err := range r.matchStore.ListAllMatchMetadata() {
		if err != nil {
			break
		}
		if m.Status == StatusDeleted {
			continue
		}
		if roomId != "" && m.RoomID != roomId {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(m.TeamAName), query) &&
			!strings.Contains(strings.ToLower(m.TeamBName), query) {
			continue
		}
		if r.matchAccessFromMeta(userId, m) < AccessRead {
			continue
		}
		r.matchMetadata.Add(m.ID, m)
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListRooms returns metadata for every room the user belongs to.
func (r *Registry) ListRooms(userId string) []RoomMetadata {
	userId = normalizeEmail(userId)

	var out []RoomMetadata
	for m, err := range r.roomStore.ListAllRoomMetadata() {
		if err != nil {
			break
		}
		if m.Status == StatusDeleted {
			continue
		}
		if roomAccessFromMeta(userId, m) < AccessRead {
			continue
		}
		r.roomMetadata.Add(m.ID, m)
		out = append(out, m)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
