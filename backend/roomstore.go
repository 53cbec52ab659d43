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
	"iter"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
)

// RoomRoles defines the members of a room by their role. Admins manage
// membership and can delete matches; scorers submit balls; viewers watch.
type RoomRoles struct {
	Admins  []string `json:"admins"`
	Scorers []string `json:"scorers"`
	Viewers []string `json:"viewers"`
}

func (r *RoomRoles) normalize() {
	if r.Admins == nil {
		r.Admins = make([]string, 0)
	}
	if r.Scorers == nil {
		r.Scorers = make([]string, 0)
	}
	if r.Viewers == nil {
		r.Viewers = make([]string, 0)
	}
}

// Room groups matches under a shared membership list, e.g. one club or
// one tournament.
type Room struct {
	ID            string    `json:"id"`
	SchemaVersion int       `json:"schemaVersion"`
	Name          string    `json:"name,omitempty"`
	Description   string    `json:"description,omitempty"`
	OwnerID       string    `json:"ownerId"`
	Roles         RoomRoles `json:"roles,omitempty"`

	// Public controls anonymous read access: "none" or "read".
	Public string `json:"public,omitempty"`

	UpdatedAt int64 `json:"updatedAt,omitempty"`

	// Status can be "active" (default/empty) or "deleted".
	Status    string `json:"status,omitempty"`
	DeletedAt int64  `json:"deletedAt,omitempty"`

	LastRaftIndex uint64 `json:"lastRaftIndex,omitempty"`
}

func (r *Room) normalize() {
	if r.SchemaVersion == 0 {
		r.SchemaVersion = CurrentSchemaVersion
	}
	r.Roles.normalize()
}

// hasMember reports whether the email appears in any role list.
func (r *Room) hasMember(email string) bool {
	if r.OwnerID == email {
		return true
	}
	for _, list := range [][]string{r.Roles.Admins, r.Roles.Scorers, r.Roles.Viewers} {
		for _, e := range list {
			if e == email {
				return true
			}
		}
	}
	return false
}

func (r *Room) isAdmin(email string) bool {
	if r.OwnerID == email {
		return true
	}
	for _, e := range r.Roles.Admins {
		if e == email {
			return true
		}
	}
	return false
}

func (r *Room) canScore(email string) bool {
	if r.isAdmin(email) {
		return true
	}
	for _, e := range r.Roles.Scorers {
		if e == email {
			return true
		}
	}
	return false
}

// RoomStore manages room persistence to disk.
type RoomStore struct {
	DataDir string
	storage *storage.Storage
	mu      sync.Map // *sync.Mutex per roomId
}

// NewRoomStore creates a new RoomStore.
func NewRoomStore(dataDir string, s *storage.Storage) *RoomStore {
	return &RoomStore{
		DataDir: dataDir,
		storage: s,
	}
}

func roomFilename(roomId string) string {
	return filepath.Join("rooms", fmt.Sprintf("%s.json", url.PathEscape(roomId)))
}

// SaveRoom saves the room data atomically.
func (rs *RoomStore) SaveRoom(room *Room) error {
	m, _ := rs.mu.LoadOrStore(room.ID, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	if err := rs.storage.SaveDataFile(roomFilename(room.ID), room); err != nil {
		return &PersistenceError{Err: fmt.Errorf("storage.SaveDataFile: %w", err)}
	}
	return nil
}

// LoadRoom loads the room data by ID.
func (rs *RoomStore) LoadRoom(roomId string) (*Room, error) {
	var r Room
	if err := rs.storage.ReadDataFile(roomFilename(roomId), &r); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, &PersistenceError{Err: fmt.Errorf("ReadDataFile: %w", err)}
	}
	r.normalize()
	return &r, nil
}

// LoadRoomAsJSON is a helper for API handlers that just want bytes.
func (rs *RoomStore) LoadRoomAsJSON(roomId string) ([]byte, error) {
	r, err := rs.LoadRoom(roomId)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

// RoomMetadata contains only the fields needed for indexing.
type RoomMetadata struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Roles     RoomRoles `json:"roles"`
	Public    string    `json:"public"`
	UpdatedAt int64     `json:"updatedAt"`
	Status    string    `json:"status"`
	DeletedAt int64     `json:"deletedAt"`
}

// ListAllRoomMetadata returns an iterator over metadata for all rooms.
func (rs *RoomStore) ListAllRoomMetadata() iter.Seq2[RoomMetadata, error] {
	return func(yield func(RoomMetadata, error) bool) {
		roomsDir := filepath.Join(rs.DataDir, "rooms")
		files, err := os.ReadDir(roomsDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(RoomMetadata{}, fmt.Errorf("could not read rooms directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			roomId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			r, err := rs.LoadRoom(roomId)
			if err != nil {
				continue
			}
			if !yield(RoomMetadata{
				ID:        r.ID,
				OwnerID:   r.OwnerID,
				Roles:     r.Roles,
				Public:    r.Public,
				UpdatedAt: r.UpdatedAt,
				Status:    r.Status,
				DeletedAt: r.DeletedAt,
			}, nil) {
				return
			}
		}
	}
}

// ListAllRooms returns an iterator over all rooms in the flat rooms directory.
func (rs *RoomStore) ListAllRooms() iter.Seq2[*Room, error] {
	return func(yield func(*Room, error) bool) {
		roomsDir := filepath.Join(rs.DataDir, "rooms")
		files, err := os.ReadDir(roomsDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read rooms directory: %w", err))
			}
			return
		}

		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			roomId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			r, err := rs.LoadRoom(roomId)
			if err != nil {
				log.Printf("Warning: could not load room '%s': %v", roomId, err)
				continue
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}

// ListAllRoomIDs returns the IDs of all rooms on disk.
func (rs *RoomStore) ListAllRoomIDs() ([]string, error) {
	roomsDir := filepath.Join(rs.DataDir, "rooms")
	files, err := os.ReadDir(roomsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read rooms directory: %w", err)
	}

	ids := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		roomId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue
		}
		ids = append(ids, roomId)
	}
	return ids, nil
}

// RestoreRoom writes a room received from a snapshot directly to disk.
func (rs *RoomStore) RestoreRoom(r *Room) error {
	return rs.SaveRoom(r)
}

// DeleteRoom deletes a specific room by overwriting it with a tombstone.
func (rs *RoomStore) DeleteRoom(roomId string) error {
	r, err := rs.LoadRoom(roomId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	m, _ := rs.mu.LoadOrStore(roomId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	tombstone := &Room{
		ID:            roomId,
		SchemaVersion: CurrentSchemaVersion,
		OwnerID:       r.OwnerID,
		Status:        StatusDeleted,
		DeletedAt:     time.Now().UnixNano(),
	}
	if err := rs.storage.SaveDataFile(roomFilename(roomId), tombstone); err != nil {
		return &PersistenceError{Err: fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)}
	}
	return nil
}

// PurgeRoom permanently deletes the room file.
func (rs *RoomStore) PurgeRoom(roomId string) error {
	m, _ := rs.mu.LoadOrStore(roomId, &sync.Mutex{})
	mutex := m.(*sync.Mutex)

	mutex.Lock()
	defer mutex.Unlock()

	if err := os.Remove(filepath.Join(rs.DataDir, roomFilename(roomId))); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("could not purge room file: %w", err)
	}
	return nil
}
