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

// MatchStore manages match persistence to disk. Writers go through a
// per-match RWMutex; the byte cache is authoritative between flushes.
type MatchStore struct {
	DataDir string
	Debug   bool
	storage *storage.Storage
	mu      sync.Map // *sync.RWMutex per matchId
	cache   sync.Map // latest []byte (JSON) per matchId

	dirtyMu sync.Mutex
	dirty   map[string]bool
}

// NewMatchStore creates a new MatchStore.
func NewMatchStore(dataDir string, s *storage.Storage) *MatchStore {
	return &MatchStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
}

func matchFilenames(matchId string) (string, string) {
	encoded := url.PathEscape(matchId)
	return filepath.Join("matches", fmt.Sprintf("%s.json", encoded)),
		filepath.Join("matches", fmt.Sprintf("%s.meta.json", encoded))
}

// MatchMetadata contains only the fields needed for indexing.
type MatchMetadata struct {
	ID        string `json:"id"`
	OwnerID   string `json:"ownerId"`
	RoomID    string `json:"roomId"`
	TeamAID   string `json:"teamAId"`
	TeamBID   string `json:"teamBId"`
	TeamAName string `json:"teamAName"`
	TeamBName string `json:"teamBName"`
	Status    string `json:"status"`
	Summary   string `json:"summary,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
	DeletedAt int64  `json:"deletedAt,omitempty"`
}

func metadataOf(m *Match) MatchMetadata {
	meta := MatchMetadata{
		ID:        m.ID,
		OwnerID:   m.OwnerID,
		RoomID:    m.RoomID,
		TeamAID:   m.TeamA.ID,
		TeamBID:   m.TeamB.ID,
		TeamAName: m.TeamA.Name,
		TeamBName: m.TeamB.Name,
		Status:    m.Status,
		UpdatedAt: m.UpdatedAt.UnixNano(),
	}
	if m.Result != nil {
		meta.Summary = m.Result.Summary
	}
	return meta
}

// SaveMatch saves the match data atomically, plus its metadata sidecar.
func (ms *MatchStore) SaveMatch(m *Match) error {
	mu, _ := ms.mu.LoadOrStore(m.ID, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	filename, metaFilename := matchFilenames(m.ID)

	if err := ms.storage.SaveDataFile(filename, m); err != nil {
		return &PersistenceError{Err: fmt.Errorf("storage.SaveDataFile: %w", err)}
	}

	meta := metadataOf(m)
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		// Non-fatal, listing falls back to the main file.
		log.Printf("WARN SaveMatch: metadata sidecar for %s: %v", m.ID, err)
	}

	if jsonBytes, err := json.Marshal(m); err == nil {
		ms.cache.Store(m.ID, jsonBytes)
	}

	ms.dirtyMu.Lock()
	delete(ms.dirty, m.ID)
	ms.dirtyMu.Unlock()

	return nil
}

// SaveMatchInMemory updates the cache and marks the match dirty. With
// forceSync it writes through immediately.
func (ms *MatchStore) SaveMatchInMemory(m *Match, forceSync bool) error {
	jsonBytes, err := json.Marshal(m)
	if err != nil {
		return err
	}
	ms.cache.Store(m.ID, jsonBytes)

	if forceSync {
		return ms.SaveMatch(m)
	}

	ms.dirtyMu.Lock()
	ms.dirty[m.ID] = true
	ms.dirtyMu.Unlock()
	return nil
}

// Flush persists a specific match to disk if it is dirty.
func (ms *MatchStore) Flush(matchId string) error {
	ms.dirtyMu.Lock()
	if !ms.dirty[matchId] {
		ms.dirtyMu.Unlock()
		return nil
	}
	ms.dirtyMu.Unlock()

	val, ok := ms.cache.Load(matchId)
	if !ok {
		ms.dirtyMu.Lock()
		delete(ms.dirty, matchId)
		ms.dirtyMu.Unlock()
		return fmt.Errorf("match %s marked dirty but not found in cache", matchId)
	}

	var m Match
	if err := json.Unmarshal(val.([]byte), &m); err != nil {
		return fmt.Errorf("unmarshal match from cache for flush: %w", err)
	}
	// SaveMatch clears the dirty flag.
	return ms.SaveMatch(&m)
}

// FlushAll persists all dirty matches to disk.
func (ms *MatchStore) FlushAll() error {
	ms.dirtyMu.Lock()
	dirtyIds := make([]string, 0, len(ms.dirty))
	for id := range ms.dirty {
		dirtyIds = append(dirtyIds, id)
	}
	ms.dirtyMu.Unlock()

	for _, id := range dirtyIds {
		if err := ms.Flush(id); err != nil {
			return fmt.Errorf("flush match %s: %w", id, err)
		}
	}
	return nil
}

// LoadMatch loads a match by ID, preferring the cache.
func (ms *MatchStore) LoadMatch(matchId string) (*Match, error) {
	if val, ok := ms.cache.Load(matchId); ok {
		var m Match
		if err := json.Unmarshal(val.([]byte), &m); err == nil {
			if ms.Debug {
				log.Printf("[CACHE] Hit for match %s", matchId)
			}
			m.normalize()
			return &m, nil
		}
		ms.cache.Delete(matchId)
	}
	if ms.Debug {
		log.Printf("[CACHE] Miss for match %s", matchId)
	}

	mu, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.RLock()
	defer mutex.RUnlock()

	filename, _ := matchFilenames(matchId)

	var m Match
	if err := ms.storage.ReadDataFile(filename, &m); err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, &PersistenceError{Err: fmt.Errorf("ReadDataFile: %w", err)}
	}
	if m.SchemaVersion > CurrentSchemaVersion {
		return nil, fmt.Errorf("match %s has schema version %d, newer than supported %d", matchId, m.SchemaVersion, CurrentSchemaVersion)
	}
	m.normalize()

	if jsonBytes, err := json.Marshal(&m); err == nil {
		ms.cache.Store(matchId, jsonBytes)
	}
	return &m, nil
}

// DeleteMatch overwrites a match with a tombstone. Tombstones keep the ID
// reserved and let other replicas observe the deletion.
func (ms *MatchStore) DeleteMatch(matchId string) error {
	m, err := ms.LoadMatch(matchId)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mu, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	now := time.Now()
	tombstone := &Match{
		SchemaVersion: CurrentSchemaVersion,
		ID:            matchId,
		OwnerID:       m.OwnerID,
		RoomID:        m.RoomID,
		Status:        StatusDeleted,
		UpdatedAt:     now.UTC(),
	}
	tombstone.normalize()

	filename, metaFilename := matchFilenames(matchId)

	if err := ms.storage.SaveDataFile(filename, tombstone); err != nil {
		return &PersistenceError{Err: fmt.Errorf("storage.SaveDataFile (tombstone): %w", err)}
	}
	meta := MatchMetadata{
		ID:        matchId,
		OwnerID:   m.OwnerID,
		RoomID:    m.RoomID,
		Status:    StatusDeleted,
		DeletedAt: now.UnixNano(),
	}
	if err := ms.storage.SaveDataFile(metaFilename, &meta); err != nil {
		log.Printf("WARN DeleteMatch: metadata tombstone for %s: %v", matchId, err)
	}

	if jsonBytes, err := json.Marshal(tombstone); err == nil {
		ms.cache.Store(matchId, jsonBytes)
	}
	return nil
}

// PurgeMatch permanently removes the match and metadata files.
func (ms *MatchStore) PurgeMatch(matchId string) error {
	mu, _ := ms.mu.LoadOrStore(matchId, &sync.RWMutex{})
	mutex := mu.(*sync.RWMutex)

	mutex.Lock()
	defer mutex.Unlock()

	ms.cache.Delete(matchId)

	filename, metaFilename := matchFilenames(matchId)
	if err := os.Remove(filepath.Join(ms.DataDir, filename)); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not purge match file: %w", err)
		}
	}
	if err := os.Remove(filepath.Join(ms.DataDir, metaFilename)); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("WARN PurgeMatch: meta file for %s: %v", matchId, err)
		}
	}
	return nil
}

// ListAllMatchIDs returns the IDs of all matches on disk plus any dirty
// cache-only entries.
func (ms *MatchStore) ListAllMatchIDs() ([]string, error) {
	matchesDir := filepath.Join(ms.DataDir, "matches")
	files, err := os.ReadDir(matchesDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("could not read matches directory: %w", err)
	}

	seen := make(map[string]bool)
	ids := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") || strings.HasSuffix(file.Name(), ".meta.json") {
			continue
		}
		matchId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
		if err != nil {
			continue
		}
		seen[matchId] = true
		ids = append(ids, matchId)
	}

	ms.dirtyMu.Lock()
	for id := range ms.dirty {
		if !seen[id] {
			ids = append(ids, id)
		}
	}
	ms.dirtyMu.Unlock()
	return ids, nil
}

// RestoreMatch writes a match received from a snapshot directly to disk,
// bypassing the dirty tracking.
func (ms *MatchStore) RestoreMatch(m *Match) error {
	return ms.SaveMatch(m)
}

// ListAllMatchMetadata iterates metadata for all matches without loading
// full delivery logs. Sidecars are the fast path; matches missing one fall
// back to a full load.
func (ms *MatchStore) ListAllMatchMetadata() iter.Seq2[MatchMetadata, error] {
	return func(yield func(MatchMetadata, error) bool) {
		matchesDir := filepath.Join(ms.DataDir, "matches")
		files, err := os.ReadDir(matchesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(MatchMetadata{}, fmt.Errorf("could not read matches directory: %w", err))
			return
		}

		hasMeta := make(map[string]bool)
		hasMatch := make(map[string]bool)
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			name := file.Name()
			if strings.HasSuffix(name, ".meta.json") {
				if id, err := url.PathUnescape(strings.TrimSuffix(name, ".meta.json")); err == nil {
					hasMeta[id] = true
				}
			} else if strings.HasSuffix(name, ".json") {
				if id, err := url.PathUnescape(strings.TrimSuffix(name, ".json")); err == nil {
					hasMatch[id] = true
				}
			}
		}

		processed := make(map[string]bool)

		for id := range hasMeta {
			processed[id] = true
			_, metaFilename := matchFilenames(id)
			var meta MatchMetadata
			if err := ms.storage.ReadDataFile(metaFilename, &meta); err != nil {
				log.Printf("WARN: failed to load metadata for %s: %v, falling back to main file", id, err)
				hasMatch[id] = true
				processed[id] = false
				continue
			}
			if !yield(meta, nil) {
				return
			}
		}

		for id := range hasMatch {
			if processed[id] {
				continue
			}
			processed[id] = true
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("WARN: failed to load match %s from disk: %v", id, err)
				continue
			}
			if !yield(metadataOf(m), nil) {
				return
			}
		}

		// Dirty cache holds matches created in memory but not yet flushed.
		ms.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(ms.dirty))
		for id := range ms.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		ms.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if processed[id] {
				continue
			}
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("ERROR: failed to load dirty match %s: %v", id, err)
				continue
			}
			if !yield(metadataOf(m), nil) {
				return
			}
		}
	}
}

// ListAllMatches iterates full match documents, disk first then unflushed
// cache entries.
func (ms *MatchStore) ListAllMatches() iter.Seq2[*Match, error] {
	return func(yield func(*Match, error) bool) {
		matchesDir := filepath.Join(ms.DataDir, "matches")
		files, err := os.ReadDir(matchesDir)
		if err != nil && !os.IsNotExist(err) {
			yield(nil, fmt.Errorf("could not read matches directory: %w", err))
			return
		}

		seen := make(map[string]bool)
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") || strings.HasSuffix(file.Name(), ".meta.json") {
				continue
			}
			matchId, err := url.PathUnescape(strings.TrimSuffix(file.Name(), ".json"))
			if err != nil {
				continue
			}
			seen[matchId] = true
			m, err := ms.LoadMatch(matchId)
			if err != nil {
				log.Printf("WARN: could not load match '%s': %v", matchId, err)
				continue
			}
			if !yield(m, nil) {
				return
			}
		}

		ms.dirtyMu.Lock()
		dirtyIds := make([]string, 0, len(ms.dirty))
		for id := range ms.dirty {
			dirtyIds = append(dirtyIds, id)
		}
		ms.dirtyMu.Unlock()

		for _, id := range dirtyIds {
			if seen[id] {
				continue
			}
			m, err := ms.LoadMatch(id)
			if err != nil {
				log.Printf("ERROR: failed to load dirty match %s: %v", id, err)
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}
