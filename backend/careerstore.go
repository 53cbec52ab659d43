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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"iter"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2FmZQ/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// PlayerCareer accumulates a player's stats across completed matches.
// Every field is additive so that a match contribution can be retracted
// exactly when its completion is undone.
type PlayerCareer struct {
	PlayerID string `json:"playerId"`
	Name     string `json:"name,omitempty"`
	Matches  int    `json:"matches"`

	Runs       int `json:"runs"`
	BallsFaced int `json:"ballsFaced"`
	Fours      int `json:"fours"`
	Sixes      int `json:"sixes"`
	Dismissals int `json:"dismissals"`

	BallsBowled  int `json:"ballsBowled"`
	RunsConceded int `json:"runsConceded"`
	Wickets      int `json:"wickets"`
	Maidens      int `json:"maidens"`

	Catches   int `json:"catches"`
	RunOuts   int `json:"runOuts"`
	Stumpings int `json:"stumpings"`

	LastUpdated int64 `json:"lastUpdated"`
}

func (c *PlayerCareer) add(d *PlayerCareer, sign int) {
	c.Matches += sign * d.Matches
	c.Runs += sign * d.Runs
	c.BallsFaced += sign * d.BallsFaced
	c.Fours += sign * d.Fours
	c.Sixes += sign * d.Sixes
	c.Dismissals += sign * d.Dismissals
	c.BallsBowled += sign * d.BallsBowled
	c.RunsConceded += sign * d.RunsConceded
	c.Wickets += sign * d.Wickets
	c.Maidens += sign * d.Maidens
	c.Catches += sign * d.Catches
	c.RunOuts += sign * d.RunOuts
	c.Stumpings += sign * d.Stumpings
}

// careerDeltas computes each player's contribution from one match. Fielding
// credit comes from the delivery log; batting and bowling from the innings
// figures.
func careerDeltas(m *Match) map[string]*PlayerCareer {
	deltas := make(map[string]*PlayerCareer)
	get := func(playerId string) *PlayerCareer {
		if d, ok := deltas[playerId]; ok {
			return d
		}
		d := &PlayerCareer{PlayerID: playerId, Name: m.playerName(playerId)}
		deltas[playerId] = d
		return d
	}
	for _, t := range []*Team{&m.TeamA, &m.TeamB} {
		for _, p := range t.Players {
			get(p.ID).Matches = 1
		}
	}
	for _, inn := range m.Innings {
		for _, bf := range inn.Batting {
			d := get(bf.PlayerID)
			d.Runs += bf.Runs
			d.BallsFaced += bf.Balls
			d.Fours += bf.Fours
			d.Sixes += bf.Sixes
			if bf.Out {
				d.Dismissals++
			}
		}
		for _, bl := range inn.Bowling {
			d := get(bl.PlayerID)
			d.BallsBowled += bl.Balls
			d.RunsConceded += bl.Runs
			d.Wickets += bl.Wickets
			d.Maidens += bl.Maidens
		}
		for _, del := range inn.Deliveries {
			if !del.IsWicket || del.FielderID == "" {
				continue
			}
			f := get(del.FielderID)
			switch del.DismissalType {
			case DismissalCaught:
				f.Catches++
			case DismissalRunOut:
				f.RunOuts++
			case DismissalStumped:
				f.Stumpings++
			}
		}
	}
	return deltas
}

// CareerStore manages per-player career records, LRU-cached in memory with
// write-back on eviction.
type CareerStore struct {
	DataDir string
	storage *storage.Storage

	cache *lru.Cache[string, *PlayerCareer]

	dirtyMu sync.Mutex
	dirty   map[string]bool

	mu sync.Map // *sync.Mutex per file path
}

// NewCareerStore creates a new CareerStore.
func NewCareerStore(dataDir string, s *storage.Storage) *CareerStore {
	store := &CareerStore{
		DataDir: dataDir,
		storage: s,
		dirty:   make(map[string]bool),
	}
	onEvict := func(key string, value *PlayerCareer) {
		store.dirtyMu.Lock()
		isDirty := store.dirty[key]
		if isDirty {
			delete(store.dirty, key)
		}
		store.dirtyMu.Unlock()
		if isDirty {
			store.persist(value)
		}
	}
	cache, _ := lru.NewWithEvict[string, *PlayerCareer](2000, onEvict)
	store.cache = cache
	return store
}

func (cs *CareerStore) path(playerId string) string {
	h := sha256.Sum256([]byte(playerId))
	return filepath.Join("careers", fmt.Sprintf("%s.json", hex.EncodeToString(h[:])))
}

// Get returns a player's career record, empty if none exists yet.
func (cs *CareerStore) Get(playerId string) (*PlayerCareer, error) {
	if c, ok := cs.cache.Get(playerId); ok {
		return c, nil
	}
	c, err := cs.loadFromDisk(playerId)
	if err != nil {
		if os.IsNotExist(err) {
			return &PlayerCareer{PlayerID: playerId}, nil
		}
		return nil, err
	}
	cs.cache.Add(playerId, c)
	return c, nil
}

// Set caches an updated record and marks it dirty.
func (cs *CareerStore) Set(c *PlayerCareer) {
	cs.cache.Add(c.PlayerID, c)
	cs.dirtyMu.Lock()
	cs.dirty[c.PlayerID] = true
	cs.dirtyMu.Unlock()
}

// ApplyMatch adds a completed match's contributions to every participant.
func (cs *CareerStore) ApplyMatch(m *Match) error {
	return cs.applyDeltas(m, 1)
}

// RetractMatch reverses ApplyMatch, used when a completion is undone.
func (cs *CareerStore) RetractMatch(m *Match) error {
	return cs.applyDeltas(m, -1)
}

func (cs *CareerStore) applyDeltas(m *Match, sign int) error {
	deltas := careerDeltas(m)

	// Load every record before mutating any, so a read failure leaves no
	// partially applied match behind.
	records := make(map[string]*PlayerCareer, len(deltas))
	for playerId := range deltas {
		c, err := cs.Get(playerId)
		if err != nil {
			return fmt.Errorf("career for %s: %w", playerId, err)
		}
		records[playerId] = c
	}

	now := time.Now().UnixNano()
	for playerId, delta := range deltas {
		c := records[playerId]
		c.add(delta, sign)
		if delta.Name != "" {
			c.Name = delta.Name
		}
		c.LastUpdated = now
		cs.Set(c)
	}
	return nil
}

func (cs *CareerStore) persist(c *PlayerCareer) error {
	path := cs.path(c.PlayerID)
	m, _ := cs.mu.LoadOrStore(path, &sync.Mutex{})
	mutex := m.(*sync.Mutex)
	mutex.Lock()
	defer mutex.Unlock()
	return cs.storage.SaveDataFile(path, c)
}

func (cs *CareerStore) loadFromDisk(playerId string) (*PlayerCareer, error) {
	path := cs.path(playerId)
	m, _ := cs.mu.LoadOrStore(path, &sync.Mutex{})
	mutex := m.(*sync.Mutex)
	mutex.Lock()
	defer mutex.Unlock()

	var c PlayerCareer
	if err := cs.storage.ReadDataFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListAllCareers iterates every career record on disk. Filenames are
// hashed, so the player ID comes from the record itself.
func (cs *CareerStore) ListAllCareers() iter.Seq2[*PlayerCareer, error] {
	return func(yield func(*PlayerCareer, error) bool) {
		careersDir := filepath.Join(cs.DataDir, "careers")
		files, err := os.ReadDir(careersDir)
		if err != nil {
			if !os.IsNotExist(err) {
				yield(nil, fmt.Errorf("could not read careers directory: %w", err))
			}
			return
		}
		for _, file := range files {
			if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
				continue
			}
			var c PlayerCareer
			if err := cs.storage.ReadDataFile(filepath.Join("careers", file.Name()), &c); err != nil {
				log.Printf("Warning: could not load career file %s: %v", file.Name(), err)
				continue
			}
			if !yield(&c, nil) {
				return
			}
		}
	}
}

// RestoreCareer writes a career record received from a snapshot directly
// to disk.
func (cs *CareerStore) RestoreCareer(c *PlayerCareer) error {
	cs.cache.Add(c.PlayerID, c)
	cs.dirtyMu.Lock()
	delete(cs.dirty, c.PlayerID)
	cs.dirtyMu.Unlock()
	return cs.persist(c)
}

// Flush persists one player's record if dirty.
func (cs *CareerStore) Flush(playerId string) error {
	cs.dirtyMu.Lock()
	if !cs.dirty[playerId] {
		cs.dirtyMu.Unlock()
		return nil
	}
	c, ok := cs.cache.Get(playerId)
	if !ok {
		// Evicted entries were saved by the eviction callback.
		cs.dirtyMu.Unlock()
		return nil
	}
	delete(cs.dirty, playerId)
	cs.dirtyMu.Unlock()
	return cs.persist(c)
}

// FlushAll persists every dirty record.
func (cs *CareerStore) FlushAll() error {
	cs.dirtyMu.Lock()
	ids := make([]string, 0, len(cs.dirty))
	for id := range cs.dirty {
		ids = append(ids, id)
	}
	cs.dirtyMu.Unlock()

	for _, id := range ids {
		if err := cs.Flush(id); err != nil {
			return fmt.Errorf("flush career %s: %w", id, err)
		}
	}
	return nil
}
