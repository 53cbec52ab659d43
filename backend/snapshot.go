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
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
)

type snapshotManifest struct {
	NodeMap     map[string]*NodeMeta `json:"nodeMap"`
	Initialized bool                 `json:"initialized"`
	RaftIndex   uint64               `json:"raftIndex"`
}

// persist streams the full FSM state (matches, rooms, careers) to the
// snapshot sink as a gzipped tar.
func (f *FSM) persist(sink io.WriteCloser) error {
	defer sink.Close()

	if err := f.ms.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush matches: %w", err)
	}
	if err := f.cs.FlushAll(); err != nil {
		return fmt.Errorf("failed to flush careers: %w", err)
	}

	gw := gzip.NewWriter(sink)
	defer gw.Close()
	tw := tar.NewWriter(gw)
	defer tw.Close()

	nodes := make(map[string]*NodeMeta)
	f.nodeMap.Range(func(key, value interface{}) bool {
		nodes[key.(string)] = value.(*NodeMeta)
		return true
	})
	manifest := snapshotManifest{
		NodeMap:     nodes,
		Initialized: f.initialized.Load(),
		RaftIndex:   f.LastAppliedIndex(),
	}
	manifestBytes, _ := json.Marshal(manifest)
	if err := writeFileToTar(tw, "manifest.json", manifestBytes); err != nil {
		return err
	}

	matchIDs, err := f.ms.ListAllMatchIDs()
	if err != nil {
		return err
	}
	for _, id := range matchIDs {
		m, err := f.ms.LoadMatch(id)
		if err != nil {
			log.Printf("Snapshot Warning: failed to load match %s: %v", id, err)
			continue
		}
		data, err := json.Marshal(m)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal match %s: %v", id, err)
			continue
		}
		if err := writeFileToTar(tw, fmt.Sprintf("matches/%s.json", url.PathEscape(id)), data); err != nil {
			return err
		}
	}

	roomIDs, err := f.rs.ListAllRoomIDs()
	if err != nil {
		return err
	}
	for _, id := range roomIDs {
		room, err := f.rs.LoadRoom(id)
		if err != nil {
			log.Printf("Snapshot Warning: failed to load room %s: %v", id, err)
			continue
		}
		data, err := json.Marshal(room)
		if err != nil {
			log.Printf("Snapshot Warning: failed to marshal room %s: %v", id, err)
			continue
		}
		if err := writeFileToTar(tw, fmt.Sprintf("rooms/%s.json", url.PathEscape(id)), data); err != nil {
			return err
		}
	}

	for c, err := range f.cs.ListAllCareers() {
		if err != nil {
			return err
		}
		data, err := json.Marshal(c)
		if err != nil {
			continue
		}
		if err := writeFileToTar(tw, fmt.Sprintf("careers/%s.json", url.PathEscape(c.PlayerID)), data); err != nil {
			return err
		}
	}

	return nil
}

func (f *FSM) restore(rc io.Reader) error {
	gz, err := gzip.NewReader(rc)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	processedMatches := make(map[string]bool)
	processedRooms := make(map[string]bool)
	shouldSkipRestore := false

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		if header.Size > 10*1024*1024 {
			return fmt.Errorf("snapshot entry %s too large: %d bytes", header.Name, header.Size)
		}

		if header.Name == "manifest.json" {
			var manifest snapshotManifest
			if err := json.NewDecoder(tr).Decode(&manifest); err != nil {
				return err
			}
			for k, v := range manifest.NodeMap {
				f.nodeMap.Store(k, v)
			}
			if manifest.Initialized {
				f.setInitialized()
			}

			// Smart restore: skip the data if the local state already
			// covers the snapshot's index.
			if f.IsInitialized() && f.storage != nil {
				var state map[string]any
				if err := f.storage.ReadDataFile("fsm_state.json", &state); err == nil {
					var localIndex uint64
					if v, ok := state["lastAppliedIndex"]; ok {
						switch val := v.(type) {
						case float64:
							localIndex = uint64(val)
						case int:
							localIndex = uint64(val)
						case int64:
							localIndex = uint64(val)
						case uint64:
							localIndex = val
						}
					}
					if localIndex >= manifest.RaftIndex && manifest.RaftIndex > 0 {
						log.Printf("Smart Restore: Local state (Index %d) is fresh enough. Skipping.", localIndex)
						shouldSkipRestore = true
					}
				}
			}
			continue
		}

		if shouldSkipRestore {
			continue
		}

		if strings.HasPrefix(header.Name, "matches/") {
			var m Match
			if err := json.NewDecoder(tr).Decode(&m); err != nil {
				log.Printf("Restore Warning: failed to unmarshal %s: %v", header.Name, err)
				continue
			}
			processedMatches[m.ID] = true
			if err := f.ms.RestoreMatch(&m); err != nil {
				return err
			}
		} else if strings.HasPrefix(header.Name, "rooms/") {
			var room Room
			if err := json.NewDecoder(tr).Decode(&room); err != nil {
				log.Printf("Restore Warning: failed to unmarshal %s: %v", header.Name, err)
				continue
			}
			processedRooms[room.ID] = true
			if err := f.rs.RestoreRoom(&room); err != nil {
				return err
			}
		} else if strings.HasPrefix(header.Name, "careers/") {
			var c PlayerCareer
			if err := json.NewDecoder(tr).Decode(&c); err != nil {
				log.Printf("Restore Warning: failed to unmarshal %s: %v", header.Name, err)
				continue
			}
			if err := f.cs.RestoreCareer(&c); err != nil {
				return err
			}
		}
	}

	f.saveNodes()

	if shouldSkipRestore {
		return nil
	}

	// Delete local matches and rooms absent from the snapshot; they were
	// removed on the leader.
	matchIDs, err := f.ms.ListAllMatchIDs()
	if err == nil {
		for _, id := range matchIDs {
			if !processedMatches[id] {
				f.ms.PurgeMatch(id)
			}
		}
	} else {
		log.Printf("Restore Cleanup Warning: failed to list matches: %v", err)
	}
	roomIDs, err := f.rs.ListAllRoomIDs()
	if err == nil {
		for _, id := range roomIDs {
			if !processedRooms[id] {
				f.rs.PurgeRoom(id)
			}
		}
	} else {
		log.Printf("Restore Cleanup Warning: failed to list rooms: %v", err)
	}

	f.r.RefreshCounts()

	return nil
}

func writeFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name: name,
		Size: int64(len(data)),
		Mode: 0644,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}
