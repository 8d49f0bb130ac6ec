/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import "time"

// CurrentSaveVersion is the version of the save document written by the file store.
const CurrentSaveVersion = 1

// SaveData is the game save: every conversation state the host persisted.
type SaveData struct {
	SaveVersion        int                  `json:"saveVersion"`
	ConversationStates []*ConversationState `json:"conversationStates"`
}

// SaveFile is the on-disk wrapper around SaveData.
type SaveFile struct {
	GameData        SaveData `json:"gameData"`
	SaveVersion     int      `json:"saveVersion"`
	SaveTimestamp   string   `json:"saveTimestamp"`
	PlaytimeSeconds float64  `json:"playtimeSeconds"`
}

// NewSaveData returns an empty save at the current version.
func NewSaveData() *SaveData {
	return &SaveData{SaveVersion: CurrentSaveVersion, ConversationStates: []*ConversationState{}}
}

// Find returns the state for id, or nil.
func (d *SaveData) Find(id string) *ConversationState {
	for _, s := range d.ConversationStates {
		if s != nil && s.ConversationID == id {
			return s
		}
	}
	return nil
}

// Put replaces the state with the same id or appends it.
func (d *SaveData) Put(st *ConversationState) {
	for i, s := range d.ConversationStates {
		if s != nil && s.ConversationID == st.ConversationID {
			d.ConversationStates[i] = st
			return
		}
	}
	d.ConversationStates = append(d.ConversationStates, st)
}

// Remove drops the state for id and reports whether one existed.
func (d *SaveData) Remove(id string) bool {
	for i, s := range d.ConversationStates {
		if s != nil && s.ConversationID == id {
			d.ConversationStates = append(d.ConversationStates[:i], d.ConversationStates[i+1:]...)
			return true
		}
	}
	return false
}

// Wrap builds the on-disk wrapper stamped with now.
func (d *SaveData) Wrap(now time.Time, playtime float64) SaveFile {
	return SaveFile{
		GameData:        *d,
		SaveVersion:     d.SaveVersion,
		SaveTimestamp:   now.UTC().Format(time.RFC3339),
		PlaytimeSeconds: playtime,
	}
}
