/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"slices"

	"bubblechat/internal/script"
)

// CurrentStateVersion is the persisted ConversationState format version.
const CurrentStateVersion = 1

// ConversationState is the persisted execution position of one conversation.
// It is mutated only by the dialogue executor; the read set and the unlocked
// gallery keys should be changed through the methods so the lookup index stays valid.
type ConversationState struct {
	Version             int              `json:"version"`
	ConversationID      string           `json:"conversationId"`
	CharacterName       string           `json:"characterName"`
	CurrentChapterIndex int              `json:"currentChapterIndex"`
	CurrentNodeName     string           `json:"currentNodeName"`
	CurrentMessageIndex int              `json:"currentMessageIndex"`
	IsInPauseState      bool             `json:"isInPauseState"`
	ReadMessageIDs      []string         `json:"readMessageIds"`
	MessageHistory      []script.Message `json:"messageHistory"`
	UnlockedCGs         []string         `json:"unlockedCGs"`

	read     map[string]struct{}
	unlocked map[string]struct{}
}

// NewConversationState returns a fresh state positioned at chapter 0.
// The node name is resolved by the executor on first initialization.
func NewConversationState(id, characterName string) *ConversationState {
	return &ConversationState{
		Version:        CurrentStateVersion,
		ConversationID: id,
		CharacterName:  characterName,
		ReadMessageIDs: []string{},
		MessageHistory: []script.Message{},
		UnlockedCGs:    []string{},
	}
}

// HasRead reports whether the message id was already delivered.
func (s *ConversationState) HasRead(id string) bool {
	if s.read == nil {
		s.read = index(s.ReadMessageIDs)
	}
	_, ok := s.read[id]
	return ok
}

// MarkRead adds id to the read set. It returns false if it was already present.
func (s *ConversationState) MarkRead(id string) bool {
	if id == "" || s.HasRead(id) {
		return false
	}
	s.read[id] = struct{}{}
	s.ReadMessageIDs = append(s.ReadMessageIDs, id)
	return true
}

// ClearRead empties the read set.
func (s *ConversationState) ClearRead() {
	s.ReadMessageIDs = []string{}
	s.read = map[string]struct{}{}
}

// AppendHistory appends copies of msgs to the history.
func (s *ConversationState) AppendHistory(msgs ...script.Message) {
	s.MessageHistory = append(s.MessageHistory, msgs...)
}

// IsUnlocked reports whether the gallery key is unlocked.
func (s *ConversationState) IsUnlocked(key string) bool {
	if s.unlocked == nil {
		s.unlocked = index(s.UnlockedCGs)
	}
	_, ok := s.unlocked[key]
	return ok
}

// Unlock records a gallery key. It returns true only on the first unlock.
func (s *ConversationState) Unlock(key string) bool {
	if key == "" || s.IsUnlocked(key) {
		return false
	}
	s.unlocked[key] = struct{}{}
	s.UnlockedCGs = append(s.UnlockedCGs, key)
	return true
}

// Normalize repairs a freshly decoded state: nil lists become empty, duplicate
// read ids and gallery keys are dropped, a zero version is upgraded, and a
// negative message index is reset to zero. The chapter index is left alone:
// only the executor knows the chapter count. It reports whether anything changed.
func (s *ConversationState) Normalize() bool {
	changed := false
	if s.Version == 0 {
		s.Version = CurrentStateVersion
		changed = true
	}
	if s.ReadMessageIDs == nil {
		s.ReadMessageIDs = []string{}
	}
	if s.MessageHistory == nil {
		s.MessageHistory = []script.Message{}
	}
	if s.UnlockedCGs == nil {
		s.UnlockedCGs = []string{}
	}
	if d := dedupe(s.ReadMessageIDs); len(d) != len(s.ReadMessageIDs) {
		s.ReadMessageIDs = d
		changed = true
	}
	if d := dedupe(s.UnlockedCGs); len(d) != len(s.UnlockedCGs) {
		s.UnlockedCGs = d
		changed = true
	}
	if s.CurrentMessageIndex < 0 {
		s.CurrentMessageIndex = 0
		changed = true
	}
	s.read = index(s.ReadMessageIDs)
	s.unlocked = index(s.UnlockedCGs)
	return changed
}

// Clone returns a deep copy; stores use it so persisted copies never alias live state.
func (s *ConversationState) Clone() *ConversationState {
	if s == nil {
		return nil
	}
	c := *s
	c.ReadMessageIDs = slices.Clone(s.ReadMessageIDs)
	c.MessageHistory = slices.Clone(s.MessageHistory)
	c.UnlockedCGs = slices.Clone(s.UnlockedCGs)
	c.read = nil
	c.unlocked = nil
	return &c
}

func index(keys []string) map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok || k == "" {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
