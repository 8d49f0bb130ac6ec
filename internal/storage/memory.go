/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package storage

import (
	"context"
	"sort"
	"sync"

	"bubblechat/internal/domain"
)

// MemoryStore keeps states in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]*domain.ConversationState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]*domain.ConversationState{}}
}

func (s *MemoryStore) SaveConversationState(_ context.Context, st *domain.ConversationState) error {
	if st == nil || st.ConversationID == "" {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[st.ConversationID] = st.Clone()
	return nil
}

func (s *MemoryStore) LoadConversationState(_ context.Context, id string) (*domain.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *MemoryStore) DeleteConversationState(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
	return nil
}

func (s *MemoryStore) ListConversationIDs(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Close() error { return nil }
