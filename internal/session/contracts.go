/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package session

import (
	"context"
	"slices"

	"bubblechat/internal/domain"
)

// Storage persists conversation states. LoadConversationState returns nil, nil
// when nothing is stored for id.
type Storage interface {
	SaveConversationState(ctx context.Context, st *domain.ConversationState) error
	LoadConversationState(ctx context.Context, id string) (*domain.ConversationState, error)
	DeleteConversationState(ctx context.Context, id string) error
}

// Notifier receives conversation events for host systems (gallery, analytics, UI chrome).
type Notifier interface {
	ConversationStarted(id string)
	GalleryImageUnlocked(key string)
	ConversationEnded(id string)
	ChapterChanged(id string, index int, label string)
}

// NotifierFuncs adapts optional functions to a Notifier.
type NotifierFuncs struct {
	Started  func(id string)
	Unlocked func(key string)
	Ended    func(id string)
	Chapter  func(id string, index int, label string)
}

func (f NotifierFuncs) ConversationStarted(id string) {
	if f.Started != nil {
		f.Started(id)
	}
}

func (f NotifierFuncs) GalleryImageUnlocked(key string) {
	if f.Unlocked != nil {
		f.Unlocked(key)
	}
}

func (f NotifierFuncs) ConversationEnded(id string) {
	if f.Ended != nil {
		f.Ended(id)
	}
}

func (f NotifierFuncs) ChapterChanged(id string, index int, label string) {
	if f.Chapter != nil {
		f.Chapter(id, index, label)
	}
}

// NopNotifier ignores every event.
type NopNotifier struct{}

func (NopNotifier) ConversationStarted(string)         {}
func (NopNotifier) GalleryImageUnlocked(string)        {}
func (NopNotifier) ConversationEnded(string)           {}
func (NopNotifier) ChapterChanged(string, int, string) {}

// MultiNotifier fans every event out to each notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) ConversationStarted(id string) {
	for _, n := range m {
		n.ConversationStarted(id)
	}
}

func (m MultiNotifier) GalleryImageUnlocked(key string) {
	for _, n := range m {
		n.GalleryImageUnlocked(key)
	}
}

func (m MultiNotifier) ConversationEnded(id string) {
	for _, n := range m {
		n.ConversationEnded(id)
	}
}

func (m MultiNotifier) ChapterChanged(id string, index int, label string) {
	for _, n := range m {
		n.ChapterChanged(id, index, label)
	}
}

// Bus is an instance-scoped event hub: host systems register observers on it
// and the Bus itself is handed to the Manager as its Notifier.
type Bus struct {
	subs   []busSub
	nextID int
}

type busSub struct {
	id int
	n  Notifier
}

// Subscribe registers n and returns a function that removes it.
func (b *Bus) Subscribe(n Notifier) (unsubscribe func()) {
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, busSub{id: id, n: n})
	return func() {
		b.subs = slices.DeleteFunc(b.subs, func(s busSub) bool { return s.id == id })
	}
}

func (b *Bus) snapshot() MultiNotifier {
	out := make(MultiNotifier, len(b.subs))
	for i, s := range b.subs {
		out[i] = s.n
	}
	return out
}

func (b *Bus) ConversationStarted(id string)   { b.snapshot().ConversationStarted(id) }
func (b *Bus) GalleryImageUnlocked(key string) { b.snapshot().GalleryImageUnlocked(key) }
func (b *Bus) ConversationEnded(id string)     { b.snapshot().ConversationEnded(id) }
func (b *Bus) ChapterChanged(id string, index int, label string) {
	b.snapshot().ChapterChanged(id, index, label)
}
