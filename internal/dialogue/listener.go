/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package dialogue

import "bubblechat/internal/script"

// Listener receives display instructions from an Executor.
// Calls are synchronous; a listener may drive the executor from inside a callback.
type Listener interface {
	MessagesReady(msgs []script.Message)
	ChoicesReady(choices []script.Choice)
	PauseReached()
	ConversationEnded()
	ChapterChanged(index int, label string)
}

// ListenerFuncs adapts optional functions to a Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnMessages      func([]script.Message)
	OnChoices       func([]script.Choice)
	OnPause         func()
	OnEnd           func()
	OnChapterChange func(int, string)
}

func (f ListenerFuncs) MessagesReady(msgs []script.Message) {
	if f.OnMessages != nil {
		f.OnMessages(msgs)
	}
}

func (f ListenerFuncs) ChoicesReady(choices []script.Choice) {
	if f.OnChoices != nil {
		f.OnChoices(choices)
	}
}

func (f ListenerFuncs) PauseReached() {
	if f.OnPause != nil {
		f.OnPause()
	}
}

func (f ListenerFuncs) ConversationEnded() {
	if f.OnEnd != nil {
		f.OnEnd()
	}
}

func (f ListenerFuncs) ChapterChanged(index int, label string) {
	if f.OnChapterChange != nil {
		f.OnChapterChange(index, label)
	}
}

// Callbacks are the executor's hooks into host systems.
type Callbacks struct {
	// GalleryImageUnlocked is called once per newly unlocked gallery key.
	GalleryImageUnlocked func(key string)
	// ChapterChanged is called after a successful chapter advance.
	ChapterChanged func(conversationID string, index int, label string)
	// ChapterLabel names a chapter; nil means "Chapter N".
	ChapterLabel func(index int) string
}

type subscription struct {
	id int
	l  Listener
}
