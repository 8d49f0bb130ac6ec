/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Chapter is one script source of a conversation.
type Chapter struct {
	Title  string `yaml:"title" json:"title,omitempty"`
	File   string `yaml:"file" json:"file,omitempty"`
	Source string `yaml:"-" json:"-"`
}

// Descriptor is the immutable, host-supplied description of a conversation:
// who the contact is and the ordered chapter sources.
type Descriptor struct {
	ID            string    `yaml:"id" json:"id"`
	CharacterName string    `yaml:"character" json:"character"`
	Chapters      []Chapter `yaml:"chapters" json:"chapters"`
	GalleryKeys   []string  `yaml:"gallery,omitempty" json:"gallery,omitempty"`
}

// ErrInvalidDescriptor is returned by Validate.
var ErrInvalidDescriptor = errors.New("invalid conversation descriptor")

// Validate checks the fields the session manager relies on.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidDescriptor)
	}
	if len(d.Chapters) == 0 {
		return fmt.Errorf("%w: %s has no chapters", ErrInvalidDescriptor, d.ID)
	}
	return nil
}

// ChapterLabel returns the chapter title, or "Chapter N" (1-based) when untitled.
func (d Descriptor) ChapterLabel(i int) string {
	if i >= 0 && i < len(d.Chapters) && strings.TrimSpace(d.Chapters[i].Title) != "" {
		return d.Chapters[i].Title
	}
	return fmt.Sprintf("Chapter %d", i+1)
}

// ChapterSources returns the raw script texts in chapter order.
func (d Descriptor) ChapterSources() []string {
	out := make([]string, len(d.Chapters))
	for i, c := range d.Chapters {
		out[i] = c.Source
	}
	return out
}

// NewConversationID builds an id of the form "<6 hex>_<character>".
func NewConversationID(characterName string) string {
	name := strings.Join(strings.Fields(characterName), "_")
	if name == "" {
		name = "Unknown"
	}
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6] + "_" + name
}
