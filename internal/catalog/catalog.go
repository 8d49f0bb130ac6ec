/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package catalog loads the conversation catalog: a YAML manifest naming each
// contact and its ordered chapter scripts, resolved into domain.Descriptors
// with the chapter text already read.
package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"bubblechat/internal/domain"
	applog "bubblechat/internal/log"
	"bubblechat/internal/script"
)

// ErrNotFound is returned when no conversation matches a lookup.
var ErrNotFound = errors.New("conversation not found")

type manifest struct {
	Conversations []domain.Descriptor `yaml:"conversations"`
}

// Catalog is the set of conversations a host can start.
type Catalog struct {
	Path string

	list []domain.Descriptor
	byID map[string]int
}

// Load reads the manifest at path and the chapter files it references.
// Chapter paths are relative to the manifest's directory. A conversation
// without an id gets a generated one; duplicate ids are rejected.
func Load(path string) (*Catalog, error) {
	l := applog.WithOperation(applog.WithComponent("catalog"), "load").With(slog.String("path", path))
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	root := filepath.Dir(path)
	c := &Catalog{Path: path, byID: map[string]int{}}
	for i := range m.Conversations {
		d := m.Conversations[i]
		if strings.TrimSpace(d.ID) == "" {
			d.ID = domain.NewConversationID(d.CharacterName)
			l.Warn("conversation without id, generated one", slog.String("character", d.CharacterName), slog.String("id", d.ID))
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate conversation id %q", d.ID)
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		chapters := make([]domain.Chapter, len(d.Chapters))
		for j, ch := range d.Chapters {
			if strings.TrimSpace(ch.File) == "" {
				return nil, fmt.Errorf("catalog: %s chapter %d has no file", d.ID, j+1)
			}
			p := ch.File
			if !filepath.IsAbs(p) {
				p = filepath.Join(root, filepath.FromSlash(p))
			}
			src, err := os.ReadFile(p)
			if err != nil {
				return nil, fmt.Errorf("catalog: %s chapter %d: %w", d.ID, j+1, err)
			}
			ch.Source = string(src)
			chapters[j] = ch
		}
		d.Chapters = chapters
		c.byID[d.ID] = len(c.list)
		c.list = append(c.list, d)
	}
	l.Debug("catalog loaded", slog.Int("conversations", len(c.list)))
	return c, nil
}

// All returns the conversations in manifest order.
func (c *Catalog) All() []domain.Descriptor {
	out := make([]domain.Descriptor, len(c.list))
	copy(out, c.list)
	return out
}

func (c *Catalog) ByID(id string) (domain.Descriptor, error) {
	i, ok := c.byID[id]
	if !ok {
		return domain.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c.list[i], nil
}

// ByName finds the first conversation whose character name matches, ignoring case.
func (c *Catalog) ByName(name string) (domain.Descriptor, error) {
	for _, d := range c.list {
		if strings.EqualFold(d.CharacterName, strings.TrimSpace(name)) {
			return d, nil
		}
	}
	return domain.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, name)
}

// Lookup resolves a reference by id first, then by character name.
func (c *Catalog) Lookup(ref string) (domain.Descriptor, error) {
	if d, err := c.ByID(ref); err == nil {
		return d, nil
	}
	return c.ByName(ref)
}

// ChapterReport holds the parser diagnostics of one chapter.
type ChapterReport struct {
	ConversationID string
	Chapter        int
	Label          string
	Nodes          int
	Diagnostics    []script.Diagnostic
}

// Check parses every chapter of every conversation and collects diagnostics.
func (c *Catalog) Check(opts ...script.Option) []ChapterReport {
	var out []ChapterReport
	for _, d := range c.list {
		for i, ch := range d.Chapters {
			label := d.ID + ": " + d.ChapterLabel(i)
			if ch.File != "" {
				label = ch.File
			}
			g, diags := script.Parse(ch.Source, label, opts...)
			out = append(out, ChapterReport{
				ConversationID: d.ID,
				Chapter:        i,
				Label:          d.ChapterLabel(i),
				Nodes:          g.Len(),
				Diagnostics:    diags,
			})
		}
	}
	return out
}
