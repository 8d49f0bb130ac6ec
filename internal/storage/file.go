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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"bubblechat/internal/domain"
	applog "bubblechat/internal/log"
)

const (
	SaveFileName = "game_save.json"
	backupSuffix = ".bak"
)

// FileStore keeps every conversation in a single JSON save document. Writes go
// to a temp file that replaces the save, after the previous save was copied to
// a ".bak" sibling. A save that cannot be read is recovered from the backup.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
	log  *slog.Logger

	playtime float64
}

// NewFileStore returns a store writing dir/game_save.json, creating dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("save directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create save dir: %w", err)
	}
	return &FileStore{
		path: filepath.Join(dir, SaveFileName),
		now:  time.Now,
		log:  applog.WithComponent("storage").With(slog.String("store", "file")),
	}, nil
}

// Path returns the save file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) SaveConversationState(ctx context.Context, st *domain.ConversationState) error {
	if st == nil || st.ConversationID == "" {
		return ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	if doc.dropInvalid(st.ConversationID) {
		s.log.Warn("replacing unreadable conversation state", slog.String("conversation", st.ConversationID))
	}
	doc.data.Put(st.Clone())
	return s.write(doc)
}

func (s *FileStore) LoadConversationState(ctx context.Context, id string) (*domain.ConversationState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	st := doc.data.Find(id)
	if st == nil {
		return nil, nil
	}
	c := st.Clone()
	c.Normalize()
	return c, nil
}

func (s *FileStore) DeleteConversationState(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return err
	}
	removed := doc.data.Remove(id)
	if !doc.dropInvalid(id) && !removed {
		return nil
	}
	return s.write(doc)
}

func (s *FileStore) ListConversationIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(doc.data.ConversationStates))
	for _, st := range doc.data.ConversationStates {
		ids = append(ids, st.ConversationID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *FileStore) Close() error { return nil }

// rawSaveFile defers decoding of individual states until they passed validation.
type rawSaveFile struct {
	GameData struct {
		SaveVersion        int               `json:"saveVersion"`
		ConversationStates []json.RawMessage `json:"conversationStates"`
	} `json:"gameData"`
	SaveVersion     int     `json:"saveVersion"`
	SaveTimestamp   string  `json:"saveTimestamp"`
	PlaytimeSeconds float64 `json:"playtimeSeconds"`
}

// saveDoc is a decoded save. Entries that failed validation are kept verbatim
// and written back, so one unreadable conversation never costs its progress
// when another conversation saves.
type saveDoc struct {
	data    *domain.SaveData
	invalid []json.RawMessage
}

func newSaveDoc() *saveDoc { return &saveDoc{data: domain.NewSaveData()} }

// dropInvalid removes unreadable entries carrying id and reports whether any existed.
func (d *saveDoc) dropInvalid(id string) bool {
	kept := d.invalid[:0]
	for _, raw := range d.invalid {
		if rawConversationID(raw) != id {
			kept = append(kept, raw)
		}
	}
	dropped := len(kept) != len(d.invalid)
	d.invalid = kept
	return dropped
}

func rawConversationID(raw json.RawMessage) string {
	var head struct {
		ConversationID string `json:"conversationId"`
	}
	_ = json.Unmarshal(raw, &head)
	return head.ConversationID
}

// load reads the save, falling back to the backup. A missing save yields an empty document.
func (s *FileStore) load(ctx context.Context) (*saveDoc, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := s.decodeFile(s.path)
	if err == nil {
		return data, nil
	}
	primaryMissing := errors.Is(err, os.ErrNotExist)
	if !primaryMissing {
		s.log.Warn("save file unreadable, trying backup", slog.String("path", s.path), slog.Any("err", err))
	}
	bak := s.path + backupSuffix
	data, bakErr := s.decodeFile(bak)
	switch {
	case bakErr == nil:
		if cerr := copyFile(bak, s.path); cerr != nil {
			s.log.Error("restore from backup failed", slog.Any("err", cerr))
		} else {
			s.log.Warn("save restored from backup", slog.String("backup", bak))
		}
		return data, nil
	case primaryMissing && errors.Is(bakErr, os.ErrNotExist):
		return newSaveDoc(), nil
	case primaryMissing:
		return nil, fmt.Errorf("read backup: %w", bakErr)
	default:
		return nil, fmt.Errorf("read save: %w (backup: %v)", err, bakErr)
	}
}

func (s *FileStore) decodeFile(path string) (*saveDoc, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawSaveFile
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	out := newSaveDoc()
	if raw.GameData.SaveVersion != 0 {
		out.data.SaveVersion = raw.GameData.SaveVersion
	}
	for i, rs := range raw.GameData.ConversationStates {
		if err := ValidateStateJSON(rs); err != nil {
			s.log.Warn("skipping invalid conversation state", slog.Int("index", i), slog.Any("err", err))
			out.invalid = append(out.invalid, rs)
			continue
		}
		var st domain.ConversationState
		if err := json.Unmarshal(rs, &st); err != nil {
			s.log.Warn("skipping undecodable conversation state", slog.Int("index", i), slog.Any("err", err))
			out.invalid = append(out.invalid, rs)
			continue
		}
		st.Normalize()
		out.data.Put(&st)
	}
	s.playtime = raw.PlaytimeSeconds
	return out, nil
}

// write replaces the save with doc, keeping the previous save as backup.
func (s *FileStore) write(doc *saveDoc) error {
	w := doc.data.Wrap(s.now(), s.playtime)
	var out rawSaveFile
	out.GameData.SaveVersion = w.GameData.SaveVersion
	out.GameData.ConversationStates = make([]json.RawMessage, 0, len(w.GameData.ConversationStates)+len(doc.invalid))
	for _, st := range w.GameData.ConversationStates {
		b, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", st.ConversationID, err)
		}
		out.GameData.ConversationStates = append(out.GameData.ConversationStates, b)
	}
	out.GameData.ConversationStates = append(out.GameData.ConversationStates, doc.invalid...)
	out.SaveVersion = w.SaveVersion
	out.SaveTimestamp = w.SaveTimestamp
	out.PlaytimeSeconds = w.PlaytimeSeconds

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal save: %w", err)
	}
	b = append(b, '\n')

	if _, statErr := os.Stat(s.path); statErr == nil {
		if cerr := copyFile(s.path, s.path+backupSuffix); cerr != nil {
			return fmt.Errorf("backup save: %w", cerr)
		}
	}
	dir := filepath.Dir(s.path)
	temp := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d-%d", SaveFileName, os.Getpid(), rand.Int()))
	if werr := writeFileSync(temp, b); werr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("write temp save: %w", werr)
	}
	if rerr := os.Rename(temp, s.path); rerr != nil {
		_ = os.Remove(temp)
		return fmt.Errorf("replace save: %w", rerr)
	}
	return nil
}

// writeFileSync writes data to a file, ensures it is flushed to disk.
func writeFileSync(path string, data []byte) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Sync()
}

// copyFile copies a file from src to dst (overwrites dst if exists).
func copyFile(src, dst string) (err error) {
	sf, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sf.Close(); err == nil {
			err = cerr
		}
	}()
	df, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := df.Close(); err == nil {
			err = cerr
		}
	}()
	if _, err := io.Copy(df, sf); err != nil {
		return err
	}
	return df.Sync()
}
