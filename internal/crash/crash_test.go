/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package crash

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"bubblechat/internal/domain"
	"bubblechat/internal/session"
	"bubblechat/internal/storage"
)

func TestWriteReportCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "crash")
	path, err := writeReport(dir, nil, "boom", []byte("stacktrace"))
	if err != nil {
		t.Fatalf("writeReport error: %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Fatalf("expected report under %s, got %s", dir, path)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	s := string(b)
	if !strings.Contains(s, "BubbleChat Crash Report") {
		t.Fatalf("report header missing")
	}
	if !strings.Contains(s, "Panic: boom") {
		t.Fatalf("panic content missing: %s", s)
	}
	if strings.Contains(s, "Conversation:") {
		t.Fatalf("no conversation expected without a manager")
	}
}

// TestRecover_SavesCurrentConversation ensures Recover handles a panic, writes a
// report, force-saves the conversation, and calls the injected exitFn.
func TestRecover_SavesCurrentConversation(t *testing.T) {
	// Capture stderr temporarily to avoid noisy test logs
	oldStderr := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w
	defer func() {
		_ = w.Close()
		os.Stderr = oldStderr
		_, _ = io.Copy(io.Discard, r)
	}()

	called := 0
	oldExit := exitFn
	exitFn = func(code int) { called = code }
	defer func() { exitFn = oldExit }()

	dir := t.TempDir()
	oldDir := reportDir
	reportDir = func() string { return dir }
	defer func() { reportDir = oldDir }()

	ctx := context.Background()
	store := storage.NewMemoryStore()
	m, err := session.NewManager(store, session.NopNotifier{})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	d := domain.Descriptor{ID: "c1_Mika", CharacterName: "Mika", Chapters: []domain.Chapter{
		{Source: "title: Start\nMika: \"hi\"\n-> ...\nMika: \"later\""},
	}}
	exec, err := m.StartConversation(ctx, d)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	writes := m.Writes()
	exec.ContinueFromCurrentState()

	func() {
		defer Recover(m)
		panic("boom")
	}()

	if called != 2 {
		t.Fatalf("expected exit code 2, got %d", called)
	}
	if m.Writes() <= writes {
		t.Fatalf("expected a forced save during recovery")
	}
	st, err := store.LoadConversationState(ctx, "c1_Mika")
	if err != nil || st == nil {
		t.Fatalf("state not saved: %v %v", st, err)
	}
	if !st.IsInPauseState {
		t.Fatalf("conversation left mid-display should resume with a re-check")
	}

	files, _ := os.ReadDir(dir)
	var found string
	for _, f := range files {
		if strings.HasPrefix(f.Name(), "crash-") && strings.HasSuffix(f.Name(), ".log") {
			found = filepath.Join(dir, f.Name())
		}
	}
	if found == "" {
		t.Fatalf("expected crash report file")
	}
	b, _ := os.ReadFile(found)
	if !bytes.Contains(b, []byte("Panic: boom")) || !bytes.Contains(b, []byte("Conversation: c1_Mika")) {
		t.Fatalf("report content: %s", b)
	}
}
