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
	"errors"
	"testing"
	"time"

	"bubblechat/internal/dialogue"
	"bubblechat/internal/domain"
)

type fakeStore struct {
	states  map[string]*domain.ConversationState
	saves   int
	deletes int
	err     error
}

func newFakeStore() *fakeStore { return &fakeStore{states: map[string]*domain.ConversationState{}} }

func (f *fakeStore) SaveConversationState(_ context.Context, st *domain.ConversationState) error {
	if f.err != nil {
		return f.err
	}
	f.saves++
	f.states[st.ConversationID] = st.Clone()
	return nil
}

func (f *fakeStore) LoadConversationState(_ context.Context, id string) (*domain.ConversationState, error) {
	if st, ok := f.states[id]; ok {
		return st.Clone(), nil
	}
	return nil, nil
}

func (f *fakeStore) DeleteConversationState(_ context.Context, id string) error {
	f.deletes++
	delete(f.states, id)
	return nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type events struct {
	started, ended []string
	unlocked       []string
	chapters       []int
}

func (ev *events) notifier() Notifier {
	return NotifierFuncs{
		Started:  func(id string) { ev.started = append(ev.started, id) },
		Ended:    func(id string) { ev.ended = append(ev.ended, id) },
		Unlocked: func(k string) { ev.unlocked = append(ev.unlocked, k) },
		Chapter:  func(_ string, i int, _ string) { ev.chapters = append(ev.chapters, i) },
	}
}

const linear = "title: Start\nA: \"hi\"\n<<jump End>>\ntitle: End\nA: \"bye\""

func desc(id string, chapters ...string) domain.Descriptor {
	d := domain.Descriptor{ID: id, CharacterName: "A"}
	for _, c := range chapters {
		d.Chapters = append(d.Chapters, domain.Chapter{Source: c})
	}
	return d
}

func newManager(t *testing.T, store Storage) (*Manager, *fakeClock, *events) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	ev := &events{}
	m, err := NewManager(store, ev.notifier(), WithClock(clk.now))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, clk, ev
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	if _, err := NewManager(nil, NopNotifier{}); !errors.Is(err, ErrNoStorage) {
		t.Fatalf("expected ErrNoStorage, got %v", err)
	}
	if _, err := NewManager(newFakeStore(), nil); !errors.Is(err, ErrNoNotifier) {
		t.Fatalf("expected ErrNoNotifier, got %v", err)
	}
}

func TestStartConversationSavesInitialPosition(t *testing.T) {
	store := newFakeStore()
	m, _, ev := newManager(t, store)
	ctx := context.Background()
	exec, err := m.StartConversation(ctx, desc("c1", linear))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if m.Writes() != 1 || store.saves != 1 {
		t.Fatalf("expected one initial write, got %d", m.Writes())
	}
	if st := store.states["c1"]; st == nil || st.CurrentNodeName != "Start" {
		t.Fatalf("unexpected saved state %+v", st)
	}
	if m.Current() != exec || m.CurrentID() != "c1" || !m.HasActiveConversation() {
		t.Fatalf("conversation not current")
	}
	again, err := m.StartConversation(ctx, desc("c1", linear))
	if err != nil || again != exec {
		t.Fatalf("expected cached executor, got %p vs %p (%v)", again, exec, err)
	}
	if len(ev.started) != 2 {
		t.Fatalf("expected two started events, got %v", ev.started)
	}
	if _, err := m.StartConversation(ctx, domain.Descriptor{ID: "x"}); !errors.Is(err, domain.ErrInvalidDescriptor) {
		t.Fatalf("expected invalid descriptor error, got %v", err)
	}
}

func TestStartConversationResumesStoredState(t *testing.T) {
	store := newFakeStore()
	st := domain.NewConversationState("c2", "A")
	st.CurrentNodeName = "End"
	store.states["c2"] = st
	m, _, _ := newManager(t, store)
	exec, err := m.StartConversation(context.Background(), desc("c2", linear))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if exec.CurrentNode().Name != "End" {
		t.Fatalf("expected resume at End, got %s", exec.CurrentNode().Name)
	}
}

func TestThrottledSaves(t *testing.T) {
	store := newFakeStore()
	m, clk, _ := newManager(t, store)
	ctx := context.Background()
	if err := m.SaveCurrentConversation(ctx); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}
	if _, err := m.StartConversation(ctx, desc("c3", linear)); err != nil {
		t.Fatalf("start: %v", err)
	}
	clk.advance(time.Second)
	_ = m.SaveCurrentConversation(ctx)
	_ = m.SaveCurrentConversation(ctx)
	if m.Writes() != 2 {
		t.Fatalf("expected 2 writes, got %d", m.Writes())
	}
	if !m.PendingSave() {
		t.Fatalf("second save should be pending")
	}
	if err := m.ForceSaveCurrentConversation(ctx); err != nil {
		t.Fatalf("force: %v", err)
	}
	if m.Writes() != 3 || m.PendingSave() {
		t.Fatalf("force save should write and clear pending, writes=%d", m.Writes())
	}
	_ = m.SaveCurrentConversation(ctx)
	_ = m.Tick(ctx)
	if m.Writes() != 3 {
		t.Fatalf("tick within interval must not write")
	}
	clk.advance(600 * time.Millisecond)
	_ = m.Tick(ctx)
	if m.Writes() != 4 || m.PendingSave() {
		t.Fatalf("tick should flush pending save, writes=%d", m.Writes())
	}
	_ = m.Tick(ctx)
	if m.Writes() != 4 {
		t.Fatalf("tick without pending save must not write")
	}
}

func TestExecutorEventsDrivePersistence(t *testing.T) {
	store := newFakeStore()
	m, clk, ev := newManager(t, store)
	ctx := context.Background()
	exec, err := m.StartConversation(ctx, desc("c4", linear))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.ContinueFromCurrentState()
	if !m.PendingSave() || m.Writes() != 1 {
		t.Fatalf("messages within interval should leave a pending save")
	}
	clk.advance(time.Second)
	exec.OnMessagesDisplayComplete()
	if m.Writes() != 2 {
		t.Fatalf("expected throttled write after interval, got %d", m.Writes())
	}
	exec.OnMessagesDisplayComplete()
	if m.Writes() != 3 {
		t.Fatalf("conversation end should force a write, got %d", m.Writes())
	}
	if len(ev.ended) != 1 || ev.ended[0] != "c4" {
		t.Fatalf("expected ended event, got %v", ev.ended)
	}
	if got := len(store.states["c4"].MessageHistory); got != 2 {
		t.Fatalf("expected 2 saved history entries, got %d", got)
	}
}

func TestChapterChangeForcesSave(t *testing.T) {
	store := newFakeStore()
	m, _, ev := newManager(t, store)
	ctx := context.Background()
	// both chapters have a Start node, so a stale node name would resume silently
	d := desc("c5", "title: Start\nA: one\n<<jump Scene_ch2>>", "title: Start\nA: intro\ntitle: Scene_ch2\nA: two")
	exec, err := m.StartConversation(ctx, d)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.ContinueFromCurrentState()
	before := m.Writes()
	exec.OnMessagesDisplayComplete()
	if m.Writes() != before+1 {
		t.Fatalf("chapter change should force a write")
	}
	if len(ev.chapters) != 1 || ev.chapters[0] != 1 {
		t.Fatalf("expected chapter event, got %v", ev.chapters)
	}
	if !m.PendingSave() {
		t.Fatalf("messages after the chapter change should be throttled")
	}
	saved := store.states["c5"]
	if saved.CurrentChapterIndex != 1 || saved.CurrentNodeName != "Scene_ch2" || saved.CurrentMessageIndex != 0 {
		t.Fatalf("saved position %d/%q/%d, want 1/\"Scene_ch2\"/0",
			saved.CurrentChapterIndex, saved.CurrentNodeName, saved.CurrentMessageIndex)
	}

	// process dies before Tick; a fresh manager resumes from the forced save
	m2, _, _ := newManager(t, store)
	resumed, err := m2.StartConversation(ctx, d)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if resumed.ChapterIndex() != 1 || resumed.CurrentNode().Name != "Scene_ch2" || resumed.State().CurrentMessageIndex != 0 {
		t.Fatalf("resumed at %d/%s/%d", resumed.ChapterIndex(), resumed.CurrentNode().Name, resumed.State().CurrentMessageIndex)
	}
	resumed.ContinueFromCurrentState()
	h := resumed.State().MessageHistory
	if len(h) == 0 || h[len(h)-1].Content != "two" {
		t.Fatalf("expected \"two\" to be delivered after resume, history %+v", h)
	}
}

func TestEndMidDisplayMarksAwaitingResume(t *testing.T) {
	store := newFakeStore()
	m, clk, _ := newManager(t, store)
	ctx := context.Background()
	exec, err := m.StartConversation(ctx, desc("c6", linear))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	exec.ContinueFromCurrentState()
	if exec.Phase() != dialogue.PhaseDisplayingMessages {
		t.Fatalf("expected displaying, got %v", exec.Phase())
	}
	if err := m.EndCurrentConversation(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if !store.states["c6"].IsInPauseState {
		t.Fatalf("saved state should await resume")
	}
	if m.HasActiveConversation() || m.PendingSave() {
		t.Fatalf("end should clear current and pending")
	}
	if err := m.EndCurrentConversation(ctx); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("expected ErrNoConversation, got %v", err)
	}

	again, err := m.StartConversation(ctx, desc("c6", linear))
	if err != nil || again != exec {
		t.Fatalf("expected cached executor after end")
	}
	clk.advance(time.Second)
	writes := m.Writes()
	again.ContinueFromCurrentState()
	if m.Writes() != writes+1 {
		t.Fatalf("re-subscribed executor should persist again")
	}
	if store.states["c6"].CurrentNodeName != "End" {
		t.Fatalf("resume should continue to End, got %s", store.states["c6"].CurrentNodeName)
	}
}

func TestSuspendKeepsConversationCurrent(t *testing.T) {
	store := newFakeStore()
	m, _, _ := newManager(t, store)
	ctx := context.Background()
	if err := m.SuspendCurrentConversation(ctx); err != nil {
		t.Fatalf("suspend without conversation: %v", err)
	}
	exec, _ := m.StartConversation(ctx, desc("c7", linear))
	exec.ContinueFromCurrentState()
	if err := m.SuspendCurrentConversation(ctx); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if !m.HasActiveConversation() || !store.states["c7"].IsInPauseState {
		t.Fatalf("suspend should save awaiting-resume and stay current")
	}
}

func TestResetConversation(t *testing.T) {
	store := newFakeStore()
	m, _, _ := newManager(t, store)
	ctx := context.Background()
	exec, _ := m.StartConversation(ctx, desc("c8", linear))
	if err := m.ResetConversation(ctx, "c8"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := store.states["c8"]; ok || store.deletes != 1 {
		t.Fatalf("state not deleted")
	}
	if m.HasActiveConversation() {
		t.Fatalf("reset should clear current")
	}
	fresh, _ := m.StartConversation(ctx, desc("c8", linear))
	if fresh == exec {
		t.Fatalf("reset should drop the cached executor")
	}
}

func TestSwitchingFlushesPendingSave(t *testing.T) {
	store := newFakeStore()
	m, _, _ := newManager(t, store)
	ctx := context.Background()
	a, _ := m.StartConversation(ctx, desc("a", linear))
	a.ContinueFromCurrentState()
	if !m.PendingSave() {
		t.Fatalf("expected pending save for a")
	}
	if _, err := m.StartConversation(ctx, desc("b", linear)); err != nil {
		t.Fatalf("start b: %v", err)
	}
	if got := store.states["a"].CurrentMessageIndex; got != 1 {
		t.Fatalf("pending save of a not flushed, index %d", got)
	}
	if m.CurrentID() != "b" || m.PendingSave() {
		t.Fatalf("unexpected manager state after switch")
	}
}

func TestGalleryQueries(t *testing.T) {
	store := newFakeStore()
	other := domain.NewConversationState("old", "B")
	other.Unlock("cg/old.png")
	other.Unlock("cg/beach.png")
	store.states["old"] = other
	m, _, ev := newManager(t, store)
	ctx := context.Background()
	exec, _ := m.StartConversation(ctx, desc("g", "title: Start\n>> media A path:cg/beach.png unlock:true"))
	exec.ContinueFromCurrentState()
	if len(ev.unlocked) != 1 {
		t.Fatalf("expected unlock event, got %v", ev.unlocked)
	}
	ok, err := m.IsGalleryKeyUnlocked(ctx, "g", "cg/beach.png")
	if err != nil || !ok {
		t.Fatalf("expected unlocked key (%v)", err)
	}
	all, err := m.AllUnlockedGalleryKeys(ctx, "g", "old", "missing")
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 || all[0] != "cg/beach.png" || all[1] != "cg/old.png" {
		t.Fatalf("unexpected union %v", all)
	}
	keys, _ := m.UnlockedGalleryKeys(ctx, "missing")
	if keys == nil || len(keys) != 0 {
		t.Fatalf("expected empty list for unknown conversation, got %v", keys)
	}
}

func TestStorageFailureKeepsSavePending(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("disk full")
	m, _, _ := newManager(t, store)
	ctx := context.Background()
	if _, err := m.StartConversation(ctx, desc("f", linear)); err != nil {
		t.Fatalf("start should survive a failed initial save: %v", err)
	}
	if err := m.ForceSaveCurrentConversation(ctx); err == nil {
		t.Fatalf("expected save error")
	}
	if !m.PendingSave() || m.Writes() != 0 {
		t.Fatalf("failed save should stay pending")
	}
	store.err = nil
	if err := m.Tick(ctx); err != nil || m.Writes() != 1 {
		t.Fatalf("tick should retry the pending save (%v, %d)", err, m.Writes())
	}
}

func TestBusFansOut(t *testing.T) {
	var bus Bus
	var a, b []string
	unsubA := bus.Subscribe(NotifierFuncs{Started: func(id string) { a = append(a, id) }})
	bus.Subscribe(NotifierFuncs{Started: func(id string) { b = append(b, id) }})
	bus.ConversationStarted("x")
	unsubA()
	bus.ConversationStarted("y")
	bus.GalleryImageUnlocked("k")
	if len(a) != 1 || len(b) != 2 {
		t.Fatalf("unexpected deliveries a=%v b=%v", a, b)
	}
	var n Notifier = &bus
	n.ConversationEnded("z")
	MultiNotifier{NopNotifier{}, &bus}.ChapterChanged("z", 1, "Chapter 2")
}
