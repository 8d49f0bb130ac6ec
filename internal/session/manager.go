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
	"fmt"
	"log/slog"
	"slices"
	"time"

	"bubblechat/internal/dialogue"
	"bubblechat/internal/domain"
	applog "bubblechat/internal/log"
	"bubblechat/internal/script"
)

var (
	ErrNoStorage      = errors.New("session: storage is required")
	ErrNoNotifier     = errors.New("session: notifier is required")
	ErrNoConversation = errors.New("session: no active conversation")
)

const (
	// DefaultThrottle is the minimum interval between two throttled writes.
	DefaultThrottle    = 500 * time.Millisecond
	DefaultSaveTimeout = 5 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithThrottle sets the throttled-save interval. Zero disables throttling.
func WithThrottle(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.throttle = d
		}
	}
}

// WithClock sets the monotonic clock the throttle is measured against.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// WithSaveTimeout bounds writes triggered by executor events.
func WithSaveTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.saveTimeout = d
		}
	}
}

// WithExecutorOptions passes options to every executor the manager creates.
func WithExecutorOptions(opts ...dialogue.Option) Option {
	return func(m *Manager) { m.execOpts = append(m.execOpts, opts...) }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option { return func(m *Manager) { m.log = l } }

type entry struct {
	desc  domain.Descriptor
	exec  *dialogue.Executor
	unsub func()
}

func (e *entry) state() *domain.ConversationState { return e.exec.State() }

// Manager owns one executor per conversation, tracks the current one and
// persists state through Storage. Like the executor it is driven from a single
// goroutine and is not safe for concurrent use.
type Manager struct {
	store       Storage
	notifier    Notifier
	log         *slog.Logger
	throttle    time.Duration
	saveTimeout time.Duration
	now         func() time.Time
	execOpts    []dialogue.Option

	entries map[string]*entry
	current *entry

	lastSave time.Time
	pending  *entry
	writes   int
}

// NewManager returns a manager persisting through store and reporting to notifier.
func NewManager(store Storage, notifier Notifier, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, ErrNoStorage
	}
	if notifier == nil {
		return nil, ErrNoNotifier
	}
	m := &Manager{
		store:       store,
		notifier:    notifier,
		throttle:    DefaultThrottle,
		saveTimeout: DefaultSaveTimeout,
		now:         time.Now,
		entries:     map[string]*entry{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = applog.WithComponent("session")
	}
	return m, nil
}

// StartConversation makes desc the current conversation. A cached executor is
// reused; otherwise state is loaded (or created), a new executor initialized
// and the repaired position saved once.
func (m *Manager) StartConversation(ctx context.Context, desc domain.Descriptor) (*dialogue.Executor, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	ctx = applog.ContextWithConversation(ctx, desc.ID)

	if e, ok := m.entries[desc.ID]; ok {
		m.switchTo(ctx, e)
		if e.unsub == nil {
			e.unsub = e.exec.Subscribe(&persistListener{m: m, e: e})
		}
		m.log.DebugContext(ctx, "reusing executor")
		m.notifier.ConversationStarted(desc.ID)
		return e.exec, nil
	}

	st, err := m.store.LoadConversationState(ctx, desc.ID)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", desc.ID, err)
	}
	if st == nil {
		st = domain.NewConversationState(desc.ID, desc.CharacterName)
		m.log.InfoContext(ctx, "new conversation state", slog.String("character", desc.CharacterName))
	}
	if st.ConversationID == "" {
		st.ConversationID = desc.ID
	}
	if st.CharacterName == "" {
		st.CharacterName = desc.CharacterName
	}

	exec := dialogue.New(m.execOpts...)
	cb := dialogue.Callbacks{
		GalleryImageUnlocked: m.notifier.GalleryImageUnlocked,
		ChapterChanged:       m.notifier.ChapterChanged,
		ChapterLabel:         desc.ChapterLabel,
	}
	if err := exec.Initialize(desc.ChapterSources(), st, cb); err != nil {
		return nil, fmt.Errorf("initialize %s: %w", desc.ID, err)
	}
	e := &entry{desc: desc, exec: exec}
	e.unsub = exec.Subscribe(&persistListener{m: m, e: e})
	m.entries[desc.ID] = e
	m.switchTo(ctx, e)
	if err := m.write(ctx, e); err != nil {
		m.log.ErrorContext(ctx, "initial save failed", slog.Any("err", err))
	}
	m.notifier.ConversationStarted(desc.ID)
	return exec, nil
}

// switchTo makes e current, flushing a pending save that belongs to another conversation.
func (m *Manager) switchTo(ctx context.Context, e *entry) {
	if m.pending != nil && m.pending != e {
		if err := m.write(ctx, m.pending); err != nil {
			m.log.ErrorContext(ctx, "flush before switch failed", slog.Any("err", err))
		}
	}
	m.current = e
}

// SaveCurrentConversation writes the current state unless the last write was
// less than the throttle interval ago, in which case the save is left pending.
func (m *Manager) SaveCurrentConversation(ctx context.Context) error {
	if m.current == nil {
		return ErrNoConversation
	}
	return m.saveThrottled(ctx, m.current)
}

// ForceSaveCurrentConversation writes the current state immediately.
func (m *Manager) ForceSaveCurrentConversation(ctx context.Context) error {
	if m.current == nil {
		return ErrNoConversation
	}
	return m.write(ctx, m.current)
}

// EndCurrentConversation saves and detaches the current conversation. The
// executor stays cached for a later StartConversation.
func (m *Manager) EndCurrentConversation(ctx context.Context) error {
	e := m.current
	if e == nil {
		return ErrNoConversation
	}
	m.guardMidDisplay(e)
	err := m.write(ctx, e)
	if e.unsub != nil {
		e.unsub()
		e.unsub = nil
	}
	m.current = nil
	m.log.DebugContext(ctx, "conversation closed", slog.String("conversation", e.desc.ID))
	return err
}

// SuspendCurrentConversation saves the current conversation for an app
// pause, focus loss or shutdown. The conversation stays current.
func (m *Manager) SuspendCurrentConversation(ctx context.Context) error {
	e := m.current
	if e == nil {
		return nil
	}
	m.guardMidDisplay(e)
	return m.write(ctx, e)
}

// guardMidDisplay makes the next resume re-check the cursor when messages were
// handed to the host but not acknowledged.
func (m *Manager) guardMidDisplay(e *entry) {
	if e.exec.Phase() == dialogue.PhaseDisplayingMessages {
		e.exec.MarkAwaitingResume()
		m.log.Debug("conversation left mid-display", slog.String("conversation", e.desc.ID))
	}
}

// ResetConversation forgets the cached executor and deletes persisted state for id.
func (m *Manager) ResetConversation(ctx context.Context, id string) error {
	if e, ok := m.entries[id]; ok {
		if e.unsub != nil {
			e.unsub()
		}
		if m.current == e {
			m.current = nil
		}
		if m.pending == e {
			m.pending = nil
		}
		delete(m.entries, id)
	}
	if err := m.store.DeleteConversationState(ctx, id); err != nil {
		return fmt.Errorf("delete state %s: %w", id, err)
	}
	m.log.InfoContext(ctx, "conversation reset", slog.String("conversation", id))
	return nil
}

// Tick flushes a pending throttled save once the interval has elapsed. Hosts
// call it from their frame loop or a timer.
func (m *Manager) Tick(ctx context.Context) error {
	if m.pending == nil || m.now().Sub(m.lastSave) < m.throttle {
		return nil
	}
	return m.write(ctx, m.pending)
}

func (m *Manager) saveThrottled(ctx context.Context, e *entry) error {
	if !m.lastSave.IsZero() && m.now().Sub(m.lastSave) < m.throttle {
		m.pending = e
		return nil
	}
	return m.write(ctx, e)
}

func (m *Manager) write(ctx context.Context, e *entry) error {
	st := e.state()
	if err := m.store.SaveConversationState(ctx, st); err != nil {
		m.pending = e
		m.log.ErrorContext(ctx, "save failed", slog.String("conversation", st.ConversationID), slog.Any("err", err))
		return fmt.Errorf("save %s: %w", st.ConversationID, err)
	}
	m.lastSave = m.now()
	if m.pending == e {
		m.pending = nil
	}
	m.writes++
	m.log.DebugContext(ctx, "state saved", slog.String("conversation", st.ConversationID),
		slog.String("node", st.CurrentNodeName), slog.Int("index", st.CurrentMessageIndex))
	return nil
}

func (m *Manager) eventContext(e *entry) (context.Context, context.CancelFunc) {
	ctx := applog.ContextWithConversation(context.Background(), e.desc.ID)
	return context.WithTimeout(ctx, m.saveTimeout)
}

// UnlockedGalleryKeys returns the unlocked gallery keys of one conversation.
func (m *Manager) UnlockedGalleryKeys(ctx context.Context, id string) ([]string, error) {
	if e, ok := m.entries[id]; ok {
		return slices.Clone(e.state().UnlockedCGs), nil
	}
	st, err := m.store.LoadConversationState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", id, err)
	}
	if st == nil {
		return []string{}, nil
	}
	return slices.Clone(st.UnlockedCGs), nil
}

// AllUnlockedGalleryKeys returns the union of unlocked keys over ids, in first-seen order.
func (m *Manager) AllUnlockedGalleryKeys(ctx context.Context, ids ...string) ([]string, error) {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		keys, err := m.UnlockedGalleryKeys(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// IsGalleryKeyUnlocked reports whether key is unlocked in conversation id.
func (m *Manager) IsGalleryKeyUnlocked(ctx context.Context, id, key string) (bool, error) {
	keys, err := m.UnlockedGalleryKeys(ctx, id)
	if err != nil {
		return false, err
	}
	return slices.Contains(keys, key), nil
}

// Current returns the current executor, or nil.
func (m *Manager) Current() *dialogue.Executor {
	if m.current == nil {
		return nil
	}
	return m.current.exec
}

// CurrentID returns the current conversation id, or "".
func (m *Manager) CurrentID() string {
	if m.current == nil {
		return ""
	}
	return m.current.desc.ID
}

func (m *Manager) HasActiveConversation() bool { return m.current != nil }

// PendingSave reports whether a throttled save is waiting for Tick.
func (m *Manager) PendingSave() bool { return m.pending != nil }

// Writes returns the number of successful storage writes.
func (m *Manager) Writes() int { return m.writes }

// persistListener ties executor events to persistence.
type persistListener struct {
	m *Manager
	e *entry
}

func (p *persistListener) throttled() {
	ctx, cancel := p.m.eventContext(p.e)
	defer cancel()
	// write logs failures and leaves the save pending for Tick
	_ = p.m.saveThrottled(ctx, p.e)
}

func (p *persistListener) forced() {
	ctx, cancel := p.m.eventContext(p.e)
	defer cancel()
	// already logged; the entry stays pending so Tick retries
	_ = p.m.write(ctx, p.e)
}

func (p *persistListener) MessagesReady([]script.Message) { p.throttled() }
func (p *persistListener) ChoicesReady([]script.Choice)   { p.throttled() }
func (p *persistListener) PauseReached()                  { p.throttled() }
func (p *persistListener) ChapterChanged(int, string)     { p.forced() }

func (p *persistListener) ConversationEnded() {
	p.forced()
	p.m.notifier.ConversationEnded(p.e.desc.ID)
}
