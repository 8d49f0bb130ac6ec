/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package dialogue

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"bubblechat/internal/domain"
	applog "bubblechat/internal/log"
	"bubblechat/internal/script"
)

var (
	ErrNilState       = errors.New("dialogue: nil conversation state")
	ErrChapterMissing = errors.New("dialogue: chapter source missing")
	ErrChapterEmpty   = errors.New("dialogue: chapter has no nodes")
)

// DefaultMaxAutoJumps bounds consecutive jumps that emit nothing.
const DefaultMaxAutoJumps = 256

// Phase is the executor's position in its state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	// PhaseReady: initialized, nothing emitted yet.
	PhaseReady
	PhaseDisplayingMessages
	PhaseAwaitingChoice
	PhasePaused
	PhaseChapterTransition
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseReady:
		return "ready"
	case PhaseDisplayingMessages:
		return "displaying"
	case PhaseAwaitingChoice:
		return "awaiting-choice"
	case PhasePaused:
		return "paused"
	case PhaseChapterTransition:
		return "chapter-transition"
	case PhaseEnded:
		return "ended"
	default:
		return "idle"
	}
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.base = l } }

// WithMaxAutoJumps sets the runaway-jump limit; n <= 0 keeps the default.
func WithMaxAutoJumps(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.maxJumps = n
		}
	}
}

// WithParseOptions passes options to every chapter parse.
func WithParseOptions(opts ...script.Option) Option {
	return func(e *Executor) { e.parseOpts = append(e.parseOpts, opts...) }
}

// WithClock sets the clock used to stamp delivered messages.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// Executor runs one conversation over its chapter graphs. It is driven
// synchronously by the host and is not safe for concurrent use.
type Executor struct {
	base      *slog.Logger
	log       *slog.Logger
	maxJumps  int
	parseOpts []script.Option
	now       func() time.Time

	chapters []string
	state    *domain.ConversationState
	cb       Callbacks
	graph    script.Graph
	node     *script.Node
	phase    Phase
	jumps    int

	subs   []subscription
	nextID int
}

// New returns an uninitialized executor.
func New(opts ...Option) *Executor {
	e := &Executor{maxJumps: DefaultMaxAutoJumps, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	if e.base == nil {
		e.base = applog.WithComponent("dialogue")
	}
	e.log = e.base
	return e
}

// Initialize binds the executor to chapter sources and a state, repairing the
// state where it does not fit the chapters. Errors are fatal for this conversation.
func (e *Executor) Initialize(chapters []string, state *domain.ConversationState, cb Callbacks) error {
	if state == nil {
		return ErrNilState
	}
	log := e.base.With(slog.String("conversation", state.ConversationID))
	if state.Normalize() {
		log.Warn("repaired malformed conversation state")
	}
	if state.CurrentChapterIndex < 0 || state.CurrentChapterIndex >= len(chapters) {
		log.Warn("chapter index out of range, resetting to first chapter",
			slog.Int("chapter", state.CurrentChapterIndex), slog.Int("chapters", len(chapters)))
		state.CurrentChapterIndex = 0
		state.CurrentMessageIndex = 0
		state.ClearRead()
	}
	e.chapters = chapters
	e.state = state
	e.cb = cb
	e.log = log

	g, err := e.parseChapter(state.CurrentChapterIndex)
	if err != nil {
		return err
	}
	e.graph = g

	node, ok := g.Node(state.CurrentNodeName)
	if !ok {
		start := g.PreferredStart()
		if state.CurrentNodeName != "" {
			log.Warn("saved node not found, restarting chapter",
				slog.String("node", state.CurrentNodeName), slog.String("start", start))
		}
		node = g.Nodes[start]
		state.CurrentNodeName = start
		state.CurrentMessageIndex = 0
	}
	if state.CurrentMessageIndex > len(node.Messages) {
		log.Warn("message index out of range, resetting",
			slog.Int("index", state.CurrentMessageIndex), slog.Int("messages", len(node.Messages)))
		state.CurrentMessageIndex = 0
	}
	e.node = node
	e.phase = PhaseReady
	e.jumps = 0
	log.Debug("executor initialized", slog.Int("chapter", state.CurrentChapterIndex),
		slog.String("node", node.Name), slog.Int("index", state.CurrentMessageIndex))
	return nil
}

func (e *Executor) parseChapter(i int) (script.Graph, error) {
	if i < 0 || i >= len(e.chapters) || strings.TrimSpace(e.chapters[i]) == "" {
		return script.Graph{}, fmt.Errorf("%w: chapter %d", ErrChapterMissing, i)
	}
	g, _ := script.Parse(e.chapters[i], fmt.Sprintf("%s/ch%d", e.state.ConversationID, i), e.parseOpts...)
	if g.Len() == 0 {
		return script.Graph{}, fmt.Errorf("%w: chapter %d", ErrChapterEmpty, i)
	}
	return g, nil
}

// Subscribe registers l and returns a function that removes it.
func (e *Executor) Subscribe(l Listener) (unsubscribe func()) {
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscription{id: id, l: l})
	return func() {
		e.subs = slices.DeleteFunc(e.subs, func(s subscription) bool { return s.id == id })
	}
}

func (e *Executor) listeners() []Listener {
	out := make([]Listener, len(e.subs))
	for i, s := range e.subs {
		out[i] = s.l
	}
	return out
}

// ContinueFromCurrentState resumes execution. After a pause it re-evaluates
// what follows the pause without re-emitting messages.
func (e *Executor) ContinueFromCurrentState() {
	if !e.initialized() {
		e.log.Warn("continue before initialize")
		return
	}
	if e.state.IsInPauseState {
		e.DetermineNextAction()
		return
	}
	e.ProcessCurrentNode()
}

// ProcessCurrentNode delivers the messages from the cursor up to the next
// pause boundary. Already-read messages are recorded again but not re-emitted.
func (e *Executor) ProcessCurrentNode() {
	if !e.initialized() {
		e.log.Warn("process before initialize")
		return
	}
	n := e.node
	start := e.state.CurrentMessageIndex
	end := n.NextBoundary(start)
	if start > end {
		start = end
	}
	stamp := e.now().Format(time.RFC3339)

	var fresh []script.Message
	for _, m := range n.Messages[start:end] {
		m.Timestamp = stamp
		if !e.state.HasRead(m.ID) {
			fresh = append(fresh, m)
		}
		e.state.AppendHistory(m)
		e.state.MarkRead(m.ID)
		e.unlockGallery(m)
	}
	e.state.CurrentMessageIndex = end

	if len(fresh) == 0 {
		e.DetermineNextAction()
		return
	}
	e.jumps = 0
	e.phase = PhaseDisplayingMessages
	e.log.Debug("messages ready", slog.String("node", n.Name), slog.Int("count", len(fresh)), slog.Int("index", end))
	for _, l := range e.listeners() {
		l.MessagesReady(fresh)
	}
}

func (e *Executor) unlockGallery(m script.Message) {
	if !m.UnlocksGallery || m.ImagePath == "" {
		return
	}
	if !e.state.Unlock(m.ImagePath) {
		return
	}
	e.log.Info("gallery image unlocked", slog.String("key", m.ImagePath))
	if e.cb.GalleryImageUnlocked != nil {
		e.cb.GalleryImageUnlocked(m.ImagePath)
	}
}

// OnMessagesDisplayComplete is called by the host once emitted messages are shown.
func (e *Executor) OnMessagesDisplayComplete() {
	if e.phase != PhaseDisplayingMessages {
		e.log.Warn("display complete ignored", slog.String("phase", e.phase.String()))
		return
	}
	e.DetermineNextAction()
}

// DetermineNextAction decides what follows the cursor: pause, choices, jump or end.
func (e *Executor) DetermineNextAction() {
	if !e.initialized() {
		return
	}
	if e.node.PausesAt(e.state.CurrentMessageIndex) {
		e.jumps = 0
		e.state.IsInPauseState = true
		e.phase = PhasePaused
		e.log.Debug("pause reached", slog.String("node", e.node.Name), slog.Int("index", e.state.CurrentMessageIndex))
		for _, l := range e.listeners() {
			l.PauseReached()
		}
		return
	}
	e.afterPause()
}

// afterPause evaluates choices, jump and end, skipping the pause check.
func (e *Executor) afterPause() {
	e.state.IsInPauseState = false
	n := e.node
	switch {
	case len(n.Choices) > 0:
		e.jumps = 0
		e.phase = PhaseAwaitingChoice
		e.log.Debug("choices ready", slog.String("node", n.Name), slog.Int("count", len(n.Choices)))
		choices := slices.Clone(n.Choices)
		for _, l := range e.listeners() {
			l.ChoicesReady(choices)
		}
	case n.NextNode != "":
		e.JumpToNode(n.NextNode)
	default:
		e.end("no further content")
	}
}

// OnPauseButtonClicked continues past the current pause.
func (e *Executor) OnPauseButtonClicked() {
	if e.phase != PhasePaused {
		e.log.Warn("pause click ignored", slog.String("phase", e.phase.String()))
		return
	}
	e.state.IsInPauseState = false
	cur := e.state.CurrentMessageIndex
	if next := e.node.NextBoundary(cur); next > cur {
		e.ProcessCurrentNode()
		return
	}
	e.afterPause()
}

// SelectChoice selects the index-th choice of the current node.
func (e *Executor) SelectChoice(index int) error {
	if !e.initialized() || index < 0 || index >= len(e.node.Choices) {
		return fmt.Errorf("dialogue: no choice %d", index)
	}
	e.OnChoiceSelected(e.node.Choices[index])
	return nil
}

// OnChoiceSelected records and emits the choice's player lines, then jumps to its target.
// The player lines are informational and need no OnMessagesDisplayComplete.
func (e *Executor) OnChoiceSelected(choice script.Choice) {
	if e.phase != PhaseAwaitingChoice {
		e.log.Warn("choice ignored", slog.String("phase", e.phase.String()), slog.String("choice", choice.Text))
		return
	}
	e.state.IsInPauseState = false
	e.log.Debug("choice selected", slog.String("choice", choice.Text), slog.String("target", choice.Target))
	if len(choice.PlayerMessages) > 0 {
		stamp := e.now().Format(time.RFC3339)
		msgs := make([]script.Message, len(choice.PlayerMessages))
		for i, m := range choice.PlayerMessages {
			m.Timestamp = stamp
			msgs[i] = m
			e.state.AppendHistory(m)
			e.state.MarkRead(m.ID)
			e.unlockGallery(m)
		}
		for _, l := range e.listeners() {
			l.MessagesReady(msgs)
		}
	}
	if choice.Target == "" {
		e.end("choice has no target")
		return
	}
	e.jumps = 0
	e.JumpToNode(choice.Target)
}

// JumpToNode moves to name in the current chapter, or advances to the next
// chapter when name is not found here. Failures end the conversation.
func (e *Executor) JumpToNode(name string) {
	if !e.initialized() {
		return
	}
	e.jumps++
	if e.jumps > e.maxJumps {
		e.log.Warn("too many consecutive jumps without content", slog.String("target", name), slog.Int("limit", e.maxJumps))
		e.end("jump limit")
		return
	}
	if n, ok := e.graph.Node(name); ok {
		e.enter(n)
		return
	}
	e.advanceChapter(name)
}

func (e *Executor) enter(n *script.Node) {
	e.node = n
	e.state.CurrentNodeName = n.Name
	e.state.CurrentMessageIndex = 0
	e.ProcessCurrentNode()
}

func (e *Executor) advanceChapter(target string) {
	cur := e.state.CurrentChapterIndex
	if cur >= len(e.chapters)-1 {
		e.log.Info("jump target not found in last chapter", slog.String("target", target))
		e.end("last chapter")
		return
	}
	next := cur + 1
	g, err := e.parseChapter(next)
	if err != nil {
		e.log.Error("chapter advance failed", slog.Int("chapter", next), slog.Any("err", err))
		e.end("chapter load failed")
		return
	}
	// chapter, node and cursor move together so a save fired by the chapter
	// notification records a position that exists in the new chapter
	n, ok := g.Node(target)
	if !ok {
		n = g.Nodes[g.PreferredStart()]
	}
	e.graph = g
	e.node = n
	e.state.CurrentChapterIndex = next
	e.state.CurrentNodeName = n.Name
	e.state.CurrentMessageIndex = 0
	e.phase = PhaseChapterTransition
	label := e.chapterLabel(next)
	e.log.Info("chapter changed", slog.Int("chapter", next), slog.String("label", label))
	if e.cb.ChapterChanged != nil {
		e.cb.ChapterChanged(e.state.ConversationID, next, label)
	}
	for _, l := range e.listeners() {
		l.ChapterChanged(next, label)
	}
	if !ok {
		e.log.Warn("jump target not found in next chapter", slog.String("target", target), slog.Int("chapter", next))
		e.end("target missing")
		return
	}
	e.ProcessCurrentNode()
}

func (e *Executor) chapterLabel(i int) string {
	if e.cb.ChapterLabel != nil {
		if l := e.cb.ChapterLabel(i); l != "" {
			return l
		}
	}
	return fmt.Sprintf("Chapter %d", i+1)
}

func (e *Executor) end(reason string) {
	e.state.IsInPauseState = false
	e.phase = PhaseEnded
	e.jumps = 0
	e.log.Debug("conversation ended", slog.String("reason", reason))
	for _, l := range e.listeners() {
		l.ConversationEnded()
	}
}

func (e *Executor) initialized() bool { return e.state != nil && e.node != nil }

// State returns the live conversation state.
func (e *Executor) State() *domain.ConversationState { return e.state }

// CurrentNode returns the node under the cursor.
func (e *Executor) CurrentNode() *script.Node { return e.node }

// CurrentChoices returns the choices on offer, or nil when none are pending.
func (e *Executor) CurrentChoices() []script.Choice {
	if e.phase != PhaseAwaitingChoice || e.node == nil {
		return nil
	}
	return slices.Clone(e.node.Choices)
}

// ChapterIndex returns the current chapter index.
func (e *Executor) ChapterIndex() int {
	if e.state == nil {
		return 0
	}
	return e.state.CurrentChapterIndex
}

// IsAwaitingResume reports whether the conversation stopped at a pause.
func (e *Executor) IsAwaitingResume() bool { return e.state != nil && e.state.IsInPauseState }

// MarkAwaitingResume flags the state so the next resume re-checks the cursor
// instead of continuing past messages that may not have been shown.
func (e *Executor) MarkAwaitingResume() {
	if e.state != nil {
		e.state.IsInPauseState = true
	}
}

func (e *Executor) Phase() Phase { return e.phase }
