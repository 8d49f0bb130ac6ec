/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package script

import (
	"bufio"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/google/uuid"

	applog "bubblechat/internal/log"
)

// Parse converts one chapter's script text into a node graph.
// Supported syntax:
//   - "title: NAME" opens a node; "---" and "===" separators are ignored.
//   - "<<jump TARGET>>" sets the node's auto-jump, or the open choice's target.
//     "<<jump @TARGET>>" declares TARGET as living in a later chapter.
//   - "-> ..." records a pause point after the messages seen so far.
//   - ">> choice" ... ">> endchoice" wraps options written as -> "TEXT".
//     Inside an option, "#SPEAKER: text" queues a player line.
//   - ">> media SPEAKER path:PATH [unlock:true]" emits an image message.
//   - "SPEAKER: content" emits a text message, or a system message for "system".
//   - "//" starts a comment; "contact:" header lines are ignored.
//
// Parse never fails. Malformed lines are reported as diagnostics (and logged)
// and skipped, so the returned graph is always the best effort reading of src.
func Parse(src, label string, opts ...Option) (Graph, []Diagnostic) {
	cfg := parseConfig{patterns: DefaultCrossChapterPatterns}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.log == nil {
		cfg.log = applog.WithComponent("script")
	}
	p := &parser{
		cfg:   cfg,
		label: label,
		g:     Graph{Nodes: map[string]*Node{}},
	}

	sc := bufio.NewScanner(strings.NewReader(src))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		p.lineNo++
		p.handleLine(sc.Text())
	}
	if err := sc.Err(); err != nil {
		p.warn("read error: %v", err)
	}
	p.finish()
	p.validate()

	cfg.log.Debug("parsed chapter", slog.String("label", label), slog.Int("nodes", p.g.Len()), slog.Int("diagnostics", len(p.diags)))
	return p.g, p.diags
}

// DefaultCrossChapterPatterns are the case-insensitive substrings that mark an
// unresolved jump target as a probable reference into another chapter.
var DefaultCrossChapterPatterns = []string{"_ch", "chapter", "ch2", "ch3", "ch4", "ch5"}

// Option customizes parsing.
type Option func(*parseConfig)

type parseConfig struct {
	patterns []string
	log      *slog.Logger
}

// WithCrossChapterPatterns replaces the default cross-chapter heuristic patterns.
// An empty list disables the heuristic; only "@" targets are then treated as external.
func WithCrossChapterPatterns(patterns []string) Option {
	return func(c *parseConfig) { c.patterns = patterns }
}

// WithLogger routes diagnostics to l instead of the default script logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *parseConfig) { c.log = l }
}

// LooksCrossChapter reports whether name matches one of the given patterns.
func LooksCrossChapter(name string, patterns []string) bool {
	if name == "" {
		return false
	}
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

type parser struct {
	cfg    parseConfig
	label  string
	lineNo int
	g      Graph
	diags  []Diagnostic

	node           *Node
	choice         *Choice
	inChoiceBlock  bool
	inChoiceOption bool
}

func (p *parser) handleLine(raw string) {
	line := stripComment(strings.TrimSpace(raw))
	if line == "" || strings.HasPrefix(line, "contact:") {
		return
	}

	if strings.HasPrefix(line, "title:") {
		p.openNode(strings.TrimSpace(strings.TrimPrefix(line, "title:")))
		return
	}
	if line == "---" || line == "===" {
		return
	}
	if p.node == nil {
		p.warn("content outside node: %s", line)
		return
	}

	switch {
	case strings.HasPrefix(line, "<<jump") && strings.HasSuffix(line, ">>"):
		p.jump(strings.TrimSpace(line[len("<<jump") : len(line)-len(">>")]))
	case line == "-> ...":
		p.pause()
	case line == ">> choice":
		p.openChoiceBlock()
	case line == ">> endchoice":
		p.closeChoiceBlock()
	case p.inChoiceBlock && len(line) >= 5 && strings.HasPrefix(line, "-> \"") && strings.HasSuffix(line, "\""):
		p.openChoice(line[4 : len(line)-1])
	case strings.HasPrefix(line, ">> media"):
		p.media(line)
	case strings.HasPrefix(line, ">>"):
		p.warn("unknown command: %s", line)
	case strings.Contains(line, ":"):
		p.dialogue(line)
	default:
		p.warn("unrecognized line: %s", line)
	}
}

func stripComment(line string) string {
	if i := strings.Index(line, "//"); i >= 0 {
		return strings.TrimSpace(line[:i])
	}
	return line
}

func (p *parser) openNode(name string) {
	if p.node != nil {
		p.finalizeNode()
	}
	p.node = nil
	p.choice = nil
	p.inChoiceBlock = false
	p.inChoiceOption = false
	if name == "" {
		p.warn("empty node name")
		return
	}
	if _, dup := p.g.Nodes[name]; dup {
		p.warn("duplicate node %q, later definition wins", name)
	}
	p.node = &Node{Name: name, Line: p.lineNo}
}

func (p *parser) jump(target string) {
	external := false
	if strings.HasPrefix(target, "@") {
		external = true
		target = strings.TrimSpace(target[1:])
	}
	if target == "" {
		p.warn("empty jump target")
		return
	}
	if p.inChoiceOption && p.choice != nil {
		p.choice.Target = target
		p.choice.External = external
		return
	}
	if p.node.NextNode != "" && p.node.NextNode != target {
		p.info("node %q jump %q replaced by %q", p.node.Name, p.node.NextNode, target)
	}
	p.node.NextNode = target
	p.node.NextExternal = external
}

func (p *parser) pause() {
	if p.inChoiceBlock {
		p.warn("pause marker inside choice block ignored")
		return
	}
	p.node.PausePoints = append(p.node.PausePoints, len(p.node.Messages))
}

func (p *parser) openChoiceBlock() {
	if p.inChoiceBlock {
		p.warn("nested choice blocks are not supported")
		return
	}
	p.inChoiceBlock = true
	p.inChoiceOption = false
}

func (p *parser) closeChoiceBlock() {
	if !p.inChoiceBlock {
		p.warn("unexpected >> endchoice")
		return
	}
	p.flushChoice()
	p.inChoiceBlock = false
	p.inChoiceOption = false
}

func (p *parser) openChoice(text string) {
	p.flushChoice()
	text = strings.TrimSpace(text)
	if text == "" {
		p.warn("empty choice text")
		p.inChoiceOption = false
		return
	}
	p.choice = &Choice{Text: text, Line: p.lineNo}
	p.inChoiceOption = true
}

// flushChoice appends the open choice to the current node.
func (p *parser) flushChoice() {
	if p.choice == nil {
		return
	}
	if p.choice.Target == "" {
		p.warnAt(p.choice.Line, "choice %q has no jump target", p.choice.Text)
	}
	p.node.Choices = append(p.node.Choices, *p.choice)
	p.choice = nil
}

func (p *parser) media(line string) {
	fields := strings.Fields(line)
	if len(fields) < 3 || strings.HasPrefix(fields[2], "path:") {
		p.warn("invalid media command: %s", line)
		return
	}
	msg := Message{Type: MessageImage, Speaker: fields[2]}
	for _, f := range fields[3:] {
		switch {
		case strings.HasPrefix(f, "path:"):
			msg.ImagePath = strings.TrimPrefix(f, "path:")
		case strings.EqualFold(f, "unlock:true"):
			msg.UnlocksGallery = true
		}
	}
	if msg.ImagePath == "" {
		p.warn("invalid media command, missing path: %s", line)
		return
	}
	if msg.UnlocksGallery {
		p.info("unlockable gallery image %q", msg.ImagePath)
	}
	p.route(msg)
}

func (p *parser) dialogue(line string) {
	speaker, content, _ := strings.Cut(line, ":")
	speaker = strings.TrimSpace(speaker)
	content = strings.TrimSpace(content)
	if speaker == "" {
		p.warn("empty speaker: %s", line)
		return
	}
	if len(content) >= 2 && strings.HasPrefix(content, "\"") && strings.HasSuffix(content, "\"") {
		content = content[1 : len(content)-1]
	}
	typ := MessageText
	if strings.EqualFold(speaker, "system") {
		typ = MessageSystem
	}
	msg := Message{Type: typ, Speaker: speaker, Content: content}
	if p.inChoiceOption && p.choice != nil && strings.HasPrefix(speaker, "#") {
		msg.Speaker = strings.TrimSpace(speaker[1:])
		p.choice.PlayerMessages = append(p.choice.PlayerMessages, msg)
		return
	}
	p.node.Messages = append(p.node.Messages, msg)
}

// route sends a message to the open choice's player lines or to the node.
func (p *parser) route(msg Message) {
	if p.inChoiceOption && p.choice != nil {
		p.choice.PlayerMessages = append(p.choice.PlayerMessages, msg)
		return
	}
	p.node.Messages = append(p.node.Messages, msg)
}

func (p *parser) finalizeNode() {
	p.flushChoice()
	n := p.node
	if len(n.Messages) == 0 && (len(n.Choices) > 0 || n.NextNode != "") {
		p.warnAt(n.Line, "node %q has no messages", n.Name)
	}
	if len(n.Choices) > 0 && n.NextNode != "" {
		p.warnAt(n.Line, "node %q has both choices and an auto-jump", n.Name)
	}
	slices.Sort(n.PausePoints)
	n.PausePoints = slices.Compact(n.PausePoints)
	p.assignIDs(n)
	if _, seen := p.g.Nodes[n.Name]; !seen {
		p.g.Order = append(p.g.Order, n.Name)
	}
	p.g.Nodes[n.Name] = n
}

func (p *parser) finish() {
	if p.node != nil {
		p.finalizeNode()
		p.node = nil
	}
	if p.inChoiceBlock {
		p.warn("choice block never closed")
	}
}

// assignIDs derives stable ids from the chapter label, node name and position, so a
// re-parse of the same chapter yields the ids already stored in a saved read set.
func (p *parser) assignIDs(n *Node) {
	for i := range n.Messages {
		n.Messages[i].ID = MessageID(p.label, n.Name, "m", i)
	}
	for ci := range n.Choices {
		kind := "c" + strconv.Itoa(ci)
		for mi := range n.Choices[ci].PlayerMessages {
			n.Choices[ci].PlayerMessages[mi].ID = MessageID(p.label, n.Name, kind, mi)
		}
	}
}

var idNamespace = uuid.MustParse("6f1c52a4-0b7e-4c64-9a55-3d1f7c0b2e19")

// MessageID returns the deterministic id of the index-th message of the given kind
// ("m" for node messages, "c<N>" for the player lines of choice N) in a node.
func MessageID(label, node, kind string, index int) string {
	key := label + "\x00" + node + "\x00" + kind + "\x00" + strconv.Itoa(index)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

func (p *parser) validate() {
	for _, name := range p.g.Order {
		n := p.g.Nodes[name]
		if n.NextNode != "" {
			p.checkEdge(fmt.Sprintf("node %q jumps to", n.Name), n.NextNode, n.NextExternal)
		}
		for _, c := range n.Choices {
			if c.Target != "" {
				p.checkEdge(fmt.Sprintf("choice %q in node %q targets", c.Text, n.Name), c.Target, c.External)
			}
		}
	}
}

func (p *parser) checkEdge(what, target string, external bool) {
	if _, ok := p.g.Nodes[target]; ok {
		return
	}
	if external || LooksCrossChapter(target, p.cfg.patterns) {
		p.infoAt(0, "%s cross-chapter node %q", what, target)
		return
	}
	p.warnAt(0, "%s non-existent node %q", what, target)
}

func (p *parser) warn(format string, args ...any) { p.warnAt(p.lineNo, format, args...) }

func (p *parser) info(format string, args ...any) { p.infoAt(p.lineNo, format, args...) }

func (p *parser) warnAt(line int, format string, args ...any) {
	p.add(SeverityWarn, line, fmt.Sprintf(format, args...))
}

func (p *parser) infoAt(line int, format string, args ...any) {
	p.add(SeverityInfo, line, fmt.Sprintf(format, args...))
}

func (p *parser) add(sev Severity, line int, msg string) {
	d := Diagnostic{Severity: sev, Label: p.label, Line: line, Message: msg}
	p.diags = append(p.diags, d)
	attrs := []any{slog.String("label", p.label), slog.Int("line", line)}
	if sev == SeverityWarn {
		p.cfg.log.Warn(msg, attrs...)
	} else {
		p.cfg.log.Debug(msg, attrs...)
	}
}
