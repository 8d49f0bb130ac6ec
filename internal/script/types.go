/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package script

import (
	"fmt"
	"strings"
)

// Graph is the parsed representation of one chapter: a set of named nodes.
// Order keeps the first-seen order of node names so "the first node" is stable.
type Graph struct {
	Nodes map[string]*Node
	Order []string
}

// Len returns the number of nodes in the graph.
func (g Graph) Len() int { return len(g.Nodes) }

// Node returns the node with the given name.
func (g Graph) Node(name string) (*Node, bool) {
	n, ok := g.Nodes[name]
	return n, ok
}

// StartNodeName is the conventional entry node of a chapter.
const StartNodeName = "Start"

// PreferredStart returns "Start" if present, else the first node in Order, else "".
func (g Graph) PreferredStart() string {
	if _, ok := g.Nodes[StartNodeName]; ok {
		return StartNodeName
	}
	for _, name := range g.Order {
		if _, ok := g.Nodes[name]; ok {
			return name
		}
	}
	return ""
}

// Node is a named unit of dialogue.
// PausePoints are indices into Messages in [0, len(Messages)], sorted ascending.
type Node struct {
	Name        string
	Messages    []Message
	Choices     []Choice
	PausePoints []int
	NextNode    string
	// NextExternal is set when the jump was written with the explicit "@" marker.
	NextExternal bool
	Line         int
}

// PausesAt reports whether a pause point sits exactly at index i.
func (n *Node) PausesAt(i int) bool {
	for _, p := range n.PausePoints {
		if p == i {
			return true
		}
	}
	return false
}

// NextBoundary returns the first pause point strictly after cursor, or len(Messages).
func (n *Node) NextBoundary(cursor int) int {
	for _, p := range n.PausePoints {
		if p > cursor {
			return p
		}
	}
	return len(n.Messages)
}

// Choice is a player option. PlayerMessages are the player's own lines emitted
// when the choice is taken, before jumping to Target.
type Choice struct {
	Text           string    `json:"choiceText"`
	Target         string    `json:"targetNode"`
	External       bool      `json:"external,omitempty"`
	PlayerMessages []Message `json:"playerMessages,omitempty"`
	Line           int       `json:"-"`
}

// MessageType indicates the kind of a message.
type MessageType int

const (
	MessageText MessageType = iota
	MessageImage
	MessageSystem
)

func (t MessageType) String() string {
	switch t {
	case MessageImage:
		return "image"
	case MessageSystem:
		return "system"
	default:
		return "text"
	}
}

// MarshalText encodes the type as its lower-case name.
func (t MessageType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText accepts the lower-case names and the numeric forms 0..2.
func (t *MessageType) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "text", "0", "":
		*t = MessageText
	case "image", "1":
		*t = MessageImage
	case "system", "2":
		*t = MessageSystem
	default:
		return fmt.Errorf("unknown message type %q", string(b))
	}
	return nil
}

// UnmarshalJSON accepts both the quoted names and bare integers.
func (t *MessageType) UnmarshalJSON(b []byte) error {
	s := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if s == "null" {
		return nil
	}
	return t.UnmarshalText([]byte(s))
}

// Message is a single line of dialogue, an image, or a system notice.
// Parsed messages are immutable; copies are appended to the conversation history.
// Timestamp is stamped on delivery, not by the parser.
type Message struct {
	Type           MessageType `json:"type"`
	Speaker        string      `json:"speaker"`
	Content        string      `json:"content"`
	ImagePath      string      `json:"imagePath,omitempty"`
	Timestamp      string      `json:"timestamp,omitempty"`
	ID             string      `json:"messageId"`
	UnlocksGallery bool        `json:"shouldUnlockCG,omitempty"`
}

// Severity of a parse diagnostic.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
)

func (s Severity) String() string {
	if s == SeverityWarn {
		return "warn"
	}
	return "info"
}

// Diagnostic is a parse finding with position context. Parsing never fails;
// problems are reported here and the offending line is skipped.
type Diagnostic struct {
	Severity Severity
	Label    string
	Line     int // 1-based; 0 when not tied to a line
	Message  string
}

func (d Diagnostic) String() string {
	if d.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %s", d.Label, d.Line, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s: %s", d.Label, d.Severity, d.Message)
}

// Warnings filters diagnostics down to warnings.
func Warnings(diags []Diagnostic) []Diagnostic {
	var out []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarn {
			out = append(out, d)
		}
	}
	return out
}
