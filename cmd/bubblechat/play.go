/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"bubblechat/internal/dialogue"
	applog "bubblechat/internal/log"
	"bubblechat/internal/script"
	"bubblechat/internal/session"
)

// errInterrupted is returned when input ends or the context is cancelled mid-conversation.
var errInterrupted = errors.New("interrupted")

type actionKind int

const (
	actNone actionKind = iota
	actMessages
	actPause
	actChoices
	actEnd
)

// terminal prints executor output as it arrives and remembers the last
// action the host has to answer.
type terminal struct {
	out     io.Writer
	contact string
	next    actionKind
	choices []script.Choice
}

func (t *terminal) MessagesReady(msgs []script.Message) {
	for _, m := range msgs {
		switch m.Type {
		case script.MessageSystem:
			fmt.Fprintf(t.out, "  * %s\n", m.Content)
		case script.MessageImage:
			fmt.Fprintf(t.out, "%s sent an image: %s\n", m.Speaker, m.ImagePath)
		default:
			if strings.EqualFold(m.Speaker, t.contact) {
				fmt.Fprintf(t.out, "%s: %s\n", m.Speaker, m.Content)
			} else {
				fmt.Fprintf(t.out, "%24s%s: %s\n", "", m.Speaker, m.Content)
			}
		}
	}
	t.next = actMessages
}

func (t *terminal) ChoicesReady(choices []script.Choice) {
	t.choices = choices
	for i, c := range choices {
		fmt.Fprintf(t.out, "  [%d] %s\n", i+1, c.Text)
	}
	t.next = actChoices
}

func (t *terminal) PauseReached() {
	fmt.Fprintln(t.out, "  ... (press Enter)")
	t.next = actPause
}

func (t *terminal) ConversationEnded() {
	fmt.Fprintln(t.out, "[conversation ended]")
	t.next = actEnd
}

func (t *terminal) ChapterChanged(index int, label string) {
	fmt.Fprintf(t.out, "\n== %s ==\n\n", label)
}

func (t *terminal) take() actionKind {
	k := t.next
	t.next = actNone
	return k
}

// play drives exec from line input until the conversation ends or input stops.
// Throttled saves that were deferred are flushed after every step.
func play(ctx context.Context, m *session.Manager, exec *dialogue.Executor, contact string, in <-chan string, out io.Writer) error {
	l := applog.WithComponent("cli")
	t := &terminal{out: out, contact: contact}
	unsub := exec.Subscribe(t)
	defer unsub()

	exec.ContinueFromCurrentState()
	for {
		if err := m.Tick(ctx); err != nil {
			l.Error("deferred save failed", slog.Any("err", err))
		}
		switch t.take() {
		case actEnd:
			return nil
		case actMessages:
			exec.OnMessagesDisplayComplete()
		case actPause:
			if _, ok := readLine(ctx, in); !ok {
				return errInterrupted
			}
			exec.OnPauseButtonClicked()
		case actChoices:
			idx, err := readChoice(ctx, in, out, len(t.choices))
			if err != nil {
				return err
			}
			if err := exec.SelectChoice(idx); err != nil {
				return err
			}
		default:
			return fmt.Errorf("conversation stalled in phase %s", exec.Phase())
		}
	}
}

func readChoice(ctx context.Context, in <-chan string, out io.Writer, n int) (int, error) {
	for {
		fmt.Fprint(out, "> ")
		line, ok := readLine(ctx, in)
		if !ok {
			return 0, errInterrupted
		}
		if v, err := strconv.Atoi(strings.TrimSpace(line)); err == nil && v >= 1 && v <= n {
			return v - 1, nil
		}
		fmt.Fprintf(out, "pick a number between 1 and %d\n", n)
	}
}

func readLine(ctx context.Context, in <-chan string) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case s, ok := <-in:
		return s, ok
	}
}
