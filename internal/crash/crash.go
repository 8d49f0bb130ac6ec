/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package crash turns a panic in the host into a crash report and a last
// forced save of the conversation that was being played.
package crash

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"time"

	"bubblechat/internal/config"
	applog "bubblechat/internal/log"
	"bubblechat/internal/session"
	"bubblechat/internal/telemetry"
	"bubblechat/internal/version"
)

// exitFn is used to allow testing of Recover without terminating the test process.
var exitFn = os.Exit

// reportDir resolves where crash reports go; tests replace it.
var reportDir = func() string {
	if d, err := config.ConfigDir(); err == nil {
		return filepath.Join(d, "crash")
	}
	return os.TempDir()
}

const suspendTimeout = 3 * time.Second

// Recover captures a panic, logs an error with stacktrace, writes an error
// report file and suspends the current conversation of m (if any), which
// forces a save of its position.
//
// Usage: defer crash.Recover(m)
func Recover(m *session.Manager) {
	if r := recover(); r != nil {
		l := applog.WithComponent("crash")
		stack := debug.Stack()
		l.Error("panic recovered", slog.Any("panic", r), slog.String("stack", string(stack)))

		reportPath, err := writeReport(reportDir(), m, r, stack)
		if err != nil {
			l.Error("write crash report failed", slog.Any("err", err))
		}
		if m != nil && m.HasActiveConversation() {
			id := m.CurrentID()
			ctx, cancel := context.WithTimeout(context.Background(), suspendTimeout)
			if err := suspend(ctx, m); err != nil {
				l.Error("crash-safe save failed", slog.String("conversation", id), slog.Any("err", err))
			} else {
				l.Info("crash-safe save written", slog.String("conversation", id))
			}
			cancel()
		}

		if _, err := fmt.Fprintf(os.Stderr, "A fatal error occurred. A crash report was saved to: %s\n", reportPath); err != nil {
			l.Error("failed to write crash message to stderr", slog.Any("err", err))
		}
		if _, err := fmt.Fprintf(os.Stderr, "Version: %s\nOS/Arch: %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH); err != nil {
			l.Error("failed to write version info to stderr", slog.Any("err", err))
		}
		// Exit with a non-zero code to indicate failure in CLI context.
		exitFn(2)
	}
}

// suspend must not let a second panic escape while the process is going down.
func suspend(ctx context.Context, m *session.Manager) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during suspend: %v", r)
		}
	}()
	return m.SuspendCurrentConversation(ctx)
}

func writeReport(dir string, m *session.Manager, panicVal any, stack []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dir = os.TempDir()
	}
	stamp := time.Now().Format("20060102-150405")
	path := filepath.Join(dir, fmt.Sprintf("crash-%s.log", stamp))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return path, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			applog.WithComponent("crash").Error("failed to close crash report file", slog.Any("err", err), slog.String("path", path))
		}
	}()

	var buf bytes.Buffer
	_, _ = fmt.Fprintf(&buf, "BubbleChat Crash Report\n")
	_, _ = fmt.Fprintf(&buf, "Timestamp: %s\n", time.Now().Format(time.RFC3339))
	_, _ = fmt.Fprintf(&buf, "Version: %s\n", version.String())
	_, _ = fmt.Fprintf(&buf, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	if m != nil && m.HasActiveConversation() {
		_, _ = fmt.Fprintf(&buf, "Conversation: %s\n", m.CurrentID())
		if ex := m.Current(); ex != nil {
			st := ex.State()
			_, _ = fmt.Fprintf(&buf, "Phase: %s\n", ex.Phase())
			_, _ = fmt.Fprintf(&buf, "Position: chapter %d, node %q, message %d\n", st.CurrentChapterIndex, st.CurrentNodeName, st.CurrentMessageIndex)
		}
	}
	_, _ = fmt.Fprintf(&buf, "\nPanic: %v\n\n", panicVal)
	_, _ = fmt.Fprintf(&buf, "Stack:\n%s\n", string(stack))

	if _, err := f.Write(buf.Bytes()); err != nil {
		return path, err
	}
	_ = f.Sync()

	// uploads only when opted in
	telemetry.Default().UploadCrash(buf.Bytes())
	return path, nil
}
