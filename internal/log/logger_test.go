/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package log

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestInitAndStructuredLoggingToFile verifies that Init with a file handler writes JSON logs
// and that static and contextual attributes are present.
func TestInitAndStructuredLoggingToFile(t *testing.T) {
	fpath := filepath.Join(os.TempDir(), fmt.Sprintf("bch_log_%d.json", time.Now().UnixNano()))
	var console bytes.Buffer
	Init(Options{Level: "debug", Format: "json", File: fpath, Writer: &console})

	l := WithComponent("testcomp")
	l = WithOperation(l, "op1")
	l.InfoContext(ContextWithConversation(context.Background(), "abc_Mika"), "hello world", slog.String("k", "v"))

	time.Sleep(50 * time.Millisecond)

	b, err := os.ReadFile(fpath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(b))
	var last string
	for scanner.Scan() {
		if s := strings.TrimSpace(scanner.Text()); s != "" {
			last = s
		}
	}
	if last == "" {
		t.Fatalf("no log lines found")
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("unmarshal json log: %v", err)
	}
	if m["app"] != "bubblechat" {
		t.Fatalf("missing app attr: %v", m["app"])
	}
	if _, ok := m["ver"].(string); !ok {
		t.Fatalf("missing ver attr")
	}
	if m["component"] != "testcomp" || m["op"] != "op1" {
		t.Fatalf("component/op attrs mismatch: %v", m)
	}
	if m["conversation"] != "abc_Mika" {
		t.Fatalf("conversation attr missing: %v", m["conversation"])
	}
	if m["msg"] != "hello world" {
		t.Fatalf("msg mismatch: %v", m["msg"])
	}
	if !strings.Contains(console.String(), "hello world") {
		t.Fatalf("console writer did not receive record: %q", console.String())
	}
}

func TestSetLevelFiltersConsole(t *testing.T) {
	var buf bytes.Buffer
	Init(Options{Level: "info", Writer: &buf})
	L().Debug("hidden")
	SetLevel("debug")
	L().Debug("visible")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug record leaked at info level: %q", out)
	}
	if !strings.Contains(out, "DBG visible") {
		t.Fatalf("debug record missing after SetLevel: %q", out)
	}
}
