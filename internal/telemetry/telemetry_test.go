/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"bubblechat/internal/config"
	"bubblechat/internal/session"
)

var _ session.Notifier = Notifier{}

type sink struct {
	mu      sync.Mutex
	events  []map[string]any
	crashes [][]byte
}

func (s *sink) server(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		var m map[string]any
		if err := json.Unmarshal(b, &m); err != nil {
			t.Errorf("bad event json: %v", err)
		}
		s.mu.Lock()
		s.events = append(s.events, m)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/crash", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		_ = r.Body.Close()
		s.mu.Lock()
		s.crashes = append(s.crashes, b)
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (s *sink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e["name"].(string))
	}
	return out
}

func TestClient_EventAndUploadCrash(t *testing.T) {
	var s sink
	srv := s.server(t)
	c := New(Config{OptIn: true, EventsURL: srv.URL + "/events", CrashURL: srv.URL + "/crash", Timeout: 2 * time.Second})
	defer c.Close()

	if !c.Enabled() {
		t.Fatalf("expected client to be enabled")
	}
	c.Event("started", map[string]any{"k": "v"})
	c.Flush(context.Background())

	s.mu.Lock()
	if len(s.events) != 1 {
		s.mu.Unlock()
		t.Fatalf("expected one event, got %d", len(s.events))
	}
	ev := s.events[0]
	s.mu.Unlock()
	if ev["name"] != "started" || ev["k"] != "v" {
		t.Fatalf("unexpected event %v", ev)
	}
	if _, ok := ev["ts"].(string); !ok {
		t.Fatalf("missing ts field")
	}

	c.UploadCrash([]byte("STACKTRACE"))
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.crashes) != 1 || string(s.crashes[0]) != "STACKTRACE" {
		t.Fatalf("crash upload mismatch: %q", s.crashes)
	}
}

func TestClient_DisabledAndEmptyEventName(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{OptIn: false, EventsURL: srv.URL + "/events", CrashURL: srv.URL + "/crash", Timeout: time.Second})
	defer c.Close()
	if c.Enabled() {
		t.Fatalf("expected disabled client")
	}
	c.Event("ignored", nil)
	c.UploadCrash([]byte("ignored"))

	c2 := New(Config{OptIn: true, EventsURL: srv.URL + "/events", Timeout: time.Second})
	defer c2.Close()
	c2.Event("", nil)
	c2.Flush(nil)
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no requests, got %d", hits)
	}
}

func TestClient_SendErrorIsSwallowed(t *testing.T) {
	c := New(Config{
		OptIn:        true,
		EventsURL:    "http://127.0.0.1:1/events",
		CrashURL:     "http://127.0.0.1:1/crash",
		Timeout:      50 * time.Millisecond,
		DebugLogging: true,
	})
	defer c.Close()
	c.Event("err", map[string]any{"a": 1})
	c.Flush(context.Background())
	c.UploadCrash([]byte("oops"))
}

func TestClient_QueueFullDrops(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	c := New(Config{OptIn: true, EventsURL: srv.URL, QueueSize: 1, Timeout: 2 * time.Second})
	defer c.Close()
	// one in flight, one queued, the rest dropped
	for i := 0; i < 10; i++ {
		c.Event("e", nil)
	}
	if c.Dropped() < 8 {
		t.Fatalf("expected at least 8 dropped events, got %d", c.Dropped())
	}
}

func TestNotifierForwardsSessionEvents(t *testing.T) {
	var s sink
	srv := s.server(t)
	c := New(Config{OptIn: true, EventsURL: srv.URL + "/events", Timeout: 2 * time.Second})
	defer c.Close()

	n := NewNotifier(c)
	n.ConversationStarted("a1_Mika")
	c.Flush(context.Background())
	n.GalleryImageUnlocked("cg/beach.png")
	c.Flush(context.Background())
	n.ChapterChanged("a1_Mika", 1, "Chapter 2")
	c.Flush(context.Background())
	n.ConversationEnded("a1_Mika")
	c.Flush(context.Background())

	want := []string{"conversation_started", "gallery_unlocked", "chapter_changed", "conversation_ended"}
	got := s.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events[2]["label"] != "Chapter 2" || s.events[2]["chapter"] != float64(1) {
		t.Fatalf("chapter event props: %v", s.events[2])
	}

	// a nil client is inert
	NewNotifier(nil).ConversationStarted("x")
}

func TestFromEnvAndConfig(t *testing.T) {
	t.Setenv("BCH_TELEMETRY_OPT_IN", "true")
	t.Setenv("BCH_TELEMETRY_URL", "http://127.0.0.1:0")
	t.Setenv("BCH_CRASH_UPLOAD_URL", "http://127.0.0.1:0/crash")
	t.Setenv("BCH_TELEMETRY_TIMEOUT_MS", "100")

	cfg := FromEnv()
	if !cfg.OptIn || cfg.EventsURL == "" || cfg.Timeout != 100*time.Millisecond {
		t.Fatalf("FromEnv did not parse correctly: %+v", cfg)
	}

	fc := FromConfig(config.TelemetryConfig{OptIn: true, Endpoint: " http://x/e ", TimeoutMs: 0})
	if fc.EventsURL != "http://x/e" || fc.Timeout != defaultTimeout || fc.CrashURL == "" {
		t.Fatalf("FromConfig: %+v", fc)
	}

	c := New(cfg)
	SetDefault(c)
	if Default() != c || !Default().Enabled() {
		t.Fatalf("default client not installed")
	}
	SetDefault(nil)
}
