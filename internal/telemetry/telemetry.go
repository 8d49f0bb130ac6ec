/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the
 *  specific language governing permissions and limitations under the License.
 */

// Package telemetry provides a tiny, privacy-respecting, opt-in event sender
// for anonymous usage metrics and optional crash uploads. Notifier turns the
// session notifications into events.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"bubblechat/internal/config"
	applog "bubblechat/internal/log"
	"bubblechat/internal/version"
)

// Config holds runtime configuration for telemetry and crash uploads.
// All telemetry is strictly opt-in and disabled by default.
//
// If no URLs are set, events are dropped (no-ops), even if opt-in is true.
type Config struct {
	OptIn        bool
	EventsURL    string
	CrashURL     string
	Timeout      time.Duration
	QueueSize    int
	DebugLogging bool
}

const (
	defaultTimeout   = 1500 * time.Millisecond
	defaultQueueSize = 64
	flushWait        = 500 * time.Millisecond
)

// FromConfig builds a Config from the telemetry section of the app config.
// The crash URL and debug switch are only available from the environment
// (BCH_CRASH_UPLOAD_URL, BCH_TELEMETRY_DEBUG).
func FromConfig(tc config.TelemetryConfig) Config {
	cfg := Config{
		OptIn:        tc.OptIn,
		EventsURL:    strings.TrimSpace(tc.Endpoint),
		CrashURL:     strings.TrimSpace(os.Getenv("BCH_CRASH_UPLOAD_URL")),
		Timeout:      time.Duration(tc.TimeoutMs) * time.Millisecond,
		DebugLogging: os.Getenv("BCH_TELEMETRY_DEBUG") != "",
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return cfg
}

// FromEnv reads BCH_TELEMETRY_OPT_IN, BCH_TELEMETRY_URL, BCH_CRASH_UPLOAD_URL,
// BCH_TELEMETRY_TIMEOUT_MS and BCH_TELEMETRY_DEBUG.
func FromEnv() Config {
	cfg := Config{
		OptIn:        parseBool(os.Getenv("BCH_TELEMETRY_OPT_IN")),
		EventsURL:    strings.TrimSpace(os.Getenv("BCH_TELEMETRY_URL")),
		CrashURL:     strings.TrimSpace(os.Getenv("BCH_CRASH_UPLOAD_URL")),
		Timeout:      defaultTimeout,
		DebugLogging: os.Getenv("BCH_TELEMETRY_DEBUG") != "",
	}
	if ms := strings.TrimSpace(os.Getenv("BCH_TELEMETRY_TIMEOUT_MS")); ms != "" {
		if v, err := time.ParseDuration(ms + "ms"); err == nil {
			cfg.Timeout = v
		}
	}
	return cfg
}

func parseBool(v string) bool {
	s := strings.ToLower(strings.TrimSpace(v))
	return s == "1" || s == "true" || s == "yes" || s == "on"
}

// Client is a minimal async sender; it drops events silently on errors.
// Event never blocks the caller; the queue is bounded.
type Client struct {
	cfg     Config
	log     *slog.Logger
	cli     *http.Client
	q       chan map[string]any
	pending atomic.Int64
	dropped atomic.Int64
	once    sync.Once
	closed  chan struct{}
}

var (
	defaultMu     sync.Mutex
	defaultClient *Client
)

// Default returns the package-level client, creating it from env when unset.
func Default() *Client {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultClient == nil {
		defaultClient = New(FromEnv())
	}
	return defaultClient
}

// SetDefault installs c as the package-level client and closes the previous one.
func SetDefault(c *Client) {
	defaultMu.Lock()
	prev := defaultClient
	defaultClient = c
	defaultMu.Unlock()
	if prev != nil && prev != c {
		prev.Close()
	}
}

// New constructs a client and starts its sender goroutine.
func New(cfg Config) *Client {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := &Client{
		cfg:    cfg,
		log:    applog.WithComponent("telemetry"),
		cli:    &http.Client{Timeout: cfg.Timeout},
		q:      make(chan map[string]any, cfg.QueueSize),
		closed: make(chan struct{}),
	}
	go c.loop()
	return c
}

// Enabled reports whether anonymous telemetry is enabled and an endpoint is configured.
func (c *Client) Enabled() bool { return c != nil && c.cfg.OptIn && c.cfg.EventsURL != "" }

// Dropped returns how many events were discarded because the queue was full.
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Event queues a small JSON event if enabled. Safe to call from anywhere.
func (c *Client) Event(name string, props map[string]any) {
	if !c.Enabled() || name == "" {
		return
	}
	payload := map[string]any{
		"name":    name,
		"ts":      time.Now().UTC().Format(time.RFC3339Nano),
		"version": version.String(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	}
	for k, v := range props {
		// props must be non-PII
		payload[k] = v
	}
	c.pending.Add(1)
	select {
	case c.q <- payload:
	default:
		c.pending.Add(-1)
		c.dropped.Add(1)
	}
}

// Flush waits briefly for queued events to be sent.
func (c *Client) Flush(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	deadline := time.Now().Add(flushWait)
	for c.pending.Load() > 0 && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Close stops the sender goroutine. Queued events are discarded.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.once.Do(func() { close(c.closed) })
}

func (c *Client) loop() {
	for {
		select {
		case <-c.closed:
			return
		case item := <-c.q:
			c.post(c.cfg.EventsURL, "application/json", item)
			c.pending.Add(-1)
		}
	}
}

func (c *Client) post(url, contentType string, item any) {
	var body []byte
	switch v := item.(type) {
	case []byte:
		body = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		body = b
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", contentType)
	resp, err := c.cli.Do(req)
	if err != nil {
		if c.cfg.DebugLogging {
			c.log.Debug("telemetry send failed", slog.String("url", url), slog.Any("err", err))
		}
		return
	}
	_ = resp.Body.Close()
	if c.cfg.DebugLogging {
		c.log.Debug("telemetry sent", slog.String("url", url), slog.Int("status", resp.StatusCode))
	}
}

// UploadCrash posts an already-serialized crash report to the crash URL if opted in.
// It blocks until the upload finished or the client timeout elapsed.
func (c *Client) UploadCrash(report []byte) {
	if c == nil || !c.cfg.OptIn || c.cfg.CrashURL == "" {
		return
	}
	c.post(c.cfg.CrashURL, "text/plain; charset=utf-8", append([]byte(nil), report...))
}

// Notifier forwards session notifications as telemetry events.
// It satisfies session.Notifier.
type Notifier struct {
	c *Client
}

// NewNotifier wraps c; a nil or disabled client makes every method a no-op.
func NewNotifier(c *Client) Notifier { return Notifier{c: c} }

func (n Notifier) ConversationStarted(id string) {
	n.c.Event("conversation_started", map[string]any{"conversation": id})
}

func (n Notifier) GalleryImageUnlocked(key string) {
	n.c.Event("gallery_unlocked", map[string]any{"key": key})
}

func (n Notifier) ConversationEnded(id string) {
	n.c.Event("conversation_ended", map[string]any{"conversation": id})
}

func (n Notifier) ChapterChanged(id string, index int, label string) {
	n.c.Event("chapter_changed", map[string]any{"conversation": id, "chapter": index, "label": label})
}
