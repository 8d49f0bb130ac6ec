/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bubblechat/internal/catalog"
	"bubblechat/internal/config"
	"bubblechat/internal/crash"
	"bubblechat/internal/dialogue"
	"bubblechat/internal/domain"
	"bubblechat/internal/export"
	applog "bubblechat/internal/log"
	"bubblechat/internal/script"
	"bubblechat/internal/session"
	"bubblechat/internal/storage"
	"bubblechat/internal/telemetry"
	"bubblechat/internal/version"
)

func usage() {
	fmt.Println("BubbleChat - chat-style dialogue player")
	fmt.Printf("Version: %s\n", version.String())
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bubblechat version|-v|--version            Show version")
	fmt.Println("  bubblechat check [<catalog.yaml>]          Parse every chapter and report problems")
	fmt.Println("  bubblechat list                            List conversations and saved progress")
	fmt.Println("  bubblechat play <id|name>                  Play a conversation in the terminal")
	fmt.Println("  bubblechat gallery [<id|name>]             Show unlocked gallery images")
	fmt.Println("  bubblechat reset <id|name>                 Delete saved progress of a conversation")
	fmt.Println("  bubblechat export <id|name> <out> [<img>]  Export the transcript (.pdf or .txt)")
	fmt.Println("  bubblechat set-password                    Store the Postgres password in the OS keychain")
	fmt.Println()
	fmt.Println("The catalog path comes from the config file or BCH_CATALOG.")
}

func main() {
	defer crash.Recover(nil)
	os.Exit(run(os.Args[1:]))
}

type app struct {
	cfg    config.AppConfig
	secret string
	log    *slog.Logger
	tele   *telemetry.Client
}

func run(args []string) int {
	cfg, secret, cfgErr := config.Load()
	applog.Init(applog.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.Source,
		File:      cfg.Logging.File,
	})
	l := applog.WithComponent("cli")
	if cfgErr != nil {
		l.Warn("config not loaded, using defaults", slog.Any("err", cfgErr))
	}
	l.Debug("start", slog.Int("args", len(args)))

	if len(args) == 0 {
		usage()
		return 2
	}

	a := &app{cfg: cfg, secret: secret, log: l}
	a.tele = telemetry.New(telemetry.FromConfig(cfg.Telemetry))
	telemetry.SetDefault(a.tele)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		a.tele.Flush(ctx)
		cancel()
		a.tele.Close()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println("BubbleChat")
		fmt.Println(version.String())
		return 0
	case "check":
		return a.check(args[1:])
	case "list":
		err = a.list(ctx)
	case "play":
		if len(args) < 2 {
			fmt.Println("play requires <id|name>")
			usage()
			return 2
		}
		err = a.play(ctx, args[1])
	case "gallery":
		ref := ""
		if len(args) > 1 {
			ref = args[1]
		}
		err = a.gallery(ctx, ref)
	case "reset":
		if len(args) < 2 {
			fmt.Println("reset requires <id|name>")
			usage()
			return 2
		}
		err = a.reset(ctx, args[1])
	case "export":
		if len(args) < 3 {
			fmt.Println("export requires <id|name> and <out>")
			usage()
			return 2
		}
		img := ""
		if len(args) > 3 {
			img = args[3]
		}
		err = a.export(ctx, args[1], args[2], img)
	case "set-password":
		err = a.setPassword(os.Stdin)
	default:
		usage()
		return 2
	}
	if err != nil {
		l.Error("command failed", slog.String("cmd", args[0]), slog.Any("err", err))
		fmt.Println("Error:", err)
		return 1
	}
	return 0
}

func (a *app) parseOptions() []script.Option {
	if a.cfg.Parser.CrossChapterPatterns == nil {
		return nil
	}
	return []script.Option{script.WithCrossChapterPatterns(a.cfg.Parser.CrossChapterPatterns)}
}

func (a *app) loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		path = a.cfg.General.CatalogPath
	}
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("no catalog configured (set general.catalog or %s)", config.EnvCatalog)
	}
	return catalog.Load(path)
}

func (a *app) openStore(ctx context.Context) (storage.Store, error) {
	return storage.Open(ctx, a.cfg.Storage, a.secret)
}

func (a *app) newManager(store session.Storage, n session.Notifier) (*session.Manager, error) {
	return session.NewManager(store, n,
		session.WithThrottle(a.cfg.Session.Throttle()),
		session.WithSaveTimeout(a.cfg.Session.SaveTimeout()),
		session.WithExecutorOptions(
			dialogue.WithMaxAutoJumps(a.cfg.Session.MaxAutoJumps),
			dialogue.WithParseOptions(a.parseOptions()...),
		),
	)
}

func (a *app) check(args []string) int {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	c, err := a.loadCatalog(path)
	if err != nil {
		fmt.Println("Error:", err)
		return 1
	}
	warnings := 0
	for _, r := range c.Check(a.parseOptions()...) {
		fmt.Printf("%s / %s: %d nodes\n", r.ConversationID, r.Label, r.Nodes)
		for _, d := range r.Diagnostics {
			fmt.Println("  " + d.String())
		}
		warnings += len(script.Warnings(r.Diagnostics))
	}
	fmt.Printf("%d conversations, %d warnings\n", len(c.All()), warnings)
	if warnings > 0 {
		return 1
	}
	return 0
}

func (a *app) list(ctx context.Context) error {
	c, err := a.loadCatalog("")
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	for _, d := range c.All() {
		st, err := store.LoadConversationState(ctx, d.ID)
		if err != nil {
			return err
		}
		progress := "not started"
		if st != nil {
			progress = fmt.Sprintf("%s, node %q, %d messages, %d images",
				d.ChapterLabel(st.CurrentChapterIndex), st.CurrentNodeName, len(st.MessageHistory), len(st.UnlockedCGs))
		}
		fmt.Printf("%-24s %-16s %d chapters  %s\n", d.ID, d.CharacterName, len(d.Chapters), progress)
	}
	return nil
}

func (a *app) play(ctx context.Context, ref string) error {
	c, err := a.loadCatalog("")
	if err != nil {
		return err
	}
	desc, err := c.Lookup(ref)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	bus := &session.Bus{}
	bus.Subscribe(telemetry.NewNotifier(a.tele))
	bus.Subscribe(session.NotifierFuncs{
		Unlocked: func(key string) { fmt.Printf("  (gallery unlocked: %s)\n", key) },
	})
	m, err := a.newManager(store, bus)
	if err != nil {
		return err
	}
	defer crash.Recover(m)

	exec, err := m.StartConversation(ctx, desc)
	if err != nil {
		return err
	}
	err = play(ctx, m, exec, desc.CharacterName, stdinLines(os.Stdin), os.Stdout)
	if errors.Is(err, errInterrupted) {
		a.log.Info("conversation suspended", slog.String("conversation", desc.ID))
		// ctx may already be cancelled by the signal
		return m.SuspendCurrentConversation(context.WithoutCancel(ctx))
	}
	if endErr := m.EndCurrentConversation(context.WithoutCancel(ctx)); err == nil {
		err = endErr
	}
	return err
}

func (a *app) gallery(ctx context.Context, ref string) error {
	c, err := a.loadCatalog("")
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	m, err := a.newManager(store, session.NopNotifier{})
	if err != nil {
		return err
	}

	descs := c.All()
	if ref != "" {
		d, err := c.Lookup(ref)
		if err != nil {
			return err
		}
		descs = []domain.Descriptor{d}
	}
	ids := make([]string, 0, len(descs))
	total := 0
	for _, d := range descs {
		ids = append(ids, d.ID)
		total += len(d.GalleryKeys)
	}
	keys, err := m.AllUnlockedGalleryKeys(ctx, ids...)
	if err != nil {
		return err
	}
	for _, k := range keys {
		fmt.Println(k)
	}
	if total > 0 {
		fmt.Printf("%d of %d images unlocked\n", len(keys), total)
	} else {
		fmt.Printf("%d images unlocked\n", len(keys))
	}
	return nil
}

func (a *app) reset(ctx context.Context, ref string) error {
	c, err := a.loadCatalog("")
	if err != nil {
		return err
	}
	desc, err := c.Lookup(ref)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	m, err := a.newManager(store, session.NopNotifier{})
	if err != nil {
		return err
	}
	if err := m.ResetConversation(ctx, desc.ID); err != nil {
		return err
	}
	fmt.Println("Reset", desc.ID)
	return nil
}

func (a *app) export(ctx context.Context, ref, out, imageRoot string) error {
	c, err := a.loadCatalog("")
	if err != nil {
		return err
	}
	desc, err := c.Lookup(ref)
	if err != nil {
		return err
	}
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	st, err := store.LoadConversationState(ctx, desc.ID)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%s has no saved progress", desc.ID)
	}
	if err := export.Transcript(st, out, "", export.Options{ImageRoot: imageRoot}); err != nil {
		return err
	}
	fmt.Println("Exported transcript to", out)
	return nil
}

func (a *app) setPassword(r io.Reader) error {
	fmt.Print("Postgres password: ")
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return config.DeleteSecret()
	}
	return config.SetSecret(pw)
}

func stdinLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}
