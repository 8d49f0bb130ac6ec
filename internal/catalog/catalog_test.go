/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"bubblechat/internal/script"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

const manifestYAML = `conversations:
  - id: a1b2c3_Mika
    character: Mika
    chapters:
      - {title: "Beach Day", file: mika/ch1.bub}
      - {file: mika/ch2.bub}
    gallery: [cg/mika_beach.png]
  - character: Jun Park
    chapters:
      - {file: jun/ch1.bub}
`

func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "catalog.yaml"), manifestYAML)
	writeFile(t, filepath.Join(dir, "mika", "ch1.bub"), "title: Start\n---\nMika: Hi!\n<<jump Missing>>\n===\n")
	writeFile(t, filepath.Join(dir, "mika", "ch2.bub"), "title: Start\n---\nMika: Again.\n===\n")
	writeFile(t, filepath.Join(dir, "jun", "ch1.bub"), "title: Start\n---\nJun: Yo.\n===\n")
	return filepath.Join(dir, "catalog.yaml")
}

func TestLoadResolvesChapters(t *testing.T) {
	c, err := Load(setup(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	all := c.All()
	if len(all) != 2 {
		t.Fatalf("want 2 conversations, got %d", len(all))
	}
	mika, err := c.ByID("a1b2c3_Mika")
	if err != nil {
		t.Fatalf("by id: %v", err)
	}
	if mika.ChapterLabel(0) != "Beach Day" || mika.ChapterLabel(1) != "Chapter 2" {
		t.Fatalf("labels: %q %q", mika.ChapterLabel(0), mika.ChapterLabel(1))
	}
	if src := mika.ChapterSources(); src[1] != "title: Start\n---\nMika: Again.\n===\n" {
		t.Fatalf("chapter text not loaded: %q", src[1])
	}
	if len(mika.GalleryKeys) != 1 {
		t.Fatalf("gallery keys: %v", mika.GalleryKeys)
	}

	jun, err := c.ByName("jun park")
	if err != nil {
		t.Fatalf("by name: %v", err)
	}
	if !regexp.MustCompile(`^[0-9a-f]{6}_Jun_Park$`).MatchString(jun.ID) {
		t.Fatalf("generated id %q", jun.ID)
	}
	if got, err := c.Lookup(jun.ID); err != nil || got.CharacterName != "Jun Park" {
		t.Fatalf("lookup by id: %v %v", got, err)
	}
	if got, err := c.Lookup("MIKA"); err != nil || got.ID != "a1b2c3_Mika" {
		t.Fatalf("lookup by name: %v %v", got, err)
	}
}

func TestLookupMissing(t *testing.T) {
	c, err := Load(setup(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.ByID("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if _, err := c.Lookup("nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing chapter": "conversations:\n  - id: x\n    chapters:\n      - {file: gone.bub}\n",
		"no chapters":     "conversations:\n  - id: x\n    character: X\n",
		"duplicate id":    "conversations:\n  - id: x\n    chapters: [{file: a.bub}]\n  - id: x\n    chapters: [{file: a.bub}]\n",
		"empty file":      "conversations:\n  - id: x\n    chapters: [{title: T}]\n",
		"bad yaml":        "conversations: [",
	}
	writeFile(t, filepath.Join(dir, "a.bub"), "title: A\n---\nA: a\n===\n")
	for name, doc := range cases {
		p := filepath.Join(dir, "catalog.yaml")
		writeFile(t, p, doc)
		if _, err := Load(p); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := Load(filepath.Join(dir, "absent.yaml")); err == nil {
		t.Fatalf("missing manifest should fail")
	}
}

func TestCheckReportsDiagnostics(t *testing.T) {
	c, err := Load(setup(t))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	reports := c.Check()
	if len(reports) != 3 {
		t.Fatalf("want 3 chapter reports, got %d", len(reports))
	}
	first := reports[0]
	if first.Nodes != 1 || first.Label != "Beach Day" {
		t.Fatalf("unexpected report %+v", first)
	}
	if len(script.Warnings(first.Diagnostics)) != 1 {
		t.Fatalf("want one warning for the missing jump target, got %v", first.Diagnostics)
	}
	if len(reports[2].Diagnostics) != 0 {
		t.Fatalf("clean chapter reported %v", reports[2].Diagnostics)
	}
}
