/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

// Package export renders a conversation's message history as a transcript:
// a chat-style PDF or a plain text log.
package export

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"

	"bubblechat/internal/domain"
	"bubblechat/internal/script"
)

// Format names accepted by Transcript.
const (
	FormatPDF  = "pdf"
	FormatText = "txt"
)

// Options controls transcript export. Units are points.
type Options struct {
	// Contact is the speaker whose messages are drawn on the left. Defaults to
	// the state's character name; everyone else is drawn on the right.
	Contact string
	// ImageRoot resolves image message paths. When empty, or when the file is
	// missing or not PNG/JPEG, a placeholder bubble is drawn instead.
	ImageRoot string
	// PageSize is a gofpdf size name ("A4", "Letter", ...). Default A4.
	PageSize string
	Now      func() time.Time
}

var ErrNoState = errors.New("no conversation state")

// Transcript writes st's history to outPath in the given format ("pdf" or "txt").
// An empty format is derived from the file extension.
func Transcript(st *domain.ConversationState, outPath, format string, opt Options) error {
	if st == nil {
		return ErrNoState
	}
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(outPath)), ".")
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("ensure out dir: %w", err)
	}
	switch strings.ToLower(format) {
	case FormatPDF:
		return TranscriptPDF(st, outPath, opt)
	case FormatText, "text":
		return os.WriteFile(outPath, []byte(TranscriptText(st)), 0o644)
	default:
		return fmt.Errorf("unsupported transcript format %q", format)
	}
}

// TranscriptText renders one line per message.
func TranscriptText(st *domain.ConversationState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation with %s (%s)\n\n", st.CharacterName, st.ConversationID)
	for _, m := range st.MessageHistory {
		if m.Timestamp != "" {
			fmt.Fprintf(&b, "[%s] ", m.Timestamp)
		}
		switch m.Type {
		case script.MessageImage:
			fmt.Fprintf(&b, "%s: [image %s]\n", m.Speaker, m.ImagePath)
		case script.MessageSystem:
			fmt.Fprintf(&b, "-- %s --\n", m.Content)
		default:
			fmt.Fprintf(&b, "%s: %s\n", m.Speaker, m.Content)
		}
	}
	return b.String()
}

const (
	fontSize   = 11.0
	lineHeight = 14.0
	bubblePad  = 6.0
	gap        = 8.0
	labelSize  = 8.0
	maxImageW  = 220.0
)

type rgb struct{ r, g, b int }

var (
	contactFill = rgb{233, 233, 235}
	playerFill  = rgb{0, 122, 255}
	systemText  = rgb{120, 120, 120}
)

// TranscriptPDF draws the history as chat bubbles: the contact on the left,
// other speakers on the right and system notices centered.
func TranscriptPDF(st *domain.ConversationState, outPath string, opt Options) error {
	if st == nil {
		return ErrNoState
	}
	size := opt.PageSize
	if size == "" {
		size = "A4"
	}
	now := time.Now
	if opt.Now != nil {
		now = opt.Now
	}
	contact := opt.Contact
	if contact == "" {
		contact = st.CharacterName
	}

	pdf := gofpdf.New("P", "pt", size, "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("Conversation with "+st.CharacterName, true)
	pdf.SetAuthor("BubbleChat", false)
	pdf.SetCreationDate(now())
	pdf.SetMargins(40, 40, 40)
	pdf.SetAutoPageBreak(false, 40)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-30)
		pdf.SetFont("Helvetica", "", labelSize)
		pdf.SetTextColor(systemText.r, systemText.g, systemText.b)
		pdf.CellFormat(0, 10, fmt.Sprintf("%d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 20, tr("Conversation with "+st.CharacterName), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", labelSize)
	pdf.SetTextColor(systemText.r, systemText.g, systemText.b)
	pdf.CellFormat(0, 12, tr(fmt.Sprintf("%s, exported %s", st.ConversationID, now().UTC().Format(time.RFC3339))), "", 1, "L", false, 0, "")
	pdf.Ln(gap)

	w := &bubbleWriter{pdf: pdf, tr: tr, imageRoot: opt.ImageRoot}
	w.pageW, w.pageH = pdf.GetPageSize()
	w.left, _, w.right, w.bottom = pdf.GetMargins()
	w.maxW = (w.pageW - w.left - w.right) * 0.7

	if len(st.MessageHistory) == 0 {
		w.system("No messages yet.")
	}
	prev := ""
	for _, m := range st.MessageHistory {
		switch {
		case m.Type == script.MessageSystem:
			w.system(m.Content)
			prev = ""
			continue
		case strings.EqualFold(m.Speaker, contact):
			w.message(m, false, m.Speaker != prev)
		default:
			w.message(m, true, m.Speaker != prev)
		}
		prev = m.Speaker
	}

	if pdf.Err() {
		return fmt.Errorf("render pdf: %w", pdf.Error())
	}
	if err := pdf.OutputFileAndClose(outPath); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

type bubbleWriter struct {
	pdf       *gofpdf.Fpdf
	tr        func(string) string
	imageRoot string

	pageW, pageH        float64
	left, right, bottom float64
	maxW                float64
}

// ensure starts a new page when h more points do not fit.
func (w *bubbleWriter) ensure(h float64) {
	if w.pdf.GetY()+h > w.pageH-w.bottom {
		w.pdf.AddPage()
	}
}

func (w *bubbleWriter) system(text string) {
	w.ensure(lineHeight + gap)
	w.pdf.SetFont("Helvetica", "I", labelSize+1)
	w.pdf.SetTextColor(systemText.r, systemText.g, systemText.b)
	w.pdf.CellFormat(0, lineHeight, w.tr(text), "", 1, "C", false, 0, "")
	w.pdf.Ln(gap / 2)
}

func (w *bubbleWriter) message(m script.Message, mine, label bool) {
	labelH := 0.0
	if label {
		labelH = labelSize + 4
	}
	if m.Type == script.MessageImage {
		if w.image(m, mine, labelH) {
			return
		}
		m.Content = "[image] " + m.ImagePath
	}

	w.pdf.SetFont("Helvetica", "", fontSize)
	lines := w.pdf.SplitLines([]byte(w.tr(m.Content)), w.maxW-2*bubblePad)
	if len(lines) == 0 {
		lines = [][]byte{{}}
	}
	textW := 0.0
	for _, ln := range lines {
		if lw := w.pdf.GetStringWidth(string(ln)); lw > textW {
			textW = lw
		}
	}
	bw := textW + 2*bubblePad
	bh := float64(len(lines))*lineHeight + 2*bubblePad

	w.ensure(labelH + bh + gap)
	x := w.left
	if mine {
		x = w.pageW - w.right - bw
	}
	w.speaker(m.Speaker, x, bw, mine, label)

	y := w.pdf.GetY()
	fill, text := contactFill, rgb{0, 0, 0}
	if mine {
		fill, text = playerFill, rgb{255, 255, 255}
	}
	w.pdf.SetFillColor(fill.r, fill.g, fill.b)
	w.pdf.Rect(x, y, bw, bh, "F")
	w.pdf.SetTextColor(text.r, text.g, text.b)
	w.pdf.SetFont("Helvetica", "", fontSize)
	for i, ln := range lines {
		// baseline sits roughly 3pt above the bottom of each line box
		w.pdf.Text(x+bubblePad, y+bubblePad+float64(i+1)*lineHeight-3, string(ln))
	}
	w.pdf.SetY(y + bh + gap)
}

func (w *bubbleWriter) speaker(name string, x, bw float64, mine, label bool) {
	if !label {
		return
	}
	w.pdf.SetFont("Helvetica", "B", labelSize)
	w.pdf.SetTextColor(systemText.r, systemText.g, systemText.b)
	align := "L"
	if mine {
		align = "R"
	}
	w.pdf.SetX(x)
	w.pdf.CellFormat(bw, labelSize+4, w.tr(name), "", 1, align, false, 0, "")
}

// image draws an embedded picture; it reports false when only a placeholder is possible.
func (w *bubbleWriter) image(m script.Message, mine bool, labelH float64) bool {
	if w.imageRoot == "" || m.ImagePath == "" {
		return false
	}
	path := m.ImagePath
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.imageRoot, filepath.FromSlash(path))
	}
	kind := ""
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		kind = "PNG"
	case ".jpg", ".jpeg":
		kind = "JPG"
	default:
		return false
	}
	if _, err := os.Stat(path); err != nil {
		return false
	}
	opts := gofpdf.ImageOptions{ImageType: kind, ReadDpi: false}
	info := w.pdf.RegisterImageOptions(path, opts)
	if info == nil || w.pdf.Err() || info.Width() <= 0 {
		return false
	}
	iw := maxImageW
	if iw > w.maxW {
		iw = w.maxW
	}
	ih := iw * info.Height() / info.Width()
	w.ensure(labelH + ih + gap)
	x := w.left
	if mine {
		x = w.pageW - w.right - iw
	}
	w.speaker(m.Speaker, x, iw, mine, labelH > 0)
	y := w.pdf.GetY()
	w.pdf.ImageOptions(path, x, y, iw, ih, false, opts, 0, "")
	w.pdf.SetY(y + ih + gap)
	return true
}
