// Package ocr turns archived originals into plain text. Born-digital PDFs
// are served from their embedded text layer; scans and images go through
// vision-model page OCR.
package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/docsmithlabs/docsmith/internal/inference"
	"github.com/docsmithlabs/docsmith/internal/templates"
)

// Result sources.
const (
	SourceTextLayer = "text_layer"
	SourceVision    = "vision"
)

// MinContentChars is the smallest extracted text treated as real content.
// Scanned PDFs usually carry an empty or near-empty text layer, and the
// backlog job uses the same bound to decide whether a document already has
// usable OCR output.
const MinContentChars = 100

// Result is the extracted text plus how it was produced.
type Result struct {
	Text      string
	Pages     int
	Source    string
	Truncated bool
}

// Downloader fetches a document's original file from the archive.
type Downloader interface {
	DownloadDocument(ctx context.Context, id int64) ([]byte, string, error)
}

// Vision is the single-prompt generation surface of the inference client.
type Vision interface {
	Generate(ctx context.Context, model, prompt string, opts inference.GenerateOptions) (string, error)
}

// Extractor routes documents between the PDF text layer and vision OCR.
type Extractor struct {
	docs     Downloader
	vision   Vision
	tmpl     *templates.Store
	model    string
	maxPages int
}

func New(docs Downloader, vision Vision, tmpl *templates.Store, model string, maxPages int) *Extractor {
	if maxPages <= 0 {
		maxPages = 25
	}
	return &Extractor{docs: docs, vision: vision, tmpl: tmpl, model: model, maxPages: maxPages}
}

// ExtractDocument downloads the original for docID and extracts its text.
func (e *Extractor) ExtractDocument(ctx context.Context, docID int64) (Result, error) {
	data, contentType, err := e.docs.DownloadDocument(ctx, docID)
	if err != nil {
		return Result{}, fmt.Errorf("downloading document %d: %w", docID, err)
	}
	return e.Extract(ctx, data, contentType)
}

// Extract pulls text out of a raw original. PDFs with a usable text layer
// never hit the vision model.
func (e *Extractor) Extract(ctx context.Context, data []byte, contentType string) (Result, error) {
	if len(data) == 0 {
		return Result{}, errors.New("empty document")
	}
	if isPDF(contentType, data) {
		text, pages, truncated, err := pdfTextLayer(data, e.maxPages)
		if err != nil {
			slog.Debug("pdf text layer unreadable, using vision", "error", err)
		} else if len(strings.TrimSpace(text)) >= MinContentChars {
			return Result{Text: text, Pages: pages, Source: SourceTextLayer, Truncated: truncated}, nil
		}
	}
	return e.ocrPages(ctx, [][]byte{data})
}

// ExtractPages runs vision OCR over pre-rendered page images, joining the
// per-page transcriptions in order.
func (e *Extractor) ExtractPages(ctx context.Context, pages [][]byte) (Result, error) {
	if len(pages) == 0 {
		return Result{}, errors.New("no pages")
	}
	return e.ocrPages(ctx, pages)
}

func (e *Extractor) ocrPages(ctx context.Context, pages [][]byte) (Result, error) {
	prompt, err := e.tmpl.Render(templates.OCRPage, nil)
	if err != nil {
		return Result{}, err
	}

	truncated := false
	if len(pages) > e.maxPages {
		slog.Warn("page budget exceeded, truncating", "pages", len(pages), "max", e.maxPages)
		pages = pages[:e.maxPages]
		truncated = true
	}

	parts := make([]string, 0, len(pages))
	for i, page := range pages {
		text, err := e.vision.Generate(ctx, e.model, prompt, inference.GenerateOptions{
			Images: [][]byte{page},
		})
		if err != nil {
			return Result{}, fmt.Errorf("vision ocr page %d: %w", i+1, err)
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	return Result{
		Text:      strings.Join(parts, "\n\n"),
		Pages:     len(pages),
		Source:    SourceVision,
		Truncated: truncated,
	}, nil
}

func isPDF(contentType string, data []byte) bool {
	if strings.HasPrefix(contentType, "application/pdf") {
		return true
	}
	return bytes.HasPrefix(data, []byte("%PDF-"))
}

// pdfTextLayer concatenates the plain text of up to maxPages pages. The pdf
// parser panics on some malformed files, so the whole pass is recovered.
func pdfTextLayer(data []byte, maxPages int) (text string, pages int, truncated bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing pdf: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", 0, false, fmt.Errorf("parsing pdf: %w", err)
	}

	n := reader.NumPage()
	if n > maxPages {
		n = maxPages
		truncated = true
	}

	var sb strings.Builder
	for i := 1; i <= n; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		content, pageErr := page.GetPlainText(nil)
		if pageErr != nil || content == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(content)
	}
	return sb.String(), n, truncated, nil
}
