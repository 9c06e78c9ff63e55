package ocr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/docsmithlabs/docsmith/internal/inference"
	"github.com/docsmithlabs/docsmith/internal/templates"
)

type mockVision struct {
	calls   int
	prompts []string
	fn      func(call int) (string, error)
}

func (m *mockVision) Generate(_ context.Context, _ string, prompt string, opts inference.GenerateOptions) (string, error) {
	m.calls++
	m.prompts = append(m.prompts, prompt)
	if len(opts.Images) != 1 {
		return "", fmt.Errorf("expected 1 image per call, got %d", len(opts.Images))
	}
	if m.fn != nil {
		return m.fn(m.calls)
	}
	return "VISION PAGE " + strconv.Itoa(m.calls), nil
}

type mockDownloader struct {
	data        []byte
	contentType string
	err         error
}

func (m *mockDownloader) DownloadDocument(context.Context, int64) ([]byte, string, error) {
	return m.data, m.contentType, m.err
}

func newTestExtractor(t *testing.T, docs Downloader, vision Vision, maxPages int) *Extractor {
	t.Helper()
	tmpl, err := templates.New("")
	if err != nil {
		t.Fatalf("loading templates: %v", err)
	}
	return New(docs, vision, tmpl, "test-vision", maxPages)
}

// buildPDF writes a minimal one-page PDF with an uncompressed text stream.
// Object offsets are recorded while writing so the xref table is exact.
func buildPDF(t *testing.T, lines ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	var offsets []int
	addObj := func(body string) {
		offsets = append(offsets, buf.Len())
		buf.WriteString(body)
		buf.WriteString("\n")
	}

	buf.WriteString("%PDF-1.4\n")
	addObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj")
	addObj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 >>\nendobj")
	addObj("3 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>\nendobj")

	var content strings.Builder
	content.WriteString("BT /F1 12 Tf 72 720 Td\n")
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj 0 -14 Td\n", line)
	}
	content.WriteString("ET")
	stream := content.String()
	addObj(fmt.Sprintf("4 0 obj\n<< /Length %d >>\nstream\n%s\nendstream\nendobj", len(stream), stream))
	addObj("5 0 obj\n<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>\nendobj")

	xrefOff := buf.Len()
	buf.WriteString("xref\n0 6\n0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 6 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefOff)
	return buf.Bytes()
}

func TestExtractUsesTextLayer(t *testing.T) {
	data := buildPDF(t,
		"Quarterly electricity invoice from City Utilities for March 2024, account 8841, amount due 74.20 EUR.",
		"Payment is expected within 30 days of the invoice date shown above.",
	)
	vision := &mockVision{}
	e := newTestExtractor(t, nil, vision, 25)

	res, err := e.Extract(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceTextLayer {
		t.Fatalf("expected text layer source, got %q", res.Source)
	}
	if !strings.Contains(res.Text, "City Utilities") {
		t.Errorf("text layer content missing:\n%s", res.Text)
	}
	if res.Pages != 1 {
		t.Errorf("expected 1 page, got %d", res.Pages)
	}
	if vision.calls != 0 {
		t.Errorf("vision model called %d times for born-digital pdf", vision.calls)
	}
}

func TestExtractShortTextLayerFallsThroughToVision(t *testing.T) {
	data := buildPDF(t, "short note")
	vision := &mockVision{fn: func(int) (string, error) { return "  transcribed scan  ", nil }}
	e := newTestExtractor(t, nil, vision, 25)

	res, err := e.Extract(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceVision {
		t.Fatalf("expected vision source, got %q", res.Source)
	}
	if res.Text != "transcribed scan" {
		t.Errorf("expected trimmed vision output, got %q", res.Text)
	}
	if vision.calls != 1 {
		t.Errorf("expected 1 vision call, got %d", vision.calls)
	}
}

func TestExtractMalformedPDFFallsThroughToVision(t *testing.T) {
	data := []byte("%PDF-1.7\nthis is not really a pdf")
	vision := &mockVision{}
	e := newTestExtractor(t, nil, vision, 25)

	res, err := e.Extract(context.Background(), data, "application/pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceVision {
		t.Fatalf("expected vision source, got %q", res.Source)
	}
	if vision.calls != 1 {
		t.Errorf("expected 1 vision call, got %d", vision.calls)
	}
}

func TestExtractImageGoesToVision(t *testing.T) {
	data := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a, 1, 2, 3}
	vision := &mockVision{}
	e := newTestExtractor(t, nil, vision, 25)

	res, err := e.Extract(context.Background(), data, "image/png")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceVision || res.Pages != 1 {
		t.Fatalf("expected 1 vision page, got %+v", res)
	}
	if len(vision.prompts) != 1 || !strings.Contains(vision.prompts[0], "Transcribe") {
		t.Errorf("vision call missing ocr prompt: %v", vision.prompts)
	}
}

func TestExtractEmptyDocument(t *testing.T) {
	e := newTestExtractor(t, nil, &mockVision{}, 25)
	if _, err := e.Extract(context.Background(), nil, "application/pdf"); err == nil {
		t.Fatal("expected error for empty document")
	}
}

func TestExtractPagesJoinsAndTruncates(t *testing.T) {
	vision := &mockVision{}
	e := newTestExtractor(t, nil, vision, 2)

	pages := [][]byte{{1}, {2}, {3}, {4}}
	res, err := e.ExtractPages(context.Background(), pages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vision.calls != 2 {
		t.Errorf("expected 2 vision calls under page budget, got %d", vision.calls)
	}
	if !res.Truncated {
		t.Error("expected truncated result")
	}
	if res.Text != "VISION PAGE 1\n\nVISION PAGE 2" {
		t.Errorf("unexpected joined text: %q", res.Text)
	}
}

func TestExtractPagesErrorPropagates(t *testing.T) {
	vision := &mockVision{fn: func(call int) (string, error) {
		if call == 2 {
			return "", errors.New("model overloaded")
		}
		return "ok", nil
	}}
	e := newTestExtractor(t, nil, vision, 25)

	_, err := e.ExtractPages(context.Background(), [][]byte{{1}, {2}})
	if err == nil || !strings.Contains(err.Error(), "page 2") {
		t.Fatalf("expected page 2 error, got %v", err)
	}
}

func TestExtractDocumentDownloads(t *testing.T) {
	docs := &mockDownloader{data: []byte("plain text scan"), contentType: "image/jpeg"}
	vision := &mockVision{}
	e := newTestExtractor(t, docs, vision, 25)

	res, err := e.ExtractDocument(context.Background(), 42)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Source != SourceVision {
		t.Fatalf("expected vision source, got %q", res.Source)
	}
}

func TestExtractDocumentDownloadError(t *testing.T) {
	docs := &mockDownloader{err: errors.New("archive down")}
	e := newTestExtractor(t, docs, &mockVision{}, 25)

	_, err := e.ExtractDocument(context.Background(), 42)
	if err == nil || !strings.Contains(err.Error(), "document 42") {
		t.Fatalf("expected download error, got %v", err)
	}
}
