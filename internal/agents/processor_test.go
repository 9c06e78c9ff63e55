package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/inference"
	"github.com/docsmithlabs/docsmith/internal/loop"
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
	"github.com/docsmithlabs/docsmith/internal/templates"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

const longContent = "Electricity invoice from City Utilities for March 2024. Account 8841, amount due 74.20 EUR. Payment is expected within 30 days."

type mockArchive struct {
	docs           map[int64]archive.Document
	tags           []archive.Tag
	correspondents []archive.Correspondent
	docTypes       []archive.DocumentType
	customFields   []archive.CustomField
	getErr         error
	updateErr      error
}

func (m *mockArchive) GetDocument(_ context.Context, id int64) (archive.Document, error) {
	if m.getErr != nil {
		return archive.Document{}, m.getErr
	}
	doc, ok := m.docs[id]
	if !ok {
		return archive.Document{}, archive.ErrNotFound
	}
	doc.Tags = append([]string(nil), doc.Tags...)
	doc.CustomFields = append([]archive.CustomFieldValue(nil), doc.CustomFields...)
	return doc, nil
}

func (m *mockArchive) UpdateDocument(_ context.Context, id int64, upd archive.DocumentUpdate) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	doc, ok := m.docs[id]
	if !ok {
		return archive.ErrNotFound
	}
	if upd.Title != nil {
		doc.Title = *upd.Title
	}
	if upd.Content != nil {
		doc.Content = *upd.Content
	}
	if upd.Correspondent != nil {
		doc.Correspondent = *upd.Correspondent
	}
	if upd.DocumentType != nil {
		doc.DocumentType = *upd.DocumentType
	}
	if upd.Tags != nil {
		doc.Tags = append([]string(nil), (*upd.Tags)...)
	}
	if upd.CustomFields != nil {
		doc.CustomFields = append([]archive.CustomFieldValue(nil), (*upd.CustomFields)...)
	}
	m.docs[id] = doc
	return nil
}

func (m *mockArchive) ListTags(context.Context) ([]archive.Tag, error) {
	return m.tags, nil
}

func (m *mockArchive) ListCorrespondents(context.Context) ([]archive.Correspondent, error) {
	return m.correspondents, nil
}

func (m *mockArchive) ListDocumentTypes(context.Context) ([]archive.DocumentType, error) {
	return m.docTypes, nil
}

func (m *mockArchive) ListCustomFields(context.Context) ([]archive.CustomField, error) {
	return m.customFields, nil
}

func (m *mockArchive) ListDocumentIDs(_ context.Context, opts archive.ListOptions) ([]int64, error) {
	var ids []int64
	for id, doc := range m.docs {
		if opts.TagName == "" || containsFold(doc.Tags, opts.TagName) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *mockArchive) DeleteTag(context.Context, string) error { return nil }

// mockChat routes by model name: the deep model answers analyze prompts,
// the fast model answers confirmations. A nil confirm script confirms
// everything.
type mockChat struct {
	analyze        func(prompt string, call int) (string, error)
	confirm        func(prompt string, call int) (string, error)
	analyzeCalls   int
	confirmCalls   int
	analyzePrompts []string
}

func (m *mockChat) Chat(_ context.Context, model string, msgs []inference.Message, _ *inference.Schema) (string, error) {
	if len(msgs) != 1 {
		return "", fmt.Errorf("expected 1 message, got %d", len(msgs))
	}
	prompt := msgs[0].Content
	switch model {
	case "deep":
		m.analyzeCalls++
		m.analyzePrompts = append(m.analyzePrompts, prompt)
		if m.analyze == nil {
			return "", errors.New("no analyze script")
		}
		return m.analyze(prompt, m.analyzeCalls)
	case "fast":
		m.confirmCalls++
		if m.confirm == nil {
			return `{"confirmed": true, "feedback": ""}`, nil
		}
		return m.confirm(prompt, m.confirmCalls)
	}
	return "", fmt.Errorf("unexpected model %q", model)
}

type stubVision struct {
	text  string
	err   error
	calls int
}

func (s *stubVision) Generate(context.Context, string, string, inference.GenerateOptions) (string, error) {
	s.calls++
	return s.text, s.err
}

type stubDownloader struct {
	data        []byte
	contentType string
	err         error
}

func (s *stubDownloader) DownloadDocument(context.Context, int64) ([]byte, string, error) {
	return s.data, s.contentType, s.err
}

type stubTextEmbedder struct {
	vec []float32
}

func (s stubTextEmbedder) Embed(context.Context, string, string) ([]float32, error) {
	return s.vec, nil
}

type env struct {
	proc    *Processor
	arch    *mockArchive
	chat    *mockChat
	vision  *stubVision
	down    *stubDownloader
	store   *storage.Store
	reviews *review.Service
	index   *vector.Index
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tmpl, err := templates.New("")
	if err != nil {
		t.Fatalf("loading templates: %v", err)
	}

	arch := &mockArchive{docs: map[int64]archive.Document{}}
	machine := pipeline.New(arch, nil)
	reviews := review.NewService(store, arch, machine, nil, nil)

	e := &env{
		arch:    arch,
		chat:    &mockChat{},
		vision:  &stubVision{text: longContent},
		down:    &stubDownloader{data: []byte{0x89, 'P', 'N', 'G'}, contentType: "image/png"},
		store:   store,
		reviews: reviews,
	}
	e.proc = NewProcessor(Deps{
		Docs:      arch,
		Inference: e.chat,
		Engine:    loop.New(reviews, nil, nil),
		Machine:   machine,
		Reviews:   reviews,
		Extractor: ocr.New(e.down, e.vision, tmpl, "vision-model", 25),
		Templates: tmpl,
	}, Options{DeepModel: "deep", FastModel: "fast", MaxRetries: 3})
	return e
}

// withVector attaches a real index backed by the test store plus a stub
// embedder that maps every text to the same vector.
func (e *env) withVector(vec []float32) {
	e.index = vector.NewIndex(e.store.DB())
	e.proc.deps.Index = e.index
	e.proc.deps.Embedder = vector.NewEmbedder(stubTextEmbedder{vec: vec}, "embed-model")
}

func countStages(tags []string) int {
	n := 0
	for _, tag := range tags {
		if pipeline.IsStage(tag) {
			n++
		}
	}
	return n
}

// scriptAllAgents answers every analyze prompt with a plausible payload,
// keyed off the template's instruction line.
func scriptAllAgents(prompt string, _ int) (string, error) {
	switch {
	case strings.Contains(prompt, "Suggest a concise"):
		return `{"suggestion": "Electricity Invoice March 2024", "confidence": 0.9, "reasoning": "invoice header"}`, nil
	case strings.Contains(prompt, "Identify the correspondent"):
		return `{"suggestion": "City Utilities", "confidence": 0.9, "reasoning": "issuer"}`, nil
	case strings.Contains(prompt, "Classify the document"):
		return `{"suggestion": "invoice", "confidence": 0.85, "reasoning": "amount due"}`, nil
	case strings.Contains(prompt, "topical tags"):
		return `{"suggestion": "electricity, utilities", "confidence": 0.8, "tags": ["electricity", "utilities"]}`, nil
	case strings.Contains(prompt, "custom fields"):
		return `{"suggestion": "invoice_date=2024-03-17", "confidence": 0.8, "fields": {"invoice_date": "2024-03-17", "amount": 74.2, "bogus": "x"}}`, nil
	case strings.Contains(prompt, "candidate documents"):
		return `{"suggestion": "2", "confidence": 0.8, "links": [2, 99]}`, nil
	}
	return "", fmt.Errorf("unmatched analyze prompt:\n%s", prompt)
}

func TestProcessFullChain(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.arch.docs[1] = archive.Document{ID: 1, Title: "scan_001.pdf", Tags: []string{"pending"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Fatalf("expected processed, got %q (tags %v)", got, doc.Tags)
	}
	if countStages(doc.Tags) != 1 {
		t.Errorf("expected exactly one stage tag, got %v", doc.Tags)
	}
	if doc.Title != "Electricity Invoice March 2024" {
		t.Errorf("title not applied: %q", doc.Title)
	}
	if doc.Correspondent != "City Utilities" {
		t.Errorf("correspondent not applied: %q", doc.Correspondent)
	}
	if doc.DocumentType != "invoice" {
		t.Errorf("document type not applied: %q", doc.DocumentType)
	}
	if !containsFold(doc.Tags, "electricity") || !containsFold(doc.Tags, "utilities") {
		t.Errorf("tags not applied: %v", doc.Tags)
	}
	if !strings.Contains(doc.Content, "City Utilities") {
		t.Errorf("ocr content not stored: %q", doc.Content)
	}
	if e.vision.calls != 1 {
		t.Errorf("expected 1 vision call, got %d", e.vision.calls)
	}
}

func TestProcessSkipsOCRWhenContentPresent(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.arch.docs[1] = archive.Document{ID: 1, Title: "scan.pdf", Content: longContent, Tags: []string{"pending"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.vision.calls != 0 {
		t.Errorf("vision called %d times despite existing content", e.vision.calls)
	}
	if got := pipeline.StatusOf(e.arch.docs[1].Tags); got != pipeline.StageProcessed {
		t.Errorf("expected processed, got %q", got)
	}
}

func TestProcessEscalatesAndStops(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.chat.confirm = func(string, int) (string, error) {
		return `{"confirmed": false, "feedback": "wrong company"}`, nil
	}
	e.arch.docs[1] = archive.Document{
		ID: 1, Title: "Invoice", Content: longContent, Tags: []string{"title_done"},
	}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageTitleDone {
		t.Errorf("document moved to %q despite escalation", got)
	}
	if !containsFold(doc.Tags, pipeline.LabelManualReview) {
		t.Errorf("manual review label missing: %v", doc.Tags)
	}
	if e.chat.analyzeCalls != 3 {
		t.Errorf("expected 3 analyze attempts, got %d", e.chat.analyzeCalls)
	}

	items, err := e.reviews.List("")
	if err != nil {
		t.Fatalf("listing reviews: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(items))
	}
	item := items[0]
	if item.Type != review.TypeCorrespondent {
		t.Errorf("expected correspondent review, got %q", item.Type)
	}
	if item.Suggestion != "City Utilities" {
		t.Errorf("unexpected suggestion %q", item.Suggestion)
	}
	if item.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", item.Attempts)
	}
	if item.LastFeedback != "wrong company" {
		t.Errorf("unexpected feedback %q", item.LastFeedback)
	}
	if item.NextTag != string(pipeline.StageCorrespondentDone) {
		t.Errorf("unexpected next tag %q", item.NextTag)
	}
}

func TestProcessStopsOnConcurrentStageMove(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.chat.confirm = func(string, int) (string, error) {
		// A reviewer resolves the document while the title loop is mid-flight.
		doc := e.arch.docs[1]
		doc.Tags = []string{"processed"}
		e.arch.docs[1] = doc
		return `{"confirmed": true, "feedback": ""}`, nil
	}
	e.arch.docs[1] = archive.Document{ID: 1, Title: "scan.pdf", Content: longContent, Tags: []string{"ocr_done"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	if containsFold(doc.Tags, pipeline.LabelFailed) {
		t.Errorf("failed label attached: %v", doc.Tags)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Errorf("concurrent stage overwritten, got %q", got)
	}
	if e.chat.analyzeCalls != 1 {
		t.Errorf("chain continued after stage mismatch, %d analyze calls", e.chat.analyzeCalls)
	}
}

func TestProcessOCRFailureMarksFailed(t *testing.T) {
	e := newTestEnv(t)
	e.down.err = errors.New("archive unreachable")
	e.arch.docs[5] = archive.Document{ID: 5, Tags: []string{"pending"}}

	err := e.proc.Process(context.Background(), 5)
	if err == nil || !strings.Contains(err.Error(), "ocr for document 5") {
		t.Fatalf("expected ocr error, got %v", err)
	}
	doc := e.arch.docs[5]
	if !containsFold(doc.Tags, pipeline.LabelFailed) {
		t.Errorf("failed label missing: %v", doc.Tags)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StagePending {
		t.Errorf("stage changed to %q on failure", got)
	}
}

func TestProcessClearsFailedLabelOnSuccess(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[1] = archive.Document{
		ID: 1, Title: "Invoice", Content: longContent,
		Tags: []string{"tags_done", pipeline.LabelFailed},
	}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc := e.arch.docs[1]
	if containsFold(doc.Tags, pipeline.LabelFailed) {
		t.Errorf("failed label not cleared: %v", doc.Tags)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Errorf("expected processed, got %q", got)
	}
}

func TestProcessNoStageTag(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[9] = archive.Document{ID: 9, Tags: []string{"some_topic"}}

	err := e.proc.Process(context.Background(), 9)
	if err == nil || !strings.Contains(err.Error(), "no pipeline stage") {
		t.Fatalf("expected stage error, got %v", err)
	}
}

func TestCustomFieldsApplied(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.arch.customFields = []archive.CustomField{
		{ID: 1, Name: "invoice_date", DataType: "date"},
		{ID: 2, Name: "amount", DataType: "monetary"},
	}
	e.arch.docs[1] = archive.Document{ID: 1, Title: "Invoice", Content: longContent, Tags: []string{"tags_done"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	want := map[string]string{"invoice_date": "2024-03-17", "amount": "74.2"}
	for _, cf := range doc.CustomFields {
		if cf.Name == "bogus" {
			t.Errorf("undefined field applied: %+v", cf)
		}
		if expected, ok := want[cf.Name]; ok {
			if cf.Value != expected {
				t.Errorf("field %s = %q, want %q", cf.Name, cf.Value, expected)
			}
			delete(want, cf.Name)
		}
	}
	if len(want) != 0 {
		t.Errorf("fields not applied: %v (got %+v)", want, doc.CustomFields)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Errorf("expected processed, got %q", got)
	}
}

func TestCustomFieldsUnconfirmedStillCompletes(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.chat.confirm = func(string, int) (string, error) {
		return `{"confirmed": false, "feedback": "not grounded"}`, nil
	}
	e.arch.customFields = []archive.CustomField{{ID: 1, Name: "invoice_date", DataType: "date"}}
	e.arch.docs[1] = archive.Document{ID: 1, Title: "Invoice", Content: longContent, Tags: []string{"tags_done"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	if len(doc.CustomFields) != 0 {
		t.Errorf("unconfirmed fields applied: %+v", doc.CustomFields)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Errorf("expected processed despite unconfirmed fields, got %q", got)
	}
	items, err := e.reviews.List("")
	if err != nil {
		t.Fatalf("listing reviews: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("custom fields must not enqueue reviews, got %d", len(items))
	}
}

func TestDocumentLinksApplied(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.withVector([]float32{1, 0})
	if err := e.index.Upsert(vector.Record{
		DocID: 2, Title: "Lease agreement", ContentHash: "h2", Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("seeding index: %v", err)
	}
	e.arch.docs[1] = archive.Document{ID: 1, Title: "Deposit receipt", Content: longContent, Tags: []string{"tags_done"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	var related string
	for _, cf := range doc.CustomFields {
		if cf.Name == review.RelatedField {
			related = cf.Value
		}
	}
	if related != "2" {
		t.Errorf("expected related documents %q, got %q (fields %+v)", "2", related, doc.CustomFields)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Errorf("expected processed, got %q", got)
	}

	// The document itself was indexed along the way.
	n, err := e.index.Count()
	if err != nil {
		t.Fatalf("counting index: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 indexed documents, got %d", n)
	}
}

func TestDocumentLinksEscalate(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = scriptAllAgents
	e.chat.confirm = func(string, int) (string, error) {
		return `{"confirmed": false, "feedback": "unrelated"}`, nil
	}
	e.withVector([]float32{1, 0})
	if err := e.index.Upsert(vector.Record{
		DocID: 2, Title: "Lease agreement", ContentHash: "h2", Embedding: []float32{1, 0},
	}); err != nil {
		t.Fatalf("seeding index: %v", err)
	}
	e.arch.docs[1] = archive.Document{ID: 1, Title: "Deposit receipt", Content: longContent, Tags: []string{"tags_done"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageTagsDone {
		t.Errorf("document moved to %q despite escalation", got)
	}
	if !containsFold(doc.Tags, pipeline.LabelManualReview) {
		t.Errorf("manual review label missing: %v", doc.Tags)
	}
	items, err := e.reviews.List(review.TypeDocumentLink)
	if err != nil {
		t.Fatalf("listing reviews: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("expected 1 link review, got %d", len(items))
	}
	if items[0].NextTag != string(pipeline.StageProcessed) {
		t.Errorf("unexpected next tag %q", items[0].NextTag)
	}
}

func TestBlockedTagDropped(t *testing.T) {
	e := newTestEnv(t)
	e.chat.analyze = func(prompt string, call int) (string, error) {
		if strings.Contains(prompt, "topical tags") {
			return `{"suggestion": "crypto, utilities", "confidence": 0.8, "tags": ["crypto", "utilities"]}`, nil
		}
		return scriptAllAgents(prompt, call)
	}
	if _, err := e.reviews.Block("crypto", review.TypeTag, "spam tag", "", 0); err != nil {
		t.Fatalf("blocking tag: %v", err)
	}
	e.arch.docs[1] = archive.Document{ID: 1, Title: "Invoice", Content: longContent, Tags: []string{"document_type_done"}}

	if err := e.proc.Process(context.Background(), 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	doc := e.arch.docs[1]
	if containsFold(doc.Tags, "crypto") {
		t.Errorf("blocked tag applied: %v", doc.Tags)
	}
	if !containsFold(doc.Tags, "utilities") {
		t.Errorf("allowed tag missing: %v", doc.Tags)
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageProcessed {
		t.Errorf("expected processed, got %q", got)
	}
}

func TestStringifyFieldValue(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{"  hello ", "hello"},
		{74.2, "74.2"},
		{float64(30), "30"},
		{true, "true"},
		{nil, ""},
	}
	for _, tt := range tests {
		if got := stringifyFieldValue(tt.in); got != tt.want {
			t.Errorf("stringifyFieldValue(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestUpsertFieldValue(t *testing.T) {
	values := []archive.CustomFieldValue{{Name: "amount", Value: "1"}}
	values = upsertFieldValue(values, "Amount", "2")
	if len(values) != 1 || values[0].Value != "2" {
		t.Errorf("replace failed: %+v", values)
	}
	values = upsertFieldValue(values, "invoice_date", "2024-03-17")
	if len(values) != 2 {
		t.Errorf("append failed: %+v", values)
	}
}
