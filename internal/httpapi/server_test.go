package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/events"
	"github.com/docsmithlabs/docsmith/internal/jobs"
	"github.com/docsmithlabs/docsmith/internal/metrics"
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockArchive struct {
	mu   sync.Mutex
	docs map[int64]archive.Document
	tags []archive.Tag
}

func newMockArchive() *mockArchive {
	return &mockArchive{docs: make(map[int64]archive.Document)}
}

func (m *mockArchive) GetDocument(_ context.Context, id int64) (archive.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[id]
	if !ok {
		return archive.Document{}, archive.ErrNotFound
	}
	doc.Tags = append([]string(nil), doc.Tags...)
	return doc, nil
}

func (m *mockArchive) UpdateDocument(_ context.Context, id int64, upd archive.DocumentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	if upd.Tags != nil {
		doc.Tags = append([]string(nil), (*upd.Tags)...)
	}
	if upd.Correspondent != nil {
		doc.Correspondent = *upd.Correspondent
	}
	if upd.DocumentType != nil {
		doc.DocumentType = *upd.DocumentType
	}
	m.docs[id] = doc
	return nil
}

func (m *mockArchive) ListDocumentIDs(_ context.Context, opts archive.ListOptions) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, doc := range m.docs {
		if opts.TagName == "" || docHasTag(doc.Tags, opts.TagName) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *mockArchive) DeleteTag(_ context.Context, _ string) error { return nil }

func (m *mockArchive) ListTags(_ context.Context) ([]archive.Tag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]archive.Tag(nil), m.tags...), nil
}

func docHasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}

type stubProcessor struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (p *stubProcessor) Process(_ context.Context, docID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, docID)
	return p.err
}

func (p *stubProcessor) seen() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.ids...)
}

type stubExtractor struct{}

func (stubExtractor) ExtractDocument(_ context.Context, _ int64) (ocr.Result, error) {
	return ocr.Result{Text: "Scanned page text produced by the stub extractor.", Source: ocr.SourceVision}, nil
}

// --- helpers ---

type env struct {
	handler http.Handler
	arch    *mockArchive
	store   *storage.Store
	reviews *review.Service
	jobs    *jobs.Manager
	bus     *events.Bus
	proc    *stubProcessor
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	arch := newMockArchive()
	bus := events.NewBus(64)
	machine := pipeline.New(arch, bus)
	reviews := review.NewService(store, arch, machine, bus, nil)
	proc := &stubProcessor{}

	mgr := jobs.New(jobs.Deps{
		Docs:      arch,
		Extractor: stubExtractor{},
		Processor: proc,
		Machine:   machine,
		Reviews:   reviews,
		Store:     store,
	}, bus, nil, 1000)

	handler := NewHandler(Deps{
		Reviews:   reviews,
		Jobs:      mgr,
		Docs:      arch,
		Processor: proc,
		Bus:       bus,
		Token:     testToken,
	})

	return &env{handler: handler, arch: arch, store: store, reviews: reviews, jobs: mgr, bus: bus, proc: proc}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (e *env) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func seedReview(t *testing.T, e *env, item storage.ReviewItem) string {
	t.Helper()
	id, err := e.reviews.Enqueue(context.Background(), item)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func waitForJob(t *testing.T, e *env, kind string, want jobs.Status) jobs.Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rr := e.do(t, http.MethodGet, "/jobs/"+kind+"/progress", "")
		if rr.Code != http.StatusOK {
			t.Fatalf("progress status = %d; body = %s", rr.Code, rr.Body.String())
		}
		var p jobs.Progress
		if err := json.NewDecoder(rr.Body).Decode(&p); err != nil {
			t.Fatalf("decode progress: %v", err)
		}
		if p.Status == want {
			return p
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", kind, want)
	return jobs.Progress{}
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	e := newTestEnv(t)

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != `{"status":"ok"}` {
		t.Errorf("body = %q", body)
	}
}

func TestAuth_Required(t *testing.T) {
	e := newTestEnv(t)

	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(http.MethodGet, "/reviews", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}

	rr = httptest.NewRecorder()
	e.handler.ServeHTTP(rr, authReq(http.MethodGet, "/reviews", "", "wrong-token"))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestListReviews_Empty(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodGet, "/reviews", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("body = %q, want %q", body, "[]")
	}
}

func TestApproveReview(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[7] = archive.Document{ID: 7, Title: "Invoice", Tags: []string{"title_done"}}

	id := seedReview(t, e, storage.ReviewItem{
		DocID:      7,
		Type:       review.TypeCorrespondent,
		Suggestion: "City Power",
		NextTag:    "correspondent_done",
	})

	rr := e.do(t, http.MethodPost, "/reviews/"+id+"/approve", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusOK, rr.Body.String())
	}

	var resp map[string]string
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["applied"] != "City Power" {
		t.Errorf("applied = %q, want %q", resp["applied"], "City Power")
	}

	doc, err := e.arch.GetDocument(context.Background(), 7)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Correspondent != "City Power" {
		t.Errorf("correspondent = %q, want %q", doc.Correspondent, "City Power")
	}
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageCorrespondentDone {
		t.Errorf("stage = %q, want %q", got, pipeline.StageCorrespondentDone)
	}

	// A second approve must report not found.
	rr = e.do(t, http.MethodPost, "/reviews/"+id+"/approve", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second approve: status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestApproveReview_ChosenOverridesSuggestion(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[8] = archive.Document{ID: 8, Tags: []string{"correspondent_done"}}

	id := seedReview(t, e, storage.ReviewItem{
		DocID:      8,
		Type:       review.TypeDocumentType,
		Suggestion: "invoice",
	})

	rr := e.do(t, http.MethodPost, "/reviews/"+id+"/approve", `{"chosen":"receipt"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	doc, _ := e.arch.GetDocument(context.Background(), 8)
	if doc.DocumentType != "receipt" {
		t.Errorf("document type = %q, want %q", doc.DocumentType, "receipt")
	}
}

func TestRejectReview_BlocksSuggestion(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[9] = archive.Document{ID: 9, Tags: []string{"correspondent_done"}}

	id := seedReview(t, e, storage.ReviewItem{
		DocID:      9,
		Type:       review.TypeTag,
		Suggestion: "crypto",
	})

	rr := e.do(t, http.MethodPost, "/reviews/"+id+"/reject", `{"block":true,"reason":"never apply this"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var blocked []storage.BlockedSuggestion
	rr = e.do(t, http.MethodGet, "/blocked", "")
	json.NewDecoder(rr.Body).Decode(&blocked)
	if len(blocked) != 1 {
		t.Fatalf("got %d blocked entries, want 1", len(blocked))
	}
	if blocked[0].Name != "crypto" || blocked[0].BlockType != review.TypeTag {
		t.Errorf("blocked entry = %+v", blocked[0])
	}

	doc, _ := e.arch.GetDocument(context.Background(), 9)
	if !docHasTag(doc.Tags, pipeline.LabelManualReview) {
		t.Errorf("document missing %s label, tags = %v", pipeline.LabelManualReview, doc.Tags)
	}

	rr = e.do(t, http.MethodPost, "/reviews/"+id+"/reject", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second reject: status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestMergeReviews(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[11] = archive.Document{ID: 11, Tags: []string{"title_done"}}
	e.arch.docs[12] = archive.Document{ID: 12, Tags: []string{"title_done"}}

	a := seedReview(t, e, storage.ReviewItem{DocID: 11, Type: review.TypeCorrespondent, Suggestion: "ACME corp"})
	b := seedReview(t, e, storage.ReviewItem{DocID: 12, Type: review.TypeCorrespondent, Suggestion: "Acme Corp."})

	body, _ := json.Marshal(MergeRequest{IDs: []string{a, b}, Target: "Acme Corp"})
	rr := e.do(t, http.MethodPost, "/reviews/merge", string(body))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	for _, id := range []int64{11, 12} {
		doc, _ := e.arch.GetDocument(context.Background(), id)
		if doc.Correspondent != "Acme Corp" {
			t.Errorf("doc %d correspondent = %q, want %q", id, doc.Correspondent, "Acme Corp")
		}
	}

	rr = e.do(t, http.MethodGet, "/reviews", "")
	if body := strings.TrimSpace(rr.Body.String()); body != "[]" {
		t.Errorf("queue after merge = %s, want []", body)
	}
}

func TestMergeReviews_Validation(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/reviews/merge", `{"target":"x"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing ids: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = e.do(t, http.MethodPost, "/reviews/merge", `{"ids":["a","b"]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("missing target: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestSimilarReviews(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[21] = archive.Document{ID: 21, Tags: []string{"title_done"}}
	e.arch.docs[22] = archive.Document{ID: 22, Tags: []string{"title_done"}}

	seedReview(t, e, storage.ReviewItem{DocID: 21, Type: review.TypeCorrespondent, Suggestion: "Acme Corp"})
	seedReview(t, e, storage.ReviewItem{DocID: 22, Type: review.TypeCorrespondent, Suggestion: "acme corp "})

	rr := e.do(t, http.MethodGet, "/reviews/similar", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var groups []review.Group
	if err := json.NewDecoder(rr.Body).Decode(&groups); err != nil {
		t.Fatalf("decode groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if len(groups[0].Items) != 2 {
		t.Errorf("group has %d items, want 2", len(groups[0].Items))
	}
}

func TestBlockedLifecycle(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/blocked", `{"name":"spam folder"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var entry storage.BlockedSuggestion
	json.NewDecoder(rr.Body).Decode(&entry)
	if entry.ID == "" {
		t.Fatal("response missing ID")
	}
	if entry.BlockType != review.BlockGlobal {
		t.Errorf("block type = %q, want %q", entry.BlockType, review.BlockGlobal)
	}

	rr = e.do(t, http.MethodDelete, "/blocked/"+entry.ID, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("delete: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodDelete, "/blocked/"+entry.ID, "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second delete: status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestBlocked_MissingName(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/blocked", `{"reason":"no name"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStartJob_UnknownKind(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/jobs/nonexistent/start", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestStartJob_RunsToCompletion(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[1] = archive.Document{ID: 1, Tags: []string{"pending"}}
	e.arch.docs[2] = archive.Document{ID: 2, Tags: []string{"pending"}}

	rr := e.do(t, http.MethodPost, "/jobs/ocr_backlog/start", `{"rate":500}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	p := waitForJob(t, e, "ocr_backlog", jobs.StatusCompleted)
	if p.Total != 2 || p.Processed != 2 || p.Errors != 0 {
		t.Errorf("progress = %+v", p)
	}

	doc, _ := e.arch.GetDocument(context.Background(), 1)
	if got := pipeline.StatusOf(doc.Tags); got != pipeline.StageOCRDone {
		t.Errorf("doc 1 stage = %q, want %q", got, pipeline.StageOCRDone)
	}
}

func TestStartJob_BusyConflict(t *testing.T) {
	e := newTestEnv(t)
	for i := int64(1); i <= 10; i++ {
		e.arch.docs[i] = archive.Document{ID: i, Tags: []string{"pending"}}
	}

	rr := e.do(t, http.MethodPost, "/jobs/ocr_backlog/start", `{"rate":1}`)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("first start: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = e.do(t, http.MethodPost, "/jobs/ocr_backlog/start", "")
	if rr.Code != http.StatusConflict {
		t.Fatalf("second start: status = %d, want %d", rr.Code, http.StatusConflict)
	}

	rr = e.do(t, http.MethodPost, "/jobs/ocr_backlog/cancel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var p jobs.Progress
	json.NewDecoder(rr.Body).Decode(&p)
	if p.Status != jobs.StatusCancelled {
		t.Errorf("status after cancel = %q, want %q", p.Status, jobs.StatusCancelled)
	}
}

func TestSkipJob(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/jobs/schema_bootstrap/skip", `{"count":3}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var resp map[string]int
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["cursor"] != 3 {
		t.Errorf("cursor = %d, want 3", resp["cursor"])
	}

	rr = e.do(t, http.MethodPost, "/jobs/sweep/skip", `{"count":1}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("sweep skip: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}

	rr = e.do(t, http.MethodPost, "/jobs/schema_bootstrap/skip", `{"count":0}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("zero count: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestProcessDocument(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[5] = archive.Document{ID: 5, Tags: []string{"pending"}}

	rr := e.do(t, http.MethodPost, "/documents/5/process", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d; body = %s", rr.Code, http.StatusAccepted, rr.Body.String())
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		seen := e.proc.seen()
		if len(seen) == 1 && seen[0] == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("processor never ran, seen = %v", seen)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProcessDocument_NotFound(t *testing.T) {
	e := newTestEnv(t)

	rr := e.do(t, http.MethodPost, "/documents/99/process", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
	if len(e.proc.seen()) != 0 {
		t.Errorf("processor ran for a missing document")
	}
}

func TestDocumentStatus(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[3] = archive.Document{ID: 3, Title: "Lease", Tags: []string{"tags_done", "utilities"}}

	rr := e.do(t, http.MethodGet, "/documents/3/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp map[string]any
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp["stage"] != "tags_done" {
		t.Errorf("stage = %v, want %q", resp["stage"], "tags_done")
	}

	rr = e.do(t, http.MethodGet, "/documents/99/status", "")
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing doc: status = %d, want %d", rr.Code, http.StatusNotFound)
	}

	rr = e.do(t, http.MethodGet, "/documents/abc/status", "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad id: status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestStatusEndpoint(t *testing.T) {
	e := newTestEnv(t)
	e.arch.docs[31] = archive.Document{ID: 31, Tags: []string{"title_done"}}
	seedReview(t, e, storage.ReviewItem{DocID: 31, Type: review.TypeTag, Suggestion: "archive"})

	rr := e.do(t, http.MethodGet, "/status", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var resp StatusResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ReviewsOpen != 1 {
		t.Errorf("reviews_open = %d, want 1", resp.ReviewsOpen)
	}
	if len(resp.Jobs) != len(jobs.Kinds) {
		t.Errorf("jobs = %d entries, want %d", len(resp.Jobs), len(jobs.Kinds))
	}
	if p := resp.Jobs["ocr_backlog"]; p.Status != jobs.StatusIdle {
		t.Errorf("ocr_backlog status = %q, want %q", p.Status, jobs.StatusIdle)
	}
}

func TestEventHistory(t *testing.T) {
	e := newTestEnv(t)
	e.bus.Publish(events.Event{Type: events.TypeStage, DocID: 7})
	e.bus.Publish(events.Event{Type: events.TypeJobStatus, Task: "ocr_backlog"})

	rr := e.do(t, http.MethodGet, "/events", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}

	var history []events.Event
	if err := json.NewDecoder(rr.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("got %d events, want 2", len(history))
	}
	if history[0].Seq >= history[1].Seq {
		t.Errorf("history out of order: %d then %d", history[0].Seq, history[1].Seq)
	}
}

func TestEventStream_Websocket(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	e.bus.Publish(events.Event{Type: events.TypeStage, DocID: 7})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dialing event stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var replayed events.Event
	if err := wsjson.Read(ctx, conn, &replayed); err != nil {
		t.Fatalf("reading history event: %v", err)
	}
	if replayed.Type != events.TypeStage || replayed.DocID != 7 {
		t.Errorf("history event = %+v", replayed)
	}

	published := e.bus.Publish(events.Event{Type: events.TypeJobStatus, Task: "reindex"})

	var live events.Event
	if err := wsjson.Read(ctx, conn, &live); err != nil {
		t.Fatalf("reading live event: %v", err)
	}
	if live.Seq != published.Seq {
		t.Errorf("live seq = %d, want %d", live.Seq, published.Seq)
	}
}

func TestEventStream_RequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		conn.Close(websocket.StatusNormalClosure, "")
		t.Fatal("dial succeeded without a token")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	collector := metrics.NewCollector()
	collector.RecordLoopAttempt("title")

	handler := NewHandler(Deps{
		Reviews:   e.reviews,
		Jobs:      e.jobs,
		Docs:      e.arch,
		Processor: e.proc,
		Bus:       e.bus,
		Collector: collector,
		Token:     testToken,
	})

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, authReq(http.MethodGet, "/metrics", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), "docsmith_loop_attempts_total") {
		t.Errorf("metrics output missing loop attempts counter")
	}
}
