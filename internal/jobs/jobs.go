// Package jobs runs the named background batch jobs: OCR backlog, vector
// reindex, tag schema bootstrap, and the pipeline sweep. Each kind has at
// most one concurrent run, a live progress cell, cooperative cancellation,
// and a throughput cap enforced between work units.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/docsmithlabs/docsmith/internal/archive"
	"github.com/docsmithlabs/docsmith/internal/events"
	"github.com/docsmithlabs/docsmith/internal/metrics"
	"github.com/docsmithlabs/docsmith/internal/ocr"
	"github.com/docsmithlabs/docsmith/internal/pipeline"
	"github.com/docsmithlabs/docsmith/internal/review"
	"github.com/docsmithlabs/docsmith/internal/storage"
	"github.com/docsmithlabs/docsmith/internal/vector"
)

var (
	ErrBusy         = errors.New("job already running")
	ErrUnknownJob   = errors.New("unknown job")
	ErrNotSkippable = errors.New("job does not support skipping")
)

// Kind names a registered job. The set is closed: runners are bound at
// construction, never routed by string.
type Kind string

const (
	KindOCRBacklog      Kind = "ocr_backlog"
	KindReindex         Kind = "reindex"
	KindSchemaBootstrap Kind = "schema_bootstrap"
	KindSweep           Kind = "sweep"
)

// Kinds lists every job kind in a stable order.
var Kinds = []Kind{KindOCRBacklog, KindReindex, KindSchemaBootstrap, KindSweep}

// ParseKind maps a job name to its Kind.
func ParseKind(name string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == name {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownJob, name)
}

type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Progress is the live state of one job kind. The run goroutine is the only
// writer; everyone else reads snapshots. A new run overwrites the previous
// run's final snapshot.
type Progress struct {
	Status       Status     `json:"status"`
	Total        int        `json:"total"`
	Processed    int        `json:"processed"`
	Skipped      int        `json:"skipped"`
	Errors       int        `json:"errors"`
	CurrentDocID int64      `json:"current_doc_id,omitempty"`
	CurrentPhase string     `json:"current_phase,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	RateLimit    float64    `json:"rate_limit"`
}

// Options tunes one run.
type Options struct {
	// Rate is the throughput cap in work units per second. Zero or negative
	// picks the default; values above the manager's maximum are clamped.
	Rate float64 `json:"rate"`
	// SkipExisting makes the OCR backlog skip documents that already carry
	// enough content.
	SkipExisting bool `json:"skip_existing"`
}

// Archive is the slice of the archive client the jobs use.
type Archive interface {
	GetDocument(ctx context.Context, id int64) (archive.Document, error)
	UpdateDocument(ctx context.Context, id int64, upd archive.DocumentUpdate) error
	ListDocumentIDs(ctx context.Context, opts archive.ListOptions) ([]int64, error)
	ListTags(ctx context.Context) ([]archive.Tag, error)
}

// TextExtractor produces OCR text for one document.
type TextExtractor interface {
	ExtractDocument(ctx context.Context, docID int64) (ocr.Result, error)
}

// DocProcessor drives one document through the extraction pipeline.
type DocProcessor interface {
	Process(ctx context.Context, docID int64) error
}

// Deps collects the collaborators the runners work against. Index and
// Embedder may be nil, in which case the reindex job refuses to start.
type Deps struct {
	Docs      Archive
	Extractor TextExtractor
	Processor DocProcessor
	Machine   *pipeline.Machine
	Reviews   *review.Service
	Store     *storage.Store
	Index     *vector.Index
	Embedder  *vector.Embedder
}

const (
	defaultRate    = 1.0
	defaultMaxRate = 10.0
)

type runner func(ctx context.Context, t *tracker, opts Options) error

// Manager owns the progress cells and the single-flight rule per kind.
type Manager struct {
	deps      Deps
	bus       *events.Bus
	collector *metrics.Collector
	maxRate   float64
	runners   map[Kind]runner

	mu    sync.Mutex
	cells map[Kind]*cell
}

// cell is the per-run state. A new run gets a fresh cell, so a goroutine
// finishing late can only touch its own, already superseded snapshot.
type cell struct {
	progress Progress
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a Manager. maxRate caps the per-run throughput; zero or
// negative picks the default. bus and collector may be nil.
func New(deps Deps, bus *events.Bus, collector *metrics.Collector, maxRate float64) *Manager {
	if maxRate <= 0 {
		maxRate = defaultMaxRate
	}
	m := &Manager{
		deps:      deps,
		bus:       bus,
		collector: collector,
		maxRate:   maxRate,
		cells:     make(map[Kind]*cell),
	}
	m.runners = map[Kind]runner{
		KindOCRBacklog:      m.runOCRBacklog,
		KindReindex:         m.runReindex,
		KindSchemaBootstrap: m.runSchemaBootstrap,
		KindSweep:           m.runSweep,
	}
	return m
}

// Start launches a run for the kind and returns without waiting for it.
// A kind that is already running reports ErrBusy.
func (m *Manager) Start(kind Kind, opts Options) error {
	run, ok := m.runners[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, kind)
	}
	rl := m.clampRate(opts.Rate)

	m.mu.Lock()
	if c := m.cells[kind]; c != nil && c.progress.Status == StatusRunning {
		m.mu.Unlock()
		return ErrBusy
	}
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now().UTC()
	c := &cell{
		progress: Progress{Status: StatusRunning, StartedAt: &now, RateLimit: rl},
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	m.cells[kind] = c
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.SetJobRunning(string(kind), true)
	}
	m.publishStatus(kind, StatusRunning, nil)
	slog.Info("job started", "job", kind, "rate", rl)

	go m.run(ctx, kind, c, run, opts, rl)
	return nil
}

// ProgressFor returns a snapshot. A kind that never ran reports idle.
func (m *Manager) ProgressFor(kind Kind) (Progress, error) {
	if _, ok := m.runners[kind]; !ok {
		return Progress{}, fmt.Errorf("%w: %q", ErrUnknownJob, kind)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.cells[kind]
	if c == nil {
		return Progress{Status: StatusIdle}, nil
	}
	return c.progress, nil
}

// Cancel stops a running job and waits for the run goroutine to record its
// final status, so a snapshot taken after Cancel returns never reports
// running. Cancelling a job that is not running is a no-op.
func (m *Manager) Cancel(kind Kind) error {
	if _, ok := m.runners[kind]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, kind)
	}
	m.mu.Lock()
	c := m.cells[kind]
	if c == nil || c.progress.Status != StatusRunning {
		m.mu.Unlock()
		return nil
	}
	cancel, done := c.cancel, c.done
	m.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Skip advances the schema bootstrap cursor past n items and returns the new
// cursor. Only the bootstrap keeps a persistent cursor; other kinds report
// ErrNotSkippable. Skipping while the job runs reports ErrBusy, the run owns
// the cursor then.
func (m *Manager) Skip(kind Kind, n int) (int, error) {
	if _, ok := m.runners[kind]; !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownJob, kind)
	}
	if kind != KindSchemaBootstrap {
		return 0, fmt.Errorf("%w: %q", ErrNotSkippable, kind)
	}
	if n < 1 {
		return 0, fmt.Errorf("skip count must be positive, got %d", n)
	}

	m.mu.Lock()
	if c := m.cells[kind]; c != nil && c.progress.Status == StatusRunning {
		m.mu.Unlock()
		return 0, ErrBusy
	}
	m.mu.Unlock()

	cursor, err := m.bootstrapCursor()
	if err != nil {
		return 0, err
	}
	cursor += n
	if err := m.setBootstrapCursor(cursor); err != nil {
		return 0, err
	}
	slog.Info("bootstrap cursor advanced", "job", kind, "cursor", cursor)
	return cursor, nil
}

func (m *Manager) run(ctx context.Context, kind Kind, c *cell, run runner, opts Options, rl float64) {
	defer close(c.done)

	t := &tracker{
		m:       m,
		kind:    kind,
		cell:    c,
		limiter: rate.NewLimiter(rate.Limit(rl), 1),
	}
	err := run(ctx, t, opts)

	// A runner that finished its work stays completed even when a cancel
	// arrived after the last unit.
	final := StatusCompleted
	var msg string
	switch {
	case err == nil:
	case ctx.Err() != nil:
		final = StatusCancelled
	default:
		final = StatusError
		msg = err.Error()
	}

	now := time.Now().UTC()
	m.mu.Lock()
	c.progress.Status = final
	c.progress.CurrentDocID = 0
	c.progress.CurrentPhase = ""
	c.progress.CompletedAt = &now
	c.progress.ErrorMessage = msg
	snap := c.progress
	m.mu.Unlock()

	if m.collector != nil {
		m.collector.SetJobRunning(string(kind), false)
	}
	m.publishStatus(kind, final, map[string]any{
		"total":     snap.Total,
		"processed": snap.Processed,
		"skipped":   snap.Skipped,
		"errors":    snap.Errors,
	})
	if final == StatusError {
		slog.Error("job failed", "job", kind, "error", msg)
	} else {
		slog.Info("job finished", "job", kind, "status", final,
			"processed", snap.Processed, "skipped", snap.Skipped, "errors", snap.Errors)
	}
}

func (m *Manager) clampRate(r float64) float64 {
	if r <= 0 {
		r = defaultRate
	}
	if r > m.maxRate {
		r = m.maxRate
	}
	return r
}

func (m *Manager) publishStatus(kind Kind, status Status, detail map[string]any) {
	if m.bus == nil {
		return
	}
	d := map[string]any{"status": string(status)}
	for k, v := range detail {
		d[k] = v
	}
	m.bus.Publish(events.Event{Type: events.TypeJobStatus, Task: string(kind), Detail: d})
}

const bootstrapCursorKey = "schema_bootstrap.cursor"

func (m *Manager) bootstrapCursor() (int, error) {
	v, err := m.deps.Store.GetSetting(bootstrapCursorKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading bootstrap cursor: %w", err)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, nil
	}
	return n, nil
}

func (m *Manager) setBootstrapCursor(n int) error {
	if err := m.deps.Store.SetSetting(bootstrapCursorKey, strconv.Itoa(n)); err != nil {
		return fmt.Errorf("storing bootstrap cursor: %w", err)
	}
	return nil
}

// tracker does the per-unit progress accounting for one run. All methods are
// called from the run goroutine only.
type tracker struct {
	m       *Manager
	kind    Kind
	cell    *cell
	limiter *rate.Limiter
}

func (t *tracker) update(fn func(p *Progress)) {
	t.m.mu.Lock()
	fn(&t.cell.progress)
	t.m.mu.Unlock()
}

func (t *tracker) setTotal(n int) {
	t.update(func(p *Progress) { p.Total = n })
}

func (t *tracker) setPhase(phase string) {
	t.update(func(p *Progress) { p.CurrentPhase = phase })
}

func (t *tracker) startUnit(docID int64) {
	t.update(func(p *Progress) { p.CurrentDocID = docID })
}

func (t *tracker) processed() {
	t.update(func(p *Progress) { p.Processed++ })
	t.record("processed")
}

func (t *tracker) skipped() {
	t.update(func(p *Progress) { p.Skipped++ })
	t.record("skipped")
}

func (t *tracker) errored(docID int64, err error) {
	t.update(func(p *Progress) { p.Errors++ })
	t.record("error")
	slog.Warn("job item failed", "job", t.kind, "doc_id", docID, "error", err)
}

func (t *tracker) record(result string) {
	if t.m.collector != nil {
		t.m.collector.RecordJobItem(string(t.kind), result)
	}
}

// pace enforces the throughput cap between units. The first call of a run
// returns immediately; cancellation aborts the wait.
func (t *tracker) pace(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
