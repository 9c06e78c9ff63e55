// Package loop implements the confirmation loop: analyze a document field,
// have a second model pass confirm the suggestion, apply it on agreement,
// and retry with feedback or escalate to human review otherwise.
package loop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/docsmithlabs/docsmith/internal/events"
	"github.com/docsmithlabs/docsmith/internal/metrics"
)

// Status is the terminal outcome of a run.
type Status string

const (
	// StatusApplied means the suggestion was confirmed and written to the
	// document.
	StatusApplied Status = "applied"
	// StatusEscalated means the run gave up and enqueued a pending review.
	StatusEscalated Status = "escalated"
	// StatusFailed means the run terminated without applying or escalating,
	// for example on context cancellation.
	StatusFailed Status = "failed"
)

// Payload is the envelope every analyze step produces. Raw preserves the
// full analyze output for task-specific apply logic.
type Payload struct {
	Suggestion   string          `json:"suggestion"`
	Confidence   float64         `json:"confidence"`
	Reasoning    string          `json:"reasoning"`
	Alternatives []string        `json:"alternatives,omitempty"`
	Raw          json.RawMessage `json:"-"`
}

// Confirmation is the verdict of the confirm step.
type Confirmation struct {
	Confirmed bool   `json:"confirmed"`
	Feedback  string `json:"feedback"`
}

// State is the per-run retry state. It is handed to the Escalate callback so
// the pending-review record carries the last payload and feedback.
type State struct {
	Attempt    int
	MaxRetries int
	Feedback   string
	Payload    Payload
	HasPayload bool
}

// Result is the terminal outcome of a loop run.
type Result struct {
	Status      Status
	Attempts    int
	Confirmed   bool
	Payload     Payload
	Feedback    string
	ApplyResult string
	Err         error
}

// Task parameterizes one confirmation-loop run for a single document field.
type Task struct {
	// Type names the field being extracted (correspondent, document_type,
	// tag, title, documentlink). It keys blocklist lookups, events, and
	// metrics.
	Type  string
	DocID int64

	MaxRetries int

	// Schema validates analyze output before it is used. Nil skips
	// validation.
	Schema *Schema

	Analyze  func(ctx context.Context, feedback string) (json.RawMessage, error)
	Confirm  func(ctx context.Context, p Payload) (Confirmation, error)
	Apply    func(ctx context.Context, p Payload) (string, error)
	Escalate func(ctx context.Context, st State) error
}

// Blocklist answers whether a suggested value has been blocked for a task
// type. Implemented by the review service.
type Blocklist interface {
	IsBlocked(name, taskType string) (reason string, blocked bool, err error)
}

// Engine runs confirmation loops. It holds no per-run state and is safe for
// concurrent use across documents.
type Engine struct {
	blocklist Blocklist
	bus       *events.Bus
	collector *metrics.Collector
}

// New creates an Engine. bus and collector may be nil.
func New(blocklist Blocklist, bus *events.Bus, collector *metrics.Collector) *Engine {
	return &Engine{blocklist: blocklist, bus: bus, collector: collector}
}

// Run executes the loop for one task. Step errors never propagate: they are
// folded into retries, escalation, or a terminal failure result. Attempts in
// the result never exceeds the task's retry budget.
func (e *Engine) Run(ctx context.Context, t Task) Result {
	maxRetries := t.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	st := State{MaxRetries: maxRetries}

	for st.Attempt = 1; ; st.Attempt++ {
		if ctx.Err() != nil {
			return e.finish(t, Result{Status: StatusFailed, Attempts: st.Attempt - 1,
				Payload: st.Payload, Feedback: st.Feedback, Err: ctx.Err()})
		}

		e.recordAttempt(t)
		raw, err := t.Analyze(ctx, st.Feedback)
		if err != nil {
			res, done := e.stepFault(ctx, t, &st, "analysis failed", err)
			if done {
				return res
			}
			continue
		}

		payload, err := parsePayload(raw, t.Schema)
		if err != nil {
			// Invalid structured output counts as a rejected confirmation.
			res, done := e.stepFault(ctx, t, &st, "invalid analysis payload", err)
			if done {
				return res
			}
			continue
		}
		st.Payload = payload
		st.HasPayload = true
		e.emit(events.TypeAnalyze, t, st.Attempt, map[string]any{
			"suggestion": payload.Suggestion,
			"confidence": payload.Confidence,
		})

		reason, blocked, err := e.checkBlocked(t, payload.Suggestion)
		if err != nil {
			res, done := e.stepFault(ctx, t, &st, "blocklist lookup failed", err)
			if done {
				return res
			}
			continue
		}
		if blocked {
			st.Feedback = "blocked: " + reason
			e.emit(events.TypeBlocked, t, st.Attempt, map[string]any{
				"suggestion": payload.Suggestion,
				"reason":     reason,
			})
			if e.collector != nil {
				e.collector.RecordBlocked(t.Type)
			}
			slog.Info("suggestion blocked, escalating",
				"task", t.Type, "doc_id", t.DocID, "suggestion", payload.Suggestion)
			return e.escalate(ctx, t, st)
		}

		conf, err := t.Confirm(ctx, payload)
		if err != nil {
			res, done := e.stepFault(ctx, t, &st, "confirmation failed", err)
			if done {
				return res
			}
			continue
		}
		e.emit(events.TypeConfirm, t, st.Attempt, map[string]any{
			"suggestion": payload.Suggestion,
			"confirmed":  conf.Confirmed,
			"feedback":   conf.Feedback,
		})

		if conf.Confirmed {
			applied, err := t.Apply(ctx, payload)
			if err != nil {
				res, done := e.stepFault(ctx, t, &st, "apply failed", err)
				if done {
					return res
				}
				continue
			}
			e.emit(events.TypeApply, t, st.Attempt, map[string]any{
				"suggestion": payload.Suggestion,
				"result":     applied,
			})
			return e.finish(t, Result{Status: StatusApplied, Attempts: st.Attempt,
				Confirmed: true, Payload: payload, ApplyResult: applied})
		}

		feedback := conf.Feedback
		if feedback == "" {
			feedback = "suggestion rejected, try an alternative"
		}
		st.Feedback = feedback
		if st.Attempt >= maxRetries {
			return e.escalate(ctx, t, st)
		}
		slog.Debug("suggestion rejected, retrying",
			"task", t.Type, "doc_id", t.DocID, "attempt", st.Attempt, "feedback", feedback)
	}
}

// stepFault folds a step error into the retry protocol. It returns done=true
// with the terminal result when the run must end: on context cancellation or
// when the retry budget is spent.
func (e *Engine) stepFault(ctx context.Context, t Task, st *State, what string, err error) (Result, bool) {
	if ctx.Err() != nil {
		return e.finish(t, Result{Status: StatusFailed, Attempts: st.Attempt,
			Payload: st.Payload, Feedback: st.Feedback, Err: err}), true
	}
	slog.Warn(what, "task", t.Type, "doc_id", t.DocID, "attempt", st.Attempt, "error", err)
	st.Feedback = fmt.Sprintf("%s: %v", what, err)
	if st.Attempt >= st.MaxRetries {
		return e.escalate(ctx, t, *st), true
	}
	return Result{}, false
}

// escalate invokes the escalation path and returns the failure result. The
// pending review and manual-review tagging happen inside the callback.
func (e *Engine) escalate(ctx context.Context, t Task, st State) Result {
	e.emit(events.TypeEscalate, t, st.Attempt, map[string]any{
		"suggestion": st.Payload.Suggestion,
		"feedback":   st.Feedback,
	})
	res := Result{Status: StatusEscalated, Attempts: st.Attempt,
		Payload: st.Payload, Feedback: st.Feedback}
	if t.Escalate != nil {
		if err := t.Escalate(ctx, st); err != nil {
			slog.Error("escalation failed",
				"task", t.Type, "doc_id", t.DocID, "error", err)
			res.Status = StatusFailed
			res.Err = fmt.Errorf("escalating: %w", err)
		}
	}
	return e.finish(t, res)
}

func (e *Engine) checkBlocked(t Task, suggestion string) (string, bool, error) {
	if e.blocklist == nil || suggestion == "" {
		return "", false, nil
	}
	return e.blocklist.IsBlocked(suggestion, t.Type)
}

func (e *Engine) finish(t Task, res Result) Result {
	if e.collector != nil {
		e.collector.RecordLoopOutcome(t.Type, string(res.Status))
	}
	return res
}

func (e *Engine) recordAttempt(t Task) {
	if e.collector != nil {
		e.collector.RecordLoopAttempt(t.Type)
	}
}

func (e *Engine) emit(typ events.Type, t Task, attempt int, detail map[string]any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Type:    typ,
		DocID:   t.DocID,
		Task:    t.Type,
		Attempt: attempt,
		Detail:  detail,
	})
}
