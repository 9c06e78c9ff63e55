// Package events carries the daemon's advisory event stream: every
// confirmation-loop step, stage transition, job status change, and review
// resolution is published here with a global sequence number.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	TypeAnalyze   Type = "analyze"
	TypeConfirm   Type = "confirm"
	TypeApply     Type = "apply"
	TypeEscalate  Type = "escalate"
	TypeBlocked   Type = "blocked"
	TypeStage     Type = "stage_transition"
	TypeJobStatus Type = "job_status"
	TypeReview    Type = "review"
)

// Event is one timestamped entry in the stream. Seq increases monotonically
// across all publishers, so events published sequentially by one goroutine
// are totally ordered for every reader.
type Event struct {
	Seq       uint64         `json:"seq"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	DocID     int64          `json:"doc_id,omitempty"`
	Task      string         `json:"task,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Bus fans events out to subscribers and keeps a bounded history ring.
// Publish never blocks: a subscriber whose buffer is full misses events.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
	start   int
	count   int
	subs    map[int]chan Event
	nextSub int
}

// NewBus creates a Bus retaining the last historySize events.
func NewBus(historySize int) *Bus {
	if historySize <= 0 {
		historySize = 256
	}
	return &Bus{
		history: make([]Event, historySize),
		subs:    make(map[int]chan Event),
	}
}

// Publish assigns the sequence number and timestamp, records the event in
// history, and fans it out. The completed event is returned.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	e.Seq = b.seq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	idx := (b.start + b.count) % len(b.history)
	if b.count == len(b.history) {
		b.start = (b.start + 1) % len(b.history)
		idx = (b.start + b.count - 1) % len(b.history)
	} else {
		b.count++
	}
	b.history[idx] = e

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return e
}

// Subscribe registers a listener with the given channel buffer and returns
// the channel plus a cancel function. Cancel closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextSub
	b.nextSub++
	ch := make(chan Event, buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// History returns the retained events oldest first.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Event, 0, b.count)
	for i := 0; i < b.count; i++ {
		out = append(out, b.history[(b.start+i)%len(b.history)])
	}
	return out
}
