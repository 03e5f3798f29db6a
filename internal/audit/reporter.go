// Package audit forwards security-relevant events to an external alerting
// collaborator. Reporting is fire-and-forget: the identity core never blocks
// a caller to deliver an event.
package audit

import (
	"sync"
	"sync/atomic"
	"time"

	"medrelay.org/internal/obs"
)

// Event is one security-relevant occurrence: a fingerprint mismatch, a run
// of failed logins, a consumed recovery code. Fields must never contain
// password material, raw tokens or decrypted secrets.
type Event struct {
	OccurredAt time.Time
	Kind       string
	AccountID  string
	SessionID  string
	Fields     map[string]string
}

// Sink receives events off the reporter goroutine. The default sink writes
// JSON lines through obs.
type Sink func(ev Event)

// Reporter buffers events and delivers them on a background goroutine.
// When the buffer is full events are dropped and counted, never queued
// synchronously.
type Reporter struct {
	ch      chan Event
	sink    Sink
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

const defaultBuffer = 256

// NewReporter starts a reporter with the given sink. A nil sink logs events
// through the shared JSON logger.
func NewReporter(sink Sink) *Reporter {
	if sink == nil {
		sink = logSink
	}
	r := &Reporter{
		ch:   make(chan Event, defaultBuffer),
		sink: sink,
		done: make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) run() {
	defer close(r.done)
	for ev := range r.ch {
		r.sink(ev)
	}
}

// Report enqueues an event without blocking. Events are dropped when the
// buffer is full.
func (r *Reporter) Report(ev Event) {
	if r == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded due to a full buffer.
func (r *Reporter) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

// Close flushes pending events and stops the reporter goroutine.
func (r *Reporter) Close() {
	if r == nil {
		return
	}
	r.closeOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}

func logSink(ev Event) {
	entry := map[string]any{
		"ts":    ev.OccurredAt.Format(time.RFC3339Nano),
		"type":  "security_event",
		"event": ev.Kind,
	}
	if ev.AccountID != "" {
		entry["account_id"] = ev.AccountID
	}
	if ev.SessionID != "" {
		entry["session_id"] = obs.TruncateID(ev.SessionID)
	}
	if len(ev.Fields) > 0 {
		fields := make(map[string]any, len(ev.Fields))
		for k, v := range ev.Fields {
			fields[k] = v
		}
		entry["fields"] = fields
	}
	obs.LogEvent(entry)
}
