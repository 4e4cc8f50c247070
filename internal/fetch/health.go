package fetch

import (
	"sync"
	"time"
)

// Status is a stream's fetch health.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusFailed   Status = "failed"
)

// HealthSnapshot is a consistent copy of a stream's health counters.
type HealthSnapshot struct {
	Stream    string    `json:"stream"`
	Status    Status    `json:"status"`
	Failures  int       `json:"failures"`
	Gaps      int       `json:"gaps"`
	LastError string    `json:"lastError,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Health tracks consecutive fetch failures and gaps for one stream. The
// pipeline records from its goroutine while the broadcaster reads snapshots,
// so every field sits behind mu.
type Health struct {
	mu                sync.Mutex
	stream            string
	failures          int
	gaps              int
	lastErr           string
	lastEmittedStatus Status
}

func NewHealth(stream string) *Health {
	return &Health{stream: stream, lastEmittedStatus: StatusHealthy}
}

// RecordSuccess clears the failure run. A clean read (no gap) also clears
// the gap run.
func (h *Health) RecordSuccess(gap bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	if gap {
		h.gaps++
	} else {
		h.gaps = 0
	}
}

func (h *Health) RecordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
}

// RecordPanic records a recovered stage panic. It counts as a failure.
func (h *Health) RecordPanic(err error) {
	h.RecordFailure(err)
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *Health) statusLocked(threshold int) Status {
	if h.failures >= threshold {
		return StatusFailed
	}
	if h.gaps >= threshold {
		return StatusDegraded
	}
	return StatusHealthy
}

func (h *Health) Status(threshold int) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked(threshold)
}

func (h *Health) Snapshot(threshold int) HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snapshotLocked(threshold)
}

// SnapshotAndEmit returns a snapshot and whether the status changed since
// the last emission, marking the new status emitted.
func (h *Health) SnapshotAndEmit(threshold int) (HealthSnapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := h.snapshotLocked(threshold)
	changed := snap.Status != h.lastEmittedStatus
	if changed {
		h.lastEmittedStatus = snap.Status
	}
	return snap, changed
}

func (h *Health) snapshotLocked(threshold int) HealthSnapshot {
	return HealthSnapshot{
		Stream:    h.stream,
		Status:    h.statusLocked(threshold),
		Failures:  h.failures,
		Gaps:      h.gaps,
		LastError: h.lastErr,
		Timestamp: time.Now(),
	}
}
