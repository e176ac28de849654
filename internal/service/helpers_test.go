package service

import (
	"context"
	"sync"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeTimers records scheduled timeouts; tests fire them by hand.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (ft *fakeTimers) AfterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) all() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeTimer(nil), ft.timers...)
}

// FireActive runs every timer that has not been stopped.
func (ft *fakeTimers) FireActive() {
	for _, t := range ft.all() {
		if !t.isStopped() {
			t.f()
		}
	}
}

// recorder collects audit records synchronously.
type recorder struct {
	mu      sync.Mutex
	records []audit.Record
}

func (r *recorder) Record(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
}

func (r *recorder) all() []audit.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Record(nil), r.records...)
}

type completion struct {
	id       string
	status   approval.Status
	approved bool
}

// collaborators captures notifier and completion calls.
type collaborators struct {
	notified  chan string
	completed chan completion
}

func newCollaborators() *collaborators {
	return &collaborators{
		notified:  make(chan string, 64),
		completed: make(chan completion, 64),
	}
}

func (c *collaborators) NotifyApprovalRequest(_ context.Context, r *approval.Request) error {
	c.notified <- r.ID
	return nil
}

func (c *collaborators) OnApprovalCompleted(_ context.Context, r *approval.Request, approved bool) error {
	c.completed <- completion{id: r.ID, status: r.Status, approved: approved}
	return nil
}
