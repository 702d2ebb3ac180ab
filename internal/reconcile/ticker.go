package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/fleetforge/fleetd/internal/domain"
	"github.com/fleetforge/fleetd/internal/logging"
)

// Ticker drives a Reconciler's Run every interval from the last desired
// state the node control plane accepted (spec §4.12: "A periodic
// ticker runs Reconcile every interval_secs from a cached last-accepted
// desired state"). Grounded on the teacher's autoscaler ticker-loop
// shape: a context-cancelable background goroutine started/stopped
// independently of the request path that drives it.
type Ticker struct {
	reconciler *Reconciler
	interval   time.Duration
	actorID    string

	mu      sync.Mutex
	desired *domain.DesiredState

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTicker constructs a Ticker; interval defaults to 30s if non-positive.
func NewTicker(r *Reconciler, interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Ticker{reconciler: r, interval: interval, actorID: "reconcile-ticker"}
}

// SetDesired updates the cached last-accepted desired state; the next
// tick reconciles against it. Called by the control plane's
// Reconcile/ReconcileSigned handler after it validates and dispatches
// the document once itself.
func (t *Ticker) SetDesired(ds domain.DesiredState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := ds
	t.desired = &cp
}

// Start launches the periodic reconcile goroutine; it is a no-op until
// SetDesired has been called at least once.
func (t *Ticker) Start() {
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.done = make(chan struct{})
	go t.loop()
	logging.Op().Info("reconcile ticker started", "interval", t.interval)
}

// Stop cancels the loop and waits for the in-flight tick, if any, to
// finish (spec §4.12's SIGTERM semantics: "finish in-flight").
func (t *Ticker) Stop() {
	if t.cancel == nil {
		return
	}
	t.cancel()
	<-t.done
}

func (t *Ticker) loop() {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.tick()
		}
	}
}

func (t *Ticker) tick() {
	t.mu.Lock()
	ds := t.desired
	t.mu.Unlock()
	if ds == nil {
		return
	}
	report, err := t.reconciler.Run(*ds, t.actorID)
	if err != nil {
		logging.Op().Error("reconcile ticker: run failed", "error", err)
		return
	}
	logging.Op().Info("reconcile ticker: tick complete",
		"created", report.Created, "started", report.Started, "warmed", report.Warmed,
		"slept", report.Slept, "woken", report.Woken, "stopped", report.Stopped,
		"destroyed", report.Destroyed, "deferred", report.Deferred, "errors", len(report.Errors))
}
