package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalambet/fieldsync/internal/connectivity"
)

// ErrOffline is returned by SyncNow when the remote is unreachable.
var ErrOffline = errors.New("remote is offline")

const defaultPullInterval = 15 * time.Minute

// State is the orchestrator's current activity.
type State int32

const (
	Idle State = iota
	Draining
	PullReconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Draining:
		return "draining"
	case PullReconciling:
		return "pull_reconciling"
	default:
		return "unknown"
	}
}

// Connectivity is the part of connectivity.Monitor the orchestrator uses.
type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan connectivity.Event, func())
}

// Options control automatic syncing.
type Options struct {
	// AutoSync drains on reconnect and pulls on every PullInterval tick.
	AutoSync bool
	// PullInterval defaults to 15m.
	PullInterval time.Duration
}

// Status is a snapshot of the orchestrator for status endpoints.
type Status struct {
	State     string       `json:"state"`
	Online    bool         `json:"online"`
	LastDrain *DrainResult `json:"last_drain,omitempty"`
	LastPull  *PullResult  `json:"last_pull,omitempty"`
	PullError string       `json:"pull_error,omitempty"`
	LastSync  *time.Time   `json:"last_sync,omitempty"`
}

// SyncResult is the outcome of SyncNow.
type SyncResult struct {
	Drain DrainResult `json:"drain"`
	Pull  PullResult  `json:"pull"`
}

// Orchestrator decides when drains and pulls run. Passes never overlap, and
// a requested drain always runs before a requested pull.
type Orchestrator struct {
	drainer  *Drainer
	puller   *Puller
	conn     Connectivity
	observer Observer
	opts     Options
	logger   *slog.Logger

	passMu   sync.Mutex
	state    atomic.Int32
	drainReq chan struct{}
	pullReq  chan struct{}

	mu        sync.Mutex
	lastDrain *DrainResult
	lastPull  *PullResult
	pullErr   string
	lastSync  time.Time
}

// NewOrchestrator wires a drainer and a puller to a connectivity source.
func NewOrchestrator(drainer *Drainer, puller *Puller, conn Connectivity, observer Observer, opts Options) *Orchestrator {
	if opts.PullInterval <= 0 {
		opts.PullInterval = defaultPullInterval
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Orchestrator{
		drainer:  drainer,
		puller:   puller,
		conn:     conn,
		observer: observer,
		opts:     opts,
		logger:   slog.Default(),
		drainReq: make(chan struct{}, 1),
		pullReq:  make(chan struct{}, 1),
	}
}

// State returns the current activity.
func (o *Orchestrator) State() State {
	return State(o.state.Load())
}

// RequestDrain asks the run loop for a drain pass. Requests coalesce.
func (o *Orchestrator) RequestDrain() {
	select {
	case o.drainReq <- struct{}{}:
	default:
	}
}

// RequestPull asks the run loop for a pull pass. Requests coalesce.
func (o *Orchestrator) RequestPull() {
	select {
	case o.pullReq <- struct{}{}:
	default:
	}
}

// Run processes connectivity events, timer ticks and requests until ctx is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	events, unsubscribe := o.conn.Subscribe()
	defer unsubscribe()

	if o.opts.AutoSync && o.conn.IsOnline() {
		o.RequestDrain()
	}

	ticker := time.NewTicker(o.opts.PullInterval)
	defer ticker.Stop()

	o.logger.Info("sync orchestrator started", "auto_sync", o.opts.AutoSync, "pull_interval", o.opts.PullInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.drainReq:
			o.runDrain(ctx)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			o.logger.Info("sync orchestrator stopped")
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev == connectivity.WentOnline && o.opts.AutoSync {
				o.RequestDrain()
				o.RequestPull()
			}
		case <-o.drainReq:
			o.runDrain(ctx)
		case <-o.pullReq:
			o.runPull(ctx)
		case <-ticker.C:
			if o.opts.AutoSync {
				o.runPull(ctx)
			}
		}
	}
}

// SyncNow drains the queue and then pulls, blocking until both finish. A
// drain requested while it runs is served before the pull.
func (o *Orchestrator) SyncNow(ctx context.Context) (SyncResult, error) {
	var res SyncResult
	if !o.conn.IsOnline() {
		return res, ErrOffline
	}
	d, err := o.runDrain(ctx)
	res.Drain = d
	if err != nil {
		return res, err
	}
	p, err := o.runPull(ctx)
	res.Pull = p
	return res, err
}

func (o *Orchestrator) runDrain(ctx context.Context) (DrainResult, error) {
	if !o.conn.IsOnline() {
		o.logger.Debug("drain skipped while offline")
		return DrainResult{}, nil
	}
	o.passMu.Lock()
	defer o.passMu.Unlock()
	return o.drain(ctx)
}

// runPull runs a pull pass. A drain requested before the pass lock was
// taken runs first, under the same lock.
func (o *Orchestrator) runPull(ctx context.Context) (PullResult, error) {
	if !o.conn.IsOnline() {
		o.logger.Debug("pull skipped while offline")
		return PullResult{}, nil
	}
	o.passMu.Lock()
	defer o.passMu.Unlock()

	if o.drainPending() {
		if _, err := o.drain(ctx); err != nil {
			return PullResult{}, err
		}
	}
	return o.pull(ctx)
}

// drainPending reports whether a drain request is waiting in the run loop.
func (o *Orchestrator) drainPending() bool {
	return len(o.drainReq) > 0
}

// drain runs one drain pass. Callers hold passMu.
func (o *Orchestrator) drain(ctx context.Context) (DrainResult, error) {
	// This pass serves any request made so far.
	select {
	case <-o.drainReq:
	default:
	}
	end := o.publish(Draining)
	defer end()

	res, err := o.drainer.Drain(ctx)
	if err != nil {
		o.logger.Error("drain pass failed", "error", err)
		return res, err
	}
	o.mu.Lock()
	o.lastDrain = &res
	o.mu.Unlock()
	if res.Replayed+res.Failed > 0 {
		o.logger.Info("drain pass finished", "replayed", res.Replayed, "adopted", res.Adopted, "failed", res.Failed, "abandoned", res.Abandoned)
	}
	return res, nil
}

// pull runs one pull pass. Callers hold passMu.
func (o *Orchestrator) pull(ctx context.Context) (PullResult, error) {
	end := o.publish(PullReconciling)
	defer end()

	res, err := o.puller.Pull(ctx)
	o.mu.Lock()
	o.lastPull = &res
	if err != nil {
		o.pullErr = err.Error()
	} else {
		o.pullErr = ""
		o.lastSync = time.Now().UTC()
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Warn("pull pass failed", "error", err)
		o.observer.PullFailed(err)
		return res, err
	}
	o.logger.Info("pull pass finished", "collections", res.Collections, "fetched", res.Fetched, "applied", res.Applied, "conflicts", res.Conflicts)
	return res, nil
}

// publish sets the state and reports syncing; the returned func undoes both.
func (o *Orchestrator) publish(s State) func() {
	o.state.Store(int32(s))
	o.observer.SyncingChanged(true)
	return func() {
		o.state.Store(int32(Idle))
		o.observer.SyncingChanged(false)
	}
}

// Status returns a snapshot for reporting.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := Status{
		State:     o.State().String(),
		Online:    o.conn.IsOnline(),
		LastDrain: o.lastDrain,
		LastPull:  o.lastPull,
		PullError: o.pullErr,
	}
	if !o.lastSync.IsZero() {
		t := o.lastSync
		st.LastSync = &t
	}
	return st
}
