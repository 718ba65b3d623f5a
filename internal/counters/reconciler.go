// Package counters keeps the optimistic dashboard counters and reconciles
// them against the server's authoritative snapshot.
//
// Two paths write the state. Bump adds one record per accepted event and
// never touches the unique-employee count. A successful fetch overwrites
// everything, dropping any optimistic surplus.
package counters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"attendwatch/internal/classify"
	"attendwatch/internal/dashapi"
	"attendwatch/internal/eventbus"
	"attendwatch/internal/schedule"
	logx "attendwatch/pkg/logx"
)

const (
	DefaultSchedule   = "@every 10s"
	DefaultQuickDelay = 500 * time.Millisecond

	jobRefresh = "counters.refresh"
	jobForce   = "counters.force"
)

// Source is the authoritative side.
type Source interface {
	QuickDashboard(ctx context.Context) (dashapi.Snapshot, error)
	ForceUpdate(ctx context.Context) error
}

// State is the locally displayed counter state.
type State struct {
	TotalRecords    int       `json:"total_records"`
	UniqueEmployees int       `json:"unique_employees"`
	FetchedAt       time.Time `json:"fetched_at"`
	// Pending counts optimistic bumps since the last overwrite.
	Pending   int    `json:"pending"`
	Stale     bool   `json:"stale"`
	LastError string `json:"last_error,omitempty"`
}

type Config struct {
	Schedule      string        // periodic full refresh; "" disables
	QuickDelay    time.Duration // delay of the post-event refresh
	ForceSchedule string        // periodic force_update; "" disables
}

type stopper interface{ Stop() bool }

type Reconciler struct {
	src    Source
	log    logx.Logger
	bus    eventbus.Bus
	runner *schedule.Runner

	mu    sync.Mutex
	cfg   Config
	state State

	// fetch ordering: only a fetch started after the last applied one may overwrite.
	fetchSeq   uint64
	appliedSeq uint64

	quick     stopper
	runCtx    context.Context
	afterFunc func(d time.Duration, f func()) stopper
}

func New(cfg Config, src Source, log logx.Logger, bus eventbus.Bus) *Reconciler {
	if bus == nil {
		bus = eventbus.Nop()
	}
	r := &Reconciler{
		src:    src,
		log:    log,
		bus:    bus,
		runner: schedule.NewRunner(log.With(logx.String("sub", "schedule")), nil),
		runCtx: context.Background(),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
	r.cfg = normalize(cfg)
	return r
}

func normalize(cfg Config) Config {
	if cfg.QuickDelay <= 0 {
		cfg.QuickDelay = DefaultQuickDelay
	}
	return cfg
}

// Counters returns a copy of the current state.
func (r *Reconciler) Counters() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Bump records one optimistic attendance record for e. Uniqueness is left
// to the next snapshot.
func (r *Reconciler) Bump(e classify.Event) State {
	r.mu.Lock()
	r.state.TotalRecords++
	r.state.Pending++
	st := r.state
	r.mu.Unlock()
	r.log.Debug("counter bumped", logx.String("subject", e.SubjectName), logx.Int("pending", st.Pending))
	r.publish(st)
	return st
}

// Refresh fetches the snapshot and overwrites the state on success. On
// failure the state is kept, marked stale, and the error returned; the next
// scheduled tick retries.
func (r *Reconciler) Refresh(ctx context.Context) error {
	r.mu.Lock()
	r.fetchSeq++
	seq := r.fetchSeq
	r.mu.Unlock()

	snap, err := r.src.QuickDashboard(ctx)
	if err != nil {
		r.mu.Lock()
		r.state.Stale = true
		r.state.LastError = err.Error()
		st := r.state
		r.mu.Unlock()
		r.log.Warn("counter refresh failed", logx.Err(err))
		r.publish(st)
		return fmt.Errorf("refresh counters: %w", err)
	}
	r.apply(seq, snap)
	return nil
}

// ApplySnapshot overwrites the state with a snapshot received out of band,
// e.g. a dashboard payload pushed by the server.
func (r *Reconciler) ApplySnapshot(snap dashapi.Snapshot) {
	r.mu.Lock()
	r.fetchSeq++
	seq := r.fetchSeq
	r.mu.Unlock()
	r.apply(seq, snap)
}

func (r *Reconciler) apply(seq uint64, snap dashapi.Snapshot) {
	r.mu.Lock()
	if seq <= r.appliedSeq {
		r.mu.Unlock()
		r.log.Debug("stale snapshot dropped", logx.Uint64("seq", seq))
		return
	}
	r.appliedSeq = seq
	if snap.FetchedAt.IsZero() {
		snap.FetchedAt = time.Now()
	}
	drift := r.state.TotalRecords - snap.TotalRecords
	r.state = State{
		TotalRecords:    snap.TotalRecords,
		UniqueEmployees: snap.UniqueEmployees,
		FetchedAt:       snap.FetchedAt,
	}
	st := r.state
	r.mu.Unlock()

	if drift != 0 {
		r.log.Debug("counters reconciled", logx.Int("total", st.TotalRecords), logx.Int("drift", drift))
	}
	r.publish(st)
}

// ScheduleQuickRefresh arms a single refresh QuickDelay from now. Calls made
// while one is pending are absorbed by it.
func (r *Reconciler) ScheduleQuickRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.quick != nil {
		return
	}
	ctx := r.runCtx
	r.quick = r.afterFunc(r.cfg.QuickDelay, func() {
		r.mu.Lock()
		r.quick = nil
		r.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		_ = r.Refresh(ctx)
	})
}

// ForceRefresh asks the server to rebroadcast, then refreshes locally.
func (r *Reconciler) ForceRefresh(ctx context.Context) error {
	if err := r.src.ForceUpdate(ctx); err != nil {
		r.log.Warn("force update failed", logx.Err(err))
		return fmt.Errorf("force update: %w", err)
	}
	return r.Refresh(ctx)
}

// Apply updates schedules and the quick delay at runtime.
func (r *Reconciler) Apply(cfg Config) error {
	cfg = normalize(cfg)
	for _, raw := range []string{cfg.Schedule, cfg.ForceSchedule} {
		if raw == "" {
			continue
		}
		if _, err := schedule.Parse(raw); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	return r.register(cfg)
}

func (r *Reconciler) register(cfg Config) error {
	if err := r.runner.Set(jobRefresh, cfg.Schedule, func(ctx context.Context) { _ = r.Refresh(ctx) }); err != nil {
		return err
	}
	return r.runner.Set(jobForce, cfg.ForceSchedule, func(ctx context.Context) { _ = r.ForceRefresh(ctx) })
}

// Run drives the periodic jobs until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context) error {
	r.mu.Lock()
	cfg := r.cfg
	r.runCtx = ctx
	r.mu.Unlock()

	if err := r.register(cfg); err != nil {
		return err
	}
	if err := r.runner.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	r.mu.Lock()
	if r.quick != nil {
		r.quick.Stop()
		r.quick = nil
	}
	r.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.runner.Stop(stopCtx)
	return nil
}

// Jobs lists the active schedules.
func (r *Reconciler) Jobs() map[string]string { return r.runner.Jobs() }

func (r *Reconciler) publish(st State) {
	r.bus.Publish(eventbus.Event{Type: eventbus.TopicCountersUpdated, Data: st})
}
