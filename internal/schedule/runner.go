package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "attendwatch/pkg/logx"
)

// Job is a periodic unit of work. ctx is canceled when the runner stops.
type Job func(ctx context.Context)

type entry struct {
	name string
	spec Spec
	job  Job
	id   cron.EntryID
}

// Runner triggers named periodic jobs on a shared cron instance.
//
// Jobs never overlap with themselves: a tick that arrives while the previous
// run is still in flight is skipped (and logged at debug).
type Runner struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]*entry
}

func NewRunner(log logx.Logger, loc *time.Location) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{log: log, loc: loc, entries: map[string]*entry{}}
}

// Set registers or replaces the job called name. An empty raw spec removes it;
// an invalid one is rejected without touching the current registration.
// Safe to call before or after Start.
func (r *Runner) Set(name, raw string, job Job) error {
	var spec Spec
	if raw != "" && job != nil {
		var err error
		if spec, err = Parse(raw); err != nil {
			// the previous registration stays active
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[name]; ok {
		if r.c != nil {
			r.c.Remove(old.id)
		}
		delete(r.entries, name)
	}
	if raw == "" || job == nil {
		return nil
	}
	e := &entry{name: name, spec: spec, job: job}
	r.entries[name] = e
	if r.c != nil {
		return r.addLocked(e)
	}
	return nil
}

// Remove drops a job; unknown names are ignored.
func (r *Runner) Remove(name string) { _ = r.Set(name, "", nil) }

func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	cl := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithLocation(r.loc),
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, e := range r.entries {
		if err := r.addLocked(e); err != nil {
			return err
		}
	}
	r.c.Start()
	r.log.Info("schedule started", logx.Int("jobs", len(r.entries)), logx.String("tz", r.loc.String()))
	return nil
}

func (r *Runner) addLocked(e *entry) error {
	sched, err := e.spec.Schedule()
	if err != nil {
		return fmt.Errorf("%s: %w", e.name, err)
	}
	ctx := r.ctx
	job := e.job
	name := e.name
	e.id = r.c.Schedule(sched, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		job(ctx)
		r.log.Debug("job finished", logx.String("job", name), logx.Duration("took", time.Since(start)))
	}))
	r.log.Debug("job scheduled", logx.String("job", name), logx.String("spec", e.spec.String()))
	return nil
}

// Stop stops triggering and waits for running jobs until ctx is done.
func (r *Runner) Stop(ctx context.Context) {
	r.mu.Lock()
	c := r.c
	cancel := r.cancel
	r.c = nil
	r.cancel = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	r.log.Info("schedule stopped")
}

// Jobs lists registered job names with their normalized spec.
func (r *Runner) Jobs() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.spec.String()
	}
	return out
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
