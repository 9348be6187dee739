// Package parallel runs independent tasks on a fixed worker pool and
// collects one outcome per task.
package parallel

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/newtron-network/labharness/pkg/store"
	"github.com/newtron-network/labharness/pkg/util"
)

// Outcome is what a task reports. Failures are values, not panics.
type Outcome struct {
	OK       bool
	Message  string
	Err      error
	Duration time.Duration
}

// Task is one unit of work. IDs must be unique within a run.
type Task struct {
	ID  string
	Run func(ctx context.Context) Outcome
}

// Runner fans tasks out to Workers goroutines. Zero Workers means one
// worker per task.
type Runner struct {
	Workers int
	// RunID keys results written to Sink. Empty gets a fresh NewRunID.
	RunID string
	Sink  store.ResultSink
}

// NewRunID returns a random run identifier.
func NewRunID() string {
	return uuid.NewString()
}

type done struct {
	id      string
	outcome Outcome
}

// Run executes every task and returns after all of them finished. The map
// holds exactly one outcome per task ID. Tasks still queued when ctx is
// cancelled are reported with ctx's error instead of being started.
func (r *Runner) Run(ctx context.Context, tasks []Task) (map[string]Outcome, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.ID == "" || t.Run == nil {
			return nil, fmt.Errorf("parallel: task %q: empty id or nil func: %w", t.ID, util.ErrInvalidConfig)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("parallel: duplicate task id %q: %w", t.ID, util.ErrInvalidConfig)
		}
		seen[t.ID] = true
	}

	runID := r.RunID
	if runID == "" && r.Sink != nil {
		runID = NewRunID()
		util.WithField("run", runID).Infof("publishing %d task results", len(tasks))
	}

	workers := r.Workers
	if workers <= 0 || workers > len(tasks) {
		workers = len(tasks)
	}

	queue := make(chan Task, len(tasks))
	for _, t := range tasks {
		queue <- t
	}
	close(queue)

	results := make(chan done, len(tasks))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range queue {
				results <- done{id: t.ID, outcome: r.runOne(ctx, t)}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	out := make(map[string]Outcome, len(tasks))
	for d := range results {
		out[d.id] = d.outcome
		r.publish(ctx, runID, d)
	}
	return out, nil
}

func (r *Runner) runOne(ctx context.Context, t Task) (o Outcome) {
	if err := ctx.Err(); err != nil {
		return Outcome{Err: err, Message: "not started"}
	}
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			util.WithField("task", t.ID).Errorf("task panicked: %v\n%s", p, debug.Stack())
			o = Outcome{Err: fmt.Errorf("task %s panicked: %v", t.ID, p)}
		}
		o.Duration = time.Since(start)
	}()
	return t.Run(ctx)
}

func (r *Runner) publish(ctx context.Context, runID string, d done) {
	if r.Sink == nil {
		return
	}
	res := store.Result{
		ID:       d.id,
		OK:       d.outcome.OK,
		Message:  d.outcome.Message,
		Duration: d.outcome.Duration,
		Finished: time.Now(),
	}
	if d.outcome.Err != nil {
		res.Error = d.outcome.Err.Error()
	}
	// The run's own context may already be cancelled; results still land.
	if err := r.Sink.PutResult(context.WithoutCancel(ctx), runID, res); err != nil {
		util.WithField("task", d.id).Warnf("result sink: %v", err)
	}
}

// Failed returns the sorted IDs whose outcome is not OK.
func Failed(outcomes map[string]Outcome) []string {
	var ids []string
	for id, o := range outcomes {
		if !o.OK {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
