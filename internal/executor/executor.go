// Package executor runs a job graph on a bounded worker pool, dispatching
// each job only after every dependency it names has succeeded.
package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/farmbuild/farmbuild/internal/observability"
	"github.com/farmbuild/farmbuild/pkg/jobgraph"
)

// Options configures one Execute call.
type Options struct {
	// Workers caps concurrent job execution. Values below 1 mean 1.
	Workers int

	// ContinueOnError keeps dispatching unrelated jobs after a failure.
	// Dependents of a failed job are always skipped.
	ContinueOnError bool

	// Store, when non-nil, receives the run record at start and after
	// every job completion.
	Store *Store

	Distro    string
	BuildName string
}

const (
	runStateRunning = "running"
	runStateSuccess = "success"
	runStateFailed  = "failed"
)

type completion struct {
	id   string
	code int
	err  error
}

// Execute runs every job in the graph and returns the run record. A
// dependency edge naming a job absent from the graph counts as satisfied.
// The returned error is non-nil only for infrastructure failures (context
// cancellation, record persistence); job failures are reported through the
// record's job states.
func Execute(ctx context.Context, jobs map[string]*jobgraph.Job, opts Options) (*RunRecord, error) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	record := &RunRecord{
		RunID:     uuid.New().String(),
		Distro:    opts.Distro,
		BuildName: opts.BuildName,
		State:     runStateRunning,
		CreatedAt: time.Now().UTC(),
		Jobs:      make(map[string]*JobResult, len(jobs)),
	}
	for id := range jobs {
		record.Jobs[id] = &JobResult{JobID: id, State: JobStateQueued}
	}
	persist(opts.Store, record)

	pending := make(map[string]*jobgraph.Job, len(jobs))
	for id, job := range jobs {
		pending[id] = job
	}
	succeeded := make(map[string]struct{}, len(jobs))
	halted := false

	results := make(chan completion)
	var wg sync.WaitGroup
	inflight := 0

	dispatch := func(job *jobgraph.Job) {
		res := record.Jobs[job.ID]
		now := time.Now().UTC()
		res.State = JobStateRunning
		res.StartedAt = &now

		wg.Add(1)
		go func() {
			defer wg.Done()
			code, err := job.Task.Build(job.Context)
			results <- completion{id: job.ID, code: code, err: err}
		}()
	}

	ready := func(job *jobgraph.Job) bool {
		for dep := range job.Dependencies {
			if _, exists := jobs[dep]; !exists {
				continue
			}
			if _, ok := succeeded[dep]; !ok {
				return false
			}
		}
		return true
	}

	for len(pending) > 0 || inflight > 0 {
		if ctx.Err() != nil {
			halted = true
		}
		if !halted {
			// Sorted dispatch keeps the schedule deterministic for a
			// given graph and worker count.
			var runnable []string
			for id, job := range pending {
				if ready(job) {
					runnable = append(runnable, id)
				}
			}
			sort.Strings(runnable)
			for _, id := range runnable {
				if inflight >= workers {
					break
				}
				dispatch(pending[id])
				delete(pending, id)
				inflight++
			}
		}

		if inflight == 0 {
			// Nothing runnable: everything left is blocked behind a
			// failure or the run was halted.
			for id := range pending {
				skip(record, id)
				delete(pending, id)
			}
			break
		}

		select {
		case <-ctx.Done():
			// Let inflight jobs finish, skip the rest.
			halted = true
			for inflight > 0 {
				done := <-results
				finish(record, done)
				inflight--
			}
		case done := <-results:
			inflight--
			finish(record, done)
			if done.code == 0 && done.err == nil {
				succeeded[done.id] = struct{}{}
			} else {
				skipDependents(record, jobs, pending, done.id)
				if !opts.ContinueOnError {
					halted = true
				}
			}
			persist(opts.Store, record)
		}
	}
	wg.Wait()

	record.State = runStateSuccess
	for _, res := range record.Jobs {
		if res.State != JobStateSucceeded {
			record.State = runStateFailed
			break
		}
	}
	now := time.Now().UTC()
	record.EndedAt = &now
	persist(opts.Store, record)

	if err := ctx.Err(); err != nil {
		return record, err
	}
	return record, nil
}

func finish(record *RunRecord, done completion) {
	res := record.Jobs[done.id]
	now := time.Now().UTC()
	res.EndedAt = &now
	res.Code = done.code
	if done.err != nil {
		res.Error = done.err.Error()
	}
	if done.code == 0 && done.err == nil {
		res.State = JobStateSucceeded
		observability.CLILogger.Info("Job succeeded", zap.String("job", done.id))
		return
	}
	res.State = JobStateFailed
	observability.CLILogger.Error("Job failed",
		zap.String("job", done.id),
		zap.Int("code", done.code),
		zap.Error(done.err),
	)
}

func skip(record *RunRecord, id string) {
	res := record.Jobs[id]
	if res.State == JobStateQueued {
		res.State = JobStateSkipped
		observability.CLILogger.Warn("Job skipped", zap.String("job", id))
	}
}

// skipDependents marks every pending job transitively depending on failedID
// as skipped and removes it from the pending set.
func skipDependents(record *RunRecord, jobs map[string]*jobgraph.Job, pending map[string]*jobgraph.Job, failedID string) {
	blocked := map[string]struct{}{failedID: {}}
	for {
		changed := false
		for id, job := range pending {
			if _, done := blocked[id]; done {
				continue
			}
			for dep := range job.Dependencies {
				if _, bad := blocked[dep]; bad {
					blocked[id] = struct{}{}
					changed = true
					break
				}
			}
		}
		if !changed {
			break
		}
	}

	for id := range blocked {
		if id == failedID {
			continue
		}
		if _, ok := pending[id]; ok {
			skip(record, id)
			delete(pending, id)
		}
	}
}

func persist(store *Store, record *RunRecord) {
	if store == nil {
		return
	}
	if err := store.Write(record); err != nil {
		observability.CLILogger.Warn("Failed to persist run record",
			zap.String("run", record.RunID),
			zap.Error(err),
		)
	}
}
