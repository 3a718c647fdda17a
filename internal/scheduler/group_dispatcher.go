package scheduler

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"go.flowcatalyst.tech/internal/dispatch"
)

// DispatchFunc performs one dispatch attempt for a job and reports whether
// the job was handed to the broker (success or broker-side deduplication).
type DispatchFunc func(ctx context.Context, job *dispatch.Job) bool

// GroupDispatcher serializes dispatches per message group: each group's jobs
// are ordered by (sequence ASC, createdAt ASC) and at most one job per group
// is in flight to the broker at any time. Across groups, dispatches run in
// parallel up to a global concurrency limit. Jobs in IMMEDIATE mode bypass
// the group serializer entirely (still under the global limit).
type GroupDispatcher struct {
	dispatchFn DispatchFunc
	semaphore  chan struct{}

	mu     sync.Mutex
	groups map[string]*groupQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// groupQueue holds one message group's pending jobs.
type groupQueue struct {
	jobs     []*dispatch.Job
	queued   map[string]bool
	inFlight bool
}

// NewGroupDispatcher creates a dispatcher with the given global concurrency
// limit.
func NewGroupDispatcher(maxConcurrentDispatches int, dispatchFn DispatchFunc) *GroupDispatcher {
	if maxConcurrentDispatches <= 0 {
		maxConcurrentDispatches = 10
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupDispatcher{
		dispatchFn: dispatchFn,
		semaphore:  make(chan struct{}, maxConcurrentDispatches),
		groups:     make(map[string]*groupQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Stop cancels in-flight dispatch slots and waits for workers to drain.
func (d *GroupDispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// Enqueue hands a batch of jobs to the dispatcher. Jobs already queued for
// their group are skipped, so re-polling the same PENDING jobs is harmless.
func (d *GroupDispatcher) Enqueue(jobs []*dispatch.Job) {
	touched := make(map[string]bool)
	for _, job := range jobs {
		if job.Mode == dispatch.ModeImmediate {
			d.dispatchImmediate(job)
			continue
		}
		d.enqueueGrouped(job)
		touched[job.EffectiveMessageGroup()] = true
	}
	// Pump only after the whole batch is sorted in, so a group's first
	// dispatch is the lowest (sequence, createdAt) job of the batch.
	for group := range touched {
		d.pump(group)
	}
}

// dispatchImmediate bypasses the group serializer.
func (d *GroupDispatcher) dispatchImmediate(job *dispatch.Job) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.semaphore <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.semaphore }()
		d.dispatchFn(d.ctx, job)
	}()
}

func (d *GroupDispatcher) enqueueGrouped(job *dispatch.Job) {
	group := job.EffectiveMessageGroup()

	d.mu.Lock()
	q, ok := d.groups[group]
	if !ok {
		q = &groupQueue{queued: make(map[string]bool)}
		d.groups[group] = q
	}
	if q.queued[job.ID] {
		d.mu.Unlock()
		return
	}
	q.queued[job.ID] = true
	q.jobs = append(q.jobs, job)
	sort.SliceStable(q.jobs, func(i, j int) bool {
		a, b := q.jobs[i], q.jobs[j]
		if a.EffectiveSequence() != b.EffectiveSequence() {
			return a.EffectiveSequence() < b.EffectiveSequence()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	d.mu.Unlock()
}

// pump starts the next dispatch for a group if none is in flight.
func (d *GroupDispatcher) pump(group string) {
	d.mu.Lock()
	q, ok := d.groups[group]
	if !ok || q.inFlight || len(q.jobs) == 0 {
		// Idle empty groups are cleaned up so the map does not grow with
		// every group ever seen.
		if ok && !q.inFlight && len(q.jobs) == 0 {
			delete(d.groups, group)
		}
		d.mu.Unlock()
		return
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.inFlight = true
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		select {
		case d.semaphore <- struct{}{}:
		case <-d.ctx.Done():
			d.release(group, job, false)
			return
		}
		dispatched := d.dispatchFn(d.ctx, job)
		<-d.semaphore

		d.release(group, job, dispatched)
		d.pump(group)
	}()
}

// release frees the group's in-flight slot. A job that failed to reach the
// broker stays PENDING in the store and is forgotten here so the next poll
// can retry it.
func (d *GroupDispatcher) release(group string, job *dispatch.Job, dispatched bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, ok := d.groups[group]
	if !ok {
		return
	}
	q.inFlight = false
	delete(q.queued, job.ID)

	if !dispatched {
		slog.Debug("dispatch failed, job stays pending for next poll",
			"jobId", job.ID, "group", group)
	}
}

// QueuedCount returns how many jobs are queued across all groups, for the
// health surface.
func (d *GroupDispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, q := range d.groups {
		n += len(q.jobs)
		if q.inFlight {
			n++
		}
	}
	return n
}
