// Package sched is the per-partition continuation queue. Long running work
// (table drop, index build, checkpoint scan, resumed commits) is split into
// bounded steps that re-post themselves instead of looping.
package sched

import (
	"log/slog"
	"sync"
)

type Job struct {
	Name string
	Fn   func()
}

type Queue struct {
	mu   sync.Mutex
	jobs []Job
	ran  uint64
}

func New() *Queue { return &Queue{} }

// Post appends a job; it runs after everything already queued.
func (q *Queue) Post(name string, fn func()) {
	q.mu.Lock()
	q.jobs = append(q.jobs, Job{Name: name, Fn: fn})
	q.mu.Unlock()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Ran is the number of jobs executed so far.
func (q *Queue) Ran() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ran
}

// RunOne runs the oldest job. It reports false when the queue is empty.
func (q *Queue) RunOne() bool {
	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		return false
	}
	j := q.jobs[0]
	q.jobs[0] = Job{}
	q.jobs = q.jobs[1:]
	q.ran++
	q.mu.Unlock()

	slog.Debug("sched: run", "job", j.Name)
	j.Fn()
	return true
}

// RunAll drains the queue, including jobs posted while draining, and stops
// after limit jobs when limit > 0. It returns how many jobs ran.
func (q *Queue) RunAll(limit int) int {
	n := 0
	for limit <= 0 || n < limit {
		if !q.RunOne() {
			break
		}
		n++
	}
	return n
}
