// Package githubtest provides an in-memory work queue for tests.
package githubtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/HueCodes/zeno/internal/github"
)

var (
	// ErrUnavailable is returned by injected failures.
	ErrUnavailable = errors.New("fake: work queue unavailable")
	// ErrRunnerBusy is returned when removing a runner that is running a job.
	ErrRunnerBusy = errors.New("fake: runner is still running a job")
)

// Queue is a fake work queue keyed by repository. It is safe for concurrent
// use.
type Queue struct {
	mu        sync.Mutex
	nextID    int64
	tokens    int
	runners   map[string]map[string]*github.Runner
	jobs      map[string]github.JobCounts
	runs      map[string]int64
	removed   []int64
	cancelled []int64
	failList  int
	failToken int
	failJobs  int
}

func New() *Queue {
	return &Queue{
		runners: make(map[string]map[string]*github.Runner),
		jobs:    make(map[string]github.JobCounts),
		runs:    make(map[string]int64),
	}
}

// Register adds an online, idle runner, as a booting runner would.
func (q *Queue) Register(repo, name string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	byName, ok := q.runners[repo]
	if !ok {
		byName = make(map[string]*github.Runner)
		q.runners[repo] = byName
	}
	if r, ok := byName[name]; ok {
		return r.ID
	}
	q.nextID++
	byName[name] = &github.Runner{
		ID:     q.nextID,
		Name:   name,
		OS:     "linux",
		Status: "online",
	}
	return q.nextID
}

// Unregister removes a runner without going through RemoveRunner.
func (q *Queue) Unregister(repo, name string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.runners[repo], name)
}

// SetBusy marks a runner busy or idle. runID, when non-zero, is what FindRun
// reports for it.
func (q *Queue) SetBusy(repo, name string, busy bool, runID int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.runners[repo][name]; ok {
		r.Busy = busy
	}
	if busy && runID != 0 {
		q.runs[name] = runID
	} else if !busy {
		delete(q.runs, name)
	}
}

// SetAllBusy marks every runner of repo busy or idle.
func (q *Queue) SetAllBusy(repo string, busy bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, r := range q.runners[repo] {
		r.Busy = busy
	}
}

// SetJobs sets what QueuedJobs reports for repo.
func (q *Queue) SetJobs(repo string, queued, running int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[repo] = github.JobCounts{Queued: queued, Running: running}
}

// FailLists makes the next n ListRunners calls fail.
func (q *Queue) FailLists(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failList = n
}

// FailTokens makes the next n IssueRegistrationCredential calls fail.
func (q *Queue) FailTokens(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failToken = n
}

// FailJobs makes the next n QueuedJobs calls fail.
func (q *Queue) FailJobs(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failJobs = n
}

func (q *Queue) ListRunners(ctx context.Context, repo string) ([]github.Runner, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failList > 0 {
		q.failList--
		return nil, ErrUnavailable
	}
	out := make([]github.Runner, 0, len(q.runners[repo]))
	for _, r := range q.runners[repo] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *Queue) IssueRegistrationCredential(ctx context.Context, repo string) (*github.RegistrationToken, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failToken > 0 {
		q.failToken--
		return nil, ErrUnavailable
	}
	q.tokens++
	return &github.RegistrationToken{Token: fmt.Sprintf("token-%d", q.tokens)}, nil
}

func (q *Queue) RemoveRunner(ctx context.Context, repo string, runnerID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for name, r := range q.runners[repo] {
		if r.ID != runnerID {
			continue
		}
		if r.Busy {
			return ErrRunnerBusy
		}
		delete(q.runners[repo], name)
	}
	q.removed = append(q.removed, runnerID)
	return nil
}

func (q *Queue) FindRun(ctx context.Context, repo, runnerName string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runs[runnerName], nil
}

func (q *Queue) CancelQueuedWork(ctx context.Context, repo string, runID int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancelled = append(q.cancelled, runID)
	for name, id := range q.runs {
		if id == runID {
			delete(q.runs, name)
			if r, ok := q.runners[repo][name]; ok {
				r.Busy = false
			}
		}
	}
	return nil
}

func (q *Queue) QueuedJobs(ctx context.Context, repo string) (github.JobCounts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.failJobs > 0 {
		q.failJobs--
		return github.JobCounts{}, ErrUnavailable
	}
	return q.jobs[repo], nil
}

// Runners returns how many runners are registered for repo.
func (q *Queue) Runners(repo string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.runners[repo])
}

// Removed returns the runner IDs RemoveRunner accepted.
func (q *Queue) Removed() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.removed...)
}

// Cancelled returns the run IDs passed to CancelQueuedWork.
func (q *Queue) Cancelled() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.cancelled...)
}

// Tokens returns how many registration credentials were issued.
func (q *Queue) Tokens() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tokens
}
