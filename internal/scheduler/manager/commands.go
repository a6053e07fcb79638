package manager

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/ansys/simsched/internal/common/util"
	"github.com/ansys/simsched/internal/scheduler/backend"
	"github.com/ansys/simsched/internal/scheduler/domain"
	"github.com/ansys/simsched/internal/scheduler/events"
	"github.com/ansys/simsched/internal/scheduler/schedulererrors"
)

// command is one operation marshalled into the manager loop.
type command interface {
	apply(m *JobManager)
}

// transition is one state change reported by a backend goroutine.
type transition struct {
	jobID    string
	kind     transitionKind
	handle   backend.Handle
	status   domain.JobStatus
	output   string
	errText  string
	exitCode *int
}

type transitionKind int

const (
	transitionLaunched transitionKind = iota
	transitionTerminal
)

// QueueStats counts jobs per status.
type QueueStats struct {
	Pending           int `json:"pending"`
	Queued            int `json:"queued"`
	Running           int `json:"running"`
	Completed         int `json:"completed"`
	Failed            int `json:"failed"`
	Cancelled         int `json:"cancelled"`
	Total             int `json:"total"`
	MaxConcurrentJobs int `json:"maxConcurrentJobs"`
}

// SubmitJob validates the config, creates a job in the queue and returns its
// id. Validation happens synchronously in the caller's goroutine; no job
// state exists if an error is returned.
func (m *JobManager) SubmitJob(ctx context.Context, config *domain.JobConfig, priority int) (string, error) {
	if config == nil {
		return "", &schedulererrors.ErrInvalidJobConfig{Field: "config", Value: nil, Message: "config must not be nil"}
	}
	if err := config.Validate(); err != nil {
		return "", err
	}
	c := &submitCmd{config: config, priority: priority, reply: make(chan submitReply, 1)}
	if err := m.send(ctx, c); err != nil {
		return "", err
	}
	select {
	case r := <-c.reply:
		return r.jobID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

type submitReply struct {
	jobID string
	err   error
}

type submitCmd struct {
	config   *domain.JobConfig
	priority int
	reply    chan submitReply
}

func (c *submitCmd) apply(m *JobManager) {
	if m.stopping {
		c.reply <- submitReply{err: &schedulererrors.ErrShuttingDown{}}
		return
	}
	if _, err := m.backends.ForKind(c.config.Backend()); err != nil {
		c.reply <- submitReply{err: err}
		return
	}
	if err := m.checkSatisfiable(c.config); err != nil {
		c.reply <- submitReply{err: err}
		return
	}

	now := m.clock.Now()
	m.nextTimestamp++
	job := domain.NewJob(util.NewULID(), c.config, c.priority, m.nextTimestamp, now)
	m.jobs[job.ID()] = job

	job.SetStatus(domain.JobQueued, now)
	m.queue.Push(job)
	m.emit(events.JobQueued, job, nil)
	m.metrics.jobsSubmitted.Inc()
	m.metrics.queuedJobs.Inc()

	c.reply <- submitReply{jobID: job.ID()}
	m.tryAdmit()
}

// CancelJob requests termination of the job. Cancelling a job that is already
// terminal (or already being cancelled) is a no-op returning success.
func (m *JobManager) CancelJob(ctx context.Context, jobID string) error {
	c := &cancelCmd{jobID: jobID, reply: make(chan error, 1)}
	if err := m.send(ctx, c); err != nil {
		return err
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type cancelCmd struct {
	jobID string
	reply chan error
}

func (c *cancelCmd) apply(m *JobManager) {
	c.reply <- m.cancelLocked(c.jobID)
	m.tryAdmit()
}

// cancelLocked runs inside the loop; also used during shutdown.
func (m *JobManager) cancelLocked(jobID string) error {
	job, ok := m.jobs[jobID]
	if !ok {
		return &schedulererrors.ErrJobNotFound{JobID: jobID}
	}
	if job.InTerminalState() {
		return nil
	}
	switch job.Status() {
	case domain.JobPending, domain.JobQueued:
		m.queue.Remove(jobID)
		m.metrics.queuedJobs.Dec()
		job.SetStatus(domain.JobCancelled, m.clock.Now())
		m.finishJob(job)
	case domain.JobRunning:
		r := m.running[jobID]
		if r == nil || r.cancelRequested {
			return nil
		}
		r.cancelRequested = true
		job.SetCancelRequested()
		// The handle is unknown until the launch transition arrives; the
		// loop starts the cancel then.
		if r.handle != nil {
			m.beginCancel(jobID, r)
		}
	}
	return nil
}

// SetPriority re-positions a non-terminal job in the queue. It has no effect
// on running jobs beyond future scheduling order.
func (m *JobManager) SetPriority(ctx context.Context, jobID string, priority int) error {
	c := &setPriorityCmd{jobID: jobID, priority: priority, reply: make(chan error, 1)}
	if err := m.send(ctx, c); err != nil {
		return err
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type setPriorityCmd struct {
	jobID    string
	priority int
	reply    chan error
}

func (c *setPriorityCmd) apply(m *JobManager) {
	job, ok := m.jobs[c.jobID]
	if !ok {
		c.reply <- &schedulererrors.ErrJobNotFound{JobID: c.jobID}
		return
	}
	if !job.InTerminalState() {
		job.SetPriority(c.priority, m.clock.Now())
		m.queue.Fix(c.jobID)
	}
	c.reply <- nil
	m.tryAdmit()
}

// ListJobs returns a snapshot of all jobs, oldest first.
func (m *JobManager) ListJobs(ctx context.Context) ([]domain.JobInfo, error) {
	c := &listCmd{reply: make(chan []domain.JobInfo, 1)}
	if err := m.send(ctx, c); err != nil {
		return nil, err
	}
	select {
	case infos := <-c.reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type listCmd struct {
	reply chan []domain.JobInfo
}

func (c *listCmd) apply(m *JobManager) {
	jobs := maps.Values(m.jobs)
	slices.SortFunc(jobs, func(a, b *domain.Job) bool {
		return a.Timestamp() < b.Timestamp()
	})
	infos := make([]domain.JobInfo, len(jobs))
	for i, job := range jobs {
		infos[i] = job.Info()
	}
	c.reply <- infos
}

// GetJob returns the metadata of one job.
func (m *JobManager) GetJob(ctx context.Context, jobID string) (domain.JobInfo, error) {
	c := &getJobCmd{jobID: jobID, reply: make(chan getJobReply, 1)}
	if err := m.send(ctx, c); err != nil {
		return domain.JobInfo{}, err
	}
	select {
	case r := <-c.reply:
		return r.info, r.err
	case <-ctx.Done():
		return domain.JobInfo{}, ctx.Err()
	}
}

type getJobReply struct {
	info domain.JobInfo
	err  error
}

type getJobCmd struct {
	jobID string
	reply chan getJobReply
}

func (c *getJobCmd) apply(m *JobManager) {
	job, ok := m.jobs[c.jobID]
	if !ok {
		c.reply <- getJobReply{err: &schedulererrors.ErrJobNotFound{JobID: c.jobID}}
		return
	}
	c.reply <- getJobReply{info: job.Info()}
}

// GetQueueStats returns per-status job counts.
func (m *JobManager) GetQueueStats(ctx context.Context) (QueueStats, error) {
	c := &statsCmd{reply: make(chan QueueStats, 1)}
	if err := m.send(ctx, c); err != nil {
		return QueueStats{}, err
	}
	select {
	case stats := <-c.reply:
		return stats, nil
	case <-ctx.Done():
		return QueueStats{}, ctx.Err()
	}
}

type statsCmd struct {
	reply chan QueueStats
}

func (c *statsCmd) apply(m *JobManager) {
	stats := QueueStats{
		Total:             len(m.jobs),
		MaxConcurrentJobs: m.limits.MaxConcurrentJobs,
	}
	for _, job := range m.jobs {
		switch job.Status() {
		case domain.JobPending:
			stats.Pending++
		case domain.JobQueued:
			stats.Queued++
		case domain.JobRunning:
			stats.Running++
		case domain.JobCompleted:
			stats.Completed++
		case domain.JobFailed:
			stats.Failed++
		case domain.JobCancelled:
			stats.Cancelled++
		}
	}
	c.reply <- stats
}

// UpdateLimits administratively replaces the resource limits; the new limits
// take effect on the next admission decision.
func (m *JobManager) UpdateLimits(ctx context.Context, limits domain.ResourceLimits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	c := &updateLimitsCmd{limits: limits, reply: make(chan struct{}, 1)}
	if err := m.send(ctx, c); err != nil {
		return err
	}
	select {
	case <-c.reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type updateLimitsCmd struct {
	limits domain.ResourceLimits
	reply  chan struct{}
}

func (c *updateLimitsCmd) apply(m *JobManager) {
	m.limits = c.limits
	c.reply <- struct{}{}
	m.tryAdmit()
}

// PurgeTerminal evicts all terminal jobs from the table and returns how many
// were removed. Jobs are never evicted implicitly.
func (m *JobManager) PurgeTerminal(ctx context.Context) (int, error) {
	c := &purgeCmd{reply: make(chan int, 1)}
	if err := m.send(ctx, c); err != nil {
		return 0, err
	}
	select {
	case n := <-c.reply:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

type purgeCmd struct {
	reply chan int
}

func (c *purgeCmd) apply(m *JobManager) {
	purged := 0
	for id, job := range m.jobs {
		if job.InTerminalState() {
			delete(m.jobs, id)
			purged++
		}
	}
	c.reply <- purged
}

// WaitUntilDone blocks until the job reaches a terminal state or the timeout
// elapses. On timeout it returns ErrWaitTimeout and leaves the job untouched.
func (m *JobManager) WaitUntilDone(ctx context.Context, jobID string, timeout time.Duration) (domain.JobInfo, error) {
	done, err := m.registerWaiter(ctx, jobID)
	if err != nil {
		return domain.JobInfo{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return m.GetJob(ctx, jobID)
	case <-timer.C:
		return domain.JobInfo{}, &schedulererrors.ErrWaitTimeout{JobID: jobID, Timeout: timeout}
	case <-ctx.Done():
		return domain.JobInfo{}, ctx.Err()
	}
}

// WaitUntilAllDone blocks until every job in the table is terminal or the
// timeout elapses.
func (m *JobManager) WaitUntilAllDone(ctx context.Context, timeout time.Duration) error {
	done, err := m.registerWaiter(ctx, "")
	if err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return &schedulererrors.ErrWaitTimeout{Timeout: timeout}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *JobManager) registerWaiter(ctx context.Context, jobID string) (<-chan struct{}, error) {
	c := &waitCmd{jobID: jobID, reply: make(chan waitReply, 1)}
	if err := m.send(ctx, c); err != nil {
		return nil, err
	}
	select {
	case r := <-c.reply:
		return r.done, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type waitReply struct {
	done <-chan struct{}
	err  error
}

// waitCmd registers a waiter channel closed by the loop when the condition
// holds. An empty jobID waits for all jobs.
type waitCmd struct {
	jobID string
	reply chan waitReply
}

func (c *waitCmd) apply(m *JobManager) {
	closed := func() <-chan struct{} {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	if c.jobID == "" {
		if !m.anyActive() {
			c.reply <- waitReply{done: closed()}
			return
		}
		ch := make(chan struct{})
		m.allWaiters = append(m.allWaiters, ch)
		c.reply <- waitReply{done: ch}
		return
	}
	job, ok := m.jobs[c.jobID]
	if !ok {
		c.reply <- waitReply{err: &schedulererrors.ErrJobNotFound{JobID: c.jobID}}
		return
	}
	if job.InTerminalState() {
		c.reply <- waitReply{done: closed()}
		return
	}
	ch := make(chan struct{})
	m.waiters[c.jobID] = append(m.waiters[c.jobID], ch)
	c.reply <- waitReply{done: ch}
}

// Shutdown stops accepting submissions, cancels every non-terminal job with
// the configured grace period and waits for them to reach a terminal state.
// The manager loop exits when Shutdown returns.
func (m *JobManager) Shutdown(ctx context.Context, grace time.Duration) error {
	if grace <= 0 {
		grace = m.gracePeriod
	}
	c := &shutdownCmd{reply: make(chan waitReply, 1)}
	if err := m.send(ctx, c); err != nil {
		// The loop is already gone.
		return nil
	}
	var r waitReply
	select {
	case r = <-c.reply:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	if r.done != nil {
		// Allow for the forced kill and one backend-command round trip on
		// top of the grace period itself.
		timer := time.NewTimer(grace + 10*time.Second)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			err = &schedulererrors.ErrWaitTimeout{Timeout: grace}
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	close(m.quit)
	<-m.done
	return err
}

type shutdownCmd struct {
	reply chan waitReply
}

func (c *shutdownCmd) apply(m *JobManager) {
	m.stopping = true
	for id, job := range m.jobs {
		if !job.InTerminalState() {
			// Best effort; errors cannot occur for known non-terminal ids.
			_ = m.cancelLocked(id)
		}
	}
	if !m.anyActive() {
		c.reply <- waitReply{}
		return
	}
	ch := make(chan struct{})
	m.allWaiters = append(m.allWaiters, ch)
	c.reply <- waitReply{done: ch}
}
