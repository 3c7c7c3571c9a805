package workers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/camden-git/lastnurses/identity"
	"github.com/camden-git/lastnurses/logger"
	"github.com/camden-git/lastnurses/models"
	"github.com/camden-git/lastnurses/quota"
	"github.com/camden-git/lastnurses/remote"
	"github.com/camden-git/lastnurses/repository"
)

const (
	DefaultPollInterval = 10 * time.Second

	// user-facing messages
	MsgSubmissionFailed = "Failed to process image. Please try again."
	MsgPollFailed       = "Failed to check processing status"
	MsgJobFailed        = "Failed to process image"
	MsgQuotaExhausted   = "No generations remaining"
)

var (
	// ErrSubmission means no job was created and no credit was debited.
	ErrSubmission = errors.New("submission failed")
	// ErrQuotaExhausted is wrapped in ErrSubmission when no credits remain.
	ErrQuotaExhausted = errors.New("quota exhausted")
	// ErrPoll marks a job that ended because of a status check failure or a
	// remote FAILED status.
	ErrPoll = errors.New("poll failed")
)

type JobState string

const (
	StateIdle       JobState = "idle"
	StateSubmitting JobState = "submitting"
	StatePolling    JobState = "polling"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// JobSnapshot is the externally visible state of the active job.
type JobSnapshot struct {
	State       JobState  `json:"state"`
	JobID       string    `json:"job_id,omitempty"`
	UploadID    string    `json:"upload_id,omitempty"`
	Output      string    `json:"output_image,omitempty"`
	ArchivePath string    `json:"archive_path,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Err returns ErrPoll wrapping the failure message of a failed job.
func (s JobSnapshot) Err() error {
	if s.State != StateFailed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrPoll, s.Error)
}

// JobAPI is the remote job queue.
type JobAPI interface {
	SubmitJob(ctx context.Context, token, anonymousID, dataURL string) (*remote.SubmitResponse, error)
	JobStatus(ctx context.Context, token, jobID string) (*remote.JobStatus, error)
}

// QuotaSource is the ledger as seen by the controller.
type QuotaSource interface {
	Remaining() (int, error)
	Decrement() (quota.State, error)
}

// Credentials supplies the active identity for requests.
type Credentials interface {
	Token() string
	AnonymousID() (string, error)
}

// ResultArchiver stores finished outputs locally.
type ResultArchiver interface {
	ArchiveResult(ctx context.Context, jobID, output string) (string, error)
}

type ControllerOption func(*TransformJobController)

func WithPollInterval(d time.Duration) ControllerOption {
	return func(c *TransformJobController) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithJobLog(repo repository.JobLogRepositoryInterface) ControllerOption {
	return func(c *TransformJobController) { c.jobLog = repo }
}

func WithArchiver(a ResultArchiver) ControllerOption {
	return func(c *TransformJobController) { c.archiver = a }
}

// TransformJobController drives one remote job at a time through
// Idle -> Submitting -> Polling -> Completed|Failed. A new submission or a
// Reset abandons the previous job; results of abandoned jobs are ignored.
type TransformJobController struct {
	api      JobAPI
	quota    QuotaSource
	creds    Credentials
	jobLog   repository.JobLogRepositoryInterface
	archiver ResultArchiver
	interval time.Duration
	log      *zap.Logger

	submitMu sync.Mutex
	// notifyMu orders state changes with their delivery to listeners
	notifyMu sync.Mutex

	mu         sync.Mutex
	current    JobSnapshot
	generation uint64
	cancel     context.CancelFunc
	changed    chan struct{}
	listeners  []func(JobSnapshot)

	background sync.WaitGroup
}

func NewTransformJobController(api JobAPI, quotaSource QuotaSource, creds Credentials, log *zap.Logger, opts ...ControllerOption) *TransformJobController {
	c := &TransformJobController{
		api:      api,
		quota:    quotaSource,
		creds:    creds,
		interval: DefaultPollInterval,
		log:      logger.OrNop(log),
		current:  JobSnapshot{State: StateIdle, UpdatedAt: time.Now()},
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnUpdate registers fn to receive every state change in order. Listeners run
// on the goroutine making the change and must not call Submit or Reset.
func (c *TransformJobController) OnUpdate(fn func(JobSnapshot)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *TransformJobController) Current() JobSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Wait blocks until the active job is terminal or the controller is idle.
func (c *TransformJobController) Wait(ctx context.Context) (JobSnapshot, error) {
	for {
		c.mu.Lock()
		snap := c.current
		ch := c.changed
		c.mu.Unlock()

		if snap.State.Terminal() || snap.State == StateIdle {
			return snap, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// transition applies fn to the snapshot when gen is still current. It
// returns false for stale generations.
func (c *TransformJobController) transition(gen uint64, fn func(*JobSnapshot)) bool {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return false
	}
	fn(&c.current)
	c.current.UpdatedAt = time.Now()
	snap := c.current
	close(c.changed)
	c.changed = make(chan struct{})
	listeners := append([]func(JobSnapshot){}, c.listeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
	return true
}

// supersede starts a new generation, cancelling any running poll loop, and
// returns the new generation with the job it replaced.
func (c *TransformJobController) supersede() (uint64, JobSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
	return c.generation, c.current
}

// Submit checks the quota, submits dataURL and starts polling. It returns the
// remote job id.
func (c *TransformJobController) Submit(ctx context.Context, uploadID, dataURL string) (string, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	remaining, err := c.quota.Remaining()
	if err != nil {
		return "", fmt.Errorf("%w: reading quota: %v", ErrSubmission, err)
	}
	if remaining <= 0 {
		c.log.Info("transform: submission blocked, quota exhausted")
		return "", fmt.Errorf("%w: %w", ErrSubmission, ErrQuotaExhausted)
	}

	token := ""
	anonymousID := ""
	if c.creds != nil {
		token = c.creds.Token()
		if token == "" {
			if anonymousID, err = c.creds.AnonymousID(); err != nil {
				c.log.Warn("transform: no anonymous id available", zap.Error(err))
			}
		}
	}

	gen, previous := c.supersede()
	c.abandon(previous)
	c.transition(gen, func(s *JobSnapshot) {
		*s = JobSnapshot{State: StateSubmitting, UploadID: uploadID}
	})

	resp, err := c.api.SubmitJob(ctx, token, anonymousID, dataURL)
	if err != nil {
		c.log.Error("transform: submission failed", zap.String("upload_id", uploadID), zap.Error(err))
		c.transition(gen, func(s *JobSnapshot) {
			s.State = StateFailed
			s.Error = MsgSubmissionFailed
		})
		return "", fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	jobID := resp.JobID

	// optimistic debit, not refunded if the job later fails
	if _, err := c.quota.Decrement(); err != nil {
		c.log.Error("transform: failed to debit quota", zap.String("job_id", jobID), zap.Error(err))
	}

	if c.jobLog != nil {
		rec := models.JobRecord{JobID: jobID, UploadID: uploadID, IdentityKind: identityKind(token), Status: models.JobStatusPolling}
		if err := c.jobLog.Record(rec); err != nil {
			c.log.Warn("transform: failed to record job", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	started := c.transition(gen, func(s *JobSnapshot) {
		s.State = StatePolling
		s.JobID = jobID
	})
	if !started {
		cancel()
		c.log.Info("transform: submission superseded before polling started", zap.String("job_id", jobID))
		c.abandon(JobSnapshot{State: StatePolling, JobID: jobID})
		return jobID, nil
	}

	c.mu.Lock()
	if gen == c.generation {
		c.cancel = cancel
	} else {
		cancel()
	}
	c.mu.Unlock()

	c.log.Info("transform: polling job", zap.String("job_id", jobID), zap.Duration("interval", c.interval))
	c.background.Add(1)
	go c.pollLoop(pollCtx, gen, token, jobID)
	return jobID, nil
}

// Reset abandons the active job and returns to Idle.
func (c *TransformJobController) Reset() {
	gen, previous := c.supersede()
	c.abandon(previous)
	c.transition(gen, func(s *JobSnapshot) {
		*s = JobSnapshot{State: StateIdle}
	})
}

// Close stops polling and waits for background work to finish.
func (c *TransformJobController) Close() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.generation++
	c.mu.Unlock()
	c.background.Wait()
}

func (c *TransformJobController) abandon(previous JobSnapshot) {
	if previous.JobID == "" || previous.State.Terminal() {
		return
	}
	c.log.Info("transform: abandoning job", zap.String("job_id", previous.JobID))
	if c.jobLog == nil {
		return
	}
	if err := c.jobLog.UpdateStatus(previous.JobID, models.JobStatusAbandoned, nil, nil); err != nil {
		c.log.Warn("transform: failed to mark job abandoned", zap.String("job_id", previous.JobID), zap.Error(err))
	}
}

func (c *TransformJobController) pollLoop(ctx context.Context, gen uint64, token, jobID string) {
	defer c.background.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// requests in flight when the loop is cancelled are not aborted
	requestCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		status, err := c.api.JobStatus(requestCtx, token, jobID)
		if ctx.Err() != nil {
			c.log.Debug("transform: ignoring status of abandoned job", zap.String("job_id", jobID))
			return
		}
		if err != nil {
			c.log.Error("transform: error polling job status", zap.String("job_id", jobID), zap.Error(err))
			c.finish(gen, jobID, StateFailed, "", MsgPollFailed)
			return
		}

		switch strings.ToUpper(strings.TrimSpace(status.Status)) {
		case "COMPLETED":
			if out := status.Output(); out != "" {
				c.finish(gen, jobID, StateCompleted, out, "")
				return
			}
			c.log.Debug("transform: job completed without output yet", zap.String("job_id", jobID))
		case "FAILED":
			msg := status.Error
			if msg == "" {
				msg = MsgJobFailed
			}
			c.finish(gen, jobID, StateFailed, "", msg)
			return
		default:
			c.log.Debug("transform: job still processing", zap.String("job_id", jobID), zap.String("status", status.Status))
		}
	}
}

func (c *TransformJobController) finish(gen uint64, jobID string, state JobState, output, errMsg string) {
	applied := c.transition(gen, func(s *JobSnapshot) {
		s.State = state
		s.Output = output
		s.Error = errMsg
	})
	if !applied {
		return
	}

	c.mu.Lock()
	if gen == c.generation && c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()

	c.log.Info("transform: job finished", zap.String("job_id", jobID), zap.String("state", string(state)), zap.String("error", errMsg))

	if c.jobLog != nil {
		logStatus := models.JobStatusCompleted
		var errPtr, outPtr *string
		if state == StateFailed {
			logStatus = models.JobStatusFailed
			errPtr = &errMsg
		} else {
			outPtr = &output
		}
		if err := c.jobLog.UpdateStatus(jobID, logStatus, errPtr, outPtr); err != nil {
			c.log.Warn("transform: failed to update job log", zap.String("job_id", jobID), zap.Error(err))
		}
	}

	if state == StateCompleted && c.archiver != nil {
		c.background.Add(1)
		go c.archive(gen, jobID, output)
	}
}

func (c *TransformJobController) archive(gen uint64, jobID, output string) {
	defer c.background.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	path, err := c.archiver.ArchiveResult(ctx, jobID, output)
	if err != nil {
		c.log.Warn("transform: failed to archive result", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if c.jobLog != nil {
		if err := c.jobLog.SetArchivePath(jobID, path); err != nil {
			c.log.Warn("transform: failed to record archive path", zap.String("job_id", jobID), zap.Error(err))
		}
	}
	c.transition(gen, func(s *JobSnapshot) {
		if s.JobID == jobID {
			s.ArchivePath = path
		}
	})
}

func identityKind(token string) string {
	if token == "" {
		return string(identity.Anonymous)
	}
	return string(identity.Authenticated)
}
