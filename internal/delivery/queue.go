package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/msgcore/msgcore/internal/platform"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	maxSendAttempts  = 3
	sendTimeout      = 30 * time.Second
	staleJobAfter    = 2 * time.Minute
	sweepBatchSize   = 50
)

// Dispatcher sends one piece of content to one target over a live connection.
type Dispatcher interface {
	Send(ctx context.Context, inst platform.Instance, target platform.Target, content platform.Content, opts platform.SendOptions) (platform.SendResult, error)
}

// InstanceResolver looks up platform instances for target validation.
type InstanceResolver interface {
	GetInstance(ctx context.Context, tenantID, instanceID string) (platform.Instance, error)
}

// Queue accepts send jobs, fans them out to a worker pool, and tracks
// per-target delivery status. Each platform gets its own rate limiter and
// circuit breaker so one misbehaving backend cannot starve the rest.
type Queue struct {
	store      Store
	dispatcher Dispatcher
	instances  InstanceResolver
	logger     *slog.Logger

	jobs    chan string
	workers int
	once    sync.Once
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cron    *cron.Cron

	mu       sync.Mutex
	limiters map[platform.PlatformType]*rate.Limiter
	breakers map[platform.PlatformType]*gobreaker.CircuitBreaker
}

func NewQueue(log *slog.Logger, store Store, dispatcher Dispatcher, instances InstanceResolver) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		store:      store,
		dispatcher: dispatcher,
		instances:  instances,
		logger:     log.With(slog.String("component", "delivery")),
		jobs:       make(chan string, defaultQueueSize),
		workers:    defaultWorkers,
		limiters:   make(map[platform.PlatformType]*rate.Limiter),
		breakers:   make(map[platform.PlatformType]*gobreaker.CircuitBreaker),
	}
}

// SetWorkers overrides the worker pool size. Call before Start.
func (q *Queue) SetWorkers(n int) {
	if n > 0 {
		q.workers = n
	}
}

// Start launches the worker pool and the sweep that picks up scheduled and
// stale jobs.
func (q *Queue) Start(ctx context.Context) {
	q.once.Do(func() {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		q.cancel = cancel
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go q.runWorker(runCtx)
		}
		q.cron = cron.New()
		if _, err := q.cron.AddFunc("@every 1m", func() { q.sweep(runCtx) }); err != nil {
			q.logger.Error("register delivery sweep failed", slog.Any("error", err))
		}
		q.cron.Start()
	})
}

func (q *Queue) Shutdown(ctx context.Context) error {
	if q.cron != nil {
		stopCtx := q.cron.Stop()
		select {
		case <-stopCtx.Done():
		case <-ctx.Done():
		}
	}
	if q.cancel != nil {
		q.cancel()
	}
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue validates a send request, persists it as a pending job, and hands it
// to the worker pool. Every target must reference an existing, enabled
// instance or the whole request is rejected.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, req platform.SendRequest) (Job, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return Job{}, fmt.Errorf("tenant id required")
	}
	if len(req.Targets) == 0 {
		return Job{}, platform.NewError(platform.CodeNotFound, "send request has no targets")
	}
	if req.Content.IsEmpty() {
		return Job{}, platform.NewError(platform.CodeEmptyMessage, "message has no usable content")
	}
	options := platform.SendOptions{}
	if req.Options != nil {
		options = *req.Options
	}
	metadata := platform.SendMetadata{}
	if req.Metadata != nil {
		metadata = *req.Metadata
	}
	now := time.Now().UTC()
	job := Job{
		ID:        ulid.Make().String(),
		TenantID:  tenantID,
		Status:    JobPending,
		Content:   req.Content,
		Options:   options,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if options.Scheduled != nil && options.Scheduled.After(now) {
		at := options.Scheduled.UTC()
		job.ScheduledAt = &at
	}
	for i, target := range req.Targets {
		inst, err := q.instances.GetInstance(ctx, tenantID, target.PlatformID)
		if err != nil {
			return Job{}, platform.WrapError(platform.CodeNotFound, err, "target %d: platform instance %q not found", i, target.PlatformID)
		}
		if inst.Disabled {
			return Job{}, platform.NewError(platform.CodePlatformDisabled, "target %d: platform instance %q is disabled", i, target.PlatformID)
		}
		job.Targets = append(job.Targets, Target{
			Ordinal:    i,
			InstanceID: target.PlatformID,
			Type:       target.Type,
			ID:         target.ID,
			Status:     TargetPending,
			UpdatedAt:  now,
		})
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return Job{}, fmt.Errorf("insert delivery job: %w", err)
	}
	if job.ScheduledAt == nil {
		q.offer(job.ID)
	}
	return job, nil
}

// Get returns a job with current per-target statuses.
func (q *Queue) Get(ctx context.Context, tenantID, jobID string) (Job, error) {
	job, found, err := q.store.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return Job{}, fmt.Errorf("load delivery job: %w", err)
	}
	if !found {
		return Job{}, platform.NewError(platform.CodeNotFound, "delivery job %q not found", jobID)
	}
	return job, nil
}

// List returns a tenant's most recent jobs.
func (q *Queue) List(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return q.store.ListJobs(ctx, tenantID, limit)
}

// Retry resets only the failed targets of a job back to pending and requeues
// it. Sent targets are never re-delivered.
func (q *Queue) Retry(ctx context.Context, tenantID, jobID string) (Job, error) {
	job, err := q.Get(ctx, tenantID, jobID)
	if err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	retried := 0
	for i := range job.Targets {
		if job.Targets[i].Status != TargetFailed {
			continue
		}
		job.Targets[i].Status = TargetPending
		job.Targets[i].LastError = ""
		job.Targets[i].UpdatedAt = now
		if err := q.store.UpdateTarget(ctx, job.ID, job.Targets[i]); err != nil {
			return Job{}, fmt.Errorf("reset target %d: %w", job.Targets[i].Ordinal, err)
		}
		retried++
	}
	if retried == 0 {
		return Job{}, platform.NewError(platform.CodeNotFound, "delivery job %q has no failed targets", jobID)
	}
	job.Status = JobPending
	if err := q.store.UpdateJobStatus(ctx, job.ID, JobPending, now); err != nil {
		return Job{}, fmt.Errorf("requeue delivery job: %w", err)
	}
	q.offer(job.ID)
	return job, nil
}

func (q *Queue) offer(jobID string) {
	select {
	case q.jobs <- jobID:
	default:
		// Full queue is not fatal, the sweep reclaims stale pending jobs.
		q.logger.Warn("delivery queue full, deferring to sweep", slog.String("job_id", jobID))
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case jobID, ok := <-q.jobs:
			if !ok {
				return
			}
			if err := q.process(ctx, jobID); err != nil {
				q.logger.Error("process delivery job failed",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (q *Queue) sweep(ctx context.Context) {
	ids, err := q.store.ClaimDueJobs(ctx, time.Now().UTC(), staleJobAfter, sweepBatchSize)
	if err != nil {
		q.logger.Error("claim due delivery jobs failed", slog.Any("error", err))
		return
	}
	for _, id := range ids {
		q.offer(id)
	}
}

func (q *Queue) process(ctx context.Context, jobID string) error {
	job, found, err := q.store.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	// Idempotent consumer: terminal jobs are skipped outright.
	if job.Status == JobCompleted || job.Status == JobFailed || job.Status == JobPartial {
		return nil
	}
	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now()) {
		return nil
	}
	for i := range job.Targets {
		if job.Targets[i].Status != TargetPending {
			continue
		}
		q.deliverTarget(ctx, &job, &job.Targets[i])
		if err := q.store.UpdateTarget(ctx, job.ID, job.Targets[i]); err != nil {
			q.logger.Error("persist target status failed",
				slog.String("job_id", job.ID),
				slog.Int("ordinal", job.Targets[i].Ordinal),
				slog.Any("error", err),
			)
		}
	}
	status := DeriveJobStatus(job.Targets)
	if err := q.store.UpdateJobStatus(ctx, job.ID, status, time.Now().UTC()); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

func (q *Queue) deliverTarget(ctx context.Context, job *Job, target *Target) {
	inst, err := q.instances.GetInstance(ctx, job.TenantID, target.InstanceID)
	if err != nil {
		q.failTarget(target, platform.WrapError(platform.CodeNotFound, err, "platform instance %q not found", target.InstanceID))
		return
	}
	if inst.Disabled {
		q.failTarget(target, platform.NewError(platform.CodePlatformDisabled, "platform instance %q is disabled", target.InstanceID))
		return
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		target.Attempts++
		if limiter := q.limiterFor(inst.Platform); limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				lastErr = fmt.Errorf("rate limiter wait: %w", err)
				time.Sleep(200 * time.Millisecond)
				continue
			}
		}
		result, err := q.sendWithBreaker(ctx, inst, *target, job)
		if err == nil {
			target.Status = TargetSent
			target.ProviderMessageID = result.ProviderMessageID
			target.LastError = ""
			target.UpdatedAt = time.Now().UTC()
			q.recordOutbound(ctx, job, inst, *target)
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker protection is transient, leave the target pending for
			// the sweep instead of burning its retry budget.
			target.Attempts--
			q.logger.Warn("delivery breaker open",
				slog.String("platform", string(inst.Platform)),
				slog.String("job_id", job.ID),
			)
			return
		}
		lastErr = err
		if !retryable(err) {
			break
		}
		time.Sleep(backoff(attempt))
	}
	q.failTarget(target, lastErr)
}

func (q *Queue) sendWithBreaker(ctx context.Context, inst platform.Instance, target Target, job *Job) (platform.SendResult, error) {
	call := func() (any, error) {
		sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return q.dispatcher.Send(sendCtx, inst, platform.Target{
			PlatformID: target.InstanceID,
			Type:       target.Type,
			ID:         target.ID,
		}, job.Content, job.Options)
	}
	breaker := q.breakerFor(inst.Platform)
	res, err := breaker.Execute(call)
	if err != nil {
		return platform.SendResult{}, err
	}
	return res.(platform.SendResult), nil
}

func (q *Queue) recordOutbound(ctx context.Context, job *Job, inst platform.Instance, target Target) {
	if strings.TrimSpace(target.ProviderMessageID) == "" {
		return
	}
	if _, err := q.store.RecordOutbound(ctx, OutboundRecord{
		TenantID:          job.TenantID,
		InstanceID:        inst.ID,
		Platform:          inst.Platform,
		ProviderMessageID: target.ProviderMessageID,
		ChatID:            target.ID,
		JobID:             job.ID,
		SentAt:            time.Now().UTC(),
	}); err != nil {
		q.logger.Warn("record outbound message failed",
			slog.String("job_id", job.ID),
			slog.String("provider_message_id", target.ProviderMessageID),
			slog.Any("error", err),
		)
	}
}

func (q *Queue) failTarget(target *Target, cause error) {
	target.Status = TargetFailed
	target.UpdatedAt = time.Now().UTC()
	if cause != nil {
		target.LastError = cause.Error()
	} else {
		target.LastError = "delivery failed"
	}
}

func (q *Queue) limiterFor(pt platform.PlatformType) *rate.Limiter {
	q.mu.Lock()
	defer q.mu.Unlock()
	limiter, ok := q.limiters[pt]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(20), 40)
		q.limiters[pt] = limiter
	}
	return limiter
}

func (q *Queue) breakerFor(pt platform.PlatformType) *gobreaker.CircuitBreaker {
	q.mu.Lock()
	defer q.mu.Unlock()
	breaker, ok := q.breakers[pt]
	if !ok {
		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "delivery_" + string(pt),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		q.breakers[pt] = breaker
	}
	return breaker
}

func retryable(err error) bool {
	switch platform.CodeOf(err) {
	case platform.CodeNotConnected, platform.CodeConnectTimeout, platform.CodeDeliveryFailed:
		return true
	case "":
		// Unclassified errors are treated as transient backend trouble.
		return true
	default:
		return false
	}
}

func backoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 200 * time.Millisecond
}
