package render

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
)

// DefaultProviderTimeout bounds every provider call.
const DefaultProviderTimeout = 30 * time.Second

// DefaultFinalizeClaimTTL is how long a finalize claim keeps other callers
// from storing the same job's output.
const DefaultFinalizeClaimTTL = 15 * time.Minute

// MaxRetriesLimit is the largest per-job retry budget a caller may request.
const MaxRetriesLimit = 10

// Metrics receives orchestrator events. internal/metrics implements it.
type Metrics interface {
	JobTransition(provider string, kind Kind, status Status)
	ProviderCall(provider, op string, d time.Duration, err error)
	Finalization(d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) JobTransition(string, Kind, Status)                {}
func (nopMetrics) ProviderCall(string, string, time.Duration, error) {}
func (nopMetrics) Finalization(time.Duration, error)                 {}

// Deps are the collaborators of an Orchestrator. Registry, Store and
// Finalizer are required.
type Deps struct {
	Registry  *Registry
	Store     Store
	Finalizer *Finalizer
	Notifier  Notifier
	Locker    Locker
	Scheduler PollScheduler
	Metrics   Metrics
	Log       *logger.Logger
}

// Options tune orchestrator policy.
type Options struct {
	ProviderTimeout   time.Duration
	DefaultMaxRetries int
	FinalizeClaimTTL  time.Duration
	// Now is overridden by tests.
	Now func() time.Time
}

// Orchestrator drives render jobs through
// queued -> running -> published | failed | cancelled.
type Orchestrator struct {
	registry   *Registry
	store      Store
	finalizer  *Finalizer
	notifier   Notifier
	locker     Locker
	scheduler  PollScheduler
	metrics    Metrics
	log        *logger.Logger
	timeout    time.Duration
	maxRetries int
	claimTTL   time.Duration
	now        func() time.Time
}

// NewOrchestrator wires an Orchestrator. Missing optional deps get
// in-process defaults.
func NewOrchestrator(d Deps, opts Options) *Orchestrator {
	o := &Orchestrator{
		registry:   d.Registry,
		store:      d.Store,
		finalizer:  d.Finalizer,
		notifier:   d.Notifier,
		locker:     d.Locker,
		scheduler:  d.Scheduler,
		metrics:    d.Metrics,
		log:        d.Log,
		timeout:    opts.ProviderTimeout,
		maxRetries: opts.DefaultMaxRetries,
		claimTTL:   opts.FinalizeClaimTTL,
		now:        opts.Now,
	}
	if o.locker == nil {
		o.locker = NewLocalLocker()
	}
	if o.metrics == nil {
		o.metrics = nopMetrics{}
	}
	if o.log == nil {
		o.log = logger.Discard()
	}
	o.log = o.log.WithComponent("orchestrator")
	if o.timeout <= 0 {
		o.timeout = DefaultProviderTimeout
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxRetries
	}
	if o.claimTTL <= 0 {
		o.claimTTL = DefaultFinalizeClaimTTL
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	TenantID   string         `json:"tenantId"`
	EntityID   string         `json:"entityId"`
	CampaignID string         `json:"campaignId,omitempty"`
	Kind       Kind           `json:"kind"`
	Provider   string         `json:"provider"`
	Model      string         `json:"model"`
	Params     map[string]any `json:"params,omitempty"`
	// MaxRetries overrides the default retry budget when > 0.
	MaxRetries int `json:"maxRetries,omitempty"`
}

// Create validates req and persists a queued job. Nothing is stored when
// validation fails.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	const op = "render.create"

	if err := o.validate(req); err != nil {
		return nil, err
	}

	maxRetries := o.maxRetries
	if req.MaxRetries > 0 {
		maxRetries = req.MaxRetries
	}
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}

	now := o.now()
	job := &Job{
		ID:         NewJobID(),
		TenantID:   req.TenantID,
		EntityID:   req.EntityID,
		CampaignID: req.CampaignID,
		Kind:       req.Kind,
		Provider:   req.Provider,
		Model:      req.Model,
		Params:     params,
		Status:     StatusQueued,
		MaxRetries: maxRetries,
		Metadata: map[string]any{
			"hash": RequestHash(req.TenantID, req.EntityID, req.Kind, req.Provider, req.Model, params),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	job.appendLog(now, LevelInfo, "render job queued for %s (%s)", req.Kind, req.Provider)

	if err := o.store.Insert(ctx, job); err != nil {
		return nil, errors.Wrap(err, op, "persist render job")
	}

	o.metrics.JobTransition(job.Provider, job.Kind, job.Status)
	o.log.FromContext(ctx).Info("render job created",
		"job_id", job.ID,
		"kind", job.Kind,
		"provider", job.Provider,
		"entity_id", job.EntityID,
	)
	return job, nil
}

func (o *Orchestrator) validate(req CreateRequest) error {
	switch {
	case strings.TrimSpace(req.TenantID) == "":
		return errors.InvalidRequest("tenantId", "tenantId is required")
	case strings.TrimSpace(req.EntityID) == "":
		return errors.InvalidRequest("entityId", "entityId is required")
	case !req.Kind.Valid():
		return errors.InvalidRequest("kind", "kind must be image or video")
	case strings.TrimSpace(req.Model) == "":
		return errors.InvalidRequest("model", "model is required")
	case req.MaxRetries < 0 || req.MaxRetries > MaxRetriesLimit:
		return errors.InvalidRequest("maxRetries", "maxRetries must be between 1 and 10")
	}

	p, err := o.registry.Get(req.Provider)
	if err != nil {
		return err
	}
	if !p.CanRender(req.Kind) {
		return errors.InvalidRequest("kind", "provider "+req.Provider+" cannot render "+string(req.Kind)+" content")
	}
	if req.Kind == KindImage && strings.TrimSpace(paramString(req.Params, "prompt")) == "" {
		return errors.InvalidRequest("params.prompt", "image rendering requires a prompt")
	}
	return nil
}

// Submit hands a queued job to its provider. Render is called at most once
// per job: the job lock is held across the call and only queued jobs are
// accepted.
func (o *Orchestrator) Submit(ctx context.Context, id string) (*Job, error) {
	const op = "render.submit"

	release, err := o.locker.Lock(ctx, id)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "acquire job lock")
	}
	defer release()

	job, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != StatusQueued {
		return nil, errors.Newf(errors.CodeInvalidState, "cannot submit job in status %s", job.Status).
			WithOp(op).WithField("status", string(job.Status))
	}
	p, err := o.registry.Get(job.Provider)
	if err != nil {
		return nil, err
	}

	log := o.log.FromContext(ctx).WithJobID(id).WithProvider(p.Name())

	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	start := time.Now()
	res, rerr := p.Render(pctx, id, RenderRequest{
		TenantID:   job.TenantID,
		EntityID:   job.EntityID,
		CampaignID: job.CampaignID,
		Kind:       job.Kind,
		Model:      job.Model,
		Prompt:     job.Prompt(),
		Params:     job.Params,
	})
	cancel()
	if rerr == nil && res.ProviderJobID == "" {
		rerr = errNoProviderJobID
	}
	o.metrics.ProviderCall(p.Name(), "render", time.Since(start), rerr)

	if rerr != nil {
		updated, err := o.update(ctx, id, func(j *Job) error {
			now := o.now()
			if j.Status == StatusCancelled {
				j.appendLog(now, LevelWarn, "submission error after cancellation discarded (%s)", summarize(rerr))
				return nil
			}
			j.fail(now, string(errors.CodeSubmissionFailed), fmt.Sprintf("provider submission failed (%s)", summarize(rerr)), rerr.Error())
			return nil
		})
		if err != nil {
			log.WithError(err).Error("persist submission failure")
		} else if updated.Status == StatusFailed {
			o.metrics.JobTransition(updated.Provider, updated.Kind, updated.Status)
		}
		log.WithError(rerr).Error("render submission failed")
		return nil, errors.WrapWithCode(rerr, errors.CodeSubmissionFailed, op, "provider submission failed").
			WithField("provider", p.Name())
	}

	updated, err := o.update(ctx, id, func(j *Job) error {
		now := o.now()
		if j.Status == StatusCancelled {
			j.appendLog(now, LevelWarn, "submission to %s (provider job %s) completed after cancellation; result discarded", p.Name(), res.ProviderJobID)
			return nil
		}
		j.Status = StatusRunning
		j.ProviderJobID = res.ProviderJobID
		j.StartedAt = &now
		j.Progress.EstimatedSeconds = res.EstimatedSeconds
		j.Progress.LastUpdated = &now
		j.appendLog(now, LevelInfo, "submitted to %s with job ID: %s", p.Name(), res.ProviderJobID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if updated.Status != StatusRunning {
		return updated, nil
	}

	o.metrics.JobTransition(updated.Provider, updated.Kind, updated.Status)
	log.Info("render job submitted", "provider_job_id", res.ProviderJobID, "estimated_seconds", res.EstimatedSeconds)

	if o.scheduler != nil {
		if err := o.scheduler.SchedulePoll(ctx, id, res.EstimatedSeconds); err != nil {
			log.WithError(err).Warn("schedule first poll")
		}
	}
	return updated, nil
}

// Poll asks the provider for progress and applies the answer. Published and
// failed jobs are returned unchanged without calling the provider.
//
// A provider error counts against the job's retry budget. While budget
// remains Poll returns a CodeUnavailable error and the job stays running;
// on exhaustion the job fails and Poll returns CodeMaxRetriesExceeded.
func (o *Orchestrator) Poll(ctx context.Context, id string) (*Job, error) {
	const op = "render.poll"

	job, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.ProviderJobID == "" {
		return nil, errors.Newf(errors.CodeNotSubmitted, "job not yet submitted: %s", id).WithOp(op)
	}
	if job.Status == StatusPublished || job.Status == StatusFailed {
		return job, nil
	}
	p, err := o.registry.Get(job.Provider)
	if err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, o.timeout)
	start := time.Now()
	res, perr := p.PollStatus(pctx, id, job.ProviderJobID)
	cancel()
	o.metrics.ProviderCall(p.Name(), "poll", time.Since(start), perr)

	release, err := o.locker.Lock(ctx, id)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "acquire job lock")
	}
	defer release()

	if perr != nil {
		return o.recordTransient(ctx, id, op, perr, "poll error")
	}
	return o.apply(ctx, p, id, outcome{
		status:    res.Status,
		progress:  res.Progress,
		outputURL: res.OutputURL,
		err:       res.Error,
		via:       "poll",
	})
}

// HandleWebhook applies a provider callback. Callbacks for published or
// failed jobs are ignored; callbacks for cancelled jobs are only logged.
func (o *Orchestrator) HandleWebhook(ctx context.Context, providerName string, payload []byte) (*Job, error) {
	const op = "render.webhook"

	p, err := o.registry.Get(providerName)
	if err != nil {
		return nil, err
	}
	res, err := p.HandleWebhook(ctx, payload)
	if err != nil {
		if errors.IsCode(err, errors.CodeUnrecognizedPayload) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.CodeUnrecognizedPayload, op, "unrecognized webhook payload").
			WithField("provider", providerName)
	}
	if res.JobID == "" {
		return nil, errors.New(errors.CodeUnrecognizedPayload, "webhook payload carries no job id").
			WithOp(op).WithField("provider", providerName)
	}
	if _, err := o.load(ctx, res.JobID); err != nil {
		return nil, err
	}

	release, err := o.locker.Lock(ctx, res.JobID)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, op, "acquire job lock")
	}
	defer release()

	return o.apply(ctx, p, res.JobID, outcome{
		status:    res.Status,
		progress:  res.Progress,
		outputURL: res.OutputURL,
		err:       res.Error,
		via:       "webhook",
	})
}

// Cancel marks a queued or running job cancelled. In-flight provider calls
// are not interrupted; their results are discarded when they arrive.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*Job, error) {
	const op = "render.cancel"

	job, err := o.update(ctx, id, func(j *Job) error {
		if j.Status.Terminal() {
			return errors.Newf(errors.CodeInvalidState, "cannot cancel job with status: %s", j.Status).
				WithOp(op).WithField("status", string(j.Status))
		}
		now := o.now()
		j.Status = StatusCancelled
		j.appendLog(now, LevelInfo, "job cancelled by user")
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.metrics.JobTransition(job.Provider, job.Kind, job.Status)
	o.log.FromContext(ctx).Info("render job cancelled", "job_id", id)
	return job, nil
}

// Get returns the current job record.
func (o *Orchestrator) Get(ctx context.Context, id string) (*Job, error) {
	return o.load(ctx, id)
}

type outcome struct {
	status    ProviderStatus
	progress  *float64
	outputURL string
	err       *ProviderError
	via       string
}

// apply reconciles a provider answer with the stored job. Callers hold the
// job lock.
func (o *Orchestrator) apply(ctx context.Context, p Provider, id string, out outcome) (*Job, error) {
	log := o.log.FromContext(ctx).WithJobID(id).WithProvider(p.Name())

	job, err := o.load(ctx, id)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case StatusPublished, StatusFailed:
		log.Warn("ignoring provider result for terminal job", "via", out.via, "status", job.Status, "provider_status", out.status)
		return job, nil
	case StatusCancelled:
		return o.update(ctx, id, func(j *Job) error {
			if j.Status != StatusCancelled {
				return ErrSkipUpdate
			}
			j.appendLog(o.now(), LevelWarn, "%s result (%s) received after cancellation; ignored", out.via, out.status)
			return nil
		})
	case StatusQueued:
		return nil, errors.Newf(errors.CodeNotSubmitted, "job not yet submitted: %s", id).WithOp("render." + out.via)
	}

	switch {
	case out.status == ProviderCompleted && out.outputURL != "":
		return o.finalize(ctx, p, job, out)

	case out.status == ProviderCompleted:
		return o.failRender(ctx, id, "provider reported completion without output", nil)

	case out.status == ProviderFailed || out.err != nil:
		msg, raw := "render failed", any(nil)
		if out.err != nil {
			if out.err.Message != "" {
				msg = out.err.Message
			}
			raw = out.err.Raw
		}
		return o.failRender(ctx, id, msg, raw)

	case out.progress != nil:
		pct := int(math.Round(math.Max(0, math.Min(100, *out.progress))))
		return o.update(ctx, id, func(j *Job) error {
			if j.Status != StatusRunning {
				return ErrSkipUpdate
			}
			now := o.now()
			j.Progress.CurrentStep = pct
			j.Progress.TotalSteps = 100
			j.Progress.LastUpdated = &now
			j.appendLog(now, LevelInfo, "progress: %d%%", pct)
			return nil
		})
	}

	return job, nil
}

func (o *Orchestrator) failRender(ctx context.Context, id, msg string, raw any) (*Job, error) {
	job, err := o.update(ctx, id, func(j *Job) error {
		if j.Status != StatusRunning {
			return ErrSkipUpdate
		}
		j.fail(o.now(), string(errors.CodeRenderFailed), msg, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if job.Status == StatusFailed {
		o.metrics.JobTransition(job.Provider, job.Kind, job.Status)
	}
	return job, nil
}

// finalize stores the output, publishes the job and notifies the owning
// entity. Callers hold the job lock and have seen the job running. The
// claim recorded on the job keeps a second caller from uploading when the
// lock has expired underneath a slow upload, and only the call that performs
// the publish transition notifies.
func (o *Orchestrator) finalize(ctx context.Context, p Provider, job *Job, out outcome) (*Job, error) {
	const op = "render.finalize"
	log := o.log.FromContext(ctx).WithJobID(job.ID).WithProvider(p.Name())

	token := uuid.NewString()
	var claimed bool
	current, err := o.update(ctx, job.ID, func(j *Job) error {
		if j.Status != StatusRunning || !j.claimFinalize(o.now(), token, o.claimTTL) {
			return ErrSkipUpdate
		}
		claimed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !claimed {
		if current.Status == StatusRunning && current.Finalizing != nil {
			log.Warn("output already being stored by another caller", "claimed_at", current.Finalizing.At, "via", out.via)
		}
		return current, nil
	}

	start := time.Now()
	url, ferr := o.finalizer.Finalize(ctx, job, p, out.outputURL)
	o.metrics.Finalization(time.Since(start), ferr)
	if ferr != nil {
		return o.recordTransient(ctx, job.ID, op, ferr, "finalization error")
	}

	// didPublish is set only by the call that moves the job to published; a
	// job published concurrently comes back from update unchanged.
	var didPublish bool
	published, err := o.update(ctx, job.ID, func(j *Job) error {
		now := o.now()
		if j.Status == StatusCancelled {
			j.appendLog(now, LevelWarn, "output stored at %s after cancellation; job left cancelled", url)
			return nil
		}
		if j.Status != StatusRunning {
			return ErrSkipUpdate
		}
		j.publish(now, url, out.via)
		didPublish = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !didPublish {
		if published.Status == StatusPublished {
			log.Warn("job already published by another caller; skipping notification", "url", url)
		}
		return published, nil
	}
	o.metrics.JobTransition(published.Provider, published.Kind, published.Status)
	log.Info("render job published", "url", url, "via", out.via)

	if o.notifier == nil {
		return published, nil
	}
	if nerr := o.notifier.NotifyAssetReady(ctx, published.EntityID, published.Kind, url); nerr != nil {
		log.WithError(nerr).Warn("asset attachment failed")
		updated, err := o.update(ctx, job.ID, func(j *Job) error {
			j.appendLog(o.now(), LevelWarn, "asset attachment to entity %s failed: %s", j.EntityID, nerr.Error())
			return nil
		})
		if err != nil {
			log.WithError(err).Error("record attachment failure")
			return published, nil
		}
		return updated, nil
	}
	return published, nil
}

// recordTransient counts cause against the job's retry budget.
func (o *Orchestrator) recordTransient(ctx context.Context, id, op string, cause error, label string) (*Job, error) {
	log := o.log.FromContext(ctx).WithJobID(id)

	var discarded, exhausted bool
	job, err := o.update(ctx, id, func(j *Job) error {
		now := o.now()
		switch j.Status {
		case StatusCancelled:
			discarded = true
			j.appendLog(now, LevelWarn, "%s after cancellation ignored (%s)", label, summarize(cause))
			return nil
		case StatusRunning:
		default:
			discarded = true
			return ErrSkipUpdate
		}

		if errors.IsCode(cause, errors.CodeFinalizationFailed) {
			j.Finalizing = nil
		}
		j.RetryCount++
		if j.RetryCount >= j.MaxRetries {
			exhausted = true
			code := errors.CodeMaxRetriesExceeded
			if errors.IsCode(cause, errors.CodeFinalizationFailed) {
				code = errors.CodeFinalizationFailed
			}
			j.fail(now, string(code), fmt.Sprintf("max retries (%d) exceeded: %s (%s)", j.MaxRetries, label, summarize(cause)), cause.Error())
			return nil
		}
		j.appendLog(now, LevelWarn, "%s (attempt %d/%d): %s", label, j.RetryCount, j.MaxRetries, summarize(cause))
		return nil
	})
	if err != nil {
		return nil, err
	}
	if discarded {
		return job, nil
	}

	log.WithError(cause).Warn(label, "retry_count", job.RetryCount, "max_retries", job.MaxRetries)

	if exhausted {
		o.metrics.JobTransition(job.Provider, job.Kind, job.Status)
		return nil, errors.WrapWithCode(cause, errors.CodeMaxRetriesExceeded, op, "retry budget exhausted").
			WithField("retry_count", job.RetryCount)
	}
	code := errors.CodeUnavailable
	if errors.IsCode(cause, errors.CodeFinalizationFailed) {
		code = errors.CodeFinalizationFailed
	}
	return nil, errors.WrapWithCode(cause, code, op, label+"; will retry").
		WithField("retry_count", job.RetryCount)
}

var errNoProviderJobID = stderrors.New("provider returned no job id")

// httpStatusError is satisfied by transport errors that carry the provider's
// HTTP status.
type httpStatusError interface {
	HTTPStatus() int
}

// summarize describes err for job records without the provider payload it
// may carry. The full text stays in JobError.Details and the service log.
func summarize(err error) string {
	var se httpStatusError
	switch {
	case stderrors.As(err, &se):
		return fmt.Sprintf("http %d", se.HTTPStatus())
	case stderrors.Is(err, errNoProviderJobID):
		return err.Error()
	case stderrors.Is(err, context.DeadlineExceeded):
		return "timed out"
	case stderrors.Is(err, context.Canceled):
		return "cancelled"
	case errors.IsCode(err, errors.CodeFinalizationFailed):
		return "output could not be stored"
	default:
		return "provider error"
	}
}

func (o *Orchestrator) load(ctx context.Context, id string) (*Job, error) {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return nil, o.storeErr(err, id, "render.load")
	}
	return job, nil
}

func (o *Orchestrator) update(ctx context.Context, id string, mutate Mutation) (*Job, error) {
	job, err := o.store.Update(ctx, id, func(j *Job) error {
		if err := mutate(j); err != nil {
			return err
		}
		j.UpdatedAt = o.now()
		return nil
	})
	if err != nil {
		var coded *errors.Error
		if errors.As(err, &coded) {
			return nil, err
		}
		return nil, o.storeErr(err, id, "render.update")
	}
	return job, nil
}

func (o *Orchestrator) storeErr(err error, id, op string) error {
	if stderrors.Is(err, ErrJobNotFound) {
		return errors.NotFound("render job", id).WithOp(op)
	}
	return errors.Wrap(err, op, "job store")
}
