// Package runway renders short videos through the Runway task API.
package runway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/providers/apiclient"
	"mediarender/internal/render"
)

const Name = "runway-ml"

const (
	defaultBaseURL    = "https://api.runwayml.com/v1"
	defaultAPIVersion = "2024-11-06"
	defaultModel      = "gen3a_turbo"
	estimatedSeconds  = 120
)

var (
	_ render.Provider   = (*Provider)(nil)
	_ render.Downloader = (*Provider)(nil)
)

type Config struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	WebhookURL string
	HTTPClient *http.Client
}

type Provider struct {
	cfg Config
	api *apiclient.Client
	log *logger.Logger
}

func New(cfg Config, log *logger.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if log == nil {
		log = logger.Discard()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+cfg.APIKey)
	headers.Set("X-Runway-Version", cfg.APIVersion)

	return &Provider{
		cfg: cfg,
		api: apiclient.New(cfg.BaseURL, headers, cfg.HTTPClient),
		log: log.WithProvider(Name),
	}
}

func (p *Provider) Name() string { return Name }

func (p *Provider) CanRender(kind render.Kind) bool {
	return kind == render.KindVideo
}

type createTask struct {
	TaskType   string `json:"taskType"`
	Model      string `json:"model"`
	Prompt     string `json:"prompt"`
	Duration   int    `json:"duration"`
	Resolution string `json:"resolution"`
	Seed       *int   `json:"seed,omitempty"`
	Webhook    string `json:"webhook,omitempty"`
}

type task struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Progress *float64        `json:"progress,omitempty"`
	Output   json.RawMessage `json:"output,omitempty"`
	Failure  string          `json:"failure,omitempty"`
	Error    any             `json:"error,omitempty"`
}

func (p *Provider) Render(ctx context.Context, jobID string, req render.RenderRequest) (render.RenderResult, error) {
	if p.cfg.APIKey == "" {
		return render.RenderResult{}, fmt.Errorf("runway API key not configured")
	}

	model := req.Model
	if model == "" {
		model = defaultModel
	}
	body := createTask{
		TaskType:   "text2video",
		Model:      model,
		Prompt:     req.Prompt,
		Duration:   intParam(req.Params, "duration", 4),
		Resolution: stringParam(req.Params, "resolution", "1280x720"),
	}
	if _, ok := req.Params["seed"]; ok {
		seed := intParam(req.Params, "seed", 0)
		body.Seed = &seed
	}
	if p.cfg.WebhookURL != "" {
		body.Webhook = withJobID(p.cfg.WebhookURL, jobID)
	}

	var t task
	if err := p.api.Post(ctx, "/tasks", body, &t); err != nil {
		return render.RenderResult{}, err
	}
	if t.ID == "" {
		return render.RenderResult{}, fmt.Errorf("runway returned a task without id")
	}

	p.log.Info("task created", "job_id", jobID, "provider_job_id", t.ID)
	return render.RenderResult{ProviderJobID: t.ID, EstimatedSeconds: estimatedSeconds}, nil
}

func (p *Provider) PollStatus(ctx context.Context, jobID, providerJobID string) (render.PollResult, error) {
	if p.cfg.APIKey == "" {
		return render.PollResult{}, fmt.Errorf("runway API key not configured")
	}

	var t task
	if err := p.api.Get(ctx, "/tasks/"+url.PathEscape(providerJobID), &t); err != nil {
		return render.PollResult{}, err
	}
	p.log.Debug("status check", "job_id", jobID, "provider_job_id", providerJobID, "runway_status", t.Status)

	res := toResult(t)
	return render.PollResult{
		Status:    res.Status,
		Progress:  res.Progress,
		OutputURL: res.OutputURL,
		Error:     res.Error,
	}, nil
}

type webhookEnvelope struct {
	JobID string `json:"jobId"`
	Task  *task  `json:"task"`
}

func (p *Provider) HandleWebhook(ctx context.Context, payload []byte) (render.WebhookResult, error) {
	const op = "runway.webhook"

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return render.WebhookResult{}, errors.WrapWithCode(err, errors.CodeUnrecognizedPayload, op, "invalid JSON")
	}
	if env.Task == nil || env.Task.Status == "" {
		return render.WebhookResult{}, errors.New(errors.CodeUnrecognizedPayload, "payload has no task").WithOp(op)
	}
	jobID := env.JobID
	if jobID == "" {
		jobID = render.WebhookJobIDFromContext(ctx)
	}
	if jobID == "" {
		return render.WebhookResult{}, errors.New(errors.CodeUnrecognizedPayload, "missing jobId").WithOp(op)
	}

	res := toResult(*env.Task)
	res.JobID = jobID
	if res.Status == render.ProviderCompleted && res.OutputURL == "" {
		return render.WebhookResult{}, errors.New(errors.CodeUnrecognizedPayload, "completed task has no output").WithOp(op)
	}

	p.log.Info("webhook received", "job_id", jobID, "provider_job_id", env.Task.ID, "runway_status", env.Task.Status)
	return res, nil
}

// Download fetches task output with the API credentials. Runway output URLs
// are signed and expire, so the finalizer stores them through here.
func (p *Provider) Download(ctx context.Context, outputURL string) (io.ReadCloser, string, error) {
	return p.api.Open(ctx, outputURL)
}

func toResult(t task) render.WebhookResult {
	switch t.Status {
	case "SUCCEEDED":
		return render.WebhookResult{Status: render.ProviderCompleted, OutputURL: firstOutput(t.Output)}
	case "FAILED", "CANCELLED":
		msg := t.Failure
		if msg == "" && t.Error != nil {
			msg = fmt.Sprint(t.Error)
		}
		if msg == "" {
			msg = "render failed"
		}
		return render.WebhookResult{Status: render.ProviderFailed, Error: &render.ProviderError{Message: msg, Raw: t.Error}}
	default:
		res := render.WebhookResult{Status: render.ProviderPending}
		if t.Progress != nil {
			// runway reports 0..1
			pct := *t.Progress * 100
			res.Progress = &pct
		}
		return res
	}
}

// firstOutput accepts {"url": ...} or a list of URLs.
func firstOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var obj struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.URL != "" {
		return obj.URL
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

func withJobID(webhookURL, jobID string) string {
	u, err := url.Parse(webhookURL)
	if err != nil {
		return webhookURL
	}
	q := u.Query()
	q.Set("jobId", jobID)
	u.RawQuery = q.Encode()
	return u.String()
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

func intParam(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return def
}
