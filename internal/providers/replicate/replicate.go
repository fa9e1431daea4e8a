// Package replicate renders images with Stable Diffusion through the
// Replicate predictions API.
package replicate

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/pkg/logger"
	"mediarender/internal/providers/apiclient"
	"mediarender/internal/render"
)

// Name is the registry name of this provider.
const Name = "stable-diffusion"

const (
	defaultBaseURL = "https://api.replicate.com/v1"
	// stable-diffusion v1.5
	defaultVersion   = "e316348f51c32ddc5dbe0ff14ed14f0051e16af1427a3481c46a28dff0d28589"
	estimatedSeconds = 30
)

var (
	_ render.Provider        = (*Provider)(nil)
	_ render.WebhookVerifier = (*Provider)(nil)
)

type Config struct {
	APIToken      string
	BaseURL       string
	ModelVersion  string
	WebhookURL    string
	WebhookSecret string
	HTTPClient    *http.Client
}

type Provider struct {
	cfg    Config
	api    *apiclient.Client
	log    *logger.Logger
	verify *signatureVerifier
}

func New(cfg Config, log *logger.Logger) *Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.ModelVersion == "" {
		cfg.ModelVersion = defaultVersion
	}
	if log == nil {
		log = logger.Discard()
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+cfg.APIToken)

	p := &Provider{
		cfg: cfg,
		api: apiclient.New(cfg.BaseURL, headers, cfg.HTTPClient),
		log: log.WithProvider(Name),
	}
	if cfg.WebhookSecret != "" {
		p.verify = newSignatureVerifier(cfg.WebhookSecret)
	}
	return p
}

func (p *Provider) Name() string { return Name }

// CanRender: Stable Diffusion only produces images.
func (p *Provider) CanRender(kind render.Kind) bool {
	return kind == render.KindImage
}

type prediction struct {
	ID      string          `json:"id"`
	Version string          `json:"version,omitempty"`
	Status  string          `json:"status"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   any             `json:"error,omitempty"`
	Logs    string          `json:"logs,omitempty"`
}

type createPrediction struct {
	Version             string         `json:"version"`
	Input               map[string]any `json:"input"`
	Webhook             string         `json:"webhook,omitempty"`
	WebhookEventsFilter []string       `json:"webhook_events_filter,omitempty"`
}

func (p *Provider) Render(ctx context.Context, jobID string, req render.RenderRequest) (render.RenderResult, error) {
	if p.cfg.APIToken == "" {
		return render.RenderResult{}, fmt.Errorf("stable diffusion API token not configured")
	}

	version := p.cfg.ModelVersion
	if v, ok := req.Params["version"].(string); ok && v != "" {
		version = v
	}

	body := createPrediction{
		Version: version,
		Input: map[string]any{
			"prompt":              req.Prompt,
			"negative_prompt":     stringParam(req.Params, "negativePrompt", ""),
			"width":               intParam(req.Params, "width", 512),
			"height":              intParam(req.Params, "height", 512),
			"num_inference_steps": intParam(req.Params, "steps", 25),
			"guidance_scale":      floatParam(req.Params, "guidance", 7.5),
			"seed":                intParam(req.Params, "seed", rand.IntN(1_000_000)),
		},
	}
	if p.cfg.WebhookURL != "" {
		body.Webhook = withJobID(p.cfg.WebhookURL, jobID)
		body.WebhookEventsFilter = []string{"start", "output", "completed"}
	}

	var pred prediction
	if err := p.api.Post(ctx, "/predictions", body, &pred); err != nil {
		return render.RenderResult{}, err
	}
	if pred.ID == "" {
		return render.RenderResult{}, fmt.Errorf("replicate returned a prediction without id")
	}

	p.log.Info("prediction created", "job_id", jobID, "provider_job_id", pred.ID)
	return render.RenderResult{ProviderJobID: pred.ID, EstimatedSeconds: estimatedSeconds}, nil
}

func (p *Provider) PollStatus(ctx context.Context, jobID, providerJobID string) (render.PollResult, error) {
	if p.cfg.APIToken == "" {
		return render.PollResult{}, fmt.Errorf("stable diffusion API token not configured")
	}

	var pred prediction
	if err := p.api.Get(ctx, "/predictions/"+url.PathEscape(providerJobID), &pred); err != nil {
		return render.PollResult{}, err
	}

	status, ok := mapStatus(pred.Status)
	if !ok {
		return render.PollResult{}, fmt.Errorf("replicate: unknown prediction status %q", pred.Status)
	}
	p.log.Debug("status check", "job_id", jobID, "provider_job_id", providerJobID, "replicate_status", pred.Status)

	return render.PollResult{
		Status:    status,
		Progress:  progressFromLogs(pred.Logs),
		OutputURL: firstOutput(pred.Output),
		Error:     predictionError(pred),
	}, nil
}

type webhookEnvelope struct {
	JobID      string      `json:"jobId"`
	Prediction *prediction `json:"prediction"`
}

// HandleWebhook accepts {"jobId":..., "prediction":{...}} or a bare
// prediction when the job ID came in on the callback URL.
func (p *Provider) HandleWebhook(ctx context.Context, payload []byte) (render.WebhookResult, error) {
	const op = "replicate.webhook"

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return render.WebhookResult{}, errors.WrapWithCode(err, errors.CodeUnrecognizedPayload, op, "invalid JSON")
	}
	pred := env.Prediction
	if pred == nil {
		var bare prediction
		if err := json.Unmarshal(payload, &bare); err != nil || bare.Status == "" {
			return render.WebhookResult{}, errors.New(errors.CodeUnrecognizedPayload, "payload is not a prediction").WithOp(op)
		}
		pred = &bare
	}
	jobID := env.JobID
	if jobID == "" {
		jobID = render.WebhookJobIDFromContext(ctx)
	}
	if jobID == "" {
		return render.WebhookResult{}, errors.New(errors.CodeUnrecognizedPayload, "missing jobId").WithOp(op)
	}

	status, ok := mapStatus(pred.Status)
	if !ok {
		return render.WebhookResult{}, errors.Newf(errors.CodeUnrecognizedPayload, "unexpected webhook status %q", pred.Status).WithOp(op)
	}

	p.log.Info("webhook received", "job_id", jobID, "provider_job_id", pred.ID, "replicate_status", pred.Status)

	res := render.WebhookResult{
		JobID:    jobID,
		Status:   status,
		Progress: progressFromLogs(pred.Logs),
		Error:    predictionError(*pred),
	}
	if status == render.ProviderCompleted {
		res.OutputURL = firstOutput(pred.Output)
	}
	if status == render.ProviderFailed && res.Error == nil {
		res.Error = &render.ProviderError{Message: "render failed"}
	}
	return res, nil
}

// VerifyWebhook checks the webhook-signature header when a signing secret is
// configured.
func (p *Provider) VerifyWebhook(header http.Header, body []byte) error {
	if p.verify == nil {
		return nil
	}
	return p.verify.Verify(header, body)
}

func mapStatus(s string) (render.ProviderStatus, bool) {
	switch s {
	case "succeeded":
		return render.ProviderCompleted, true
	case "failed", "canceled":
		return render.ProviderFailed, true
	case "starting", "processing":
		return render.ProviderPending, true
	default:
		return "", false
	}
}

func predictionError(pred prediction) *render.ProviderError {
	if pred.Error == nil {
		return nil
	}
	msg, ok := pred.Error.(string)
	if !ok || msg == "" {
		msg = fmt.Sprint(pred.Error)
	}
	return &render.ProviderError{Message: msg, Raw: pred.Error}
}

// firstOutput handles both list and single-string outputs.
func firstOutput(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		if len(list) > 0 {
			return list[0]
		}
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	return ""
}

var progressRE = regexp.MustCompile(`(\d{1,3})%\|`)

// progressFromLogs reads the last tqdm percentage from prediction logs.
func progressFromLogs(logs string) *float64 {
	m := progressRE.FindAllStringSubmatch(logs, -1)
	if len(m) == 0 {
		return nil
	}
	v, err := strconv.ParseFloat(m[len(m)-1][1], 64)
	if err != nil {
		return nil
	}
	return &v
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
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func floatParam(params map[string]any, key string, def float64) float64 {
	switch v := params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}
