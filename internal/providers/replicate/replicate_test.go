package replicate

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"mediarender/internal/pkg/errors"
	"mediarender/internal/render"
)

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{
		APIToken:   "r8_test",
		BaseURL:    srv.URL,
		WebhookURL: "https://hooks.test/render-jobs/webhook/stable-diffusion",
	}, nil)
}

func TestRender(t *testing.T) {
	var got createPrediction
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predictions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Token r8_test" {
			t.Errorf("expected token auth, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"pred-1","status":"starting"}`))
	})

	res, err := p.Render(context.Background(), "rj_1", render.RenderRequest{
		Kind:   render.KindImage,
		Prompt: "a red bicycle",
		Params: map[string]any{"width": float64(768), "seed": float64(42)},
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if res.ProviderJobID != "pred-1" || res.EstimatedSeconds != 30 {
		t.Errorf("unexpected result %+v", res)
	}
	if got.Version != defaultVersion {
		t.Errorf("expected default version, got %q", got.Version)
	}
	if got.Input["prompt"] != "a red bicycle" || got.Input["width"] != float64(768) || got.Input["height"] != float64(512) {
		t.Errorf("unexpected input %v", got.Input)
	}
	if got.Input["seed"] != float64(42) {
		t.Errorf("expected seed 42, got %v", got.Input["seed"])
	}
	if got.Webhook != "https://hooks.test/render-jobs/webhook/stable-diffusion?jobId=rj_1" {
		t.Errorf("unexpected webhook %q", got.Webhook)
	}
}

func TestRenderVersionOverride(t *testing.T) {
	var got createPrediction
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"id":"pred-2","status":"starting"}`))
	})

	_, err := p.Render(context.Background(), "rj_1", render.RenderRequest{
		Prompt: "x",
		Params: map[string]any{"version": "custom"},
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if got.Version != "custom" {
		t.Errorf("expected version override, got %q", got.Version)
	}
}

func TestRenderHTTPError(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"invalid version"}`, http.StatusUnprocessableEntity)
	})

	if _, err := p.Render(context.Background(), "rj_1", render.RenderRequest{Prompt: "x"}); err == nil {
		t.Error("expected error for 422 response")
	}
}

func TestRenderWithoutToken(t *testing.T) {
	p := New(Config{}, nil)
	if _, err := p.Render(context.Background(), "rj_1", render.RenderRequest{Prompt: "x"}); err == nil {
		t.Error("expected error without token")
	}
}

func TestPollStatus(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus render.ProviderStatus
		wantURL    string
		wantProg   float64
		wantErr    string
	}{
		{
			name:       "processing with progress",
			body:       `{"id":"p","status":"processing","logs":"  4%|▍ | 1/25\n 40%|████ | 10/25"}`,
			wantStatus: render.ProviderPending,
			wantProg:   40,
		},
		{
			name:       "succeeded array output",
			body:       `{"id":"p","status":"succeeded","output":["https://replicate.delivery/a.png","https://replicate.delivery/b.png"]}`,
			wantStatus: render.ProviderCompleted,
			wantURL:    "https://replicate.delivery/a.png",
		},
		{
			name:       "succeeded string output",
			body:       `{"id":"p","status":"succeeded","output":"https://replicate.delivery/c.png"}`,
			wantStatus: render.ProviderCompleted,
			wantURL:    "https://replicate.delivery/c.png",
		},
		{
			name:       "failed",
			body:       `{"id":"p","status":"failed","error":"NSFW content detected"}`,
			wantStatus: render.ProviderFailed,
			wantErr:    "NSFW content detected",
		},
		{
			name:       "canceled",
			body:       `{"id":"p","status":"canceled"}`,
			wantStatus: render.ProviderFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/predictions/pred-1" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				w.Write([]byte(tt.body))
			})

			res, err := p.PollStatus(context.Background(), "rj_1", "pred-1")
			if err != nil {
				t.Fatalf("PollStatus failed: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, res.Status)
			}
			if res.OutputURL != tt.wantURL {
				t.Errorf("expected url %q, got %q", tt.wantURL, res.OutputURL)
			}
			if tt.wantProg > 0 && (res.Progress == nil || *res.Progress != tt.wantProg) {
				t.Errorf("expected progress %v, got %v", tt.wantProg, res.Progress)
			}
			if tt.wantErr != "" && (res.Error == nil || res.Error.Message != tt.wantErr) {
				t.Errorf("expected error %q, got %+v", tt.wantErr, res.Error)
			}
		})
	}
}

func TestPollStatusUnknown(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"p","status":"teleporting"}`))
	})
	if _, err := p.PollStatus(context.Background(), "rj_1", "pred-1"); err == nil {
		t.Error("expected error for unknown status")
	}
}

func TestHandleWebhook(t *testing.T) {
	p := New(Config{APIToken: "t"}, nil)

	t.Run("envelope", func(t *testing.T) {
		res, err := p.HandleWebhook(context.Background(),
			[]byte(`{"jobId":"rj_9","prediction":{"id":"p","status":"succeeded","output":["https://x/a.png"]}}`))
		if err != nil {
			t.Fatalf("HandleWebhook failed: %v", err)
		}
		if res.JobID != "rj_9" || res.Status != render.ProviderCompleted || res.OutputURL != "https://x/a.png" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("bare prediction with job id from callback url", func(t *testing.T) {
		ctx := render.ContextWithWebhookJobID(context.Background(), "rj_7")
		res, err := p.HandleWebhook(ctx, []byte(`{"id":"p","status":"failed","error":"boom"}`))
		if err != nil {
			t.Fatalf("HandleWebhook failed: %v", err)
		}
		if res.JobID != "rj_7" || res.Status != render.ProviderFailed || res.Error.Message != "boom" {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("failed without error message", func(t *testing.T) {
		res, err := p.HandleWebhook(context.Background(), []byte(`{"jobId":"rj_1","prediction":{"status":"canceled"}}`))
		if err != nil {
			t.Fatalf("HandleWebhook failed: %v", err)
		}
		if res.Error == nil || res.Error.Message != "render failed" {
			t.Errorf("expected default error, got %+v", res.Error)
		}
	})

	bad := map[string]string{
		"invalid json":   `{`,
		"no prediction":  `{"hello":"world"}`,
		"missing job id": `{"id":"p","status":"succeeded"}`,
		"unknown status": `{"jobId":"rj_1","prediction":{"status":"weird"}}`,
	}
	for name, payload := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := p.HandleWebhook(context.Background(), []byte(payload))
			if !errors.IsCode(err, errors.CodeUnrecognizedPayload) {
				t.Errorf("expected UNRECOGNIZED_PAYLOAD, got %v", err)
			}
		})
	}
}

func TestVerifyWebhook(t *testing.T) {
	secret := "whsec_" + base64.StdEncoding.EncodeToString([]byte("super-secret-key"))
	p := New(Config{WebhookSecret: secret}, nil)
	now := time.Unix(1_700_000_000, 0)
	p.verify.now = func() time.Time { return now }

	body := []byte(`{"id":"p","status":"succeeded"}`)
	ts := strconv.FormatInt(now.Unix(), 10)
	sig := p.verify.sign("msg_1", ts, body)

	header := func(id, ts, sig string) http.Header {
		h := http.Header{}
		h.Set("webhook-id", id)
		h.Set("webhook-timestamp", ts)
		h.Set("webhook-signature", sig)
		return h
	}

	if err := p.VerifyWebhook(header("msg_1", ts, "v1,bogus v1,"+sig), body); err != nil {
		t.Errorf("expected valid signature, got %v", err)
	}
	if err := p.VerifyWebhook(header("msg_1", ts, "v1,"+sig), []byte(`{"tampered":true}`)); err == nil {
		t.Error("expected mismatch for tampered body")
	}
	old := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
	if err := p.VerifyWebhook(header("msg_1", old, "v1,"+p.verify.sign("msg_1", old, body)), body); err == nil {
		t.Error("expected stale timestamp to be rejected")
	}
	if err := p.VerifyWebhook(http.Header{}, body); !errors.IsCode(err, errors.CodeUnauthorized) {
		t.Errorf("expected UNAUTHORIZED for missing headers, got %v", err)
	}

	unsigned := New(Config{}, nil)
	if err := unsigned.VerifyWebhook(http.Header{}, body); err != nil {
		t.Errorf("expected no verification without secret, got %v", err)
	}
}
