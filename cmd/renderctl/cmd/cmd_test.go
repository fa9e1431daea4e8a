package cmd

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/viper"
)

func resetViper() {
	viper.Reset()
}

func run(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	viper.Set("url", serverURL)
	viper.Set("tenant", "tenant-1")

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stdout)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), err
}

func writeJob(w http.ResponseWriter, status int, job map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"job": job})
}

func TestSubmitCommand_CreatesAndSubmits(t *testing.T) {
	resetViper()

	var created map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/render-jobs":
			if r.Header.Get("X-Tenant-ID") != "tenant-1" {
				t.Errorf("expected tenant header, got %q", r.Header.Get("X-Tenant-ID"))
			}
			json.NewDecoder(r.Body).Decode(&created)
			writeJob(w, http.StatusCreated, map[string]any{"id": "rj_123", "status": "queued"})
		case r.Method == http.MethodPost && r.URL.Path == "/render-jobs/rj_123/submit":
			writeJob(w, http.StatusOK, map[string]any{"id": "rj_123", "status": "running", "providerJobId": "pred-9"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	defer server.Close()

	out, err := run(t, server.URL, "submit", "--entity", "creative-1", "--model", "sd-1.5", "--prompt", "a cat", "--param", "width=768")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if created["entityId"] != "creative-1" || created["tenantId"] != "tenant-1" {
		t.Errorf("unexpected create body: %v", created)
	}
	params, _ := created["params"].(map[string]any)
	if params["prompt"] != "a cat" || params["width"] != "768" {
		t.Errorf("unexpected params: %v", params)
	}
	if !strings.Contains(out, "Job submitted") || !strings.Contains(out, "pred-9") {
		t.Errorf("expected submit summary, got: %s", out)
	}
}

func TestSubmitCommand_ExistingJob(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render-jobs/rj_7/submit" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		writeJob(w, http.StatusOK, map[string]any{"id": "rj_7", "status": "running"})
	}))
	defer server.Close()

	out, err := run(t, server.URL, "submit", "rj_7")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "rj_7") {
		t.Errorf("expected job id in output, got: %s", out)
	}
}

func TestStatusCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJob(w, http.StatusOK, map[string]any{
			"id":         "rj_1",
			"status":     "published",
			"kind":       "image",
			"provider":   "stub",
			"outputUrls": map[string]any{"primary": "http://cdn.test/rj_1.png"},
		})
	}))
	defer server.Close()

	out, err := run(t, server.URL, "status", "rj_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "published") || !strings.Contains(out, "http://cdn.test/rj_1.png") {
		t.Errorf("expected status and output url, got: %s", out)
	}
}

func TestPollCommand_ErrorEnvelope(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"NOT_SUBMITTED","message":"job not yet submitted: rj_1"}}`))
	}))
	defer server.Close()

	out, err := run(t, server.URL, "poll", "rj_1")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Code != "NOT_SUBMITTED" || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("expected NOT_SUBMITTED API error, got %v", err)
	}
	if !strings.Contains(out, "NOT_SUBMITTED") {
		t.Errorf("expected code in output, got: %s", out)
	}
}

func TestCancelCommand(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/render-jobs/rj_5/cancel" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		writeJob(w, http.StatusOK, map[string]any{"id": "rj_5", "status": "cancelled"})
	}))
	defer server.Close()

	out, err := run(t, server.URL, "cancel", "rj_5")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "rj_5 cancelled") {
		t.Errorf("expected cancel confirmation, got: %s", out)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := map[string]bool{"create": false, "submit": false, "status": false, "poll": false, "cancel": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s subcommand", name)
		}
	}
}
