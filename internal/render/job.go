// Package render owns render jobs: their state machine, the provider
// contract and the finalization of provider output into durable storage.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind is the media type a job produces.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	return k == KindImage || k == KindVideo
}

// Extension is the file extension used for finalized output.
func (k Kind) Extension() string {
	if k == KindVideo {
		return "mp4"
	}
	return "png"
}

// ContentType is the MIME type used for finalized output.
func (k Kind) ContentType() string {
	if k == KindVideo {
		return "video/mp4"
	}
	return "image/png"
}

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPublished Status = "published"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusPublished, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// LogLevel is the severity of a job log entry.
type LogLevel string

const (
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry is one line of a job's audit trail.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// Progress is the UI-facing progress of a running job.
type Progress struct {
	CurrentStep      int        `json:"currentStep,omitempty"`
	TotalSteps       int        `json:"totalSteps,omitempty"`
	EstimatedSeconds int        `json:"estimatedTimeRemaining,omitempty"`
	LastUpdated      *time.Time `json:"lastUpdated,omitempty"`
}

// OutputURLs holds the finalized asset locations.
type OutputURLs struct {
	Primary     string   `json:"primary"`
	Variants    []string `json:"variants,omitempty"`
	PosterFrame string   `json:"posterFrame,omitempty"`
}

// JobError is the persisted failure of a job. Details keeps the raw provider
// payload for diagnostics and is never returned by the HTTP surface.
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// FinalizeClaim marks a job whose output is being stored. A claim older than
// the orchestrator's claim TTL is treated as abandoned.
type FinalizeClaim struct {
	Token string    `json:"token"`
	At    time.Time `json:"at"`
}

// DefaultMaxRetries is used when a job is created without an override.
const DefaultMaxRetries = 3

// Job is a single render request tracked through its lifecycle.
type Job struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenantId"`
	EntityID      string         `json:"entityId"`
	CampaignID    string         `json:"campaignId,omitempty"`
	Kind          Kind           `json:"kind"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	Params        map[string]any `json:"params"`
	Status        Status         `json:"status"`
	ProviderJobID string         `json:"providerJobId,omitempty"`
	RetryCount    int            `json:"retryCount"`
	MaxRetries    int            `json:"maxRetries"`
	Progress      Progress       `json:"progress"`
	OutputURLs    *OutputURLs    `json:"outputUrls,omitempty"`
	Error         *JobError      `json:"error,omitempty"`
	Logs          []LogEntry     `json:"logs"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Finalizing    *FinalizeClaim `json:"finalizing,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	StartedAt     *time.Time     `json:"startedAt,omitempty"`
	CompletedAt   *time.Time     `json:"completedAt,omitempty"`
}

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return "rj_" + uuid.NewString()
}

// Prompt returns params.prompt as a string, or "".
func (j *Job) Prompt() string {
	return paramString(j.Params, "prompt")
}

func (j *Job) appendLog(now time.Time, level LogLevel, format string, args ...any) {
	j.Logs = append(j.Logs, LogEntry{
		Timestamp: now,
		Level:     level,
		Message:   fmt.Sprintf(format, args...),
	})
}

// fail moves the job to failed and records the error with its log line.
func (j *Job) fail(now time.Time, code, message string, details any) {
	j.Status = StatusFailed
	j.Error = &JobError{Code: code, Message: message, Details: details}
	j.CompletedAt = &now
	j.Finalizing = nil
	j.appendLog(now, LevelError, "%s: %s", code, message)
}

// publish moves the job to published with url as the primary output.
func (j *Job) publish(now time.Time, url, via string) {
	j.Status = StatusPublished
	j.OutputURLs = &OutputURLs{Primary: url}
	j.CompletedAt = &now
	j.Error = nil
	j.Finalizing = nil
	j.appendLog(now, LevelInfo, "render completed via %s and stored at %s", via, url)
}

// Clone returns a deep enough copy for callers that must not observe later
// mutations. Params and Metadata values are shared.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Params = cloneMap(j.Params)
	c.Metadata = cloneMap(j.Metadata)
	c.Logs = append([]LogEntry(nil), j.Logs...)
	if j.OutputURLs != nil {
		out := *j.OutputURLs
		out.Variants = append([]string(nil), j.OutputURLs.Variants...)
		c.OutputURLs = &out
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.Finalizing != nil {
		f := *j.Finalizing
		c.Finalizing = &f
	}
	return &c
}

// claimFinalize records token as the caller storing the output unless a
// live claim by another caller exists.
func (j *Job) claimFinalize(now time.Time, token string, ttl time.Duration) bool {
	if c := j.Finalizing; c != nil && c.Token != token && now.Sub(c.At) < ttl {
		return false
	}
	j.Finalizing = &FinalizeClaim{Token: token, At: now}
	return true
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func paramString(params map[string]any, key string) string {
	if params == nil {
		return ""
	}
	s, _ := params[key].(string)
	return s
}

// RequestHash fingerprints the render inputs. It is stored in
// metadata.hash so duplicate requests can be found.
func RequestHash(tenantID, entityID string, kind Kind, provider, model string, params map[string]any) string {
	// encoding/json sorts map keys, so equal params hash equally.
	p, _ := json.Marshal(params)
	h := sha256.New()
	for _, part := range []string{tenantID, entityID, string(kind), provider, model} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(p)
	return hex.EncodeToString(h.Sum(nil))
}
