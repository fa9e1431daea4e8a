package handlers

import (
	"context"

	"github.com/redis/go-redis/v9"

	"mediarender/internal/pkg/logger"
	"mediarender/internal/ports"
	"mediarender/internal/render"
)

// RenderService is the orchestrator surface exposed over HTTP.
type RenderService interface {
	Create(ctx context.Context, req render.CreateRequest) (*render.Job, error)
	Submit(ctx context.Context, id string) (*render.Job, error)
	Poll(ctx context.Context, id string) (*render.Job, error)
	HandleWebhook(ctx context.Context, provider string, payload []byte) (*render.Job, error)
	Cancel(ctx context.Context, id string) (*render.Job, error)
	Get(ctx context.Context, id string) (*render.Job, error)
}

// ProviderLookup resolves webhook targets.
type ProviderLookup interface {
	Get(name string) (render.Provider, error)
}

// Pinger is satisfied by the Postgres job store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Render    RenderService
	Providers ProviderLookup
	SP        ports.StorageProvider
	// DB and RDB are optional; health reports them as skipped when nil.
	DB          Pinger
	RDB         *redis.Client
	ServiceName string
	Version     string
	Log         *logger.Logger
}

type Handler struct {
	render    RenderService
	providers ProviderLookup
	sp        ports.StorageProvider
	db        Pinger
	rdb       *redis.Client
	service   string
	version   string
	log       *logger.Logger
}

func New(d Deps) *Handler {
	if d.Log == nil {
		d.Log = logger.Discard()
	}
	if d.ServiceName == "" {
		d.ServiceName = "mediarender-api"
	}
	return &Handler{
		render:    d.Render,
		providers: d.Providers,
		sp:        d.SP,
		db:        d.DB,
		rdb:       d.RDB,
		service:   d.ServiceName,
		version:   d.Version,
		log:       d.Log,
	}
}

// Log is the logger handlers report errors to.
func (h *Handler) Log() *logger.Logger { return h.log }
