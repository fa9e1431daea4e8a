// Package notifier delivers "asset ready" events for published render jobs.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"mediarender/internal/pkg/logger"
	"mediarender/internal/render"
	"mediarender/internal/repositories"
)

type creativeWriter interface {
	AttachImage(ctx context.Context, id, url string) error
	AttachVideo(ctx context.Context, id, url string) error
}

// Creatives attaches rendered assets to the owning creative row.
type Creatives struct {
	repo creativeWriter
	log  *logger.Logger
}

func NewCreatives(repo creativeWriter, log *logger.Logger) *Creatives {
	if log == nil {
		log = logger.Discard()
	}
	return &Creatives{repo: repo, log: log.WithComponent("notifier.creatives")}
}

// NotifyAssetReady tolerates a missing creative: the render is already
// stored and there is nothing to attach it to.
func (n *Creatives) NotifyAssetReady(ctx context.Context, entityID string, kind render.Kind, url string) error {
	var err error
	switch kind {
	case render.KindImage:
		err = n.repo.AttachImage(ctx, entityID, url)
	case render.KindVideo:
		err = n.repo.AttachVideo(ctx, entityID, url)
	default:
		return fmt.Errorf("unsupported kind %q", kind)
	}

	if errors.Is(err, repositories.ErrCreativeNotFound) {
		n.log.Warn("creative not found for rendered asset", "entity_id", entityID, "kind", kind)
		return nil
	}
	if err != nil {
		return fmt.Errorf("attach %s to creative %s: %w", kind, entityID, err)
	}
	n.log.Info("asset attached to creative", "entity_id", entityID, "kind", kind)
	return nil
}
