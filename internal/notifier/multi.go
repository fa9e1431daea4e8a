package notifier

import (
	"context"
	"errors"

	"mediarender/internal/render"
)

// Multi fans an event out to every notifier and joins their errors.
type Multi []render.Notifier

func (m Multi) NotifyAssetReady(ctx context.Context, entityID string, kind render.Kind, url string) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyAssetReady(ctx, entityID, kind, url); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) NotifyAssetReady(context.Context, string, render.Kind, string) error { return nil }
