package repositories

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"mediarender/internal/models"
)

var ErrCreativeNotFound = errors.New("creative not found")

type CreativeRepository struct {
	db DB
}

func NewCreativeRepository(db DB) *CreativeRepository {
	return &CreativeRepository{db: db}
}

func (r *CreativeRepository) Get(ctx context.Context, id string) (*models.Creative, error) {
	var c models.Creative
	err := r.db.QueryRow(ctx, `
		SELECT id, tenant_id, status, image_urls, image_url, video_url, created_at, updated_at
		FROM creatives
		WHERE id=$1
	`, id).Scan(
		&c.ID,
		&c.TenantID,
		&c.Status,
		&c.ImageURLs,
		&c.ImageURL,
		&c.VideoURL,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCreativeNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AttachImage appends url to the creative's images, makes it the primary
// image and flags the creative for review.
func (r *CreativeRepository) AttachImage(ctx context.Context, id, url string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE creatives
		SET image_urls = CASE WHEN $2 = ANY(image_urls) THEN image_urls ELSE array_append(image_urls, $2) END,
		    image_url = $2,
		    status = $3,
		    updated_at = now()
		WHERE id=$1
	`, id, url, models.CreativeNeedsReview)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCreativeNotFound
	}
	return nil
}

// AttachVideo sets the creative's video and flags it for review.
func (r *CreativeRepository) AttachVideo(ctx context.Context, id, url string) error {
	cmd, err := r.db.Exec(ctx, `
		UPDATE creatives
		SET video_url = $2,
		    status = $3,
		    updated_at = now()
		WHERE id=$1
	`, id, url, models.CreativeNeedsReview)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrCreativeNotFound
	}
	return nil
}
