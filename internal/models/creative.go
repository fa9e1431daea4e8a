package models

import "time"

// Creative status values written by the render pipeline.
const (
	CreativeDraft       = "draft"
	CreativeNeedsReview = "needsReview"
)

// Creative is the campaign entity render outputs are attached to.
type Creative struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Status    string    `json:"status"`
	ImageURLs []string  `json:"image_urls"`
	ImageURL  *string   `json:"image_url,omitempty"`
	VideoURL  *string   `json:"video_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
