package domain

import (
	"context"
	"time"
)

// ImageRepository is the durable record store for images and their job state.
type ImageRepository interface {
	Create(ctx context.Context, img *Image) error
	GetByID(ctx context.Context, id string) (*Image, error)
	ListByOwner(ctx context.Context, ownerID string, opts ListOptions) (ImagePage, error)
	Search(ctx context.Context, ownerID string, filters SearchFilters) (ImagePage, error)
	// ListAnalyzed returns the owner's images that carry tags and a description.
	ListAnalyzed(ctx context.Context, ownerID string) ([]Image, error)
	// Transition moves the image to status `to` only if its current status is one of `from`.
	// It returns ErrStatusConflict when the current status does not match.
	Transition(ctx context.Context, id string, from []ImageStatus, to ImageStatus, bumpAttempts bool) (*Image, error)
	// Complete and Fail apply only while the image is processing and return
	// ErrStatusConflict otherwise.
	Complete(ctx context.Context, id string, analysis Analysis) (*Image, error)
	Fail(ctx context.Context, id string, message string) (*Image, error)
	// Touch refreshes updated_at of a processing image so sweepers in any
	// process see the job as alive. ErrStatusConflict when not processing.
	Touch(ctx context.Context, id string) (*Image, error)
	Delete(ctx context.Context, id string) error
	ListStale(ctx context.Context, status ImageStatus, before time.Time, limit int) ([]Image, error)
}

// ContainsStatus reports whether s is in set.
func ContainsStatus(set []ImageStatus, s ImageStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
