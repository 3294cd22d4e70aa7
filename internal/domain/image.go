package domain

import "time"

// ImageStatus enumerates the processing lifecycle of an uploaded image.
type ImageStatus string

const (
	StatusPending    ImageStatus = "pending"
	StatusProcessing ImageStatus = "processing"
	StatusCompleted  ImageStatus = "completed"
	StatusFailed     ImageStatus = "failed"
	StatusDeleted    ImageStatus = "deleted"
)

// DefaultMaxAttempts bounds how many processing attempts an image may consume.
const DefaultMaxAttempts = 3

// MaxDominantColors is the upper bound on stored dominant colors.
const MaxDominantColors = 5

// Valid reports whether s is a known status.
func (s ImageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusDeleted:
		return true
	}
	return false
}

// Progress derives the percentage shown for a status.
func Progress(s ImageStatus) int {
	switch s {
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// Image is one uploaded image together with its processing job state.
type Image struct {
	ID               string
	OwnerID          string
	Filename         string
	OriginalFilename string
	FileSize         int64
	MIMEType         string
	Width            int
	Height           int
	OriginalURL      string
	ThumbnailURL     string
	Status           ImageStatus
	Tags             []string
	Description      string
	DominantColors   []string
	ErrorMessage     string
	// Attempts counts processing attempts; an upload starts at 1 and each retry adds one.
	Attempts   int
	UploadedAt time.Time
	UpdatedAt  time.Time
}

// Analysis holds AI-generated metadata.
type Analysis struct {
	Tags           []string
	Description    string
	DominantColors []string
}

// Analysis returns the AI metadata, which only exists for completed images.
func (img Image) Analysis() (Analysis, bool) {
	if img.Status != StatusCompleted {
		return Analysis{}, false
	}
	return Analysis{
		Tags:           img.Tags,
		Description:    img.Description,
		DominantColors: img.DominantColors,
	}, true
}

// Progress returns the derived progress of the image.
func (img Image) Progress() int {
	return Progress(img.Status)
}

// StaleSince reports whether the image is processing and has not been touched since before cutoff.
func (img Image) StaleSince(cutoff time.Time) bool {
	return img.Status == StatusProcessing && img.UpdatedAt.Before(cutoff)
}

// Clone returns a deep copy so callers can hand out records without aliasing slices.
func (img Image) Clone() Image {
	out := img
	out.Tags = append([]string(nil), img.Tags...)
	out.DominantColors = append([]string(nil), img.DominantColors...)
	return out
}

// ImagePage is one page of a listing.
type ImagePage struct {
	Images  []Image
	Total   int
	Page    int
	Limit   int
	HasNext bool
	HasPrev bool
}

// ListOptions filters an owner listing.
type ListOptions struct {
	Page   int
	Limit  int
	Status ImageStatus
}

// SortOrder enumerates listing directions.
type SortOrder string

const (
	SortDesc SortOrder = "desc"
	SortAsc  SortOrder = "asc"
)

// SearchFilters narrows a search over an owner's images.
type SearchFilters struct {
	Query     string
	Color     string
	Tags      []string
	SortBy    string
	SortOrder SortOrder
	Page      int
	Limit     int
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// NormalizePage clamps page to >= 1 and limit to 1..MaxPageLimit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

// Offset is the row offset of a normalized page.
func Offset(page, limit int) int {
	return (page - 1) * limit
}

// NewImagePage fills the paging flags of a result.
func NewImagePage(images []Image, total, page, limit int) ImagePage {
	if images == nil {
		images = []Image{}
	}
	return ImagePage{
		Images:  images,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasNext: Offset(page, limit)+limit < total,
		HasPrev: page > 1,
	}
}
