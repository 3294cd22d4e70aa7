// Package vision talks to the Azure Computer Vision analyze endpoint and
// shapes its output into tags, a caption, and dominant colors.
package vision

import (
	"context"
	"errors"
	"fmt"

	"gallery/internal/domain"
)

var (
	// ErrNotConfigured reports a missing endpoint or key. Nothing is sent.
	ErrNotConfigured = fmt.Errorf("vision: %w", domain.ErrNotConfigured)
	// ErrRateLimited is the server-side 429, distinct from other failures.
	ErrRateLimited = errors.New("vision: rate limited")
)

// Source is the image to analyze, either by URL or inline bytes.
type Source struct {
	URL  string
	Data []byte
	MIME string
}

// Result is the shaped analysis.
type Result struct {
	Tags           []string
	Description    string
	DominantColors []string
	Confidence     map[string]float64
}

// Analysis converts the result to the domain form.
func (r Result) Analysis() domain.Analysis {
	return domain.Analysis{
		Tags:           append([]string(nil), r.Tags...),
		Description:    r.Description,
		DominantColors: append([]string(nil), r.DominantColors...),
	}
}

// Analyzer analyzes one image.
type Analyzer interface {
	Analyze(ctx context.Context, src Source) (Result, error)
}
