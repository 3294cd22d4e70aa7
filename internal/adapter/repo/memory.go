package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"gallery/internal/domain"
)

// MemoryImageRepo is an in-process domain.ImageRepository. Every mutation is
// published to the configured ChangePublisher after the lock is released.
type MemoryImageRepo struct {
	mu        sync.Mutex
	images    map[string]domain.Image
	publisher domain.ChangePublisher
	now       func() time.Time
	last      time.Time
}

// NewMemoryImageRepo returns an empty repository. publisher may be nil.
func NewMemoryImageRepo(publisher domain.ChangePublisher) *MemoryImageRepo {
	return &MemoryImageRepo{
		images:    make(map[string]domain.Image),
		publisher: publisher,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (r *MemoryImageRepo) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *MemoryImageRepo) publish(kind domain.ChangeKind, img domain.Image) {
	if r.publisher != nil {
		r.publisher.Publish(domain.ChangeEvent{Kind: kind, Record: img})
	}
}

// stamp returns a timestamp strictly after every earlier one so
// last-write-wins ordering holds. Callers hold mu.
func (r *MemoryImageRepo) stamp() time.Time {
	now := r.now()
	if !now.After(r.last) {
		now = r.last.Add(time.Nanosecond)
	}
	r.last = now
	return now
}

func (r *MemoryImageRepo) Create(ctx context.Context, img *domain.Image) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	if img.Status == "" {
		img.Status = domain.StatusPending
	}
	now := r.stamp()
	img.UploadedAt = now
	img.UpdatedAt = now
	stored := img.Clone()
	r.images[img.ID] = stored
	r.mu.Unlock()
	r.publish(domain.ChangeInsert, stored.Clone())
	return nil
}

func (r *MemoryImageRepo) GetByID(ctx context.Context, id string) (*domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := img.Clone()
	return &out, nil
}

func (r *MemoryImageRepo) ListByOwner(ctx context.Context, ownerID string, opts domain.ListOptions) (domain.ImagePage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImagePage{}, err
	}
	page, limit := domain.NormalizePage(opts.Page, opts.Limit)
	matched := r.filter(func(img domain.Image) bool {
		return img.OwnerID == ownerID && (opts.Status == "" || img.Status == opts.Status)
	})
	sortImages(matched, "", domain.SortDesc)
	return paginate(matched, page, limit), nil
}

func (r *MemoryImageRepo) Search(ctx context.Context, ownerID string, f domain.SearchFilters) (domain.ImagePage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ImagePage{}, err
	}
	page, limit := domain.NormalizePage(f.Page, f.Limit)
	q := strings.ToLower(strings.TrimSpace(f.Query))
	matched := r.filter(func(img domain.Image) bool {
		if img.OwnerID != ownerID {
			return false
		}
		if q != "" && !strings.Contains(strings.ToLower(img.Description), q) && !contains(img.Tags, q) {
			return false
		}
		if f.Color != "" && !contains(img.DominantColors, f.Color) {
			return false
		}
		if len(f.Tags) > 0 && !overlaps(img.Tags, f.Tags) {
			return false
		}
		return true
	})
	sortImages(matched, f.SortBy, f.SortOrder)
	return paginate(matched, page, limit), nil
}

func (r *MemoryImageRepo) ListAnalyzed(ctx context.Context, ownerID string) ([]domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := r.filter(func(img domain.Image) bool {
		return img.OwnerID == ownerID && len(img.Tags) > 0 && img.Description != ""
	})
	sortImages(out, "", domain.SortDesc)
	return out, nil
}

func (r *MemoryImageRepo) Transition(ctx context.Context, id string, from []domain.ImageStatus, to domain.ImageStatus, bumpAttempts bool) (*domain.Image, error) {
	return r.mutate(ctx, id, func(img *domain.Image) error {
		if !domain.ContainsStatus(from, img.Status) {
			return domain.ErrStatusConflict
		}
		img.Status = to
		if bumpAttempts {
			img.Attempts++
		}
		if to != domain.StatusFailed {
			img.ErrorMessage = ""
		}
		return nil
	})
}

func (r *MemoryImageRepo) Complete(ctx context.Context, id string, a domain.Analysis) (*domain.Image, error) {
	return r.mutate(ctx, id, func(img *domain.Image) error {
		if img.Status != domain.StatusProcessing {
			return domain.ErrStatusConflict
		}
		img.Status = domain.StatusCompleted
		img.Tags = append([]string(nil), a.Tags...)
		img.Description = a.Description
		img.DominantColors = append([]string(nil), a.DominantColors...)
		img.ErrorMessage = ""
		return nil
	})
}

func (r *MemoryImageRepo) Fail(ctx context.Context, id string, message string) (*domain.Image, error) {
	return r.mutate(ctx, id, func(img *domain.Image) error {
		if img.Status != domain.StatusProcessing {
			return domain.ErrStatusConflict
		}
		img.Status = domain.StatusFailed
		img.ErrorMessage = message
		return nil
	})
}

func (r *MemoryImageRepo) Touch(ctx context.Context, id string) (*domain.Image, error) {
	return r.mutate(ctx, id, func(img *domain.Image) error {
		if img.Status != domain.StatusProcessing {
			return domain.ErrStatusConflict
		}
		return nil
	})
}

func (r *MemoryImageRepo) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	img, ok := r.images[id]
	if !ok {
		r.mu.Unlock()
		return domain.ErrNotFound
	}
	delete(r.images, id)
	img.UpdatedAt = r.stamp()
	r.mu.Unlock()
	r.publish(domain.ChangeDelete, img)
	return nil
}

func (r *MemoryImageRepo) ListStale(ctx context.Context, status domain.ImageStatus, before time.Time, limit int) ([]domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	out := r.filter(func(img domain.Image) bool {
		return img.Status == status && img.UpdatedAt.Before(before)
	})
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryImageRepo) mutate(ctx context.Context, id string, apply func(*domain.Image) error) (*domain.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	img, ok := r.images[id]
	if !ok {
		r.mu.Unlock()
		return nil, domain.ErrNotFound
	}
	img = img.Clone()
	if err := apply(&img); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	img.UpdatedAt = r.stamp()
	r.images[id] = img
	r.mu.Unlock()

	r.publish(domain.ChangeUpdate, img.Clone())
	out := img.Clone()
	return &out, nil
}

func (r *MemoryImageRepo) filter(keep func(domain.Image) bool) []domain.Image {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Image
	for _, img := range r.images {
		if keep(img) {
			out = append(out, img.Clone())
		}
	}
	return out
}

func sortImages(images []domain.Image, sortBy string, order domain.SortOrder) {
	asc := order == domain.SortAsc
	sort.SliceStable(images, func(i, j int) bool {
		a, b := images[i], images[j]
		var less, equal bool
		switch sortBy {
		case "original_filename":
			less, equal = a.OriginalFilename < b.OriginalFilename, a.OriginalFilename == b.OriginalFilename
		case "file_size":
			less, equal = a.FileSize < b.FileSize, a.FileSize == b.FileSize
		default:
			less, equal = a.UploadedAt.Before(b.UploadedAt), a.UploadedAt.Equal(b.UploadedAt)
		}
		if equal {
			return a.ID < b.ID
		}
		if asc {
			return less
		}
		return !less
	})
}

func paginate(images []domain.Image, page, limit int) domain.ImagePage {
	total := len(images)
	start := domain.Offset(page, limit)
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return domain.NewImagePage(images[start:end], total, page, limit)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

func overlaps(a, b []string) bool {
	for _, v := range b {
		if contains(a, v) {
			return true
		}
	}
	return false
}

var _ domain.ImageRepository = (*MemoryImageRepo)(nil)
