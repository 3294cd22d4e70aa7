package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"gallery/internal/domain"
	"gallery/internal/infra"
	"gallery/internal/sqlinline"
)

// ImageRepositoryPG implements domain.ImageRepository using PostgreSQL.
// Change notifications come from the notify_image_change trigger, not from here.
type ImageRepositoryPG struct {
	db infra.SQLExecutor
}

// NewImageRepository creates a new image repository backed by PostgreSQL.
func NewImageRepository(db infra.SQLExecutor) *ImageRepositoryPG {
	return &ImageRepositoryPG{db: db}
}

// Create inserts a new image record.
func (r *ImageRepositoryPG) Create(ctx context.Context, img *domain.Image) error {
	if img.Status == "" {
		img.Status = domain.StatusPending
	}
	err := r.db.QueryRow(ctx, sqlinline.QImageInsert,
		img.ID,
		img.OwnerID,
		img.Filename,
		img.OriginalFilename,
		img.FileSize,
		img.MIMEType,
		img.Width,
		img.Height,
		img.OriginalURL,
		img.ThumbnailURL,
		string(img.Status),
		img.Attempts,
	).Scan(&img.UploadedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// GetByID fetches an image by its identifier.
func (r *ImageRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Image, error) {
	img, err := scanImage(r.db.QueryRow(ctx, sqlinline.QImageGetByID, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

// ListByOwner returns one page of the owner's images, newest first.
func (r *ImageRepositoryPG) ListByOwner(ctx context.Context, ownerID string, opts domain.ListOptions) (domain.ImagePage, error) {
	page, limit := domain.NormalizePage(opts.Page, opts.Limit)
	rows, err := r.db.Query(ctx, sqlinline.QImageListByOwner, ownerID, string(opts.Status), limit, domain.Offset(page, limit))
	if err != nil {
		return domain.ImagePage{}, fmt.Errorf("list images: %w", err)
	}
	images, total, err := scanCountedImages(rows)
	if err != nil {
		return domain.ImagePage{}, fmt.Errorf("list images: %w", err)
	}
	return domain.NewImagePage(images, total, page, limit), nil
}

// Search filters the owner's images by text, color and tags.
func (r *ImageRepositoryPG) Search(ctx context.Context, ownerID string, f domain.SearchFilters) (domain.ImagePage, error) {
	page, limit := domain.NormalizePage(f.Page, f.Limit)
	tags := f.Tags
	if tags == nil {
		tags = []string{}
	}
	rows, err := r.db.Query(ctx, sqlinline.QImageSearch,
		ownerID,
		strings.TrimSpace(f.Query),
		f.Color,
		tags,
		f.SortBy,
		string(f.SortOrder),
		limit,
		domain.Offset(page, limit),
	)
	if err != nil {
		return domain.ImagePage{}, fmt.Errorf("search images: %w", err)
	}
	images, total, err := scanCountedImages(rows)
	if err != nil {
		return domain.ImagePage{}, fmt.Errorf("search images: %w", err)
	}
	return domain.NewImagePage(images, total, page, limit), nil
}

// ListAnalyzed returns the owner's images carrying tags and a description.
func (r *ImageRepositoryPG) ListAnalyzed(ctx context.Context, ownerID string) ([]domain.Image, error) {
	rows, err := r.db.Query(ctx, sqlinline.QImageListAnalyzed, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list analyzed images: %w", err)
	}
	images, err := scanImages(rows)
	if err != nil {
		return nil, fmt.Errorf("list analyzed images: %w", err)
	}
	return images, nil
}

// Transition sets status `to` when the current status is one of `from`.
func (r *ImageRepositoryPG) Transition(ctx context.Context, id string, from []domain.ImageStatus, to domain.ImageStatus, bumpAttempts bool) (*domain.Image, error) {
	fromArgs := make([]string, len(from))
	for i, s := range from {
		fromArgs[i] = string(s)
	}
	img, err := scanImage(r.db.QueryRow(ctx, sqlinline.QImageTransition, id, fromArgs, string(to), bumpAttempts))
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition image: %w", err)
	}
	if _, getErr := r.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrStatusConflict
}

// Complete stores the analysis and marks a processing image completed.
func (r *ImageRepositoryPG) Complete(ctx context.Context, id string, a domain.Analysis) (*domain.Image, error) {
	return r.update(ctx, "complete image", sqlinline.QImageComplete, id, nonNil(a.Tags), a.Description, nonNil(a.DominantColors))
}

// Fail marks a processing image failed with message.
func (r *ImageRepositoryPG) Fail(ctx context.Context, id string, message string) (*domain.Image, error) {
	return r.update(ctx, "fail image", sqlinline.QImageFail, id, message)
}

// Touch bumps updated_at of a processing image.
func (r *ImageRepositoryPG) Touch(ctx context.Context, id string) (*domain.Image, error) {
	return r.update(ctx, "touch image", sqlinline.QImageTouch, id)
}

func (r *ImageRepositoryPG) update(ctx context.Context, op, query string, args ...any) (*domain.Image, error) {
	img, err := scanImage(r.db.QueryRow(ctx, query, args...))
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, getErr := r.GetByID(ctx, args[0].(string)); getErr != nil {
		return nil, getErr
	}
	return nil, domain.ErrStatusConflict
}

// Delete removes the image record.
func (r *ImageRepositoryPG) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QImageDelete, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListStale returns images in status whose last update is older than before.
func (r *ImageRepositoryPG) ListStale(ctx context.Context, status domain.ImageStatus, before time.Time, limit int) ([]domain.Image, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, sqlinline.QImageListStale, string(status), before, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale images: %w", err)
	}
	images, err := scanImages(rows)
	if err != nil {
		return nil, fmt.Errorf("list stale images: %w", err)
	}
	return images, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func imageDest(img *domain.Image, status *string, extra ...any) []any {
	dest := []any{
		&img.ID,
		&img.OwnerID,
		&img.Filename,
		&img.OriginalFilename,
		&img.FileSize,
		&img.MIMEType,
		&img.Width,
		&img.Height,
		&img.OriginalURL,
		&img.ThumbnailURL,
		status,
		&img.Tags,
		&img.Description,
		&img.DominantColors,
		&img.ErrorMessage,
		&img.Attempts,
		&img.UploadedAt,
		&img.UpdatedAt,
	}
	return append(dest, extra...)
}

func scanImage(row scanner) (*domain.Image, error) {
	var (
		img    domain.Image
		status string
	)
	if err := row.Scan(imageDest(&img, &status)...); err != nil {
		return nil, err
	}
	img.Status = domain.ImageStatus(status)
	return &img, nil
}

func scanImages(rows pgx.Rows) ([]domain.Image, error) {
	defer rows.Close()
	var images []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, *img)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return images, nil
}

func scanCountedImages(rows pgx.Rows) ([]domain.Image, int, error) {
	defer rows.Close()
	var (
		images []domain.Image
		total  int
	)
	for rows.Next() {
		var (
			img    domain.Image
			status string
		)
		if err := rows.Scan(imageDest(&img, &status, &total)...); err != nil {
			return nil, 0, err
		}
		img.Status = domain.ImageStatus(status)
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return images, total, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

var _ domain.ImageRepository = (*ImageRepositoryPG)(nil)
