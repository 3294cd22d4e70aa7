// Package images is the owner-facing image service: upload, listing,
// search, similarity, suggestions, download and export.
package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gallery/internal/cache"
	"gallery/internal/domain"
	"gallery/internal/imaging"
	"gallery/internal/storage"
	"gallery/pkg/zip"
)

// ValidationError rejects input before anything is stored.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return domain.ErrValidation }

func validationError(field string, err error) *ValidationError {
	msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
	return &ValidationError{Field: field, Message: msg}
}

// Queuer starts background processing of an uploaded image.
type Queuer interface {
	QueueImageProcessing(ctx context.Context, userID, imageID string) error
}

// Options configures a Service.
type Options struct {
	Repo    domain.ImageRepository
	Objects storage.ObjectStore
	Queue   Queuer
	// SearchCache and TagCache are optional.
	SearchCache *cache.Cache[domain.ImagePage]
	TagCache    *cache.Cache[[]string]
	MaxFileSize int64
	Logger      zerolog.Logger
	NewID       func() string
}

// Service implements the image operations for authenticated owners.
type Service struct {
	repo     domain.ImageRepository
	objects  storage.ObjectStore
	queue    Queuer
	searches *cache.Cache[domain.ImagePage]
	tags     *cache.Cache[[]string]
	maxSize  int64
	logger   zerolog.Logger
	newID    func() string

	genMu sync.Mutex
	gen   map[string]int
}

// NewService builds a Service.
func NewService(opts Options) *Service {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = imaging.DefaultMaxBytes
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Service{
		repo:     opts.Repo,
		objects:  opts.Objects,
		queue:    opts.Queue,
		searches: opts.SearchCache,
		tags:     opts.TagCache,
		maxSize:  opts.MaxFileSize,
		logger:   opts.Logger,
		newID:    opts.NewID,
		gen:      make(map[string]int),
	}
}

// UploadInput is one uploaded file.
type UploadInput struct {
	Filename    string
	ContentType string
	Data        []byte
}

// UploadResult reports the stored image and whether processing was queued.
type UploadResult struct {
	Image             domain.Image
	ProcessingStarted bool
	ProcessingError   string
}

// Upload validates and stores the original and its thumbnail, records the
// image as pending and asks for processing. A failure to queue does not
// fail the upload.
func (s *Service) Upload(ctx context.Context, userID string, in UploadInput) (UploadResult, error) {
	if userID == "" {
		return UploadResult{}, domain.ErrUnauthorized
	}
	info, err := imaging.Validate(in.Data, in.ContentType, s.maxSize)
	if err != nil {
		return UploadResult{}, validationError("file", err)
	}
	thumb, err := imaging.Thumbnail(in.Data)
	if err != nil {
		return UploadResult{}, validationError("file", fmt.Errorf("%w: %v", domain.ErrValidation, err))
	}

	id := s.newID()
	filename := id + extension(info.Format)
	originalURL, err := s.objects.Put(ctx, storage.BucketImages, storage.OriginalKey(userID, filename), in.Data, in.ContentType)
	if err != nil {
		return UploadResult{}, fmt.Errorf("store original: %w", err)
	}
	thumbKey := storage.ThumbnailKey(userID, filename)
	thumbURL, err := s.objects.Put(ctx, storage.BucketThumbnails, thumbKey, thumb, "image/jpeg")
	if err != nil {
		s.removeObjects(ctx, userID, filename)
		return UploadResult{}, fmt.Errorf("store thumbnail: %w", err)
	}

	img := &domain.Image{
		ID:               id,
		OwnerID:          userID,
		Filename:         filename,
		OriginalFilename: originalName(in.Filename, filename),
		FileSize:         int64(len(in.Data)),
		MIMEType:         in.ContentType,
		Width:            info.Width,
		Height:           info.Height,
		OriginalURL:      originalURL,
		ThumbnailURL:     thumbURL,
		Status:           domain.StatusPending,
		Attempts:         1,
	}
	if err := s.repo.Create(ctx, img); err != nil {
		s.removeObjects(ctx, userID, filename)
		return UploadResult{}, fmt.Errorf("save image record: %w", err)
	}
	s.invalidate(userID)
	s.logger.Info().Str("image_id", id).Str("user_id", userID).Int64("bytes", img.FileSize).Msg("images: uploaded")

	res := UploadResult{Image: *img}
	if s.queue != nil {
		if err := s.queue.QueueImageProcessing(ctx, userID, id); err != nil {
			s.logger.Error().Err(err).Str("image_id", id).Msg("images: failed to start processing")
			res.ProcessingError = err.Error()
		} else {
			res.ProcessingStarted = true
		}
	}
	return res, nil
}

// List pages through the owner's images, newest first.
func (s *Service) List(ctx context.Context, userID string, opts domain.ListOptions) (domain.ImagePage, error) {
	if userID == "" {
		return domain.ImagePage{}, domain.ErrUnauthorized
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return domain.ImagePage{}, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	opts.Page, opts.Limit = domain.NormalizePage(opts.Page, opts.Limit)
	return s.repo.ListByOwner(ctx, userID, opts)
}

// Get returns one image owned by userID.
func (s *Service) Get(ctx context.Context, userID, imageID string) (*domain.Image, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	img, err := s.repo.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.OwnerID != userID {
		return nil, domain.ErrForbidden
	}
	return img, nil
}

// Delete removes the stored files and then the record. Storage cleanup
// failures are logged and do not block the delete.
func (s *Service) Delete(ctx context.Context, userID, imageID string) error {
	img, err := s.Get(ctx, userID, imageID)
	if err != nil {
		return err
	}
	s.removeObjects(ctx, userID, img.Filename)
	if err := s.repo.Delete(ctx, img.ID); err != nil {
		return err
	}
	s.invalidate(userID)
	s.logger.Info().Str("image_id", img.ID).Str("user_id", userID).Msg("images: deleted")
	return nil
}

// Download is an original file with its metadata.
type Download struct {
	Filename string
	MIMEType string
	Data     []byte
}

// Download reads the original file of an owned image.
func (s *Service) Download(ctx context.Context, userID, imageID string) (Download, error) {
	img, err := s.Get(ctx, userID, imageID)
	if err != nil {
		return Download{}, err
	}
	data, err := s.objects.Get(ctx, storage.BucketImages, storage.OriginalKey(userID, img.Filename))
	if errors.Is(err, storage.ErrObjectNotFound) {
		return Download{}, fmt.Errorf("image file: %w", domain.ErrNotFound)
	}
	if err != nil {
		return Download{}, fmt.Errorf("read original: %w", err)
	}
	return Download{Filename: img.OriginalFilename, MIMEType: img.MIMEType, Data: data}, nil
}

// Export writes a zip archive of every original the user owns to w.
// Originals missing from storage are skipped. It returns how many files
// were written.
func (s *Service) Export(ctx context.Context, userID string, w io.Writer) (int, error) {
	if userID == "" {
		return 0, domain.ErrUnauthorized
	}
	var entries []zip.Entry
	for page := 1; ; page++ {
		res, err := s.repo.ListByOwner(ctx, userID, domain.ListOptions{Page: page, Limit: domain.MaxPageLimit})
		if err != nil {
			return 0, err
		}
		for _, img := range res.Images {
			data, err := s.objects.Get(ctx, storage.BucketImages, storage.OriginalKey(userID, img.Filename))
			if err != nil {
				s.logger.Warn().Err(err).Str("image_id", img.ID).Msg("images: export skipped file")
				continue
			}
			entries = append(entries, zip.Entry{Name: img.OriginalFilename, Modified: img.UploadedAt, Data: data})
		}
		if !res.HasNext {
			break
		}
	}
	if err := zip.Write(w, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Service) removeObjects(ctx context.Context, userID, filename string) {
	if err := s.objects.Delete(ctx, storage.BucketImages, storage.OriginalKey(userID, filename)); err != nil {
		s.logger.Warn().Err(err).Str("file", filename).Msg("images: delete original failed")
	}
	if err := s.objects.Delete(ctx, storage.BucketThumbnails, storage.ThumbnailKey(userID, filename)); err != nil {
		s.logger.Warn().Err(err).Str("file", filename).Msg("images: delete thumbnail failed")
	}
}

// invalidate makes cached search results and tags of userID unreachable.
func (s *Service) invalidate(userID string) {
	s.genMu.Lock()
	s.gen[userID]++
	s.genMu.Unlock()
}

func (s *Service) cacheKey(kind, userID, rest string) string {
	s.genMu.Lock()
	g := s.gen[userID]
	s.genMu.Unlock()
	return fmt.Sprintf("%s:%s:%d:%s", kind, userID, g, rest)
}

func extension(format string) string {
	switch format {
	case "jpeg":
		return ".jpg"
	case "":
		return ""
	}
	return "." + format
}

func originalName(name, fallback string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return fallback
	}
	return name
}

// searchTTL bounds staleness of cached search pages; processing results are
// not visible to the cache key.
const searchTTL = time.Minute
