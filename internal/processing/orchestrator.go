// Package processing drives uploaded images through analysis:
// pending -> processing -> completed | failed, with retries re-entering at pending.
package processing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"gallery/internal/domain"
	"gallery/internal/imaging"
	"gallery/internal/providers/vision"
	"gallery/internal/storage"
)

const (
	DefaultTimeout       = 300 * time.Second
	DefaultStaleAfter    = 5 * time.Minute
	DefaultMaxConcurrent = 5
	DefaultBatchSize     = 10
	DefaultBatchDelay    = time.Second
	stalledMessage       = "processing stalled"
)

// Gate is the usage check consulted before analysis.
type Gate interface {
	// CheckQuota fails on hard limits without waiting or recording.
	CheckQuota() error
	// Acquire waits for the short windows and records one request.
	Acquire(ctx context.Context) error
}

// Options configures an Orchestrator.
type Options struct {
	Repo     domain.ImageRepository
	Gate     Gate
	Analyzer vision.Analyzer
	// Objects is read when sending image bytes inline or sampling fallback colors.
	Objects storage.ObjectStore
	Logger  zerolog.Logger

	Timeout    time.Duration
	StaleAfter time.Duration
	// SweepAfter is how long a processing record must go untouched before
	// SweepStale fails it. Defaults to Timeout + StaleAfter so a job that
	// just started in another process is never swept.
	SweepAfter time.Duration
	// Heartbeat is how often a queued or running job refreshes its record.
	// Defaults to StaleAfter / 2.
	Heartbeat time.Duration

	MaxConcurrent int
	MaxAttempts   int
	BatchSize     int
	BatchDelay    time.Duration

	// AnalyzeInline sends the original bytes instead of its URL.
	AnalyzeInline bool
	// FallbackColorSampling derives colors from pixels when the analysis has none.
	FallbackColorSampling bool
	// DebugForceComplete enables ForceComplete.
	DebugForceComplete bool

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator queues and runs image analyses. At most MaxConcurrent
// analyses run at once; the rest wait for a slot.
type Orchestrator struct {
	repo     domain.ImageRepository
	gate     Gate
	analyzer vision.Analyzer
	objects  storage.ObjectStore
	logger   zerolog.Logger
	opts     Options

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu     sync.Mutex
	active map[string]time.Time
}

// New builds an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.SweepAfter <= 0 {
		opts.SweepAfter = opts.Timeout + opts.StaleAfter
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = opts.StaleAfter / 2
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = domain.DefaultMaxAttempts
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchDelay < 0 {
		opts.BatchDelay = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	return &Orchestrator{
		repo:     opts.Repo,
		gate:     opts.Gate,
		analyzer: opts.Analyzer,
		objects:  opts.Objects,
		logger:   opts.Logger,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		active:   make(map[string]time.Time),
	}
}

// QueueImageProcessing checks ownership and quota, marks the image
// processing, and starts the analysis in the background. It returns as soon
// as the job is marked. Quota failures leave the image untouched.
func (o *Orchestrator) QueueImageProcessing(ctx context.Context, userID, imageID string) error {
	img, err := o.owned(ctx, userID, imageID)
	if err != nil {
		return err
	}
	return o.queue(ctx, img)
}

func (o *Orchestrator) queue(ctx context.Context, img *domain.Image) error {
	if o.isActive(img.ID) || img.Status == domain.StatusProcessing {
		return domain.ErrAlreadyProcessing
	}
	if err := o.gate.CheckQuota(); err != nil {
		return err
	}
	marked, err := o.repo.Transition(ctx, img.ID,
		[]domain.ImageStatus{domain.StatusPending, domain.StatusFailed, domain.StatusCompleted},
		domain.StatusProcessing, false)
	if errors.Is(err, domain.ErrStatusConflict) {
		return domain.ErrAlreadyProcessing
	}
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if !o.claim(marked.ID) {
		return domain.ErrAlreadyProcessing
	}
	o.logger.Info().Str("image_id", marked.ID).Int("attempt", marked.Attempts).Msg("processing: queued")
	o.wg.Add(1)
	go o.run(*marked)
	return nil
}

// RetryProcessing restarts a failed or completed image, or one stuck in
// processing past the staleness threshold, as a new attempt. A concurrent
// second call loses the status compare-and-set and gets ErrAlreadyProcessing.
func (o *Orchestrator) RetryProcessing(ctx context.Context, userID, imageID string) error {
	img, err := o.owned(ctx, userID, imageID)
	if err != nil {
		return err
	}
	switch {
	case img.Status == domain.StatusFailed, img.Status == domain.StatusCompleted:
	case o.stuck(*img):
	case img.Status == domain.StatusPending, img.Status == domain.StatusProcessing:
		return domain.ErrAlreadyProcessing
	default:
		return fmt.Errorf("%w: cannot retry %s image", domain.ErrStatusConflict, img.Status)
	}
	if img.Attempts >= o.opts.MaxAttempts {
		return fmt.Errorf("%w (%d)", domain.ErrMaxAttempts, o.opts.MaxAttempts)
	}
	return o.restart(ctx, img)
}

// ResetStuck is the reset-and-retry path for a job stuck in processing. It
// is not bounded by MaxAttempts.
func (o *Orchestrator) ResetStuck(ctx context.Context, userID, imageID string) error {
	img, err := o.owned(ctx, userID, imageID)
	if err != nil {
		return err
	}
	if !o.stuck(*img) {
		return fmt.Errorf("%w: image is not stuck", domain.ErrStatusConflict)
	}
	return o.restart(ctx, img)
}

// restart moves img from its observed status back to pending and queues it.
func (o *Orchestrator) restart(ctx context.Context, img *domain.Image) error {
	if err := o.gate.CheckQuota(); err != nil {
		return err
	}
	reset, err := o.repo.Transition(ctx, img.ID, []domain.ImageStatus{img.Status}, domain.StatusPending, true)
	if errors.Is(err, domain.ErrStatusConflict) {
		return domain.ErrAlreadyProcessing
	}
	if err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}
	o.logger.Info().Str("image_id", img.ID).Str("from", string(img.Status)).Int("attempt", reset.Attempts).Msg("processing: retry")
	return o.queue(ctx, reset)
}

// ForceComplete marks an image completed with placeholder analysis. It is a
// debugging aid and only works when enabled.
func (o *Orchestrator) ForceComplete(ctx context.Context, userID, imageID string) (*domain.Image, error) {
	if !o.opts.DebugForceComplete {
		return nil, domain.ErrFeatureDisabled
	}
	img, err := o.owned(ctx, userID, imageID)
	if err != nil {
		return nil, err
	}
	if img.Status != domain.StatusProcessing {
		if _, err := o.repo.Transition(ctx, img.ID,
			[]domain.ImageStatus{domain.StatusPending, domain.StatusFailed}, domain.StatusProcessing, false); err != nil {
			return nil, err
		}
	}
	done, err := o.repo.Complete(ctx, img.ID, domain.Analysis{
		Tags:           []string{"image"},
		Description:    "Processing completed manually",
		DominantColors: imaging.FallbackPalette(),
	})
	if err != nil {
		return nil, err
	}
	o.logger.Warn().Str("image_id", img.ID).Msg("processing: force completed")
	return done, nil
}

// BatchResult is the outcome for one id of ProcessBatch.
type BatchResult struct {
	ImageID string `json:"image_id"`
	Queued  bool   `json:"queued"`
	Error   string `json:"error,omitempty"`
	err     error
}

// Err returns the underlying error, if any.
func (r BatchResult) Err() error { return r.err }

// ProcessBatch queues ids in chunks of BatchSize, pausing BatchDelay
// between chunks. One failing id never stops the batch.
func (o *Orchestrator) ProcessBatch(ctx context.Context, userID string, ids []string) []BatchResult {
	results := make([]BatchResult, 0, len(ids))
	for start := 0; start < len(ids); start += o.opts.BatchSize {
		if start > 0 {
			if err := o.opts.Sleep(ctx, o.opts.BatchDelay); err != nil {
				for _, id := range ids[start:] {
					results = append(results, BatchResult{ImageID: id, Error: err.Error(), err: err})
				}
				return results
			}
		}
		end := min(start+o.opts.BatchSize, len(ids))
		for _, id := range ids[start:end] {
			err := o.QueueImageProcessing(ctx, userID, id)
			r := BatchResult{ImageID: id, Queued: err == nil, err: err}
			if err != nil {
				r.Error = err.Error()
			}
			results = append(results, r)
		}
	}
	return results
}

// SweepStale fails processing jobs untouched for longer than SweepAfter that
// are not running in this process. Live jobs in any process refresh their
// record while they wait and run, so only abandoned ones qualify. It returns
// how many were failed.
func (o *Orchestrator) SweepStale(ctx context.Context) (int, error) {
	cutoff := o.opts.Now().Add(-o.opts.SweepAfter)
	stale, err := o.repo.ListStale(ctx, domain.StatusProcessing, cutoff, 100)
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}
	n := 0
	for _, img := range stale {
		if o.isActive(img.ID) {
			continue
		}
		if _, err := o.repo.Fail(ctx, img.ID, stalledMessage); err != nil {
			if !errors.Is(err, domain.ErrStatusConflict) && !errors.Is(err, domain.ErrNotFound) {
				o.logger.Error().Err(err).Str("image_id", img.ID).Msg("processing: fail stale job")
			}
			continue
		}
		o.logger.Warn().Str("image_id", img.ID).Time("updated_at", img.UpdatedAt).Msg("processing: stale job failed")
		n++
	}
	return n, nil
}

// DispatchPending queues pending images that have waited longer than
// olderThan without being started. It returns how many were queued and stops
// at the first quota error.
func (o *Orchestrator) DispatchPending(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	pending, err := o.repo.ListStale(ctx, domain.StatusPending, o.opts.Now().Add(-olderThan), limit)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	n := 0
	for i := range pending {
		err := o.queue(ctx, &pending[i])
		switch {
		case err == nil:
			n++
		case errors.Is(err, domain.ErrQuotaExceeded):
			return n, err
		case errors.Is(err, domain.ErrAlreadyProcessing):
		default:
			o.logger.Error().Err(err).Str("image_id", pending[i].ID).Msg("processing: dispatch pending")
		}
	}
	return n, nil
}

// Status reports in-flight analyses.
type Status struct {
	ActiveTasks      int      `json:"active_tasks"`
	MaxConcurrent    int      `json:"max_concurrent"`
	ProcessingImages []string `json:"processing_images"`
}

// Status returns a snapshot of in-flight work.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return Status{ActiveTasks: len(ids), MaxConcurrent: o.opts.MaxConcurrent, ProcessingImages: ids}
}

// Wait blocks until every started analysis has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) owned(ctx context.Context, userID, imageID string) (*domain.Image, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	img, err := o.repo.GetByID(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.OwnerID != userID {
		return nil, domain.ErrForbidden
	}
	return img, nil
}

func (o *Orchestrator) stuck(img domain.Image) bool {
	return img.StaleSince(o.opts.Now().Add(-o.opts.StaleAfter)) && !o.isActive(img.ID)
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.active[id]; ok {
		return false
	}
	o.active[id] = o.opts.Now()
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.active, id)
	o.mu.Unlock()
}

func (o *Orchestrator) isActive(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[id]
	return ok
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
