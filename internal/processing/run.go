package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
	"gallery/internal/imaging"
	"gallery/internal/providers/vision"
	"gallery/internal/storage"
)

type analyzeOutcome struct {
	res vision.Result
	err error
}

// run performs one analysis attempt. The record is already processing.
func (o *Orchestrator) run(img domain.Image) {
	defer o.wg.Done()
	defer o.release(img.ID)

	ctx := context.Background()
	log := o.logger.With().Str("image_id", img.ID).Int("attempt", img.Attempts).Logger()

	stop := o.keepAlive(img.ID, log)
	defer stop()

	if err := o.sem.Acquire(ctx, 1); err != nil {
		o.fail(ctx, img.ID, err)
		return
	}
	defer o.sem.Release(1)
	if !o.touch(ctx, img.ID, log) {
		return
	}

	if err := o.gate.Acquire(ctx); err != nil {
		log.Warn().Err(err).Msg("processing: usage gate refused")
		o.fail(ctx, img.ID, err)
		return
	}
	if !o.touch(ctx, img.ID, log) {
		return
	}

	src, err := o.source(ctx, img)
	if err != nil {
		o.fail(ctx, img.ID, err)
		return
	}

	log.Debug().Msg("processing: analyzing")
	res, err := o.analyze(ctx, src)
	if err != nil {
		log.Error().Err(err).Msg("processing: analysis failed")
		o.fail(ctx, img.ID, err)
		return
	}

	analysis := res.Analysis()
	if len(analysis.DominantColors) == 0 {
		analysis.DominantColors = o.fallbackColors(ctx, img)
	}
	if _, err := o.repo.Complete(ctx, img.ID, analysis); err != nil {
		if errors.Is(err, domain.ErrStatusConflict) || errors.Is(err, domain.ErrNotFound) {
			log.Warn().Err(err).Msg("processing: result discarded")
			return
		}
		log.Error().Err(err).Msg("processing: save result")
		return
	}
	log.Info().Int("tags", len(analysis.Tags)).Msg("processing: completed")
}

// touch marks the job alive. It reports false when the record left
// processing meanwhile (swept, reset or deleted elsewhere) and the attempt
// must be abandoned.
func (o *Orchestrator) touch(ctx context.Context, id string, log zerolog.Logger) bool {
	_, err := o.repo.Touch(ctx, id)
	switch {
	case err == nil:
		return true
	case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrNotFound):
		log.Warn().Err(err).Msg("processing: job left processing, attempt abandoned")
		return false
	}
	log.Warn().Err(err).Msg("processing: touch failed")
	return true
}

// keepAlive touches the record every Heartbeat until the returned func is
// called, covering the wait for a slot and the analysis itself.
func (o *Orchestrator) keepAlive(id string, log zerolog.Logger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(o.opts.Heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := o.repo.Touch(ctx, id); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
					log.Debug().Err(err).Msg("processing: heartbeat failed")
				}
				cancel()
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

// analyze bounds the provider call by Timeout. The call itself is not
// cancelled; a late result is dropped.
func (o *Orchestrator) analyze(ctx context.Context, src vision.Source) (vision.Result, error) {
	done := make(chan analyzeOutcome, 1)
	go func() {
		res, err := o.analyzer.Analyze(ctx, src)
		done <- analyzeOutcome{res: res, err: err}
	}()
	timer := time.NewTimer(o.opts.Timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		return vision.Result{}, fmt.Errorf("%w after %s", domain.ErrProcessingTimeout, o.opts.Timeout)
	}
}

func (o *Orchestrator) source(ctx context.Context, img domain.Image) (vision.Source, error) {
	if !o.opts.AnalyzeInline || o.objects == nil {
		return vision.Source{URL: img.OriginalURL, MIME: img.MIMEType}, nil
	}
	data, err := o.objects.Get(ctx, storage.BucketImages, storage.OriginalKey(img.OwnerID, img.Filename))
	if err != nil {
		return vision.Source{}, fmt.Errorf("read original: %w", err)
	}
	return vision.Source{Data: data, MIME: img.MIMEType}, nil
}

func (o *Orchestrator) fallbackColors(ctx context.Context, img domain.Image) []string {
	if o.opts.FallbackColorSampling && o.objects != nil {
		data, err := o.objects.Get(ctx, storage.BucketImages, storage.OriginalKey(img.OwnerID, img.Filename))
		if err == nil {
			if colors, err := imaging.DominantColors(data, 3); err == nil && len(colors) > 0 {
				return colors
			}
		}
		o.logger.Debug().Err(err).Str("image_id", img.ID).Msg("processing: color sampling unavailable")
	}
	return imaging.FallbackPalette()
}

func (o *Orchestrator) fail(ctx context.Context, id string, cause error) {
	if _, err := o.repo.Fail(ctx, id, failureMessage(cause)); err != nil {
		o.logger.Warn().Err(err).Str("image_id", id).Msg("processing: record failure")
	}
}

func failureMessage(err error) string {
	switch {
	case errors.Is(err, domain.ErrProcessingTimeout):
		return "processing timed out"
	case errors.Is(err, vision.ErrRateLimited):
		return "vision service rate limited"
	}
	return err.Error()
}
