// Package gallery keeps an in-memory, paginated view of a user's images in
// step with processing updates from the bus and a fallback poll.
package gallery

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
	"gallery/internal/realtime"
)

// DefaultPollInterval is how often images still processing are re-fetched.
const DefaultPollInterval = 3 * time.Second

// Source is the backend a view pages through.
type Source interface {
	List(ctx context.Context, userID string, opts domain.ListOptions) (domain.ImagePage, error)
	Search(ctx context.Context, userID string, filters domain.SearchFilters) (domain.ImagePage, error)
	Get(ctx context.Context, userID, imageID string) (*domain.Image, error)
	Delete(ctx context.Context, userID, imageID string) error
}

// Subscriber is the part of the bus a view needs.
type Subscriber interface {
	SubscribeToUser(userID string, cb realtime.Callback) (func(), error)
}

// Options configures a View.
type Options struct {
	UserID       string
	Limit        int
	PollInterval time.Duration
	Logger       zerolog.Logger
	// OnChange runs after every state change, outside the view's lock.
	OnChange func(Snapshot)
}

// Snapshot is a consistent copy of a view's state.
type Snapshot struct {
	Images      []domain.Image
	Total       int
	HasMore     bool
	Loading     bool
	LoadingMore bool
	Err         error
}

type fetchFunc func(ctx context.Context, page, limit int) (domain.ImagePage, error)

// View is a live list of images. Its methods are safe for concurrent use.
type View struct {
	source Source
	bus    Subscriber
	fetch  fetchFunc
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	images      []domain.Image
	tombstones  map[string]struct{}
	page        int
	total       int
	hasMore     bool
	loading     bool
	loadingMore bool
	err         error
	// gen counts Loads; a fetch started under an older gen is discarded.
	gen uint64

	startOnce   sync.Once
	closeOnce   sync.Once
	unsubscribe func()
	stopPoll    context.CancelFunc
	pollDone    chan struct{}
}

// NewGallery returns a view over the user's images, newest first.
func NewGallery(source Source, bus Subscriber, opts Options) *View {
	v := newView(source, bus, opts)
	v.fetch = func(ctx context.Context, page, limit int) (domain.ImagePage, error) {
		return source.List(ctx, opts.UserID, domain.ListOptions{Page: page, Limit: limit})
	}
	return v
}

// NewSearch returns a view over search results for filters.
func NewSearch(source Source, bus Subscriber, filters domain.SearchFilters, opts Options) *View {
	v := newView(source, bus, opts)
	v.fetch = func(ctx context.Context, page, limit int) (domain.ImagePage, error) {
		f := filters
		f.Page, f.Limit = page, limit
		return source.Search(ctx, opts.UserID, f)
	}
	return v
}

func newView(source Source, bus Subscriber, opts Options) *View {
	_, opts.Limit = domain.NormalizePage(1, opts.Limit)
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	return &View{
		source:     source,
		bus:        bus,
		opts:       opts,
		logger:     opts.Logger,
		tombstones: make(map[string]struct{}),
	}
}

// Start subscribes to the user's updates, starts the fallback poll and
// loads the first page. Without a user it does nothing.
func (v *View) Start(ctx context.Context) error {
	if v.opts.UserID == "" {
		return nil
	}
	var err error
	v.startOnce.Do(func() {
		if v.bus != nil {
			unsub, serr := v.bus.SubscribeToUser(v.opts.UserID, v.handleUpdate)
			if serr != nil {
				v.logger.Warn().Err(serr).Str("user_id", v.opts.UserID).Msg("gallery: live updates unavailable, relying on poll")
			} else {
				v.unsubscribe = unsub
			}
		}
		pollCtx, cancel := context.WithCancel(context.Background())
		v.stopPoll = cancel
		v.pollDone = make(chan struct{})
		go v.pollLoop(pollCtx)
		err = v.Load(ctx)
	})
	return err
}

// Load fetches the first page and replaces the list.
func (v *View) Load(ctx context.Context) error {
	if v.opts.UserID == "" {
		return nil
	}
	v.mu.Lock()
	v.gen++
	gen := v.gen
	v.loading = true
	v.err = nil
	v.mu.Unlock()
	v.changed()

	page, err := v.fetch(ctx, 1, v.opts.Limit)

	v.mu.Lock()
	if gen != v.gen {
		v.mu.Unlock()
		return err
	}
	v.loading = false
	if err != nil {
		v.err = err
	} else {
		v.images = v.visible(page.Images, nil)
		v.page = 1
		v.total = page.Total
		v.hasMore = page.HasNext
	}
	v.mu.Unlock()
	v.changed()
	return err
}

// Refresh reloads from the first page.
func (v *View) Refresh(ctx context.Context) error {
	return v.Load(ctx)
}

// LoadMore appends the next page. It is a no-op when nothing remains or a
// load is already running. A page that arrives after a Load or Refresh
// started is dropped since it was cut from the old list.
func (v *View) LoadMore(ctx context.Context) error {
	v.mu.Lock()
	if !v.hasMore || v.loading || v.loadingMore || v.opts.UserID == "" {
		v.mu.Unlock()
		return nil
	}
	v.loadingMore = true
	next := v.page + 1
	gen := v.gen
	v.mu.Unlock()
	v.changed()

	page, err := v.fetch(ctx, next, v.opts.Limit)

	v.mu.Lock()
	v.loadingMore = false
	switch {
	case gen != v.gen:
		v.logger.Debug().Int("page", next).Msg("gallery: dropped page fetched before reload")
	case err != nil:
		v.err = err
	default:
		v.images = append(v.images, v.visible(page.Images, v.images)...)
		v.page = next
		v.total = page.Total
		v.hasMore = page.HasNext
	}
	v.mu.Unlock()
	v.changed()
	return err
}

// DeleteImage deletes remotely, then drops the image locally. A remote
// failure is recorded in Err and local state is left as is.
func (v *View) DeleteImage(ctx context.Context, imageID string) error {
	if v.opts.UserID == "" {
		return domain.ErrUnauthorized
	}
	if err := v.source.Delete(ctx, v.opts.UserID, imageID); err != nil {
		v.mu.Lock()
		v.err = err
		v.mu.Unlock()
		v.changed()
		return err
	}
	v.mu.Lock()
	v.tombstones[imageID] = struct{}{}
	if next, ok := ApplyUpdate(v.images, deletedUpdate(imageID)); ok {
		v.images = next
		if v.total > 0 {
			v.total--
		}
	}
	v.mu.Unlock()
	v.changed()
	return nil
}

// Images returns a copy of the current list.
func (v *View) Images() []domain.Image {
	return v.Snapshot().Images
}

func (v *View) Total() int { return v.Snapshot().Total }

func (v *View) HasMore() bool { return v.Snapshot().HasMore }

func (v *View) Loading() bool { return v.Snapshot().Loading }

func (v *View) LoadingMore() bool { return v.Snapshot().LoadingMore }

func (v *View) Err() error { return v.Snapshot().Err }

// Snapshot returns a copy of the view's state.
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	images := make([]domain.Image, len(v.images))
	for i, img := range v.images {
		images[i] = img.Clone()
	}
	return Snapshot{
		Images:      images,
		Total:       v.total,
		HasMore:     v.hasMore,
		Loading:     v.loading,
		LoadingMore: v.loadingMore,
		Err:         v.err,
	}
}

// Close unsubscribes from the bus and stops polling.
func (v *View) Close() {
	v.closeOnce.Do(func() {
		if v.unsubscribe != nil {
			v.unsubscribe()
		}
		if v.stopPoll != nil {
			v.stopPoll()
			<-v.pollDone
		}
	})
}

func (v *View) handleUpdate(u domain.ProcessingUpdate) {
	if v.apply(u) {
		v.changed()
	}
}

func (v *View) apply(u domain.ProcessingUpdate) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, gone := v.tombstones[u.ImageID]; gone {
		return false
	}
	next, ok := ApplyUpdate(v.images, u)
	if !ok {
		return false
	}
	if u.Status == domain.StatusDeleted {
		v.tombstones[u.ImageID] = struct{}{}
		if v.total > 0 {
			v.total--
		}
	}
	v.images = next
	return true
}

func (v *View) pollLoop(ctx context.Context) {
	defer close(v.pollDone)
	t := time.NewTicker(v.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			v.Poll(ctx)
		}
	}
}

// Poll re-fetches every image still processing and merges the results.
func (v *View) Poll(ctx context.Context) {
	v.mu.Lock()
	var ids []string
	for _, img := range v.images {
		if img.Status == domain.StatusProcessing {
			ids = append(ids, img.ID)
		}
	}
	v.mu.Unlock()

	changed := false
	for _, id := range ids {
		img, err := v.source.Get(ctx, v.opts.UserID, id)
		var u domain.ProcessingUpdate
		switch {
		case errors.Is(err, domain.ErrNotFound):
			u = deletedUpdate(id)
		case err != nil:
			if ctx.Err() == nil {
				v.logger.Debug().Err(err).Str("image_id", id).Msg("gallery: poll failed")
			}
			continue
		default:
			u = domain.UpdateFromImage(*img)
		}
		if v.apply(u) {
			changed = true
		}
	}
	if changed {
		v.changed()
	}
}

// visible drops tombstoned ids and ids already in held.
func (v *View) visible(images, held []domain.Image) []domain.Image {
	out := make([]domain.Image, 0, len(images))
	for _, img := range images {
		if _, gone := v.tombstones[img.ID]; gone {
			continue
		}
		if slices.ContainsFunc(held, func(h domain.Image) bool { return h.ID == img.ID }) {
			continue
		}
		out = append(out, img.Clone())
	}
	return out
}

func (v *View) changed() {
	if v.opts.OnChange != nil {
		v.opts.OnChange(v.Snapshot())
	}
}
