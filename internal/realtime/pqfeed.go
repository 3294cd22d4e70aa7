package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"gallery/internal/domain"
)

// ChangeChannel is the NOTIFY channel written by the notify_image_change trigger.
const ChangeChannel = "image_changes"

// PQFeed listens for image changes with PostgreSQL LISTEN/NOTIFY. Every
// Listen call opens its own pq.Listener connection.
type PQFeed struct {
	dsn          string
	logger       zerolog.Logger
	minReconnect time.Duration
	maxReconnect time.Duration
	pingInterval time.Duration
}

// NewPQFeed returns a feed for the database at dsn.
func NewPQFeed(dsn string, logger zerolog.Logger) *PQFeed {
	return &PQFeed{
		dsn:          dsn,
		logger:       logger,
		minReconnect: 2 * time.Second,
		maxReconnect: time.Minute,
		pingInterval: 90 * time.Second,
	}
}

type pqConn struct {
	listener *pq.Listener
	cancel   context.CancelFunc
	done     chan struct{}
	once     sync.Once
}

// Listen subscribes to ChangeChannel and delivers matching events to handler.
func (f *PQFeed) Listen(ctx context.Context, filter Filter, handler Handler) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := f.logger.With().Str("image_id", filter.ImageID).Str("owner_id", filter.OwnerID).Logger()
	listener := pq.NewListener(f.dsn, f.minReconnect, f.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn().Err(err).Msg("realtime: listener connect failed")
		case pq.ListenerEventDisconnected:
			log.Warn().Err(err).Msg("realtime: listener disconnected")
		case pq.ListenerEventReconnected:
			log.Info().Msg("realtime: listener reconnected")
		}
	})
	if err := listener.Listen(ChangeChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", ChangeChannel, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &pqConn{listener: listener, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(f.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// nil after a reconnect; events in between are lost and the
				// gallery poll covers them.
				if n == nil {
					continue
				}
				ev, err := DecodeNotification(n.Extra)
				if err != nil {
					log.Warn().Err(err).Msg("realtime: bad notification payload")
					continue
				}
				if filter.Match(ev.Record) {
					handler(ev)
				}
			case <-ticker.C:
				if err := listener.Ping(); err != nil {
					log.Debug().Err(err).Msg("realtime: listener ping failed")
				}
			}
		}
	}()
	return c, nil
}

func (c *pqConn) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		err = c.listener.Close()
	})
	return err
}

type notification struct {
	Op     string   `json:"op"`
	Record imageRow `json:"record"`
}

// imageRow mirrors row_to_json(images).
type imageRow struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Filename         string    `json:"filename"`
	OriginalFilename string    `json:"original_filename"`
	FileSize         int64     `json:"file_size"`
	MIMEType         string    `json:"mime_type"`
	Width            int       `json:"width"`
	Height           int       `json:"height"`
	OriginalURL      string    `json:"original_url"`
	ThumbnailURL     *string   `json:"thumbnail_url"`
	Status           string    `json:"status"`
	Tags             []string  `json:"tags"`
	Description      *string   `json:"description"`
	DominantColors   []string  `json:"dominant_colors"`
	ErrorMessage     *string   `json:"error_message"`
	Attempts         int       `json:"attempts"`
	UploadedAt       time.Time `json:"uploaded_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// DecodeNotification parses a notify_image_change payload.
func DecodeNotification(payload string) (domain.ChangeEvent, error) {
	var n notification
	if err := json.Unmarshal([]byte(payload), &n); err != nil {
		return domain.ChangeEvent{}, fmt.Errorf("decode notification: %w", err)
	}
	var kind domain.ChangeKind
	switch n.Op {
	case "INSERT":
		kind = domain.ChangeInsert
	case "UPDATE":
		kind = domain.ChangeUpdate
	case "DELETE":
		kind = domain.ChangeDelete
	default:
		return domain.ChangeEvent{}, fmt.Errorf("decode notification: unknown op %q", n.Op)
	}
	r := n.Record
	if r.ID == "" {
		return domain.ChangeEvent{}, fmt.Errorf("decode notification: missing record id")
	}
	return domain.ChangeEvent{
		Kind: kind,
		Record: domain.Image{
			ID:               r.ID,
			OwnerID:          r.UserID,
			Filename:         r.Filename,
			OriginalFilename: r.OriginalFilename,
			FileSize:         r.FileSize,
			MIMEType:         r.MIMEType,
			Width:            r.Width,
			Height:           r.Height,
			OriginalURL:      r.OriginalURL,
			ThumbnailURL:     deref(r.ThumbnailURL),
			Status:           domain.ImageStatus(r.Status),
			Tags:             r.Tags,
			Description:      deref(r.Description),
			DominantColors:   r.DominantColors,
			ErrorMessage:     deref(r.ErrorMessage),
			Attempts:         r.Attempts,
			UploadedAt:       r.UploadedAt,
			UpdatedAt:        r.UpdatedAt,
		},
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
