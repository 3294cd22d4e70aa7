// Package usage mirrors the vision API's server-side quotas on the client so
// requests are gated before they are issued.
//
// Day and month boundaries are elapsed-time based: the daily counter resets
// once 24h have passed since its last reset and the monthly counter once 30
// days have passed since its own last reset. This is an approximation of
// calendar periods.
package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
	"gallery/internal/kvstore"
)

const (
	dayPeriod   = 24 * time.Hour
	monthPeriod = 30 * 24 * time.Hour

	minuteWindow = time.Minute
	secondWindow = time.Second

	defaultStoreKey = "usage:vision"
)

// Limits are the request budgets. A zero limit disables that check.
type Limits struct {
	PerMonth  int `yaml:"per_month"`
	PerDay    int `yaml:"per_day"`
	PerMinute int `yaml:"per_minute"`
	PerSecond int `yaml:"per_second"`
}

// DefaultLimits matches the free tier of the vision API.
func DefaultLimits() Limits {
	return Limits{PerMonth: 4000, PerDay: 150, PerMinute: 20, PerSecond: 10}
}

// QuotaKind distinguishes hard quota failures.
type QuotaKind string

const (
	MonthlyLimitExceeded QuotaKind = "MONTHLY_LIMIT_EXCEEDED"
	DailyLimitExceeded   QuotaKind = "DAILY_LIMIT_EXCEEDED"
)

// QuotaError is returned when a hard ceiling is reached.
type QuotaError struct {
	Kind  QuotaKind
	Limit int
}

func (e *QuotaError) Error() string {
	switch e.Kind {
	case MonthlyLimitExceeded:
		return fmt.Sprintf("monthly limit of %d requests reached", e.Limit)
	case DailyLimitExceeded:
		return fmt.Sprintf("daily limit of %d requests reached", e.Limit)
	}
	return fmt.Sprintf("%s (limit %d)", e.Kind, e.Limit)
}

// Is lets callers match any QuotaError with domain.ErrQuotaExceeded.
func (e *QuotaError) Is(target error) bool {
	return target == domain.ErrQuotaExceeded
}

// Stats is a snapshot of usage against the configured limits.
type Stats struct {
	MonthlyUsed      int       `json:"monthly_used"`
	MonthlyLimit     int       `json:"monthly_limit"`
	MonthlyRemaining int       `json:"monthly_remaining"`
	DailyUsed        int       `json:"daily_used"`
	DailyLimit       int       `json:"daily_limit"`
	DailyRemaining   int       `json:"daily_remaining"`
	LastMinute       int       `json:"last_minute"`
	MinuteLimit      int       `json:"minute_limit"`
	LastSecond       int       `json:"last_second"`
	SecondLimit      int       `json:"second_limit"`
	DailyResetAt     time.Time `json:"daily_reset_at"`
	MonthlyResetAt   time.Time `json:"monthly_reset_at"`
}

type counters struct {
	MonthlyUsed    int         `json:"monthly_used"`
	DailyUsed      int         `json:"daily_used"`
	DailyResetAt   time.Time   `json:"daily_reset_at"`
	MonthlyResetAt time.Time   `json:"monthly_reset_at"`
	Minute         []time.Time `json:"minute_requests"`
	Second         []time.Time `json:"second_requests"`
}

// Options configures a Governor.
type Options struct {
	Limits   Limits
	Store    kvstore.Store
	StoreKey string
	Logger   zerolog.Logger
	Now      func() time.Time
	// Sleep blocks for d or until ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Governor tracks usage against Limits. It is safe for concurrent use.
type Governor struct {
	mu       sync.Mutex
	limits   Limits
	c        counters
	store    kvstore.Store
	storeKey string
	logger   zerolog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewGovernor loads persisted counters and applies any elapsed resets.
func NewGovernor(opts Options) *Governor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	if opts.StoreKey == "" {
		opts.StoreKey = defaultStoreKey
	}
	g := &Governor{
		limits:   opts.Limits,
		store:    opts.Store,
		storeKey: opts.StoreKey,
		logger:   opts.Logger,
		now:      opts.Now,
		sleep:    opts.Sleep,
	}
	g.load()
	g.mu.Lock()
	if g.rollover(g.now()) {
		g.persistLocked()
	}
	g.mu.Unlock()
	return g
}

// Limits returns the configured budgets.
func (g *Governor) Limits() Limits {
	return g.limits
}

// CanMakeRequest reports whether a request would be admitted right now
// without waiting. It records nothing.
func (g *Governor) CanMakeRequest() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncLocked()
	now := g.now()
	c := g.projected(now)
	if err := g.hardCheck(c); err != nil {
		return false
	}
	if g.limits.PerMinute > 0 && countSince(c.Minute, now.Add(-minuteWindow)) >= g.limits.PerMinute {
		return false
	}
	if g.limits.PerSecond > 0 && countSince(c.Second, now.Add(-secondWindow)) >= g.limits.PerSecond {
		return false
	}
	return true
}

// CheckQuota applies only the hard monthly and daily ceilings.
func (g *Governor) CheckQuota() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncLocked()
	return g.hardCheck(g.projected(g.now()))
}

// IncrementUsage records one request and persists the counters.
func (g *Governor) IncrementUsage() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.incrementLocked(g.now())
}

// CheckAndWait fails on a hard ceiling and otherwise blocks until the
// per-minute and per-second windows admit one more request.
func (g *Governor) CheckAndWait(ctx context.Context) error {
	_, err := g.admit(ctx, false)
	return err
}

// Acquire is CheckAndWait followed by IncrementUsage under one lock, so two
// callers can never both take the last slot of a window.
func (g *Governor) Acquire(ctx context.Context) error {
	_, err := g.admit(ctx, true)
	return err
}

func (g *Governor) admit(ctx context.Context, record bool) (time.Duration, error) {
	var waited time.Duration
	for {
		g.mu.Lock()
		now := g.now()
		g.syncLocked()
		if g.rollover(now) {
			g.persistLocked()
		}
		if err := g.hardCheck(g.c); err != nil {
			g.mu.Unlock()
			return waited, err
		}
		g.pruneLocked(now)
		wait := g.waitLocked(now)
		if wait <= 0 {
			if record {
				g.incrementLocked(now)
			}
			g.mu.Unlock()
			return waited, nil
		}
		g.mu.Unlock()

		g.logger.Debug().Dur("wait", wait).Msg("usage: throttling request")
		if err := g.sleep(ctx, wait); err != nil {
			return waited, err
		}
		waited += wait
	}
}

// waitLocked returns how long until both short windows admit a request.
func (g *Governor) waitLocked(now time.Time) time.Duration {
	var wait time.Duration
	if g.limits.PerMinute > 0 && len(g.c.Minute) >= g.limits.PerMinute {
		wait = maxDuration(wait, windowWait(minuteWindow, now, g.c.Minute[len(g.c.Minute)-g.limits.PerMinute]))
	}
	if g.limits.PerSecond > 0 && len(g.c.Second) >= g.limits.PerSecond {
		wait = maxDuration(wait, windowWait(secondWindow, now, g.c.Second[len(g.c.Second)-g.limits.PerSecond]))
	}
	return wait
}

// windowWait is window - (now - oldest), floored at zero. A zero result while
// the window is still full is bumped to 1ms so the loop makes progress.
func windowWait(window time.Duration, now, oldest time.Time) time.Duration {
	d := window - now.Sub(oldest)
	if d < 0 {
		return 0
	}
	if d == 0 {
		return time.Millisecond
	}
	return d
}

// GetUsageStats returns a snapshot of current usage.
func (g *Governor) GetUsageStats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.syncLocked()
	now := g.now()
	c := g.projected(now)
	return Stats{
		MonthlyUsed:      c.MonthlyUsed,
		MonthlyLimit:     g.limits.PerMonth,
		MonthlyRemaining: remaining(g.limits.PerMonth, c.MonthlyUsed),
		DailyUsed:        c.DailyUsed,
		DailyLimit:       g.limits.PerDay,
		DailyRemaining:   remaining(g.limits.PerDay, c.DailyUsed),
		LastMinute:       countSince(c.Minute, now.Add(-minuteWindow)),
		MinuteLimit:      g.limits.PerMinute,
		LastSecond:       countSince(c.Second, now.Add(-secondWindow)),
		SecondLimit:      g.limits.PerSecond,
		DailyResetAt:     c.DailyResetAt,
		MonthlyResetAt:   c.MonthlyResetAt,
	}
}

// ResetUsageCounters zeroes every counter and restarts both periods now.
func (g *Governor) ResetUsageCounters() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.c = counters{DailyResetAt: now, MonthlyResetAt: now}
	g.persistLocked()
}

func (g *Governor) hardCheck(c counters) error {
	if g.limits.PerMonth > 0 && c.MonthlyUsed >= g.limits.PerMonth {
		return &QuotaError{Kind: MonthlyLimitExceeded, Limit: g.limits.PerMonth}
	}
	if g.limits.PerDay > 0 && c.DailyUsed >= g.limits.PerDay {
		return &QuotaError{Kind: DailyLimitExceeded, Limit: g.limits.PerDay}
	}
	return nil
}

// projected returns the counters as they would look after rollover, without mutating.
func (g *Governor) projected(now time.Time) counters {
	c := g.c
	if now.Sub(c.DailyResetAt) >= dayPeriod {
		c.DailyUsed = 0
	}
	if now.Sub(c.MonthlyResetAt) >= monthPeriod {
		c.MonthlyUsed = 0
	}
	return c
}

// rollover applies elapsed day/month resets and reports whether anything changed.
func (g *Governor) rollover(now time.Time) bool {
	changed := false
	if g.c.DailyResetAt.IsZero() {
		g.c.DailyResetAt = now
		changed = true
	}
	if g.c.MonthlyResetAt.IsZero() {
		g.c.MonthlyResetAt = now
		changed = true
	}
	if now.Sub(g.c.DailyResetAt) >= dayPeriod {
		g.logger.Info().Int("daily_used", g.c.DailyUsed).Msg("usage: daily counter reset")
		g.c.DailyUsed = 0
		g.c.DailyResetAt = now
		changed = true
	}
	if now.Sub(g.c.MonthlyResetAt) >= monthPeriod {
		g.logger.Info().Int("monthly_used", g.c.MonthlyUsed).Msg("usage: monthly counter reset")
		g.c.MonthlyUsed = 0
		g.c.MonthlyResetAt = now
		changed = true
	}
	return changed
}

func (g *Governor) incrementLocked(now time.Time) {
	g.syncLocked()
	g.rollover(now)
	g.pruneLocked(now)
	g.c.MonthlyUsed++
	g.c.DailyUsed++
	g.c.Minute = append(g.c.Minute, now)
	g.c.Second = append(g.c.Second, now)
	g.persistLocked()
}

func (g *Governor) pruneLocked(now time.Time) {
	g.c.Minute = pruneBefore(g.c.Minute, now.Add(-minuteWindow))
	g.c.Second = pruneBefore(g.c.Second, now.Add(-secondWindow))
}

func (g *Governor) load() {
	if c, ok := g.read(); ok {
		g.c = c
	}
}

// syncLocked folds in counters persisted by other governors sharing the
// store, so increments from several processes add up instead of the last
// writer winning.
func (g *Governor) syncLocked() {
	if c, ok := g.read(); ok {
		g.c = mergeCounters(g.c, c)
	}
}

func (g *Governor) read() (counters, bool) {
	if g.store == nil {
		return counters{}, false
	}
	raw, err := g.store.Get(g.storeKey)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			g.logger.Warn().Err(err).Msg("usage: load counters failed")
		}
		return counters{}, false
	}
	var c counters
	if err := json.Unmarshal(raw, &c); err != nil {
		g.logger.Warn().Err(err).Msg("usage: decode counters failed")
		return counters{}, false
	}
	return c, true
}

// mergeCounters combines local and stored state. A period that was reset
// more recently wins outright; within the same period the larger count wins,
// since every writer re-reads before it writes.
func mergeCounters(local, stored counters) counters {
	out := local
	switch {
	case stored.DailyResetAt.After(local.DailyResetAt):
		out.DailyUsed, out.DailyResetAt = stored.DailyUsed, stored.DailyResetAt
	case stored.DailyResetAt.Equal(local.DailyResetAt):
		out.DailyUsed = max(local.DailyUsed, stored.DailyUsed)
	}
	switch {
	case stored.MonthlyResetAt.After(local.MonthlyResetAt):
		out.MonthlyUsed, out.MonthlyResetAt = stored.MonthlyUsed, stored.MonthlyResetAt
	case stored.MonthlyResetAt.Equal(local.MonthlyResetAt):
		out.MonthlyUsed = max(local.MonthlyUsed, stored.MonthlyUsed)
	}
	if len(stored.Minute) >= len(local.Minute) {
		out.Minute = append([]time.Time(nil), stored.Minute...)
	}
	if len(stored.Second) >= len(local.Second) {
		out.Second = append([]time.Time(nil), stored.Second...)
	}
	return out
}

func (g *Governor) persistLocked() {
	if g.store == nil {
		return
	}
	raw, err := json.Marshal(g.c)
	if err != nil {
		g.logger.Warn().Err(err).Msg("usage: encode counters failed")
		return
	}
	if err := g.store.Set(g.storeKey, raw); err != nil {
		g.logger.Warn().Err(err).Msg("usage: persist counters failed")
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append([]time.Time(nil), ts[i:]...)
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range ts {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func remaining(limit, used int) int {
	if limit <= 0 {
		return -1
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

func maxDuration(a, b time.Duration) time.Duration {
	if a > b {
		return a
	}
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
