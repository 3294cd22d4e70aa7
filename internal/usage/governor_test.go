package usage

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/domain"
	"gallery/internal/kvstore"
)

type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
	return nil
}

func newTestGovernor(clock *fakeClock, limits Limits, store kvstore.Store) *Governor {
	return NewGovernor(Options{
		Limits: limits,
		Store:  store,
		Now:    clock.Now,
		Sleep:  clock.Sleep,
	})
}

func TestMonthlyHardLimit(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, Limits{PerMonth: 3, PerDay: 100}, kvstore.NewMemory())
	for i := 0; i < 3; i++ {
		if err := g.Acquire(context.Background()); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	if g.CanMakeRequest() {
		t.Fatalf("CanMakeRequest should be false at the monthly limit")
	}
	for i := 0; i < 2; i++ {
		err := g.CheckAndWait(context.Background())
		var qe *QuotaError
		if !errors.As(err, &qe) {
			t.Fatalf("CheckAndWait err = %v, want QuotaError", err)
		}
		if qe.Kind != MonthlyLimitExceeded || qe.Limit != 3 {
			t.Fatalf("unexpected quota error %+v", qe)
		}
		if !errors.Is(err, domain.ErrQuotaExceeded) {
			t.Fatalf("QuotaError should match domain.ErrQuotaExceeded")
		}
	}
	// Still within the same 30 day period after a day passes.
	clock.t = clock.t.Add(48 * time.Hour)
	if err := g.CheckQuota(); err == nil {
		t.Fatalf("monthly limit must hold for the rest of the period")
	}
}

func TestDailyHardLimit(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, Limits{PerMonth: 100, PerDay: 2}, nil)
	g.IncrementUsage()
	g.IncrementUsage()
	err := g.CheckQuota()
	var qe *QuotaError
	if !errors.As(err, &qe) || qe.Kind != DailyLimitExceeded || qe.Limit != 2 {
		t.Fatalf("CheckQuota err = %v", err)
	}
	clock.t = clock.t.Add(24*time.Hour + time.Second)
	if err := g.CheckQuota(); err != nil {
		t.Fatalf("daily counter should have rolled over: %v", err)
	}
}

func TestResetOnLoadDailyOnly(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemory()
	saved := counters{
		MonthlyUsed:    40,
		DailyUsed:      7,
		DailyResetAt:   clock.t.Add(-25 * time.Hour),
		MonthlyResetAt: clock.t.Add(-25 * time.Hour),
	}
	raw, _ := json.Marshal(saved)
	_ = store.Set(defaultStoreKey, raw)

	g := newTestGovernor(clock, DefaultLimits(), store)
	stats := g.GetUsageStats()
	if stats.DailyUsed != 0 {
		t.Fatalf("daily used = %d, want 0", stats.DailyUsed)
	}
	if stats.MonthlyUsed != 40 {
		t.Fatalf("monthly used = %d, want 40", stats.MonthlyUsed)
	}
}

func TestResetOnLoadMonthly(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemory()
	saved := counters{
		MonthlyUsed:    4000,
		DailyUsed:      7,
		DailyResetAt:   clock.t.Add(-31 * 24 * time.Hour),
		MonthlyResetAt: clock.t.Add(-31 * 24 * time.Hour),
	}
	raw, _ := json.Marshal(saved)
	_ = store.Set(defaultStoreKey, raw)

	g := newTestGovernor(clock, DefaultLimits(), store)
	stats := g.GetUsageStats()
	if stats.DailyUsed != 0 || stats.MonthlyUsed != 0 {
		t.Fatalf("expected both counters reset, got %+v", stats)
	}
	if !g.CanMakeRequest() {
		t.Fatalf("CanMakeRequest should be true after monthly reset")
	}
}

func TestCountersPersistAcrossInstances(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemory()
	g := newTestGovernor(clock, DefaultLimits(), store)
	g.IncrementUsage()
	g.IncrementUsage()

	again := newTestGovernor(clock, DefaultLimits(), store)
	if got := again.GetUsageStats().DailyUsed; got != 2 {
		t.Fatalf("daily used after reload = %d, want 2", got)
	}
}

func TestGovernorsSharingAStoreAddUp(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.Open("file", t.TempDir(), zerolog.Nop())
	api := newTestGovernor(clock, DefaultLimits(), store)
	worker := newTestGovernor(clock, DefaultLimits(), store)

	for i := 0; i < 5; i++ {
		api.IncrementUsage()
		clock.t = clock.t.Add(time.Second)
	}
	for i := 0; i < 3; i++ {
		worker.IncrementUsage()
		clock.t = clock.t.Add(time.Second)
	}

	fresh := newTestGovernor(clock, DefaultLimits(), store)
	stats := fresh.GetUsageStats()
	if stats.DailyUsed != 8 || stats.MonthlyUsed != 8 {
		t.Fatalf("usage = %d/%d, want 8 from both processes", stats.DailyUsed, stats.MonthlyUsed)
	}
	if got := api.GetUsageStats().DailyUsed; got != 8 {
		t.Fatalf("first governor sees %d, want 8", got)
	}
}

func TestCheckQuotaSeesOtherProcessUsage(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemory()
	limits := Limits{PerDay: 2}
	a := newTestGovernor(clock, limits, store)
	b := newTestGovernor(clock, limits, store)
	a.IncrementUsage()
	b.IncrementUsage()
	if err := a.CheckQuota(); !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("err = %v, want the shared daily limit to be reached", err)
	}
}

func TestMinuteWindowDelaysInsteadOfDropping(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, Limits{PerMinute: 2}, nil)

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(10 * time.Second)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(5 * time.Second)

	if g.CanMakeRequest() {
		t.Fatalf("window is full, CanMakeRequest should be false")
	}
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("third Acquire should wait, not fail: %v", err)
	}
	if len(clock.sleeps) != 1 {
		t.Fatalf("expected one wait, got %v", clock.sleeps)
	}
	// oldest request was 15s ago, so the wait is 60s - 15s.
	if clock.sleeps[0] != 45*time.Second {
		t.Fatalf("wait = %v, want 45s", clock.sleeps[0])
	}
	if got := g.GetUsageStats().DailyUsed; got != 3 {
		t.Fatalf("all three requests must be recorded, got %d", got)
	}
}

func TestSecondWindowDelay(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, Limits{PerSecond: 1}, nil)
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(300 * time.Millisecond)
	if err := g.CheckAndWait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(clock.sleeps) != 1 || clock.sleeps[0] != 700*time.Millisecond {
		t.Fatalf("sleeps = %v, want [700ms]", clock.sleeps)
	}
}

func TestCheckAndWaitHonorsContext(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, Limits{PerMinute: 1}, nil)
	g.IncrementUsage()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := g.CheckAndWait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestCanMakeRequestHasNoSideEffect(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, DefaultLimits(), nil)
	before := g.GetUsageStats()
	for i := 0; i < 5; i++ {
		g.CanMakeRequest()
	}
	after := g.GetUsageStats()
	if before.DailyUsed != after.DailyUsed || before.MonthlyUsed != after.MonthlyUsed || after.LastMinute != 0 {
		t.Fatalf("CanMakeRequest changed state: before %+v after %+v", before, after)
	}
}

func TestResetUsageCounters(t *testing.T) {
	clock := newFakeClock()
	store := kvstore.NewMemory()
	g := newTestGovernor(clock, Limits{PerMonth: 1}, store)
	g.IncrementUsage()
	if g.CanMakeRequest() {
		t.Fatalf("expected limit reached")
	}
	g.ResetUsageCounters()
	if !g.CanMakeRequest() {
		t.Fatalf("expected admission after reset")
	}
	reloaded := newTestGovernor(clock, Limits{PerMonth: 1}, store)
	if reloaded.GetUsageStats().MonthlyUsed != 0 {
		t.Fatalf("reset must be persisted")
	}
}

type failingStore struct{}

func (failingStore) Get(string) ([]byte, error) { return nil, errors.New("disabled") }
func (failingStore) Set(string, []byte) error   { return errors.New("disabled") }
func (failingStore) Delete(string) error        { return errors.New("disabled") }

func TestStorageFailureDoesNotBreakGovernor(t *testing.T) {
	clock := newFakeClock()
	g := newTestGovernor(clock, DefaultLimits(), failingStore{})
	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := g.GetUsageStats().DailyUsed; got != 1 {
		t.Fatalf("daily used = %d, want 1", got)
	}
}

func TestQuotaErrorMessage(t *testing.T) {
	err := &QuotaError{Kind: DailyLimitExceeded, Limit: 150}
	if err.Error() != "daily limit of 150 requests reached" {
		t.Fatalf("Error() = %q", err.Error())
	}
}
