package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/adapter/repo"
	"gallery/internal/domain"
	"gallery/internal/processing"
	"gallery/internal/providers/vision"
	"gallery/internal/usage"
)

type stubAnalyzer struct{}

func (stubAnalyzer) Analyze(context.Context, vision.Source) (vision.Result, error) {
	return vision.Result{Tags: []string{"tree"}, Description: "a tree", DominantColors: []string{"#00AA00"}}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestSweeperTick(t *testing.T) {
	clk := &clock{t: time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := repo.NewMemoryImageRepo(nil)
	store.SetClock(clk.Now)
	ctx := context.Background()
	for _, img := range []*domain.Image{
		{ID: "stuck", OwnerID: "u1", Status: domain.StatusProcessing, Attempts: 1, OriginalURL: "https://cdn.test/stuck.png"},
		{ID: "waiting", OwnerID: "u1", Status: domain.StatusPending, Attempts: 1, OriginalURL: "https://cdn.test/waiting.png"},
	} {
		if err := store.Create(ctx, img); err != nil {
			t.Fatal(err)
		}
	}
	clk.advance(11 * time.Minute)

	orch := processing.New(processing.Options{
		Repo:       store,
		Gate:       usage.NewGovernor(usage.Options{Logger: zerolog.Nop()}),
		Analyzer:   stubAnalyzer{},
		Logger:     zerolog.Nop(),
		StaleAfter: 5 * time.Minute,
		Now:        clk.Now,
	})
	w := &sweeper{orch: orch, logger: zerolog.Nop(), grace: time.Minute, dispatchMax: 10}
	w.tick(ctx)
	orch.Wait()

	stuck, _ := store.GetByID(ctx, "stuck")
	if stuck.Status != domain.StatusFailed || stuck.ErrorMessage != "processing stalled" {
		t.Fatalf("expected stalled failure, got %s %q", stuck.Status, stuck.ErrorMessage)
	}
	waiting, _ := store.GetByID(ctx, "waiting")
	if waiting.Status != domain.StatusCompleted {
		t.Fatalf("expected pending image to be processed, got %s", waiting.Status)
	}
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	orch := processing.New(processing.Options{
		Repo:     repo.NewMemoryImageRepo(nil),
		Gate:     usage.NewGovernor(usage.Options{Logger: zerolog.Nop()}),
		Analyzer: stubAnalyzer{},
		Logger:   zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := &sweeper{orch: orch, logger: zerolog.Nop(), interval: time.Hour}
	if err := w.Run(ctx); err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
