package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"gallery/internal/infra"
	"gallery/internal/infra/credentials"
)

func main() {
	var keyFlag, endpointFlag string
	flag.StringVar(&keyFlag, "key", "", "Vision API key (falls back to VISION_KEY)")
	flag.StringVar(&endpointFlag, "endpoint", "", "Vision endpoint recorded with the key (falls back to VISION_ENDPOINT)")
	flag.Parse()

	key := strings.TrimSpace(keyFlag)
	if key == "" {
		key = strings.TrimSpace(os.Getenv("VISION_KEY"))
	}
	if key == "" {
		fmt.Fprintln(os.Stderr, "vision API key is required via -key or VISION_KEY")
		os.Exit(1)
	}
	endpoint := strings.TrimSpace(endpointFlag)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("VISION_ENDPOINT"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := infra.NewLogger("cli").With().Str("cmd", "visionkey").Logger()
	store := credentials.NewStore(infra.NewSQLRunner(pool, logger))

	if err := store.SetVisionAPIKey(ctx, key, endpoint); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist vision api key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("vision API key stored successfully")
}
