// Command watch keeps a live gallery view of one user's images in the
// terminal. Type "more", "refresh", "rm <id>" or "quit".
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"gallery/internal/bootstrap"
	"gallery/internal/domain"
	"gallery/internal/gallery"
	"gallery/internal/infra"
)

func main() {
	var userID, query, color, tags string
	var limit int
	flag.StringVar(&userID, "user", "", "owner whose images to watch")
	flag.StringVar(&query, "q", "", "search text; switches to a search view")
	flag.StringVar(&color, "color", "", "search color filter, e.g. #FF0000")
	flag.StringVar(&tags, "tags", "", "comma-separated search tags")
	flag.IntVar(&limit, "limit", domain.DefaultPageLimit, "page size")
	flag.Parse()
	if strings.TrimSpace(userID) == "" {
		fmt.Fprintln(os.Stderr, "-user is required")
		os.Exit(1)
	}

	cfg, err := infra.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("cmd", "watch").Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("watch: failed to build services")
	}
	defer stack.Close(5 * time.Second)

	r := &renderer{out: os.Stdout}
	opts := gallery.Options{UserID: userID, Limit: limit, Logger: logger, OnChange: r.render}
	var view *gallery.View
	if query != "" || color != "" || tags != "" {
		var tagList []string
		if tags != "" {
			tagList = strings.Split(tags, ",")
		}
		view = gallery.NewSearch(stack.Images, stack.Bus, domain.SearchFilters{Query: query, Color: color, Tags: tagList}, opts)
	} else {
		view = gallery.NewGallery(stack.Images, stack.Bus, opts)
	}
	defer view.Close()
	if err := view.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("watch: initial load failed")
	}

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- strings.TrimSpace(sc.Text())
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || line == "quit" || line == "q" {
				return
			}
			run(ctx, view, line)
		}
	}
}

func run(ctx context.Context, view *gallery.View, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	var err error
	switch fields[0] {
	case "more":
		err = view.LoadMore(ctx)
	case "refresh":
		err = view.Refresh(ctx)
	case "rm":
		if len(fields) != 2 {
			fmt.Println("usage: rm <image-id>")
			return
		}
		err = view.DeleteImage(ctx, fields[1])
	default:
		fmt.Println("commands: more, refresh, rm <id>, quit")
		return
	}
	if err != nil {
		fmt.Printf("error: %v\n", err)
	}
}

type renderer struct {
	mu  sync.Mutex
	out io.Writer
}

func (r *renderer) render(s gallery.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "\n%d of %d images", len(s.Images), s.Total)
	switch {
	case s.Loading:
		fmt.Fprint(tw, " (loading)")
	case s.LoadingMore:
		fmt.Fprint(tw, " (loading more)")
	case s.HasMore:
		fmt.Fprint(tw, " (type \"more\")")
	}
	fmt.Fprintln(tw)
	if s.Err != nil {
		fmt.Fprintf(tw, "error: %v\n", s.Err)
	}
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tTAGS")
	for _, img := range s.Images {
		status := string(img.Status)
		if img.ErrorMessage != "" {
			status += ": " + img.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", img.ID, img.OriginalFilename, status, strings.Join(img.Tags, ","))
	}
	_ = tw.Flush()
}
