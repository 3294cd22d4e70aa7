package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"gallery/internal/domain"
	"gallery/internal/gallery"
)

func TestRenderSnapshot(t *testing.T) {
	var buf bytes.Buffer
	r := &renderer{out: &buf}
	r.render(gallery.Snapshot{
		Images: []domain.Image{
			{ID: "a", OriginalFilename: "cat.png", Status: domain.StatusCompleted, Tags: []string{"cat", "pet"}},
			{ID: "b", OriginalFilename: "dog.png", Status: domain.StatusFailed, ErrorMessage: "processing timed out"},
		},
		Total:   3,
		HasMore: true,
		Err:     errors.New("delete failed"),
	})
	out := buf.String()
	for _, want := range []string{"2 of 3 images", "type \"more\"", "error: delete failed", "cat,pet", "failed: processing timed out"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}
