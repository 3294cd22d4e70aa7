package images

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strings"

	"gallery/internal/domain"
)

const (
	DefaultSimilarLimit        = 10
	MaxSimilarLimit            = 50
	DefaultSimilarityThreshold = 0.7
	tagWeight                  = 0.7
	descriptionWeight          = 0.3
	popularTagCount            = 10
	maxSuggestions             = 5
)

var (
	hexColor = regexp.MustCompile(`^#?[0-9A-Fa-f]{6}$`)
	sortKeys = map[string]string{
		"uploaded_at":       "uploaded_at",
		"created_at":        "uploaded_at",
		"original_filename": "original_filename",
		"filename":          "original_filename",
		"file_size":         "file_size",
	}
)

// Search filters the owner's images. Results are cached for a short time.
func (s *Service) Search(ctx context.Context, userID string, f domain.SearchFilters) (domain.ImagePage, error) {
	if userID == "" {
		return domain.ImagePage{}, domain.ErrUnauthorized
	}
	f, err := normalizeFilters(f)
	if err != nil {
		return domain.ImagePage{}, err
	}
	var key string
	if s.searches != nil {
		raw, _ := json.Marshal(f)
		key = s.cacheKey("search", userID, string(raw))
		if page, ok := s.searches.Get(key); ok {
			return page, nil
		}
	}
	page, err := s.repo.Search(ctx, userID, f)
	if err != nil {
		return domain.ImagePage{}, err
	}
	if s.searches != nil {
		s.searches.Set(key, page, searchTTL)
	}
	return page, nil
}

func normalizeFilters(f domain.SearchFilters) (domain.SearchFilters, error) {
	f.Query = strings.TrimSpace(f.Query)
	if c := strings.TrimSpace(f.Color); c != "" {
		if !hexColor.MatchString(c) {
			return f, &ValidationError{Field: "color", Message: "color must be a hex value like #FF0000"}
		}
		f.Color = "#" + strings.ToUpper(strings.TrimPrefix(c, "#"))
	} else {
		f.Color = ""
	}
	var tags []string
	for _, t := range f.Tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	f.Tags = tags
	if f.SortBy == "" {
		f.SortBy = "uploaded_at"
	}
	col, ok := sortKeys[f.SortBy]
	if !ok {
		return f, &ValidationError{Field: "sort_by", Message: "unsupported sort field " + f.SortBy}
	}
	f.SortBy = col
	switch f.SortOrder {
	case "":
		f.SortOrder = domain.SortDesc
	case domain.SortAsc, domain.SortDesc:
	default:
		return f, &ValidationError{Field: "sort_order", Message: "sort order must be asc or desc"}
	}
	f.Page, f.Limit = domain.NormalizePage(f.Page, f.Limit)
	return f, nil
}

// SimilarImage is one match with its scores.
type SimilarImage struct {
	Image                 domain.Image
	SimilarityScore       float64
	TagSimilarity         float64
	DescriptionSimilarity float64
}

// Similar ranks the owner's other analyzed images by tag and description
// overlap with imageID. Scores below threshold are dropped.
func (s *Service) Similar(ctx context.Context, userID, imageID string, limit int, threshold float64) ([]SimilarImage, error) {
	src, err := s.Get(ctx, userID, imageID)
	if err != nil {
		return nil, err
	}
	if len(src.Tags) == 0 || src.Description == "" {
		return nil, &ValidationError{Field: "image_id", Message: "source image must have AI analysis completed"}
	}
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}
	limit = min(limit, MaxSimilarLimit)
	threshold = math.Max(0, math.Min(1, threshold))

	candidates, err := s.repo.ListAnalyzed(ctx, userID)
	if err != nil {
		return nil, err
	}
	srcTags := toSet(src.Tags)
	srcWords := toSet(strings.Fields(strings.ToLower(src.Description)))
	var out []SimilarImage
	for _, img := range candidates {
		if img.ID == src.ID {
			continue
		}
		tagSim := jaccard(srcTags, toSet(img.Tags))
		descSim := jaccard(srcWords, toSet(strings.Fields(strings.ToLower(img.Description))))
		score := tagSim*tagWeight + descSim*descriptionWeight
		if score < threshold {
			continue
		}
		out = append(out, SimilarImage{
			Image:                 img,
			SimilarityScore:       round3(score),
			TagSimilarity:         round3(tagSim),
			DescriptionSimilarity: round3(descSim),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SimilarityScore > out[j].SimilarityScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Suggestions is the search-box helper payload.
type Suggestions struct {
	Query          string   `json:"query"`
	Suggestions    []string `json:"suggestions"`
	PopularTags    []string `json:"popular_tags"`
	RecentSearches []string `json:"recent_searches"`
}

// Suggestions returns the owner's most used tags and those containing query.
func (s *Service) Suggestions(ctx context.Context, userID, query string) (Suggestions, error) {
	if userID == "" {
		return Suggestions{}, domain.ErrUnauthorized
	}
	popular, err := s.popularTags(ctx, userID)
	if err != nil {
		return Suggestions{}, err
	}
	out := Suggestions{Query: query, Suggestions: []string{}, PopularTags: popular, RecentSearches: []string{}}
	if q := strings.ToLower(strings.TrimSpace(query)); q != "" {
		for _, tag := range popular {
			if strings.Contains(strings.ToLower(tag), q) {
				out.Suggestions = append(out.Suggestions, tag)
				if len(out.Suggestions) == maxSuggestions {
					break
				}
			}
		}
	}
	return out, nil
}

func (s *Service) popularTags(ctx context.Context, userID string) ([]string, error) {
	var key string
	if s.tags != nil {
		key = s.cacheKey("tags", userID, "")
		if tags, ok := s.tags.Get(key); ok {
			return tags, nil
		}
	}
	analyzed, err := s.repo.ListAnalyzed(ctx, userID)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, img := range analyzed {
		for _, t := range img.Tags {
			counts[t]++
		}
	}
	tags := make([]string, 0, len(counts))
	for t := range counts {
		tags = append(tags, t)
	}
	sort.Slice(tags, func(i, j int) bool {
		if counts[tags[i]] != counts[tags[j]] {
			return counts[tags[i]] > counts[tags[j]]
		}
		return tags[i] < tags[j]
	})
	if len(tags) > popularTagCount {
		tags = tags[:popularTagCount]
	}
	if s.tags != nil {
		s.tags.Set(key, tags, 0)
	}
	return tags, nil
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
