package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"gallery/internal/infra"
)

const (
	analyzePath    = "/vision/v3.2/analyze"
	modelsPath     = "/vision/v3.2/models"
	visualFeatures = "Tags,Description,Color"

	minTagConfidence = 0.5
	maxRawTags       = 10
	maxTags          = 8
	maxDescription   = 200
	maxColors        = 5
)

// Options configures the Azure client.
type Options struct {
	Endpoint       string
	APIKey         string
	Language       string
	HTTPClient     *http.Client
	Logger         *infra.Logger
	RequestTimeout time.Duration
}

// AzureClient implements Analyzer against Azure Computer Vision v3.2.
type AzureClient struct {
	endpoint   string
	apiKey     string
	language   string
	httpClient *http.Client
	logger     *infra.Logger
}

type analyzeResponse struct {
	Tags []struct {
		Name       string  `json:"name"`
		Confidence float64 `json:"confidence"`
	} `json:"tags"`
	Description struct {
		Captions []struct {
			Text       string  `json:"text"`
			Confidence float64 `json:"confidence"`
		} `json:"captions"`
	} `json:"description"`
	Color struct {
		DominantColors []string `json:"dominantColors"`
		AccentColor    string   `json:"accentColor"`
	} `json:"color"`
	RequestID string `json:"requestId"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewClient builds a client. Missing credentials are reported by Analyze so
// the process can still start with analysis disabled.
func NewClient(opts Options) *AzureClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	language := strings.TrimSpace(opts.Language)
	if language == "" {
		language = "en"
	}
	logger := opts.Logger
	if logger == nil {
		l := infra.Logger(zerolog.Nop())
		logger = &l
	}
	return &AzureClient{
		endpoint:   strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		language:   language,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Configured reports whether both endpoint and key are set.
func (c *AzureClient) Configured() bool {
	return c.endpoint != "" && c.apiKey != ""
}

// Ping lists the domain models, an authenticated call that analyzes nothing,
// to check the endpoint and key.
func (c *AzureClient) Ping(ctx context.Context) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+modelsPath, nil)
	if err != nil {
		return fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vision: http request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("vision: status %d", resp.StatusCode)
	}
	return nil
}

// Analyze posts the image by URL when one is given, otherwise as binary.
func (c *AzureClient) Analyze(ctx context.Context, src Source) (Result, error) {
	if !c.Configured() {
		return Result{}, ErrNotConfigured
	}
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case strings.TrimSpace(src.URL) != "":
		raw, err := json.Marshal(map[string]string{"url": strings.TrimSpace(src.URL)})
		if err != nil {
			return Result{}, fmt.Errorf("vision: encode request: %w", err)
		}
		body, contentType = bytes.NewReader(raw), "application/json"
	case len(src.Data) > 0:
		contentType = src.MIME
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		body = bytes.NewReader(src.Data)
	default:
		return Result{}, errors.New("vision: image url or data is required")
	}

	q := url.Values{}
	q.Set("visualFeatures", visualFeatures)
	q.Set("language", c.language)
	endpoint := c.endpoint + analyzePath + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Result{}, fmt.Errorf("vision: build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("vision: http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("vision: read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, fmt.Errorf("%w: retry after %q", ErrRateLimited, resp.Header.Get("Retry-After"))
	}
	if resp.StatusCode >= 300 {
		var detail errorResponse
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Error.Message != "" {
			return Result{}, fmt.Errorf("vision: %s (%s)", detail.Error.Message, detail.Error.Code)
		}
		return Result{}, fmt.Errorf("vision: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var decoded analyzeResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, fmt.Errorf("vision: decode response: %w", err)
	}
	res := shape(decoded)
	c.logger.Debug().
		Str("request_id", decoded.RequestID).
		Int("tags", len(res.Tags)).
		Int("colors", len(res.DominantColors)).
		Dur("took", time.Since(start)).
		Msg("vision: analyzed image")
	return res, nil
}

func shape(r analyzeResponse) Result {
	res := Result{Confidence: make(map[string]float64, len(r.Tags))}
	raw := make([]string, 0, maxRawTags)
	for _, t := range r.Tags {
		res.Confidence[t.Name] = t.Confidence
		if t.Confidence > minTagConfidence && len(raw) < maxRawTags {
			raw = append(raw, t.Name)
		}
	}
	res.Tags = cleanTags(raw)
	if len(r.Description.Captions) > 0 {
		res.Description = cleanDescription(r.Description.Captions[0].Text)
	}
	res.DominantColors = formatColors(append(r.Color.DominantColors, r.Color.AccentColor))
	return res
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if len(t) <= 2 || len(t) >= 50 {
			continue
		}
		out = append(out, t)
		if len(out) == maxTags {
			break
		}
	}
	return out
}

func cleanDescription(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > maxDescription {
		s = string(r[:maxDescription])
	}
	return s
}

// namedColors maps the color names Azure reports to hex values.
var namedColors = map[string]string{
	"black":  "#000000",
	"blue":   "#0000FF",
	"brown":  "#A52A2A",
	"gray":   "#808080",
	"grey":   "#808080",
	"green":  "#008000",
	"orange": "#FFA500",
	"pink":   "#FFC0CB",
	"purple": "#800080",
	"red":    "#FF0000",
	"teal":   "#008080",
	"white":  "#FFFFFF",
	"yellow": "#FFFF00",
}

// formatColors normalizes names and hex codes to #RRGGBB, dropping unknown
// values and duplicates.
func formatColors(colors []string) []string {
	out := make([]string, 0, maxColors)
	seen := make(map[string]bool)
	for _, c := range colors {
		hex, ok := NormalizeColor(c)
		if !ok || seen[hex] {
			continue
		}
		seen[hex] = true
		out = append(out, hex)
		if len(out) == maxColors {
			break
		}
	}
	return out
}

// NormalizeColor returns c as #RRGGBB when it is a known name or a six digit hex code.
func NormalizeColor(c string) (string, bool) {
	c = strings.TrimSpace(c)
	if c == "" {
		return "", false
	}
	if hex, ok := namedColors[strings.ToLower(c)]; ok {
		return hex, true
	}
	c = strings.TrimPrefix(c, "#")
	if len(c) != 6 {
		return "", false
	}
	for _, r := range c {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return "", false
		}
	}
	return "#" + strings.ToUpper(c), true
}
