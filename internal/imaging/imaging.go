// Package imaging inspects, validates, and thumbnails uploaded images and
// extracts dominant colors when the vision API returns none.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"sort"

	"golang.org/x/image/draw"
	"golang.org/x/image/webp"

	"gallery/internal/domain"
)

const (
	DefaultMaxBytes = 10 << 20
	MinDimension    = 10
	MaxDimension    = 10000
	ThumbnailSize   = 300
	thumbQuality    = 85
	sampleGrid      = 64
)

// AllowedTypes are the accepted upload MIME types.
var AllowedTypes = map[string]string{
	"image/jpeg": "jpeg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// Info describes a decoded image header.
type Info struct {
	Format string
	Width  int
	Height int
}

// MIMEType returns the MIME type of the detected format.
func (i Info) MIMEType() string {
	for mime, f := range AllowedTypes {
		if f == i.Format {
			return mime
		}
	}
	return ""
}

// Inspect reads the header of data.
func Inspect(data []byte) (Info, error) {
	cfg, format, err := decodeConfig(data)
	if err != nil {
		return Info{}, fmt.Errorf("%w: invalid image data: %v", domain.ErrValidation, err)
	}
	return Info{Format: format, Width: cfg.Width, Height: cfg.Height}, nil
}

// Validate checks the declared type, size, format and dimensions.
func Validate(data []byte, mime string, maxBytes int64) (Info, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if _, ok := AllowedTypes[mime]; !ok {
		return Info{}, fmt.Errorf("%w: file type %q not allowed", domain.ErrValidation, mime)
	}
	if len(data) == 0 {
		return Info{}, fmt.Errorf("%w: empty file", domain.ErrValidation)
	}
	if int64(len(data)) > maxBytes {
		return Info{}, fmt.Errorf("%w: file size exceeds maximum allowed size of %d bytes", domain.ErrValidation, maxBytes)
	}
	info, err := Inspect(data)
	if err != nil {
		return Info{}, err
	}
	if info.Width < MinDimension || info.Height < MinDimension {
		return Info{}, fmt.Errorf("%w: image dimensions too small", domain.ErrValidation)
	}
	if info.Width > MaxDimension || info.Height > MaxDimension {
		return Info{}, fmt.Errorf("%w: image dimensions too large", domain.ErrValidation)
	}
	return info, nil
}

// Thumbnail scales data to fit in ThumbnailSize x ThumbnailSize and encodes
// it as JPEG. Transparent areas become white. Images already inside the
// bounds are re-encoded at their own size.
func Thumbnail(data []byte) ([]byte, error) {
	src, _, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("thumbnail: %w", err)
	}
	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), ThumbnailSize)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: thumbQuality}); err != nil {
		return nil, fmt.Errorf("thumbnail: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(w, h, max int) (int, int) {
	if w <= max && h <= max {
		return w, h
	}
	if w >= h {
		nh := h * max / w
		if nh < 1 {
			nh = 1
		}
		return max, nh
	}
	nw := w * max / h
	if nw < 1 {
		nw = 1
	}
	return nw, max
}

// DominantColors returns up to n colors as #RRGGBB, most frequent first,
// from a coarse histogram over a sampled grid of pixels.
func DominantColors(data []byte, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	img, _, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("dominant colors: %w", err)
	}
	type bucket struct {
		key            int
		r, g, b, count int
	}
	buckets := make(map[int]*bucket)
	bounds := img.Bounds()
	stepX := max(1, bounds.Dx()/sampleGrid)
	stepY := max(1, bounds.Dy()/sampleGrid)
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stepY {
		for x := bounds.Min.X; x < bounds.Max.X; x += stepX {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			if c.A < 128 {
				continue
			}
			key := int(c.R>>5)<<6 | int(c.G>>5)<<3 | int(c.B>>5)
			bk, ok := buckets[key]
			if !ok {
				bk = &bucket{key: key}
				buckets[key] = bk
			}
			bk.r += int(c.R)
			bk.g += int(c.G)
			bk.b += int(c.B)
			bk.count++
		}
	}
	list := make([]*bucket, 0, len(buckets))
	for _, bk := range buckets {
		list = append(list, bk)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].key < list[j].key
	})
	out := make([]string, 0, n)
	for _, bk := range list {
		if len(out) == n {
			break
		}
		out = append(out, fmt.Sprintf("#%02X%02X%02X", bk.r/bk.count, bk.g/bk.count, bk.b/bk.count))
	}
	return out, nil
}

// FallbackPalette is the fixed color set used when no colors can be derived.
func FallbackPalette() []string {
	return []string{"#808080", "#C0C0C0", "#404040"}
}

func decodeConfig(data []byte) (image.Config, string, error) {
	r := bytes.NewReader(data)
	switch sniff(data) {
	case "jpeg":
		cfg, err := jpeg.DecodeConfig(r)
		return cfg, "jpeg", err
	case "png":
		cfg, err := png.DecodeConfig(r)
		return cfg, "png", err
	case "gif":
		cfg, err := gif.DecodeConfig(r)
		return cfg, "gif", err
	case "webp":
		cfg, err := webp.DecodeConfig(r)
		return cfg, "webp", err
	}
	return image.Config{}, "", fmt.Errorf("unsupported image format")
}

func decode(data []byte) (image.Image, string, error) {
	r := bytes.NewReader(data)
	format := sniff(data)
	var (
		img image.Image
		err error
	)
	switch format {
	case "jpeg":
		img, err = jpeg.Decode(r)
	case "png":
		img, err = png.Decode(r)
	case "gif":
		img, err = gif.Decode(r)
	case "webp":
		img, err = webp.Decode(r)
	default:
		return nil, "", fmt.Errorf("unsupported image format")
	}
	return img, format, err
}

func sniff(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("\xff\xd8\xff")):
		return "jpeg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "gif"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "webp"
	}
	return ""
}
