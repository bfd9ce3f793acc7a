package fusion

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"time"

	_ "image/gif"

	xdraw "golang.org/x/image/draw"
)

// ErrUnreadable marks a source image that could not be decoded. The worker
// records it as a pending-retry condition; it never rolls back a completed
// moment.
var ErrUnreadable = errors.New("fusion: unreadable source image")

type Layout string

const (
	LayoutHorizontal Layout = "horizontal"
	LayoutVertical   Layout = "vertical"
)

type Config struct {
	Layout Layout
	// CanvasWidth/CanvasHeight are targets, not the output size: the layout
	// rule derives the shared edge from them and the other dimension follows
	// from the source aspect ratios.
	CanvasWidth  int
	CanvasHeight int
	// Spacing is the background gap, in pixels, between the two images.
	Spacing    int
	Background color.Color
	// Format is "jpeg" or "png". Quality applies to jpeg only.
	Format  string
	Quality int
	// ThumbnailMax bounds the longer thumbnail edge.
	ThumbnailMax int
}

func DefaultConfig() Config {
	return Config{
		Layout:       LayoutHorizontal,
		CanvasWidth:  2048,
		CanvasHeight: 1536,
		Spacing:      16,
		Background:   color.White,
		Format:       "jpeg",
		Quality:      88,
		ThumbnailMax: 512,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Layout != LayoutHorizontal && c.Layout != LayoutVertical {
		c.Layout = d.Layout
	}
	if c.CanvasWidth <= 0 {
		c.CanvasWidth = d.CanvasWidth
	}
	if c.CanvasHeight <= 0 {
		c.CanvasHeight = d.CanvasHeight
	}
	if c.Spacing < 0 {
		c.Spacing = d.Spacing
	}
	if c.Background == nil {
		c.Background = d.Background
	}
	if c.Format != "jpeg" && c.Format != "png" {
		c.Format = d.Format
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = d.Quality
	}
	if c.ThumbnailMax <= 0 {
		c.ThumbnailMax = d.ThumbnailMax
	}
	return c
}

// Artifact is the composite output plus everything the metadata envelope
// needs that the engine can know. Provenance fields that belong to the
// moment (who captured what, when) are attached by the caller.
type Artifact struct {
	Data      []byte
	Thumbnail []byte

	Width       int
	Height      int
	ThumbWidth  int
	ThumbHeight int

	Layout    Layout
	Format    string
	CreatedAt time.Time
}

// Decode parses stored capture bytes back into a raster image.
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return img, nil
}

// Fuse composites two captures into one artifact. For fixed inputs and a
// fixed config the output dimensions and placement are always identical;
// only encoded bytes may drift across codec versions.
func Fuse(img1, img2 image.Image, cfg Config) (*Artifact, error) {
	if img1 == nil || img2 == nil {
		return nil, fmt.Errorf("%w: missing source image", ErrUnreadable)
	}
	cfg = cfg.withDefaults()

	var canvas *image.RGBA
	switch cfg.Layout {
	case LayoutVertical:
		canvas = composeVertical(img1, img2, cfg)
	default:
		canvas = composeHorizontal(img1, img2, cfg)
	}
	if canvas == nil {
		return nil, fmt.Errorf("fusion: canvas target too small for spacing %d", cfg.Spacing)
	}

	data, err := encode(canvas, cfg)
	if err != nil {
		return nil, err
	}

	thumb := thumbnail(canvas, cfg.ThumbnailMax)
	thumbData, err := encode(thumb, cfg)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		Data:        data,
		Thumbnail:   thumbData,
		Width:       canvas.Bounds().Dx(),
		Height:      canvas.Bounds().Dy(),
		ThumbWidth:  thumb.Bounds().Dx(),
		ThumbHeight: thumb.Bounds().Dy(),
		Layout:      cfg.Layout,
		Format:      cfg.Format,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// composeHorizontal places the images side by side on a shared row height:
// the target height minus spacing, normalized to an even number. Each image
// keeps its own aspect ratio, so the final canvas width is the sum of the
// two resized widths plus the gap.
func composeHorizontal(img1, img2 image.Image, cfg Config) *image.RGBA {
	rowHeight := evenDown(cfg.CanvasHeight - cfg.Spacing)
	if rowHeight <= 0 {
		return nil
	}

	w1 := scaledDim(img1.Bounds().Dx(), img1.Bounds().Dy(), rowHeight)
	w2 := scaledDim(img2.Bounds().Dx(), img2.Bounds().Dy(), rowHeight)

	canvas := image.NewRGBA(image.Rect(0, 0, w1+w2+cfg.Spacing, rowHeight))
	fill(canvas, cfg.Background)

	scaleInto(canvas, image.Rect(0, 0, w1, rowHeight), img1)
	scaleInto(canvas, image.Rect(w1+cfg.Spacing, 0, w1+cfg.Spacing+w2, rowHeight), img2)
	return canvas
}

// composeVertical is the transpose: shared column width, summed heights.
func composeVertical(img1, img2 image.Image, cfg Config) *image.RGBA {
	colWidth := evenDown(cfg.CanvasWidth - cfg.Spacing)
	if colWidth <= 0 {
		return nil
	}

	h1 := scaledDim(img1.Bounds().Dy(), img1.Bounds().Dx(), colWidth)
	h2 := scaledDim(img2.Bounds().Dy(), img2.Bounds().Dx(), colWidth)

	canvas := image.NewRGBA(image.Rect(0, 0, colWidth, h1+h2+cfg.Spacing))
	fill(canvas, cfg.Background)

	scaleInto(canvas, image.Rect(0, 0, colWidth, h1), img1)
	scaleInto(canvas, image.Rect(0, h1+cfg.Spacing, colWidth, h1+cfg.Spacing+h2), img2)
	return canvas
}

// scaledDim resizes the free dimension proportionally when the fixed one is
// forced to fixed.
func scaledDim(free, fixedSrc, fixed int) int {
	if fixedSrc == 0 {
		return 1
	}
	d := free * fixed / fixedSrc
	if d < 1 {
		d = 1
	}
	return d
}

func evenDown(n int) int {
	return n - n%2
}

func fill(dst *image.RGBA, c color.Color) {
	xdraw.Draw(dst, dst.Bounds(), &image.Uniform{C: c}, image.Point{}, xdraw.Src)
}

func scaleInto(dst *image.RGBA, rect image.Rectangle, src image.Image) {
	xdraw.CatmullRom.Scale(dst, rect, src, src.Bounds(), xdraw.Over, nil)
}

// thumbnail downscales the composite so its longer edge is at most max,
// preserving aspect. A composite already inside the bound is returned as-is.
func thumbnail(src *image.RGBA, max int) *image.RGBA {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	if w <= max && h <= max {
		return src
	}

	var tw, th int
	if w >= h {
		tw = max
		th = scaledDim(h, w, max)
	} else {
		th = max
		tw = scaledDim(w, h, max)
	}

	thumb := image.NewRGBA(image.Rect(0, 0, tw, th))
	xdraw.CatmullRom.Scale(thumb, thumb.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	return thumb
}

func encode(img image.Image, cfg Config) ([]byte, error) {
	var buf bytes.Buffer
	switch cfg.Format {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("fusion: png encode: %w", err)
		}
	default:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: cfg.Quality}); err != nil {
			return nil, fmt.Errorf("fusion: jpeg encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}
