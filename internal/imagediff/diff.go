// Package imagediff compares two raster images pixel by pixel.
//
// Images of different sizes are padded onto a white canvas of the larger
// width and height (content anchored top-left, never scaled). Pixels are
// classified with a YIQ color-distance threshold; anti-aliased pixels are
// counted as differences like any other pixel.
package imagediff

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/jpeg" // JPEG decoder
	"image/png"

	"github.com/orisano/pixelmatch"

	"github.com/djlord-it/pixlewatch/internal/domain"
)

// DefaultThreshold tolerates minor anti-aliasing noise. Range 0..1; smaller is stricter.
const DefaultThreshold = 0.1

// overlay is composited over every differing pixel.
var overlay = color.NRGBA{R: 255, G: 0, B: 0, A: 128}

// Result is the outcome of one comparison.
type Result struct {
	Percentage float64
	DiffPixels int
	Width      int
	Height     int
	Image      *image.NRGBA
}

// Engine holds the comparison threshold. The zero value is not usable; use New.
type Engine struct {
	threshold float64
}

// New returns an engine with the given per-pixel threshold, clamped to [0, 1].
func New(threshold float64) *Engine {
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}
	return &Engine{threshold: threshold}
}

// Threshold returns the per-pixel threshold in use.
func (e *Engine) Threshold() float64 {
	return e.threshold
}

// Compare diffs current against baseline. It is pure and deterministic.
func (e *Engine) Compare(baseline, current image.Image) (Result, error) {
	width := max(baseline.Bounds().Dx(), current.Bounds().Dx())
	height := max(baseline.Bounds().Dy(), current.Bounds().Dy())

	base := normalize(baseline, width, height)
	cur := normalize(current, width, height)

	res := Result{
		Width:  width,
		Height: height,
		Image:  cur,
	}
	if width*height == 0 || bytes.Equal(base.Pix, cur.Pix) {
		return res, nil
	}

	mask, diffPixels, err := e.classify(base, cur)
	if err != nil {
		return Result{}, err
	}
	res.DiffPixels = diffPixels
	res.Percentage = float64(diffPixels) / float64(width*height) * 100
	if diffPixels == 0 {
		return res, nil
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	copy(out.Pix, cur.Pix)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if isMarked(mask.At(x, y)) {
				off := out.PixOffset(x, y)
				blendOver(out.Pix[off:off+4], overlay)
			}
		}
	}
	res.Image = out
	return res, nil
}

// classify runs the per-pixel YIQ comparison on two equally sized images.
// The returned mask is opaque red exactly where pixels differ.
func (e *Engine) classify(base, cur *image.NRGBA) (image.Image, int, error) {
	var mask image.Image
	n, err := pixelmatch.MatchPixel(base, cur,
		pixelmatch.Threshold(e.threshold),
		pixelmatch.IncludeAntiAlias,
		pixelmatch.EnableDiffMask,
		pixelmatch.WriteTo(&mask),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: classify pixels: %v", domain.ErrDiff, err)
	}
	return mask, n, nil
}

// ComparePNG decodes both images, compares them, and encodes the diff image as PNG.
// When nothing differs and current already spans the canvas, the returned
// diff bytes are currentPNG itself.
func (e *Engine) ComparePNG(baselinePNG, currentPNG []byte) (Result, []byte, error) {
	baseline, _, err := image.Decode(bytes.NewReader(baselinePNG))
	if err != nil {
		return Result{}, nil, fmt.Errorf("%w: decode baseline: %v", domain.ErrDiff, err)
	}
	current, _, err := image.Decode(bytes.NewReader(currentPNG))
	if err != nil {
		return Result{}, nil, fmt.Errorf("%w: decode current: %v", domain.ErrDiff, err)
	}

	res, err := e.Compare(baseline, current)
	if err != nil {
		return Result{}, nil, err
	}

	cb := current.Bounds()
	if res.DiffPixels == 0 && cb.Dx() == res.Width && cb.Dy() == res.Height {
		return res, currentPNG, nil
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, res.Image); err != nil {
		return Result{}, nil, fmt.Errorf("%w: encode diff: %v", domain.ErrDiff, err)
	}
	return res, buf.Bytes(), nil
}

// normalize draws img onto an opaque white width x height canvas at the origin.
func normalize(img image.Image, width, height int) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) && b.Dx() == width && b.Dy() == height && n.Stride == 4*width {
		return n
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, width, height))
	if b.Dx() < width || b.Dy() < height {
		draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	}
	draw.Draw(canvas, image.Rect(0, 0, b.Dx(), b.Dy()), img, b.Min, draw.Src)
	return canvas
}

// isMarked reports whether the classifier painted c with its diff color (opaque red).
func isMarked(c color.Color) bool {
	r, g, b, a := c.RGBA()
	return a == 0xffff && r == 0xffff && g == 0 && b == 0
}

// blendOver composites src over the non-premultiplied pixel dst in place.
func blendOver(dst []uint8, src color.NRGBA) {
	sa := float64(src.A) / 255
	da := float64(dst[3]) / 255
	outA := sa + da*(1-sa)
	if outA == 0 {
		dst[0], dst[1], dst[2], dst[3] = 0, 0, 0, 0
		return
	}
	mix := func(s, d uint8) uint8 {
		v := (float64(s)*sa + float64(d)*da*(1-sa)) / outA
		return uint8(v + 0.5)
	}
	dst[0] = mix(src.R, dst[0])
	dst[1] = mix(src.G, dst[1])
	dst[2] = mix(src.B, dst[2])
	dst[3] = uint8(outA*255 + 0.5)
}
