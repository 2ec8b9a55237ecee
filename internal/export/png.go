package export

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/kalambet/jreplay/internal/timeline"
)

const (
	pngWidth     = 1000
	pngLabelW    = 220
	pngRowH      = 22
	pngMargin    = 10
	pngBarHeight = 14

	// PNGMaxRows caps the chart height. Larger selections are rejected
	// before the canvas is allocated.
	PNGMaxRows = 1000
)

var (
	colorBackground = color.RGBA{0xff, 0xff, 0xff, 0xff}
	colorText       = color.RGBA{0x20, 0x20, 0x20, 0xff}
	colorGrid       = color.RGBA{0xe6, 0xe6, 0xe6, 0xff}
	colorStep       = color.RGBA{0x3b, 0x82, 0xf6, 0xff}
	colorAI         = color.RGBA{0x8b, 0x5c, 0xf6, 0xff}
	colorError      = color.RGBA{0xf5, 0x9e, 0x0b, 0xff}
	colorBottleneck = color.RGBA{0xdc, 0x26, 0x26, 0xff}
)

// barColor picks the most significant flag for a bar.
func barColor(it timeline.Item) color.RGBA {
	switch {
	case it.IsBottleneck:
		return colorBottleneck
	case it.HasError:
		return colorError
	case it.IsAI:
		return colorAI
	}
	return colorStep
}

// barSpan maps an item's interval to pixel columns of the chart area.
func barSpan(it timeline.Item, span int64) (x0, x1 int) {
	chartW := pngWidth - pngLabelW - 2*pngMargin
	left := pngLabelW + pngMargin
	if span <= 0 {
		return left, left + 1
	}
	start, end := it.StartTime, it.EndTime
	if end < start {
		end = start
	}
	x0 = left + int(start*int64(chartW)/span)
	x1 = left + int(end*int64(chartW)/span)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	return x0, x1
}

// renderPNG draws a waterfall chart: one labelled row per item with a bar
// spanning its interval on the run's time axis.
func renderPNG(items []timeline.Item) ([]byte, error) {
	if len(items) > PNGMaxRows {
		return nil, fmt.Errorf("%w: %d rows, png limit %d", ErrTooLarge, len(items), PNGMaxRows)
	}
	var span int64
	for _, it := range items {
		if it.EndTime > span {
			span = it.EndTime
		}
	}

	h := 2*pngMargin + (len(items)+1)*pngRowH
	img := image.NewRGBA(image.Rect(0, 0, pngWidth, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{colorBackground}, image.Point{}, draw.Src)

	d := &font.Drawer{Dst: img, Src: image.NewUniform(colorText), Face: basicfont.Face7x13}
	label := func(x, y int, s string) {
		d.Dot = fixed.P(x, y)
		d.DrawString(s)
	}

	label(pngMargin, pngMargin+13, "step")
	label(pngLabelW+pngMargin, pngMargin+13, "0ms")
	end := fmt.Sprintf("%dms", span)
	label(pngWidth-pngMargin-len(end)*7, pngMargin+13, end)

	for i, it := range items {
		top := pngMargin + (i+1)*pngRowH
		draw.Draw(img, image.Rect(pngMargin, top, pngWidth-pngMargin, top+1), &image.Uniform{colorGrid}, image.Point{}, draw.Src)

		name := it.Name
		if name == "" {
			name = it.ID
		}
		if len(name) > 28 {
			name = name[:27] + "~"
		}
		label(pngMargin, top+15, name)

		x0, x1 := barSpan(it, span)
		y0 := top + (pngRowH-pngBarHeight)/2
		draw.Draw(img, image.Rect(x0, y0, x1, y0+pngBarHeight), &image.Uniform{barColor(it)}, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encoding png export: %w", err)
	}
	return buf.Bytes(), nil
}
