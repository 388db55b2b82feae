// Package annotate draws match markers onto decoded frames.
package annotate

import (
	"image"
	"image/color"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// Thickness of the box outline in pixels.
	Thickness = 2
	// labelGap separates the label from the top of the box.
	labelGap = 2
)

// MarkerColor is used for both the outline and the label.
var MarkerColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// Annotate draws a box around every matched region and a "Match <timestamp>"
// label above it. Drawing happens in place: the returned image is frame
// itself, and callers that need the undecorated frame must copy it first.
func Annotate(frame *image.RGBA, matched []image.Rectangle, timestamp string) *image.RGBA {
	if frame == nil {
		return nil
	}
	label := "Match " + timestamp
	for _, r := range matched {
		r = r.Intersect(frame.Bounds())
		if r.Empty() {
			continue
		}
		drawBox(frame, r, MarkerColor)
		drawLabel(frame, r, label, MarkerColor)
	}
	return frame
}

// drawBox paints a Thickness-wide outline just inside r.
func drawBox(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	t := Thickness
	if r.Dx() < 2*t || r.Dy() < 2*t {
		fill(img, r, c)
		return
	}
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), c) // top
	fill(img, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), c) // bottom
	fill(img, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), c) // left
	fill(img, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), c) // right
}

func fill(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		off := img.PixOffset(r.Min.X, y)
		for x := 0; x < r.Dx(); x++ {
			img.Pix[off] = c.R
			img.Pix[off+1] = c.G
			img.Pix[off+2] = c.B
			img.Pix[off+3] = c.A
			off += 4
		}
	}
}

// labelOrigin returns the baseline origin for text of the given width so the
// whole glyph box sits immediately above r, pushed back inside the frame
// when r touches the top or right edge.
func labelOrigin(bounds, r image.Rectangle, width, ascent, descent int) image.Point {
	x := r.Min.X
	if x+width > bounds.Max.X {
		x = bounds.Max.X - width
	}
	if x < bounds.Min.X {
		x = bounds.Min.X
	}

	y := r.Min.Y - labelGap - descent
	if y-ascent < bounds.Min.Y {
		y = bounds.Min.Y + ascent
	}
	if y+descent > bounds.Max.Y {
		y = bounds.Max.Y - descent
	}
	return image.Pt(x, y)
}

func drawLabel(img *image.RGBA, r image.Rectangle, label string, c color.RGBA) {
	face := basicfont.Face7x13
	metrics := face.Metrics()
	width := font.MeasureString(face, label).Ceil()
	origin := labelOrigin(img.Bounds(), r, width, metrics.Ascent.Ceil(), metrics.Descent.Ceil())

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(origin.X, origin.Y),
	}
	d.DrawString(label)
}
