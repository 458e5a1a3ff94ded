package thermo

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// BinColors maps each grading bin to its heatmap fill.
var BinColors = map[ColorBin]color.NRGBA{
	BinGreen:      {46, 160, 67, 255},
	BinLightGreen: {140, 210, 120, 255},
	BinYellow:     {240, 200, 60, 255},
	BinOrange:     {240, 140, 50, 255},
	BinRed:        {210, 50, 50, 255},
}

var (
	emptyCellColor = color.NRGBA{225, 225, 225, 255}
	gridLineColor  = color.NRGBA{90, 90, 90, 255}
	labelColor     = color.RGBA{0, 0, 0, 255}
)

func binColor(b ColorBin) color.NRGBA {
	if c, ok := BinColors[b]; ok {
		return c
	}
	return emptyCellColor
}

// Heatmap is a grid of graded cells ready for rendering. Cells without a view
// are drawn empty.
type Heatmap struct {
	Title    string
	Rows     int
	Cols     int
	Views    []CellView
	CellSize int // pixels per cell side for raster output
}

// NewHeatmap creates a heatmap with the default cell size.
func NewHeatmap(title string, rows, cols int, views []CellView) *Heatmap {
	return &Heatmap{
		Title:    title,
		Rows:     rows,
		Cols:     cols,
		Views:    views,
		CellSize: 80,
	}
}

// cells indexes views by position; later views win.
func (h *Heatmap) cells() map[Cell]CellView {
	out := make(map[Cell]CellView, len(h.Views))
	for _, v := range h.Views {
		if v.Row < 0 || v.Row >= h.Rows || v.Col < 0 || v.Col >= h.Cols {
			continue
		}
		out[Cell{Row: v.Row, Col: v.Col}] = v
	}
	return out
}

const titleHeight = 24

// RenderPNG draws the heatmap as a PNG image.
func (h *Heatmap) RenderPNG(w io.Writer) error {
	if h.Rows <= 0 || h.Cols <= 0 {
		return fmt.Errorf("invalid heatmap grid %dx%d", h.Rows, h.Cols)
	}
	size := h.CellSize
	if size < 16 {
		size = 16
	}
	width := h.Cols * size
	height := h.Rows*size + titleHeight

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	drawLabel(img, 6, 17, h.Title)

	views := h.cells()
	for r := 0; r < h.Rows; r++ {
		for c := 0; c < h.Cols; c++ {
			x0, y0 := c*size, titleHeight+r*size
			rect := image.Rect(x0, y0, x0+size, y0+size)
			fill := emptyCellColor
			v, ok := views[Cell{Row: r, Col: c}]
			if ok {
				fill = binColor(v.Color)
			}
			draw.Draw(img, rect, image.NewUniform(fill), image.Point{}, draw.Src)
			strokeRect(img, rect, gridLineColor)
			if ok && v.Text != "" {
				tw := font.MeasureString(basicfont.Face7x13, v.Text).Ceil()
				drawLabel(img, x0+(size-tw)/2, y0+size/2+4, v.Text)
			}
		}
	}
	return png.Encode(w, img)
}

// SavePNG writes the heatmap PNG to path.
func (h *Heatmap) SavePNG(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := h.RenderPNG(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func strokeRect(img *image.RGBA, r image.Rectangle, c color.NRGBA) {
	for x := r.Min.X; x < r.Max.X; x++ {
		img.Set(x, r.Min.Y, c)
		img.Set(x, r.Max.Y-1, c)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		img.Set(r.Min.X, y, c)
		img.Set(r.Max.X-1, y, c)
	}
}

func drawLabel(img *image.RGBA, x, y int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
