package thermo

import (
	"fmt"
	"image/color"
	"image/png"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/rasterizer"
	"github.com/tdewolff/canvas/renderers/svg"
)

// cellMm is the side of one heatmap cell in vector output, in millimeters.
const cellMm = 20.0

type canvasRenderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}

func toRGBA(c color.NRGBA) color.RGBA {
	return color.RGBA{c.R, c.G, c.B, c.A}
}

func (h *Heatmap) vectorSize() (float64, float64) {
	return float64(h.Cols) * cellMm, float64(h.Rows) * cellMm
}

// RenderSVG writes the heatmap as an SVG document.
func (h *Heatmap) RenderSVG(w io.Writer) error {
	if h.Rows <= 0 || h.Cols <= 0 {
		return fmt.Errorf("invalid heatmap grid %dx%d", h.Rows, h.Cols)
	}
	width, height := h.vectorSize()
	r := svg.New(w, width, height, nil)
	h.renderCells(r, height)
	return r.Close()
}

// RenderVectorPNG rasterizes the vector heatmap at the given resolution.
func (h *Heatmap) RenderVectorPNG(w io.Writer, res canvas.Resolution) error {
	if h.Rows <= 0 || h.Cols <= 0 {
		return fmt.Errorf("invalid heatmap grid %dx%d", h.Rows, h.Cols)
	}
	width, height := h.vectorSize()
	rast := rasterizer.New(width, height, res, canvas.DefaultColorSpace)
	h.renderCells(rast, height)
	return png.Encode(w, rast)
}

// renderCells draws row 0 at the top; canvas y grows upward.
func (h *Heatmap) renderCells(r canvasRenderer, height float64) {
	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	width, _ := h.vectorSize()
	r.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	views := h.cells()
	for row := 0; row < h.Rows; row++ {
		for col := 0; col < h.Cols; col++ {
			fill := emptyCellColor
			if v, ok := views[Cell{Row: row, Col: col}]; ok {
				fill = binColor(v.Color)
			}
			style := canvas.DefaultStyle
			style.Fill = canvas.Paint{Color: toRGBA(fill)}
			style.Stroke = canvas.Paint{Color: toRGBA(gridLineColor)}
			style.StrokeWidth = 0.5

			x := float64(col) * cellMm
			y := height - float64(row+1)*cellMm
			r.RenderPath(canvas.Rectangle(cellMm, cellMm), style, canvas.Identity.Translate(x, y))
		}
	}
}
