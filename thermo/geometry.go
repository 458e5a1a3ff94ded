package thermo

import (
	"math"

	"github.com/paulmach/orb"
)

// PlateGeometry maps center-of-pressure positions onto a plate's cell grid.
// The plate is centered on the origin; X runs across the width and Y along
// the height, with row 0 at the +Y edge.
type PlateGeometry struct {
	DeviceType string
	Rows       int
	Cols       int
	Bound      orb.Bound
}

// NewPlateGeometry builds the geometry for a device type from config.
func NewPlateGeometry(cfg *Config, deviceType string) PlateGeometry {
	p := cfg.Plate(deviceType)
	halfW := p.WidthMm / 2
	halfH := p.HeightMm / 2
	return PlateGeometry{
		DeviceType: deviceType,
		Rows:       p.Rows,
		Cols:       p.Cols,
		Bound: orb.Bound{
			Min: orb.Point{-halfW, -halfH},
			Max: orb.Point{halfW, halfH},
		},
	}
}

// WidthMm returns the plate extent along X.
func (g PlateGeometry) WidthMm() float64 { return g.Bound.Max[0] - g.Bound.Min[0] }

// HeightMm returns the plate extent along Y.
func (g PlateGeometry) HeightMm() float64 { return g.Bound.Max[1] - g.Bound.Min[1] }

// CellFor maps a COP position (mm) to its cell. It returns false when the
// point lies outside the plate footprint or is not finite.
func (g PlateGeometry) CellFor(xMm, yMm float64) (Cell, bool) {
	if math.IsNaN(xMm) || math.IsNaN(yMm) || g.Rows <= 0 || g.Cols <= 0 {
		return Cell{}, false
	}
	p := orb.Point{xMm, yMm}
	if !g.Bound.Contains(p) {
		return Cell{}, false
	}
	colF := (xMm - g.Bound.Min[0]) / g.WidthMm() * float64(g.Cols)
	rowF := (g.Bound.Max[1] - yMm) / g.HeightMm() * float64(g.Rows)
	return Cell{
		Row: clampIndex(int(rowF), g.Rows),
		Col: clampIndex(int(colF), g.Cols),
	}, true
}

// CellBound returns the footprint of a cell in plate coordinates.
func (g PlateGeometry) CellBound(c Cell) orb.Bound {
	cw := g.WidthMm() / float64(g.Cols)
	ch := g.HeightMm() / float64(g.Rows)
	minX := g.Bound.Min[0] + float64(c.Col)*cw
	maxY := g.Bound.Max[1] - float64(c.Row)*ch
	return orb.Bound{
		Min: orb.Point{minX, maxY - ch},
		Max: orb.Point{minX + cw, maxY},
	}
}

// CellCenter returns the center of a cell in plate coordinates.
func (g PlateGeometry) CellCenter(c Cell) orb.Point {
	return g.CellBound(c).Center()
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n-1 {
		return n - 1
	}
	return i
}
