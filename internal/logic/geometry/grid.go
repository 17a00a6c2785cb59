package geometry

// Cell is one picture position of a panorama grid.
type Cell struct {
	Index    int // 1-based picture number
	Col, Row int // 0-based grid coordinates
	X, Y     float64
}

// Cells enumerates the grid row-major: y is the outer loop, x the inner.
func (p *Plan) Cells() []Cell {
	cells := make([]Cell, 0, p.Total())
	n := 1
	for row := 0; row < p.CountY; row++ {
		y := p.StartY + float64(row)*p.StepY
		for col := 0; col < p.CountX; col++ {
			cells = append(cells, Cell{
				Index: n,
				Col:   col,
				Row:   row,
				X:     p.StartX + float64(col)*p.StepX,
				Y:     y,
			})
			n++
		}
	}
	return cells
}
