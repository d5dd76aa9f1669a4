package domain

// Grid is the tile arrangement of a page.
type Grid struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

// WindowCount is the per-dimension downscale factor presenters apply so that
// each tile fits the grid.
func (g Grid) WindowCount() int {
	if g.Rows > g.Cols {
		return g.Rows
	}
	return g.Cols
}

func (g Grid) Cells() int { return g.Rows * g.Cols }

// Page is the result of a layout computation.
type Page struct {
	Index   int        `json:"index"`
	Count   int        `json:"count"`
	Visible []ClientID `json:"visible"`
	Grid    Grid       `json:"grid"`
}

// Contains reports whether id is part of the visible set.
func (p Page) Contains(id ClientID) bool {
	for _, v := range p.Visible {
		if v == id {
			return true
		}
	}
	return false
}
