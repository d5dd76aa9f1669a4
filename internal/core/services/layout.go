package services

import (
	"math"

	"tilecast/internal/core/domain"
)

const (
	DefaultTilesPerPage = 9
	DefaultCanvasWidth  = 1920
	DefaultCanvasHeight = 1080
)

type LayoutConfig struct {
	TilesPerPage int
	Canvas       domain.Resolution
}

// LayoutScheduler decides which presenters get a tile on a page and how the
// tiles are arranged. It holds no state; the registry feeds it the roster.
type LayoutScheduler struct {
	cfg LayoutConfig
}

// LayoutPlan lists what changed between two pages.
type LayoutPlan struct {
	Enter  []domain.ClientID
	Leave  []domain.ClientID
	Resize []domain.ClientID
}

func (p LayoutPlan) Empty() bool {
	return len(p.Enter) == 0 && len(p.Leave) == 0 && len(p.Resize) == 0
}

func NewLayoutScheduler(cfg LayoutConfig) *LayoutScheduler {
	if cfg.TilesPerPage <= 0 {
		cfg.TilesPerPage = DefaultTilesPerPage
	}
	if cfg.Canvas.IsZero() {
		cfg.Canvas = domain.Resolution{Width: DefaultCanvasWidth, Height: DefaultCanvasHeight}
	}
	return &LayoutScheduler{cfg: cfg}
}

func (l *LayoutScheduler) TilesPerPage() int { return l.cfg.TilesPerPage }

// GridFor returns the near-square grid for v tiles: the fewest columns whose
// square holds v, then as few rows as needed.
func GridFor(v int) domain.Grid {
	if v <= 0 {
		return domain.Grid{}
	}
	cols := int(math.Ceil(math.Sqrt(float64(v))))
	rows := (v + cols - 1) / cols
	return domain.Grid{Rows: rows, Cols: cols}
}

// PageCount is the number of pages needed to show every unpinned session.
func (l *LayoutScheduler) PageCount(pinned, unpinned int) int {
	slots := l.cfg.TilesPerPage - pinned
	if slots <= 0 || unpinned == 0 {
		return 1
	}
	return (unpinned + slots - 1) / slots
}

// Compute builds page index for sessions, which must already be in stable
// order. Every pinned session is visible; the remaining cells are filled
// with the unpinned sessions belonging to the page. Out-of-range pages are
// clamped to the nearest valid one.
func (l *LayoutScheduler) Compute(sessions []*domain.ClientSession, index int) domain.Page {
	var pinned, unpinned []domain.ClientID
	for _, s := range sessions {
		if s.Pinned {
			pinned = append(pinned, s.ID)
		} else {
			unpinned = append(unpinned, s.ID)
		}
	}

	count := l.PageCount(len(pinned), len(unpinned))
	if index >= count {
		index = count - 1
	}
	if index < 0 {
		index = 0
	}

	visible := make([]domain.ClientID, 0, l.cfg.TilesPerPage)
	visible = append(visible, pinned...)
	if slots := l.cfg.TilesPerPage - len(pinned); slots > 0 {
		start := index * slots
		end := start + slots
		if start > len(unpinned) {
			start = len(unpinned)
		}
		if end > len(unpinned) {
			end = len(unpinned)
		}
		visible = append(visible, unpinned[start:end]...)
	}

	return domain.Page{
		Index:   index,
		Count:   count,
		Visible: visible,
		Grid:    GridFor(len(visible)),
	}
}

// TileSize is the canvas area one cell of grid covers.
func (l *LayoutScheduler) TileSize(grid domain.Grid) domain.Resolution {
	if grid.Rows == 0 || grid.Cols == 0 {
		return domain.Resolution{}
	}
	return domain.Resolution{
		Width:  l.cfg.Canvas.Width / grid.Cols,
		Height: l.cfg.Canvas.Height / grid.Rows,
	}
}

// Plan diffs two pages. Sessions kept on screen are resized when the
// downscale factor of the grid changed.
func (l *LayoutScheduler) Plan(prev, next domain.Page) LayoutPlan {
	var plan LayoutPlan
	resized := prev.Grid.WindowCount() != next.Grid.WindowCount()

	for _, id := range next.Visible {
		switch {
		case !prev.Contains(id):
			plan.Enter = append(plan.Enter, id)
		case resized:
			plan.Resize = append(plan.Resize, id)
		}
	}
	for _, id := range prev.Visible {
		if !next.Contains(id) {
			plan.Leave = append(plan.Leave, id)
		}
	}
	return plan
}
