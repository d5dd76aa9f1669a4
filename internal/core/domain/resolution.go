package domain

import "fmt"

// Resolution is a value-equality width/height pair.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) IsZero() bool { return r.Width <= 0 || r.Height <= 0 }

// Divide scales the resolution down by n per dimension, flooring.
func (r Resolution) Divide(n int) Resolution {
	if n <= 1 {
		return r
	}
	return Resolution{Width: r.Width / n, Height: r.Height / n}
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}
