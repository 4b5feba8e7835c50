// Package layout maps the number of simultaneously active clips to a tiling grid.
package layout

// Placeholder marks a padded grid position that has no clip behind it.
const Placeholder = -1

// MaxSlots is the number of cells in the largest grid (4 rows of 5).
const MaxSlots = 20

// Layout is an ordered list of rows, each an ordered list of slot indices into
// the active clip list. Every row has the same length; padded positions hold
// Placeholder.
type Layout [][]int

// Rows returns the number of rows in the grid.
func (l Layout) Rows() int {
	return len(l)
}

// Cols returns the width of the grid (all rows share it).
func (l Layout) Cols() int {
	if len(l) == 0 {
		return 0
	}
	return len(l[0])
}

// Slots returns the clip indices referenced by the layout in row-major order.
func (l Layout) Slots() []int {
	var slots []int
	for _, row := range l {
		for _, slot := range row {
			if slot != Placeholder {
				slots = append(slots, slot)
			}
		}
	}
	return slots
}

// Select returns the grid for n active clips.
//
// Thresholds are fixed: 1 → single cell, 3 → one row of three, ≤4 → 2x2,
// ≤9 → 3x3, ≤16 → 4x4, otherwise 4 rows of 5 with clips beyond slot 20
// dropped. Slots at or beyond n are not referenced, empty rows are removed and
// short rows are padded with Placeholder.
func Select(n int) Layout {
	if n <= 0 {
		return Layout{}
	}

	var rows, cols int
	switch {
	case n == 1:
		rows, cols = 1, 1
	case n == 3:
		rows, cols = 1, 3
	case n <= 4:
		rows, cols = 2, 2
	case n <= 9:
		rows, cols = 3, 3
	case n <= 16:
		rows, cols = 4, 4
	default:
		rows, cols = 4, 5
	}

	l := make(Layout, 0, rows)
	for r := 0; r < rows; r++ {
		first := r * cols
		if first >= n {
			break
		}

		row := make([]int, cols)
		for c := range row {
			slot := first + c
			if slot < n {
				row[c] = slot
			} else {
				row[c] = Placeholder
			}
		}
		l = append(l, row)
	}

	return l
}
