// Package roster reads and writes the external roster of record.
//
// The roster is a header row followed by one row per guest. Positions are
// 1-indexed and exclude the header, so position p is grid row p.
package roster

import (
	"context"
	"strconv"
	"strings"
)

// Cell is one value at a zero-based grid row and column. Row 0 is the header.
type Cell struct {
	Row   int
	Col   int
	Value string
}

// Grid is the raw tabular storage behind a roster.
type Grid interface {
	// ReadRows returns every row of the tab, header included.
	ReadRows(ctx context.Context, sheetID, tab string) ([][]string, error)
	// ReadRow returns a single row; missing rows read as empty.
	ReadRow(ctx context.Context, sheetID, tab string, row int) ([]string, error)
	// WriteCells writes all cells in one call.
	WriteCells(ctx context.Context, sheetID, tab string, cells []Cell) error
}

// ColumnName converts a zero-based column index to A1 letters (0 is A, 26 is AA).
func ColumnName(col int) string {
	var b []byte
	for col >= 0 {
		b = append([]byte{byte('A' + col%26)}, b...)
		col = col/26 - 1
	}
	return string(b)
}

// A1 returns the A1 reference of a zero-based cell within tab.
func A1(tab string, row, col int) string {
	return quoteTab(tab) + "!" + ColumnName(col) + strconv.Itoa(row+1)
}

func quoteTab(tab string) string {
	return "'" + strings.ReplaceAll(tab, "'", "''") + "'"
}

func cellAt(row []string, col int) string {
	if col < 0 || col >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[col])
}
