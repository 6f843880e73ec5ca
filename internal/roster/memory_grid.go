package roster

import (
	"context"
	"sync"
)

// MemoryGrid is an in-process Grid for local runs and tests.
type MemoryGrid struct {
	mu       sync.Mutex
	tabs     map[string][][]string
	reads    int
	writes   int
	failures []error
}

var _ Grid = (*MemoryGrid)(nil)

// NewMemoryGrid creates an empty grid.
func NewMemoryGrid() *MemoryGrid {
	return &MemoryGrid{tabs: make(map[string][][]string)}
}

func tabKey(sheetID, tab string) string { return sheetID + "/" + tab }

// SetRows replaces the content of a tab.
func (g *MemoryGrid) SetRows(sheetID, tab string, rows [][]string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tabs[tabKey(sheetID, tab)] = copyRows(rows)
}

// Rows returns a copy of a tab.
func (g *MemoryGrid) Rows(sheetID, tab string) [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyRows(g.tabs[tabKey(sheetID, tab)])
}

// FailNext makes the next calls return errs, one per call.
func (g *MemoryGrid) FailNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = append(g.failures, errs...)
}

// WriteCalls is the number of successful WriteCells calls.
func (g *MemoryGrid) WriteCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}

// ReadCalls is the number of successful read calls.
func (g *MemoryGrid) ReadCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reads
}

func (g *MemoryGrid) fail() error {
	if len(g.failures) == 0 {
		return nil
	}
	err := g.failures[0]
	g.failures = g.failures[1:]
	return err
}

// ReadRows implements Grid.
func (g *MemoryGrid) ReadRows(ctx context.Context, sheetID, tab string) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return nil, err
	}
	g.reads++
	return copyRows(g.tabs[tabKey(sheetID, tab)]), nil
}

// ReadRow implements Grid.
func (g *MemoryGrid) ReadRow(ctx context.Context, sheetID, tab string, row int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return nil, err
	}
	g.reads++
	rows := g.tabs[tabKey(sheetID, tab)]
	if row < 0 || row >= len(rows) {
		return nil, nil
	}
	return append([]string(nil), rows[row]...), nil
}

// WriteCells implements Grid.
func (g *MemoryGrid) WriteCells(ctx context.Context, sheetID, tab string, cells []Cell) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.fail(); err != nil {
		return err
	}
	key := tabKey(sheetID, tab)
	rows := g.tabs[key]
	for _, c := range cells {
		for len(rows) <= c.Row {
			rows = append(rows, nil)
		}
		for len(rows[c.Row]) <= c.Col {
			rows[c.Row] = append(rows[c.Row], "")
		}
		rows[c.Row][c.Col] = c.Value
	}
	g.tabs[key] = rows
	g.writes++
	return nil
}

func copyRows(rows [][]string) [][]string {
	if rows == nil {
		return nil
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}
