package roster

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/metrics"
	"github.com/rollcall/backend/internal/models"
)

// DefaultVerifyDelay is the wait before re-reading a conditionally written row.
const DefaultVerifyDelay = 800 * time.Millisecond

// IsRowMoved reports whether err means a cached roster position now holds
// another guest, for example after the sheet was sorted.
func IsRowMoved(err error) bool {
	return apperr.Is(err, apperr.CodeRowMoved)
}

func errRowMoved(guestID string, position int, found string) *apperr.Error {
	return apperr.New(apperr.KindConflict, apperr.CodeRowMoved,
		fmt.Sprintf("roster row %d no longer holds guest %s", position, guestID)).With("found", found)
}

// Config configures an Adapter.
type Config struct {
	Grid Grid
	// RequestsPerSecond limits grid calls; zero disables the limit.
	RequestsPerSecond float64
	Burst             int
	// VerifyDelay is the settle time before verifying a conditional write.
	VerifyDelay time.Duration
	Clock       clock.Clock
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Adapter reads and writes guest rows through a Grid.
//
// ConditionalWrite is optimistic: read, compare, write, verify. A concurrent
// writer between the read and the write is not detected.
type Adapter struct {
	grid        Grid
	limiter     *rate.Limiter
	verifyDelay time.Duration
	clock       clock.Clock
	metrics     *metrics.Collector
	logger      *zap.Logger
	newID       func() string

	mu      sync.Mutex
	layouts map[string]*Layout
}

// NewAdapter creates an Adapter.
func NewAdapter(cfg Config) *Adapter {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	if cfg.VerifyDelay < 0 {
		cfg.VerifyDelay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		grid:        cfg.Grid,
		limiter:     rate.NewLimiter(limit, burst),
		verifyDelay: cfg.VerifyDelay,
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		newID:       NewGuestID,
		layouts:     make(map[string]*Layout),
	}
}

// NewGuestID returns a generated roster guest id.
func NewGuestID() string {
	return "gst_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func (a *Adapter) wait(ctx context.Context) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return apperr.Transient(err, "roster rate limit")
	}
	return nil
}

func (a *Adapter) readRows(ctx context.Context, loc models.RosterLocation) ([][]string, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.grid.ReadRows(ctx, loc.SheetID, loc.Tab)
}

func (a *Adapter) readRow(ctx context.Context, loc models.RosterLocation, row int) ([]string, error) {
	if err := a.wait(ctx); err != nil {
		return nil, err
	}
	return a.grid.ReadRow(ctx, loc.SheetID, loc.Tab, row)
}

func (a *Adapter) writeCells(ctx context.Context, loc models.RosterLocation, cells []Cell) error {
	if len(cells) == 0 {
		return nil
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	return a.grid.WriteCells(ctx, loc.SheetID, loc.Tab, cells)
}

func mapping(loc models.RosterLocation) models.ColumnMapping {
	return loc.Columns.WithDefaults(models.DefaultColumnMapping())
}

// Layout returns the cached column layout of loc, reading the header on a miss.
func (a *Adapter) Layout(ctx context.Context, loc models.RosterLocation) (*Layout, error) {
	a.mu.Lock()
	l, ok := a.layouts[loc.Key()]
	a.mu.Unlock()
	if ok {
		return l, nil
	}
	header, err := a.readRow(ctx, loc, 0)
	if err != nil {
		return nil, err
	}
	return a.storeLayout(loc, header)
}

func (a *Adapter) storeLayout(loc models.RosterLocation, header []string) (*Layout, error) {
	l, err := ResolveLayout(header, mapping(loc))
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.layouts[loc.Key()] = l
	a.mu.Unlock()
	return l, nil
}

// Invalidate drops the cached layout of loc.
func (a *Adapter) Invalidate(loc models.RosterLocation) {
	a.mu.Lock()
	delete(a.layouts, loc.Key())
	a.mu.Unlock()
}

// ReadAll returns every guest row. Rows without a guest id get a generated
// one, written back in a single batch.
func (a *Adapter) ReadAll(ctx context.Context, loc models.RosterLocation) ([]Entry, error) {
	rows, err := a.readRows(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, apperr.Validation("roster %s is empty", loc.Key())
	}
	l, err := a.storeLayout(loc, rows[0])
	if err != nil {
		return nil, err
	}
	var (
		entries  []Entry
		backfill []Cell
	)
	for i := 1; i < len(rows); i++ {
		if blank(rows[i]) {
			continue
		}
		e := l.parse(i, rows[i])
		if e.GuestID == "" {
			e.GuestID = a.newID()
			backfill = append(backfill, Cell{Row: i, Col: l.GuestID, Value: e.GuestID})
		}
		entries = append(entries, e)
	}
	if len(backfill) > 0 {
		if err := a.writeCells(ctx, loc, backfill); err != nil {
			return nil, err
		}
		a.logger.Info("backfilled roster guest ids", zap.String("roster", loc.Key()), zap.Int("count", len(backfill)))
	}
	return entries, nil
}

// Positions maps guest ids to their current roster positions without backfilling.
func (a *Adapter) Positions(ctx context.Context, loc models.RosterLocation) (map[string]int, error) {
	rows, err := a.readRows(ctx, loc)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]int{}, nil
	}
	l, err := a.storeLayout(loc, rows[0])
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows)-1)
	for i := 1; i < len(rows); i++ {
		if id := cellAt(rows[i], l.GuestID); id != "" {
			if _, dup := out[id]; !dup {
				out[id] = i
			}
		}
	}
	return out, nil
}

// GetEntryAndPosition finds the row of guestID.
func (a *Adapter) GetEntryAndPosition(ctx context.Context, loc models.RosterLocation, guestID string) (*Entry, int, error) {
	rows, err := a.readRows(ctx, loc)
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, apperr.NotFound("guest %s not found in roster", guestID)
	}
	l, err := a.storeLayout(loc, rows[0])
	if err != nil {
		return nil, 0, err
	}
	for i := 1; i < len(rows); i++ {
		if cellAt(rows[i], l.GuestID) == guestID {
			e := l.parse(i, rows[i])
			return &e, i, nil
		}
	}
	return nil, 0, apperr.NotFound("guest %s not found in roster", guestID)
}

// ConditionalWrite writes f to the row at position only if that row still
// belongs to guestID and its check-in cell currently reads expectedCheckedIn.
// It returns false when the row is in another state, and an error matching IsRowMoved
// when the row holds another guest. After writing it waits for the verify
// delay and re-reads the row; an unconfirmed write is logged but still
// reported as done.
func (a *Adapter) ConditionalWrite(ctx context.Context, loc models.RosterLocation, position int, guestID string, expectedCheckedIn bool, f Fields) (bool, error) {
	if position < 1 {
		return false, apperr.Validation("invalid roster position %d", position)
	}
	l, err := a.Layout(ctx, loc)
	if err != nil {
		return false, err
	}
	row, err := a.readRow(ctx, loc, position)
	if err != nil {
		return false, err
	}
	if got := cellAt(row, l.GuestID); got != guestID {
		a.metrics.RosterWrite("moved")
		return false, errRowMoved(guestID, position, got)
	}
	if ParseCheckedIn(cellAt(row, l.CheckIn)) != expectedCheckedIn {
		a.metrics.RosterWrite("refused")
		return false, nil
	}
	if err := a.writeCells(ctx, loc, l.cells(position, f)); err != nil {
		return false, err
	}
	if a.verifyDelay > 0 {
		select {
		case <-ctx.Done():
			return true, nil
		case <-a.clock.After(a.verifyDelay):
		}
	}
	after, err := a.readRow(ctx, loc, position)
	if err != nil || ParseCheckedIn(cellAt(after, l.CheckIn)) != f.CheckedIn {
		a.metrics.RosterWrite("unconfirmed")
		a.logger.Warn("roster write not confirmed",
			zap.String("roster", loc.Key()), zap.Int("position", position), zap.Error(err))
		return true, nil
	}
	a.metrics.RosterWrite("verified")
	return true, nil
}

// BatchWrite writes all updates in one grid call. It does not check prior state.
func (a *Adapter) BatchWrite(ctx context.Context, loc models.RosterLocation, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	l, err := a.Layout(ctx, loc)
	if err != nil {
		return err
	}
	cells := make([]Cell, 0, len(updates)*4)
	for _, u := range updates {
		if u.Position < 1 {
			return apperr.Validation("invalid roster position %d", u.Position)
		}
		cells = append(cells, l.cells(u.Position, u.Fields)...)
	}
	return a.writeCells(ctx, loc, cells)
}

// EnsureColumns appends any missing guest id and check-in headers and returns their names.
func (a *Adapter) EnsureColumns(ctx context.Context, loc models.RosterLocation) ([]string, error) {
	header, err := a.readRow(ctx, loc, 0)
	if err != nil {
		return nil, err
	}
	missing := missingCheckInColumns(header, mapping(loc))
	if len(missing) == 0 {
		return nil, nil
	}
	cells := make([]Cell, 0, len(missing))
	for i, name := range missing {
		cells = append(cells, Cell{Row: 0, Col: len(header) + i, Value: name})
	}
	if err := a.writeCells(ctx, loc, cells); err != nil {
		return nil, err
	}
	a.Invalidate(loc)
	a.logger.Info("added roster columns", zap.String("roster", loc.Key()), zap.Strings("columns", missing))
	return missing, nil
}
