package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rollcall/backend/internal/apperr"
	"github.com/rollcall/backend/internal/models"
)

const guestColumns = `guest_id, event_id, name, surname, company, email, checked_in, checkin_time,
	entrance, checked_in_by, synced_to_roster, last_modified, version, external_position`

const eventColumns = `event_id, name, event_date, event_code, status, sheet_id, tab, columns,
	total_guests, checked_in_count, last_checkin_at, last_synced_at, created_by, created_at`

// Postgres is the PostgreSQL-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres creates a Store on the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// inTx runs fn in a read-committed transaction. Row locks taken with
// SELECT ... FOR UPDATE serialize writers of the same guest.
func (s *Postgres) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func scanGuest(row pgx.Row) (*models.Guest, error) {
	var g models.Guest
	err := row.Scan(&g.GuestID, &g.EventID, &g.Name, &g.Surname, &g.Company, &g.Email, &g.CheckedIn, &g.CheckInTime,
		&g.Entrance, &g.CheckedInBy, &g.SyncedToRoster, &g.LastModified, &g.Version, &g.ExternalPosition)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func collectGuests(rows pgx.Rows) ([]models.Guest, error) {
	defer rows.Close()
	var list []models.Guest
	for rows.Next() {
		g, err := scanGuest(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *g)
	}
	return list, rows.Err()
}

func lockGuest(ctx context.Context, tx pgx.Tx, eventID, guestID string) (*models.Guest, error) {
	q := `SELECT ` + guestColumns + ` FROM guests WHERE event_id = $1 AND guest_id = $2 FOR UPDATE`
	g, err := scanGuest(tx.QueryRow(ctx, q, eventID, guestID))
	if noRows(err) {
		return nil, errGuestNotFound(eventID, guestID)
	}
	return g, err
}

// PerformCheckIn marks a not-checked-in guest as checked in and bumps the event counter.
func (s *Postgres) PerformCheckIn(ctx context.Context, eventID, guestID string, data models.CheckInData, at time.Time) (*models.Guest, error) {
	var out *models.Guest
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		g, err := lockGuest(ctx, tx, eventID, guestID)
		if err != nil {
			return err
		}
		if g.CheckedIn {
			return errAlreadyCheckedIn(guestID, g.CheckInTime)
		}
		at = nextTimestamp(at, g.LastModified)
		const q = `UPDATE guests SET checked_in = TRUE, checkin_time = $3, entrance = $4, checked_in_by = $5,
			synced_to_roster = FALSE, last_modified = $3, version = version + 1
			WHERE event_id = $1 AND guest_id = $2 RETURNING ` + guestColumns
		out, err = scanGuest(tx.QueryRow(ctx, q, eventID, guestID, at,
			models.StringPtr(data.Entrance), models.StringPtr(data.CheckedInBy)))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE events SET checked_in_count = checked_in_count + 1, last_checkin_at = $2 WHERE event_id = $1`, eventID, at)
		return err
	})
	if err != nil {
		return nil, classify(err, "perform check-in")
	}
	return out, nil
}

// UndoCheckIn resets a checked-in guest and decrements the event counter.
func (s *Postgres) UndoCheckIn(ctx context.Context, eventID, guestID string, at time.Time) (*models.Guest, error) {
	var out *models.Guest
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		g, err := lockGuest(ctx, tx, eventID, guestID)
		if err != nil {
			return err
		}
		if !g.CheckedIn {
			return errNotCheckedIn(guestID)
		}
		at = nextTimestamp(at, g.LastModified)
		const q = `UPDATE guests SET checked_in = FALSE, checkin_time = NULL, entrance = NULL, checked_in_by = NULL,
			synced_to_roster = FALSE, last_modified = $3, version = version + 1
			WHERE event_id = $1 AND guest_id = $2 RETURNING ` + guestColumns
		out, err = scanGuest(tx.QueryRow(ctx, q, eventID, guestID, at))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE events SET checked_in_count = GREATEST(checked_in_count - 1, 0) WHERE event_id = $1`, eventID)
		return err
	})
	if err != nil {
		return nil, classify(err, "undo check-in")
	}
	return out, nil
}

// GetGuest returns one guest.
func (s *Postgres) GetGuest(ctx context.Context, eventID, guestID string) (*models.Guest, error) {
	q := `SELECT ` + guestColumns + ` FROM guests WHERE event_id = $1 AND guest_id = $2`
	g, err := scanGuest(s.pool.QueryRow(ctx, q, eventID, guestID))
	if noRows(err) {
		return nil, errGuestNotFound(eventID, guestID)
	}
	if err != nil {
		return nil, classify(err, "get guest")
	}
	return g, nil
}

// GetGuests returns all guests of an event ordered by surname.
func (s *Postgres) GetGuests(ctx context.Context, eventID string) ([]models.Guest, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+guestColumns+` FROM guests WHERE event_id = $1 ORDER BY surname, name, guest_id`, eventID)
	if err != nil {
		return nil, classify(err, "get guests")
	}
	list, err := collectGuests(rows)
	if err != nil {
		return nil, classify(err, "get guests")
	}
	return list, nil
}

// GetUnsynced returns guests awaiting a roster write, oldest change first.
func (s *Postgres) GetUnsynced(ctx context.Context, eventID string, limit int) ([]models.Guest, error) {
	if limit <= 0 {
		limit = DefaultUnsyncedLimit
	}
	q := `SELECT ` + guestColumns + ` FROM guests WHERE event_id = $1 AND NOT synced_to_roster ORDER BY last_modified ASC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, eventID, limit)
	if err != nil {
		return nil, classify(err, "get unsynced")
	}
	list, err := collectGuests(rows)
	if err != nil {
		return nil, classify(err, "get unsynced")
	}
	return list, nil
}

// MarkSynced flags guests as written to the roster. A mark only applies while
// the guest is still at the marked version.
func (s *Postgres) MarkSynced(ctx context.Context, eventID string, marks []models.SyncMark) (int, error) {
	if len(marks) == 0 {
		return 0, nil
	}
	ids := make([]string, len(marks))
	versions := make([]int64, len(marks))
	for i, m := range marks {
		ids[i] = m.GuestID
		versions[i] = m.Version
	}
	const q = `UPDATE guests g SET synced_to_roster = TRUE
		FROM unnest($2::text[], $3::bigint[]) AS m(guest_id, version)
		WHERE g.event_id = $1 AND g.guest_id = m.guest_id AND g.version = m.version`
	tag, err := s.pool.Exec(ctx, q, eventID, ids, versions)
	if err != nil {
		return 0, classify(err, "mark synced")
	}
	return int(tag.RowsAffected()), nil
}

// SetExternalPositions stores the roster rows of guests.
func (s *Postgres) SetExternalPositions(ctx context.Context, eventID string, positions map[string]int) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(positions))
	pos := make([]int32, 0, len(positions))
	for id, p := range positions {
		ids = append(ids, id)
		pos = append(pos, int32(p))
	}
	const q = `UPDATE guests g SET external_position = m.pos
		FROM unnest($2::text[], $3::int[]) AS m(guest_id, pos)
		WHERE g.event_id = $1 AND g.guest_id = m.guest_id`
	if _, err := s.pool.Exec(ctx, q, eventID, ids, pos); err != nil {
		return classify(err, "set external positions")
	}
	return nil
}

// UpsertRoster merges roster entries into the event. Existing guests only get
// their identity fields and position refreshed; new guests are inserted as
// already synced at version 1. Event totals are recomputed in the same transaction.
func (s *Postgres) UpsertRoster(ctx context.Context, eventID string, guests []models.Guest, at time.Time) (inserted, updated int, err error) {
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var exists int
		if err := tx.QueryRow(ctx, `SELECT 1 FROM events WHERE event_id = $1 FOR UPDATE`, eventID).Scan(&exists); err != nil {
			if noRows(err) {
				return errEventNotFound(eventID)
			}
			return err
		}
		const q = `INSERT INTO guests (event_id, guest_id, name, surname, company, email, checked_in, checkin_time,
				entrance, checked_in_by, synced_to_roster, last_modified, version, external_position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, $11, 1, $12)
			ON CONFLICT (event_id, guest_id) DO UPDATE SET
				name = EXCLUDED.name, surname = EXCLUDED.surname, company = EXCLUDED.company,
				email = EXCLUDED.email, external_position = EXCLUDED.external_position
			RETURNING (xmax = 0)`
		for start := 0; start < len(guests); start += LoadBatchSize {
			end := min(start+LoadBatchSize, len(guests))
			batch := &pgx.Batch{}
			for _, g := range guests[start:end] {
				if !g.CheckedIn {
					g.ClearCheckIn()
				}
				batch.Queue(q, eventID, g.GuestID, g.Name, g.Surname, g.Company, g.Email, g.CheckedIn, g.CheckInTime,
					g.Entrance, g.CheckedInBy, at, g.ExternalPosition)
			}
			br := tx.SendBatch(ctx, batch)
			for range guests[start:end] {
				var isInsert bool
				if err := br.QueryRow().Scan(&isInsert); err != nil {
					br.Close()
					return err
				}
				if isInsert {
					inserted++
				} else {
					updated++
				}
			}
			if err := br.Close(); err != nil {
				return err
			}
		}
		const stats = `UPDATE events SET
			total_guests = (SELECT COUNT(*) FROM guests WHERE event_id = $1),
			checked_in_count = (SELECT COUNT(*) FROM guests WHERE event_id = $1 AND checked_in)
			WHERE event_id = $1`
		_, err := tx.Exec(ctx, stats, eventID)
		return err
	})
	if err != nil {
		return 0, 0, classify(err, "upsert roster")
	}
	return inserted, updated, nil
}

func scanEvent(row pgx.Row) (*models.Event, error) {
	var (
		e       models.Event
		status  string
		columns []byte
	)
	err := row.Scan(&e.EventID, &e.Name, &e.Date, &e.EventCode, &status, &e.Roster.SheetID, &e.Roster.Tab, &columns,
		&e.Stats.TotalGuests, &e.Stats.CheckedInCount, &e.Stats.LastCheckInAt, &e.LastSyncedAt, &e.CreatedBy, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = models.EventStatus(status)
	if len(columns) > 0 {
		if err := json.Unmarshal(columns, &e.Roster.Columns); err != nil {
			return nil, fmt.Errorf("decode columns: %w", err)
		}
	}
	return &e, nil
}

// CreateEvent inserts an event. A code already used by an active event is a conflict.
func (s *Postgres) CreateEvent(ctx context.Context, e *models.Event) error {
	columns, err := json.Marshal(e.Roster.Columns)
	if err != nil {
		return fmt.Errorf("encode columns: %w", err)
	}
	const q = `INSERT INTO events (event_id, name, event_date, event_code, status, sheet_id, tab, columns, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err = s.pool.Exec(ctx, q, e.EventID, e.Name, e.Date, e.EventCode, string(e.Status), e.Roster.SheetID, e.Roster.Tab,
		columns, e.CreatedBy, e.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.KindConflict, apperr.CodeEventCodeTaken, "event code already in use")
	}
	return classify(err, "create event")
}

// GetEvent returns an event by id.
func (s *Postgres) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE event_id = $1`, eventID))
	if noRows(err) {
		return nil, errEventNotFound(eventID)
	}
	if err != nil {
		return nil, classify(err, "get event")
	}
	return e, nil
}

// GetActiveEventByCode returns the active event holding code.
func (s *Postgres) GetActiveEventByCode(ctx context.Context, code string) (*models.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE event_code = $1 AND status = 'active'`
	e, err := scanEvent(s.pool.QueryRow(ctx, q, code))
	if noRows(err) {
		return nil, apperr.NotFound("no active event with code %s", code)
	}
	if err != nil {
		return nil, classify(err, "get event by code")
	}
	return e, nil
}

func (s *Postgres) listEvents(ctx context.Context, where string, args ...any) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+eventColumns+` FROM events `+where+` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, classify(err, "list events")
	}
	defer rows.Close()
	var list []models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, classify(err, "list events")
		}
		list = append(list, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list events")
	}
	return list, nil
}

// ListEvents returns every event, newest first.
func (s *Postgres) ListEvents(ctx context.Context) ([]models.Event, error) {
	return s.listEvents(ctx, "")
}

// ListActiveEvents returns active events, newest first.
func (s *Postgres) ListActiveEvents(ctx context.Context) ([]models.Event, error) {
	return s.listEvents(ctx, "WHERE status = $1", string(models.EventActive))
}

// UpdateEventStatus changes the lifecycle state of an event.
func (s *Postgres) UpdateEventStatus(ctx context.Context, eventID string, status models.EventStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET status = $2 WHERE event_id = $1`, eventID, string(status))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperr.New(apperr.KindConflict, apperr.CodeEventCodeTaken, "event code already in use by another active event")
	}
	if err != nil {
		return classify(err, "update event status")
	}
	if tag.RowsAffected() == 0 {
		return errEventNotFound(eventID)
	}
	return nil
}

// UpdateLastSynced records a completed reconciliation.
func (s *Postgres) UpdateLastSynced(ctx context.Context, eventID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE events SET last_synced_at = $2 WHERE event_id = $1`, eventID, at)
	if err != nil {
		return classify(err, "update last synced")
	}
	if tag.RowsAffected() == 0 {
		return errEventNotFound(eventID)
	}
	return nil
}

// DeleteEvent removes the guests of an event in batches, then the event itself.
func (s *Postgres) DeleteEvent(ctx context.Context, eventID string) (int, error) {
	if _, err := s.GetEvent(ctx, eventID); err != nil {
		return 0, err
	}
	const q = `DELETE FROM guests WHERE ctid IN (SELECT ctid FROM guests WHERE event_id = $1 LIMIT $2)`
	deleted := 0
	for {
		tag, err := s.pool.Exec(ctx, q, eventID, DeleteBatchSize)
		if err != nil {
			return deleted, classify(err, "delete guests")
		}
		n := int(tag.RowsAffected())
		deleted += n
		if n < DeleteBatchSize {
			break
		}
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM events WHERE event_id = $1`, eventID); err != nil {
		return deleted, classify(err, "delete event")
	}
	return deleted, nil
}

// WriteDeadLetter stores a failed reconciliation.
func (s *Postgres) WriteDeadLetter(ctx context.Context, dl *models.DeadLetter) error {
	const q = `INSERT INTO dead_letters (id, event_id, operation, error, context, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	var ctxJSON []byte
	if len(dl.Context) > 0 {
		ctxJSON = dl.Context
	}
	_, err := s.pool.Exec(ctx, q, dl.ID, dl.EventID, dl.Operation, dl.Error, ctxJSON, dl.Status, dl.CreatedAt)
	return classify(err, "write dead letter")
}

// ListDeadLetters returns the newest records, optionally for one event.
func (s *Postgres) ListDeadLetters(ctx context.Context, eventID string, limit int) ([]models.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id::text, event_id, operation, error, context, status, created_at FROM dead_letters
		WHERE ($1::text = '' OR event_id = $1) ORDER BY created_at DESC LIMIT $2`
	rows, err := s.pool.Query(ctx, q, eventID, limit)
	if err != nil {
		return nil, classify(err, "list dead letters")
	}
	defer rows.Close()
	var list []models.DeadLetter
	for rows.Next() {
		var (
			dl  models.DeadLetter
			raw []byte
		)
		if err := rows.Scan(&dl.ID, &dl.EventID, &dl.Operation, &dl.Error, &raw, &dl.Status, &dl.CreatedAt); err != nil {
			return nil, classify(err, "list dead letters")
		}
		dl.Context = raw
		list = append(list, dl)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "list dead letters")
	}
	return list, nil
}

// nextTimestamp keeps per-guest timestamps strictly increasing at database precision.
func nextTimestamp(at, prev time.Time) time.Time {
	at = at.UTC().Truncate(time.Microsecond)
	if !at.After(prev) {
		at = prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	}
	return at
}
