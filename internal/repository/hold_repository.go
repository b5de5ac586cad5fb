package repository

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// HoldRepo provides data access to the seat_reservations table.  A row is
// one hold: pending while the session checks out, confirmed after payment,
// cancelled on release or timeout.  The store keeps at most one active
// (pending and unexpired, or confirmed) row per seat and showtime; the
// write paths below serialize on the seats row lock to uphold that.
// All timestamps are UTC.
type HoldRepo struct {
	db *sql.DB
}

// NewHoldRepo returns a new HoldRepo bound to the provided database.
func NewHoldRepo(db *sql.DB) *HoldRepo { return &HoldRepo{db: db} }

// DB exposes the underlying handle so callers can open a transaction that
// spans expiry, hold and cancel steps.
func (r *HoldRepo) DB() *sql.DB { return r.db }

// activeClause selects rows that still block a seat.
const activeClause = `(status = 'confirmed' OR (status = 'pending' AND expires_at > UTC_TIMESTAMP()))`

// ListActiveByShowtime returns every active hold of a showtime ordered by
// seat.  Expired pending rows that the sweeper has not reached yet are
// already excluded.
func (r *HoldRepo) ListActiveByShowtime(ctx context.Context, showtimeID uint64) ([]model.Reservation, error) {
	q := `SELECT seat_id, showtime_id, session_id, status, expires_at
	      FROM seat_reservations
	      WHERE showtime_id = ? AND ` + activeClause + `
	      ORDER BY seat_id`
	rows, err := r.db.QueryContext(ctx, q, showtimeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

// ExpireHoldsTx cancels every pending hold of the showtime whose expires_at
// has passed and returns the cancelled holds so the caller can announce
// them.  It must run before availability checks so a stale row is never
// released after its seat was taken by someone else.
func (r *HoldRepo) ExpireHoldsTx(ctx context.Context, tx *sql.Tx, showtimeID uint64) ([]model.Reservation, error) {
	const q = `SELECT id, seat_id, showtime_id, session_id, expires_at
	           FROM seat_reservations
	           WHERE showtime_id = ? AND status = 'pending' AND expires_at <= UTC_TIMESTAMP()
	           FOR UPDATE`
	return r.expireTx(ctx, tx, q, showtimeID)
}

// ExpireAllTx is ExpireHoldsTx across all showtimes; the sweeper uses it.
func (r *HoldRepo) ExpireAllTx(ctx context.Context, tx *sql.Tx) ([]model.Reservation, error) {
	const q = `SELECT id, seat_id, showtime_id, session_id, expires_at
	           FROM seat_reservations
	           WHERE status = 'pending' AND expires_at <= UTC_TIMESTAMP()
	           FOR UPDATE`
	return r.expireTx(ctx, tx, q)
}

func (r *HoldRepo) expireTx(ctx context.Context, tx *sql.Tx, q string, args ...interface{}) ([]model.Reservation, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	var ids []interface{}
	expired := []model.Reservation{}
	for rows.Next() {
		var id uint64
		var res model.Reservation
		var exp sql.NullTime
		if err := rows.Scan(&id, &res.SeatID, &res.ShowtimeID, &res.SessionID, &exp); err != nil {
			rows.Close()
			return nil, err
		}
		if exp.Valid {
			t := exp.Time.UTC()
			res.ExpiresAt = &t
		}
		res.Status = model.StatusCancelled
		ids = append(ids, id)
		expired = append(expired, res)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return expired, nil
	}
	upd := `UPDATE seat_reservations SET status = 'cancelled', updated_at = UTC_TIMESTAMP()
	        WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := tx.ExecContext(ctx, upd, ids...); err != nil {
		return nil, err
	}
	return expired, nil
}

// HoldSeatsTx places pending holds for sessionID on each seat and reports a
// per-seat outcome.  A seat already actively held by the same session
// succeeds without a duplicate row.  Seats held by another session, seats
// whose inventory flag is off and unknown seat ids are rejected
// individually; the remaining seats are still held.  The seat rows are
// locked FOR UPDATE first so concurrent callers racing for the same seat
// serialize here.
func (r *HoldRepo) HoldSeatsTx(ctx context.Context, tx *sql.Tx, showtimeID uint64, sessionID string, seatIDs []uint64, expiresAt time.Time) ([]model.HoldResult, error) {
	if len(seatIDs) == 0 {
		return []model.HoldResult{}, nil
	}
	args := uint64Args(seatIDs)

	// 1. lock inventory rows
	lockQ := `SELECT id, is_available FROM seats WHERE id IN (` + placeholders(len(seatIDs)) + `) FOR UPDATE`
	rows, err := tx.QueryContext(ctx, lockQ, args...)
	if err != nil {
		return nil, err
	}
	available := make(map[uint64]bool, len(seatIDs))
	for rows.Next() {
		var id uint64
		var ok bool
		if err := rows.Scan(&id, &ok); err != nil {
			rows.Close()
			return nil, err
		}
		available[id] = ok
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// 2. current owners of the requested seats
	ownQ := `SELECT seat_id, session_id, expires_at FROM seat_reservations
	         WHERE showtime_id = ? AND seat_id IN (` + placeholders(len(seatIDs)) + `) AND ` + activeClause
	rows, err = tx.QueryContext(ctx, ownQ, append([]interface{}{showtimeID}, args...)...)
	if err != nil {
		return nil, err
	}
	type owner struct {
		session string
		expires *time.Time
	}
	owners := make(map[uint64]owner, len(seatIDs))
	for rows.Next() {
		var sid uint64
		var o owner
		var exp sql.NullTime
		if err := rows.Scan(&sid, &o.session, &exp); err != nil {
			rows.Close()
			return nil, err
		}
		if exp.Valid {
			t := exp.Time.UTC()
			o.expires = &t
		}
		owners[sid] = o
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	// 3. decide per seat
	exp := expiresAt.UTC()
	results := make([]model.HoldResult, 0, len(seatIDs))
	var insert []uint64
	for _, sid := range seatIDs {
		ok, known := available[sid]
		switch {
		case !known:
			results = append(results, model.HoldResult{SeatID: sid, Reason: model.ReasonNotFound})
		case !ok:
			results = append(results, model.HoldResult{SeatID: sid, Reason: model.ReasonUnavailable})
		default:
			if o, held := owners[sid]; held {
				if o.session == sessionID {
					results = append(results, model.HoldResult{SeatID: sid, OK: true, ExpiresAt: o.expires})
				} else {
					results = append(results, model.HoldResult{SeatID: sid, Reason: model.ReasonAlreadyHeld})
				}
				continue
			}
			insert = append(insert, sid)
			results = append(results, model.HoldResult{SeatID: sid, OK: true, ExpiresAt: &exp})
		}
	}

	// 4. bulk insert the new holds
	if len(insert) > 0 {
		query := `INSERT INTO seat_reservations (showtime_id, seat_id, session_id, status, expires_at) VALUES `
		insArgs := make([]interface{}, 0, len(insert)*4)
		for i, sid := range insert {
			if i > 0 {
				query += ","
			}
			query += "(?, ?, ?, 'pending', ?)"
			insArgs = append(insArgs, showtimeID, sid, sessionID, exp.Format("2006-01-02 15:04:05"))
		}
		if _, err := tx.ExecContext(ctx, query, insArgs...); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// CancelTx releases the pending holds sessionID owns on the given seats and
// returns the seat ids actually released.  Seats that are not held by the
// session (already cancelled, expired, or never held) are skipped, which
// makes a repeated cancel a successful no-op.
func (r *HoldRepo) CancelTx(ctx context.Context, tx *sql.Tx, showtimeID uint64, sessionID string, seatIDs []uint64) ([]uint64, error) {
	if len(seatIDs) == 0 {
		return []uint64{}, nil
	}
	args := append([]interface{}{showtimeID, sessionID}, uint64Args(seatIDs)...)
	selQ := `SELECT id, seat_id FROM seat_reservations
	         WHERE showtime_id = ? AND session_id = ? AND status = 'pending'
	         AND seat_id IN (` + placeholders(len(seatIDs)) + `) FOR UPDATE`
	rows, err := tx.QueryContext(ctx, selQ, args...)
	if err != nil {
		return nil, err
	}
	var ids []interface{}
	released := []uint64{}
	for rows.Next() {
		var id, sid uint64
		if err := rows.Scan(&id, &sid); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		released = append(released, sid)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return released, nil
	}
	upd := `UPDATE seat_reservations SET status = 'cancelled', updated_at = UTC_TIMESTAMP()
	        WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := tx.ExecContext(ctx, upd, ids...); err != nil {
		return nil, err
	}
	return released, nil
}

// ConfirmTx turns every unexpired pending hold of the session into a
// confirmed one and returns the confirmed seat ids.  It is the payment
// collaborator's callback; it returns ErrNoActiveHolds when nothing is
// left to confirm (for example after the holds expired).
func (r *HoldRepo) ConfirmTx(ctx context.Context, tx *sql.Tx, showtimeID uint64, sessionID string) ([]uint64, error) {
	const selQ = `SELECT id, seat_id FROM seat_reservations
	              WHERE showtime_id = ? AND session_id = ? AND status = 'pending' AND expires_at > UTC_TIMESTAMP()
	              FOR UPDATE`
	rows, err := tx.QueryContext(ctx, selQ, showtimeID, sessionID)
	if err != nil {
		return nil, err
	}
	var ids []interface{}
	var seats []uint64
	for rows.Next() {
		var id, sid uint64
		if err := rows.Scan(&id, &sid); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		seats = append(seats, sid)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, ErrNoActiveHolds
	}
	upd := `UPDATE seat_reservations SET status = 'confirmed', expires_at = NULL, updated_at = UTC_TIMESTAMP()
	        WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := tx.ExecContext(ctx, upd, ids...); err != nil {
		return nil, err
	}
	return seats, nil
}

func scanReservations(rows *sql.Rows) ([]model.Reservation, error) {
	out := []model.Reservation{}
	for rows.Next() {
		var res model.Reservation
		var exp sql.NullTime
		if err := rows.Scan(&res.SeatID, &res.ShowtimeID, &res.SessionID, &res.Status, &exp); err != nil {
			return nil, err
		}
		if exp.Valid {
			t := exp.Time.UTC()
			res.ExpiresAt = &t
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func uint64Args(ids []uint64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
