package repository // repository defines data access for seats

import (
	"context"      // context allows query cancellation and timeouts
	"database/sql" // sql provides DB primitives

	"github.com/iliyamo/cinema-seat-live/internal/model"
)

// SeatRepo reads the seat inventory of a room.  The inventory is owned by
// room configuration; this service never writes it.
type SeatRepo struct {
	db *sql.DB
}

// NewSeatRepo constructs a SeatRepo with the given DB handle.
func NewSeatRepo(db *sql.DB) *SeatRepo {
	return &SeatRepo{db: db}
}

// ListByRoom retrieves all seats of a room ordered by grid position.
// row_num/col_num avoid the ROW_NUMBER keyword reserved by MySQL 8.
func (r *SeatRepo) ListByRoom(ctx context.Context, roomID uint64) ([]model.Seat, error) {
	const q = `SELECT id, room_id, seat_code, seat_type, is_available, row_num, col_num
	           FROM seats
	           WHERE room_id = ?
	           ORDER BY row_num, col_num`
	rows, err := r.db.QueryContext(ctx, q, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.Seat{}
	for rows.Next() {
		var s model.Seat
		if err := rows.Scan(
			&s.ID, &s.RoomID, &s.Code, &s.Type,
			&s.IsAvailable, &s.RowNumber, &s.ColumnNumber,
		); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
