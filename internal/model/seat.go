package model

import "strings"

// SeatType classifies a physical seat.  Couple seats occupy two adjacent
// grid columns and are booked and released as one unit.
type SeatType string

const (
	SeatTypeRegular SeatType = "regular"
	SeatTypePremium SeatType = "premium"
	SeatTypeVIP     SeatType = "vip"
	SeatTypeCouple  SeatType = "couple"
)

// Seat describes a physical seat in a room.  Seats are read-only to the
// reservation core; they are created and updated by room configuration.
//
// Fields:
//
//	ID           – stable seat identity.
//	RoomID       – room to which this seat belongs.
//	Code         – human label such as "A1"; couple seats use "A1-2".
//	Type         – regular, premium, vip or couple.
//	IsAvailable  – permanent inventory flag, independent of bookings.
//	RowNumber    – grid row (1-based).
//	ColumnNumber – grid column (1-based); couple seats start here and span two.
type Seat struct {
	ID           uint64   `json:"seat_id"`       // seats.id
	RoomID       uint64   `json:"room_id"`       // seats.room_id
	Code         string   `json:"seat_code"`     // seats.seat_code
	Type         SeatType `json:"seat_type"`     // seats.seat_type
	IsAvailable  bool     `json:"is_available"`  // seats.is_available
	RowNumber    uint32   `json:"row_number"`    // seats.row_num
	ColumnNumber uint32   `json:"column_number"` // seats.col_num
}

// Codes returns every label that addresses this seat.  A couple seat coded
// "A1-2" answers to "A1-2", "A1" and "A2" so a click on either half resolves
// to the same unit.  Any other seat answers only to its own code.
func (s Seat) Codes() []string {
	if s.Type != SeatTypeCouple {
		return []string{s.Code}
	}
	dash := strings.LastIndex(s.Code, "-")
	if dash <= 0 || dash == len(s.Code)-1 {
		return []string{s.Code}
	}
	head := s.Code[:dash]
	i := len(head)
	for i > 0 && head[i-1] >= '0' && head[i-1] <= '9' {
		i--
	}
	row := head[:i]
	if row == "" || i == len(head) {
		return []string{s.Code}
	}
	return []string{s.Code, head, row + s.Code[dash+1:]}
}
