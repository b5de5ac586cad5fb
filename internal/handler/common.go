// Package handler exposes the HTTP handlers of the reservation gateway:
// session issuance, seat inventory and the hold lifecycle.
package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// parseID reads a positive numeric path parameter.
func parseID(c echo.Context, name string) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// seatIDsReq is the body of create and cancel calls.
type seatIDsReq struct {
	SeatIDs []uint64 `json:"seat_ids"`
}

// uniqueSeatIDs drops zeros and duplicates while keeping request order.
func uniqueSeatIDs(ids []uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
