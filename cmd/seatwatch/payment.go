package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/iliyamo/cinema-seat-live/internal/booking"
	"github.com/iliyamo/cinema-seat-live/internal/gateway"
)

// confirmingPayment stands in for a payment provider: it settles
// immediately and confirms the session's holds.
type confirmingPayment struct {
	gw *gateway.Client
}

func (p confirmingPayment) StartPayment(ctx context.Context, h booking.Handoff) error {
	codes := make([]string, 0, len(h.Seats))
	for _, s := range h.Seats {
		codes = append(codes, s.Code)
	}
	confirmed, err := p.gw.ConfirmReservations(ctx, h.ShowtimeID)
	if err != nil {
		return err
	}
	log.Info().Str("session_id", h.SessionID).Strs("seats", codes).Int("confirmed", len(confirmed)).Msg("payment settled")
	return nil
}
