package service

import (
	"context"
	"fmt"
	"time"

	"github.com/iliyamo/cinema-seat-live/internal/live"
	"github.com/iliyamo/cinema-seat-live/internal/logging"
	"github.com/iliyamo/cinema-seat-live/internal/model"
	"github.com/iliyamo/cinema-seat-live/internal/queue"
	"github.com/iliyamo/cinema-seat-live/internal/repository"
)

// ExpirySweeper periodically cancels pending holds whose expires_at has
// passed and announces each release on the live channel with reason
// "expired", so viewers see the seat free up without polling.
type ExpirySweeper struct {
	Holds    *repository.HoldRepo
	Live     live.Publisher
	Activity ActivityNotifier
	Interval time.Duration
}

// Run sweeps every Interval until ctx is cancelled.
func (s *ExpirySweeper) Run(ctx context.Context) {
	log := logging.Component("sweeper")
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.SweepOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("released", n).Msg("expired holds released")
			}
		}
	}
}

// SweepOnce expires overdue holds in one transaction and publishes the
// releases after commit.  It returns how many holds were released.
func (s *ExpirySweeper) SweepOnce(ctx context.Context) (int, error) {
	tx, err := s.Holds.DB().BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	expired, err := s.Holds.ExpireAllTx(ctx, tx)
	if err != nil {
		_ = tx.Rollback()
		return 0, fmt.Errorf("expire holds: %w", err)
	}
	if len(expired) == 0 {
		_ = tx.Rollback()
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	AnnounceExpired(ctx, s.Live, s.Activity, expired)
	return len(expired), nil
}

// AnnounceExpired publishes live releases and activity events for holds
// that timed out.  Publishing errors are logged only.
func AnnounceExpired(ctx context.Context, pub live.Publisher, act ActivityNotifier, expired []model.Reservation) {
	if len(expired) == 0 {
		return
	}
	if err := live.PublishReleases(ctx, pub, expired, model.ReleaseExpired); err != nil {
		log := logging.Component("sweeper")
		log.Warn().Err(err).Msg("live publish failed")
	}
	type key struct {
		showtime uint64
		owner    string
	}
	grouped := map[key][]uint64{}
	var order []key
	for _, r := range expired {
		k := key{r.ShowtimeID, r.SessionID}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], r.SeatID)
	}
	now := time.Now().UTC()
	for _, k := range order {
		act.Notify(queue.SeatActivityEvent{
			Kind:       queue.ActivityExpired,
			ShowtimeID: k.showtime,
			SessionID:  k.owner,
			SeatIDs:    grouped[k],
			Reason:     model.ReleaseExpired,
			OccurredAt: now,
		})
	}
}
