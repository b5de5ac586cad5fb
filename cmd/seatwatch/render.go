package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/iliyamo/cinema-seat-live/internal/booking"
	"github.com/iliyamo/cinema-seat-live/internal/livechannel"
	"github.com/iliyamo/cinema-seat-live/internal/reconcile"
)

var glyphs = map[reconcile.View]string{
	reconcile.Free:             ".",
	reconcile.Selected:         "+",
	reconcile.HeldByMe:         "M",
	reconcile.OccupiedByOthers: "X",
	reconcile.Unavailable:      "#",
}

// printMap prints one line per seat row: the row's codes with a glyph for
// each seat's merged view.
func printMap(out io.Writer, res reconcile.Result) {
	rows := map[uint32][]reconcile.SeatView{}
	for _, sv := range res.Seats() {
		rows[sv.Seat.RowNumber] = append(rows[sv.Seat.RowNumber], sv)
	}
	keys := make([]uint32, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		row := rows[k]
		sort.Slice(row, func(i, j int) bool { return row[i].Seat.ColumnNumber < row[j].Seat.ColumnNumber })
		cells := make([]string, 0, len(row))
		for _, sv := range row {
			cells = append(cells, fmt.Sprintf("%s[%s]", sv.Seat.Code, glyphs[sv.View]))
		}
		fmt.Fprintln(out, strings.Join(cells, " "))
	}
	fmt.Fprintf(out, "free %d  mine %d  taken %d  selected %d\n",
		res.Count(reconcile.Free), res.Count(reconcile.HeldByMe),
		res.Count(reconcile.OccupiedByOthers), res.Count(reconcile.Selected))
}

func describeNotice(n booking.Notice) string {
	switch n.Kind {
	case booking.NoticeHoldLost:
		return fmt.Sprintf("! your hold on %s was lost", n.SeatCode)
	case booking.NoticeExpiringSoon:
		return fmt.Sprintf("! your hold on %s expires at %s", n.SeatCode, n.ExpiresAt.Local().Format("15:04:05"))
	case booking.NoticeSeatRejected:
		return fmt.Sprintf("! %s: %v", n.SeatCode, n.Err)
	case booking.NoticeLiveUnavailable:
		return "! live updates unavailable, polling the server"
	case booking.NoticeLiveRestored:
		return "! live updates restored"
	}
	return "! " + string(n.Kind)
}

func describeStatus(s livechannel.StatusChanged) string {
	if s.Status == livechannel.StatusReconnecting {
		return fmt.Sprintf("%s (attempt %d, retry in %s)", s.Status, s.Attempt, s.RetryIn)
	}
	return s.Status.String()
}
