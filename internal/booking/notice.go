package booking

import "time"

// NoticeKind classifies a user-facing notification.
type NoticeKind string

const (
	// NoticeHoldLost: one of the viewer's holds disappeared without the
	// viewer releasing it, usually because it expired.
	NoticeHoldLost NoticeKind = "hold_lost"
	// NoticeExpiringSoon: a hold is within the warning window of its
	// server-side expiry.  Nothing changes locally.
	NoticeExpiringSoon NoticeKind = "expiring_soon"
	// NoticeSeatRejected: a hold request for the seat was refused.
	NoticeSeatRejected NoticeKind = "seat_rejected"
	// NoticeLiveUnavailable: the live channel gave up; the view is now
	// refreshed by polling.
	NoticeLiveUnavailable NoticeKind = "live_unavailable"
	// NoticeLiveRestored: the live channel is connected again.
	NoticeLiveRestored NoticeKind = "live_restored"
)

// Notice is a notification for the UI.  SeatCode is empty for
// connection-level notices.
type Notice struct {
	Kind      NoticeKind
	SeatCode  string
	Err       error
	ExpiresAt *time.Time
}
