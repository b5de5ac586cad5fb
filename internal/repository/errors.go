// Package repository defines data access for seats and seat reservations
// backed by MySQL.  Sentinel errors declared here let handlers map store
// outcomes onto HTTP responses without inspecting driver errors.
package repository

import "errors"

// ErrNoActiveHolds is returned by ConfirmTx when the session holds nothing
// for the showtime.
var ErrNoActiveHolds = errors.New("no active holds")
