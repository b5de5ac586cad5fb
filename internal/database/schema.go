package database

import (
	"context"
	"database/sql"
	"fmt"
)

// schema holds the two tables the reservation service touches.  seats is
// normally populated by room configuration; it is created here so a fresh
// database can be seeded for local runs.  The (showtime_id, seat_id, status)
// index serves both the availability lookup and the sweeper.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS seats (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		room_id BIGINT UNSIGNED NOT NULL,
		seat_code VARCHAR(16) NOT NULL,
		seat_type ENUM('regular','premium','vip','couple') NOT NULL DEFAULT 'regular',
		is_available TINYINT(1) NOT NULL DEFAULT 1,
		row_num INT UNSIGNED NOT NULL,
		col_num INT UNSIGNED NOT NULL,
		UNIQUE KEY uq_seats_room_code (room_id, seat_code)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS seat_reservations (
		id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT PRIMARY KEY,
		showtime_id BIGINT UNSIGNED NOT NULL,
		seat_id BIGINT UNSIGNED NOT NULL,
		session_id VARCHAR(64) NOT NULL,
		status ENUM('pending','confirmed','cancelled') NOT NULL DEFAULT 'pending',
		expires_at DATETIME NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		KEY idx_res_showtime_seat (showtime_id, seat_id, status),
		KEY idx_res_status_expiry (status, expires_at),
		CONSTRAINT fk_res_seat FOREIGN KEY (seat_id) REFERENCES seats (id)
	) ENGINE=InnoDB`,
}

// EnsureSchema creates the tables when they do not exist yet.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
