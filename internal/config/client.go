package config

import (
	"strings"
	"time"
)

// ClientConfig configures the terminal booking client.  GatewayURL is the
// base URL of the reservation gateway; LiveURL defaults to the same host
// with a ws/wss scheme.  SessionFile is where the browser-tab equivalent of
// the session token is persisted between runs.
type ClientConfig struct {
	GatewayURL        string
	LiveURL           string
	ShowtimeID        uint64
	RoomID            uint64
	SessionFile       string
	GatewayTimeout    time.Duration
	HeartbeatInterval time.Duration
	ReconnectBase     time.Duration
	ReconnectCap      time.Duration
	ReconnectMax      int
	PollInterval      time.Duration
	ExpiryWarning     time.Duration
	BatchMode         bool
}

// LoadClientConfig reads the client settings.  SHOWTIME_ID and ROOM_ID are
// required.
func LoadClientConfig() ClientConfig {
	gw := strings.TrimRight(envStr("GATEWAY_URL", "http://localhost:8080"), "/")
	return ClientConfig{
		GatewayURL:        gw,
		LiveURL:           envStr("LIVE_URL", liveURLFrom(gw)),
		ShowtimeID:        uint64(mustInt("SHOWTIME_ID")),
		RoomID:            uint64(mustInt("ROOM_ID")),
		SessionFile:       envStr("SESSION_FILE", ".seatwatch-session.json"),
		GatewayTimeout:    envDur("GATEWAY_TIMEOUT", 10*time.Second),
		HeartbeatInterval: envDur("LIVE_HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectBase:     envDur("LIVE_RECONNECT_BASE", time.Second),
		ReconnectCap:      envDur("LIVE_RECONNECT_CAP", 30*time.Second),
		ReconnectMax:      envInt("LIVE_RECONNECT_MAX", 5),
		PollInterval:      envDur("POLL_INTERVAL", 15*time.Second),
		ExpiryWarning:     envDur("HOLD_EXPIRY_WARNING", time.Minute),
		BatchMode:         envBool("BATCH_MODE", false),
	}
}

// liveURLFrom swaps the http scheme of the gateway URL for its websocket
// counterpart.
func liveURLFrom(gateway string) string {
	switch {
	case strings.HasPrefix(gateway, "https://"):
		return "wss://" + strings.TrimPrefix(gateway, "https://")
	case strings.HasPrefix(gateway, "http://"):
		return "ws://" + strings.TrimPrefix(gateway, "http://")
	}
	return gateway
}
