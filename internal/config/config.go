package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr           string
	SyncPathPrefix string
	RoomTTL        time.Duration
	// Redis Configuration
	RedisURL string
	// Frame hygiene limits for websocket connections
	MaxFrameBytes      int
	MaxFramesPerSecond int
}

func Load() Config {
	return Config{
		Addr:           getenv("TALLY_ADDR", ":4444"),
		SyncPathPrefix: getenv("TALLY_SYNC_PREFIX", "/sync/"),
		RoomTTL:        time.Duration(getenvInt("TALLY_ROOM_TTL_SECONDS", 86400)) * time.Second,
		// Redis - empty by default, relay falls back to in-memory rooms
		RedisURL:           getenv("REDIS_URL", ""),
		MaxFrameBytes:      getenvInt("TALLY_MAX_FRAME_BYTES", 1<<20),
		MaxFramesPerSecond: getenvInt("TALLY_MAX_FRAMES_PER_SECOND", 100),
	}
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
