package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// AppConfig holds everything the chessmate binary reads from the
// environment. Logging options live in obslog and are not duplicated here.
type AppConfig struct {
	EnginePath string
	ListenAddr string

	DefaultTier string
	TiersFile   string
	ThemeDir    string

	RedisURL    string
	DatabaseURL string

	EngineReadyTimeoutSec int
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:            "127.0.0.1:8712",
		DefaultTier:           "casual",
		EngineReadyTimeoutSec: 4,
	}

	cfg.EnginePath = strings.TrimSpace(os.Getenv("CHESSMATE_ENGINE_PATH"))

	if v := strings.TrimSpace(os.Getenv("CHESSMATE_LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CHESSMATE_DEFAULT_TIER")); v != "" {
		cfg.DefaultTier = strings.ToLower(v)
	}
	cfg.TiersFile = strings.TrimSpace(os.Getenv("CHESSMATE_TIERS_FILE"))
	cfg.ThemeDir = strings.TrimSpace(os.Getenv("CHESSMATE_THEME_DIR"))

	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.TrimSpace(os.Getenv("CHESSMATE_ENGINE_READY_TIMEOUT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.EngineReadyTimeoutSec = n
		}
	}

	if cfg.EnginePath == "" {
		return nil, errors.New("CHESSMATE_ENGINE_PATH is required")
	}

	return cfg, nil
}
