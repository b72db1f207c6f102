package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// Config holds client configuration.
type Config struct {
	// Backend endpoints
	APIBaseURL string
	SocketURL  string

	// Shared passphrase for the enigma message cipher
	MasterKey string

	// Local state
	TokenPath   string
	HistoryPath string

	RequestTimeout time.Duration
}

// Load loads configuration from environment variables. A .env file in
// the working directory is applied first if present.
func Load() Config {
	_ = godotenv.Load()

	apiBase := os.Getenv("ENIGMA_API_URL")
	if apiBase == "" {
		apiBase = "http://localhost:3000/api"
	}

	socketURL := os.Getenv("ENIGMA_WS_URL")
	if socketURL == "" {
		socketURL = "ws://localhost:3000/socket"
	}

	masterKey := os.Getenv("ENIGMA_MASTER_KEY")
	if masterKey == "" {
		masterKey = "secret-key"
	}

	tokenPath := os.Getenv("ENIGMA_TOKEN_PATH")
	if tokenPath == "" {
		tokenPath = filepath.Join(stateDir(), "session.json")
	}

	// Empty means no local history cache.
	historyPath := os.Getenv("ENIGMA_HISTORY_PATH")

	timeout := 10 * time.Second
	if raw := os.Getenv("ENIGMA_REQUEST_TIMEOUT"); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	return Config{
		APIBaseURL:     apiBase,
		SocketURL:      socketURL,
		MasterKey:      masterKey,
		TokenPath:      tokenPath,
		HistoryPath:    historyPath,
		RequestTimeout: timeout,
	}
}

func stateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "enigmachat")
	}
	return ".enigmachat"
}
