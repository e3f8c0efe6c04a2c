package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// ClientConfig configures the terminal client.
type ClientConfig struct {
	ServerURL      string
	Token          string
	UserID         string
	Env            string
	LogLevel       string
	AckTimeout     time.Duration
	MaxUploadBytes int64
	TempDir        string
}

// LoadClient reads client settings from the environment, loading .env first when present.
func LoadClient() (*ClientConfig, error) {
	_ = godotenv.Load()

	cfg := &ClientConfig{
		ServerURL:      getEnv("CHAT_SERVER_URL", "http://localhost:8083"),
		Token:          os.Getenv("CHAT_TOKEN"),
		UserID:         os.Getenv("CHAT_USER_ID"),
		Env:            getEnv("ENV", "development"),
		LogLevel:       getEnv("LOG_LEVEL", "warn"),
		AckTimeout:     getDuration("CHAT_ACK_TIMEOUT", 15*time.Second),
		MaxUploadBytes: getInt64("MAX_UPLOAD_BYTES", 10<<20),
		TempDir:        os.Getenv("CHAT_TEMP_DIR"),
	}
	if cfg.Token == "" {
		return nil, errors.New("CHAT_TOKEN is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("CHAT_USER_ID is required")
	}
	return cfg, nil
}
