package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/exp/slog"
)

const (
	JWTSecretEnv = "JWT_SECRET_KEY"

	defaultSRCommand = "python inference_realesrgan.py -n RealESRGAN_x4plus -i {input} -o {output_dir}"
)

type Config struct {
	ListenAddr         string
	DatabaseURL        string
	JWTSecret          string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	ImagesDir          string
	SRCommand          []string
	SRTimeout          time.Duration
	SRPollInterval     time.Duration
	MaxImageSize       int64
	MaxImageDimension  uint
	MaxImagePixels     uint64
	CORSAllowedOrigins []string
	AuthRateLimit      int
	LogLevel           slog.Level
}

// LoadConfig reads .env (when present) and then the process environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:         getEnv("APP_HOST", "") + ":" + getEnv("APP_PORT", "5000"),
		DatabaseURL:        databaseURL(),
		JWTSecret:          os.Getenv(JWTSecretEnv),
		ImagesDir:          getEnv("IMAGES_DIR", "Images"),
		SRCommand:          strings.Fields(getEnv("SR_COMMAND", defaultSRCommand)),
		CORSAllowedOrigins: splitList(getEnv("CORS_ALLOWED_ORIGINS", "*")),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("%s must be set", JWTSecretEnv)
	}

	var err error
	if cfg.AccessTokenTTL, err = getEnvDuration("ACCESS_TOKEN_TTL", 15*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RefreshTokenTTL, err = getEnvDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SRTimeout, err = getEnvDuration("SR_TIMEOUT", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SRPollInterval, err = getEnvDuration("SR_POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}

	maxSize, err := getEnvInt("MAX_IMAGE_SIZE", MaxImageSize)
	if err != nil {
		return nil, err
	}
	cfg.MaxImageSize = int64(maxSize)

	maxDim, err := getEnvInt("MAX_IMAGE_DIMENSION", 0)
	if err != nil {
		return nil, err
	}
	if maxDim < 0 {
		return nil, fmt.Errorf("MAX_IMAGE_DIMENSION must not be negative, got %d", maxDim)
	}
	cfg.MaxImageDimension = uint(maxDim)

	maxPixels, err := getEnvInt("MAX_IMAGE_PIXELS", DefaultMaxImagePixels)
	if err != nil {
		return nil, err
	}
	if maxPixels <= 0 {
		return nil, fmt.Errorf("MAX_IMAGE_PIXELS must be positive, got %d", maxPixels)
	}
	cfg.MaxImagePixels = uint64(maxPixels)

	if cfg.AuthRateLimit, err = getEnvInt("AUTH_RATE_LIMIT", 30); err != nil {
		return nil, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "INFO"))); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// databaseURL prefers DATABASE_URL and otherwise assembles a DSN from the
// POSTGRES_* variables.
func databaseURL() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	var (
		host     = getEnv("DB_HOST", "localhost")
		user     = os.Getenv("POSTGRES_USER")
		password = os.Getenv("POSTGRES_PASSWORD")
		port     = getEnv("DB_PORT", "5432")
		name     = getEnv("DB_NAME", "db")
	)

	return fmt.Sprintf("host=%s user=%s password=%s port=%s dbname=%s sslmode=disable", host, user, password, port, name)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}

	return d, nil
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}

	return n, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
