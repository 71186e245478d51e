package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	DBMaxConnections        int
	MigrateOnStart          bool
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	StockCacheTTLSeconds    int
	AuthSecret              string
	AccessTokenTTLMinutes   int
	SaleUndoWindowHours     int
	PurchaseUndoWindowHours int
	ExportRowLimit          int
	OutboxPollSeconds       int
	NotifyChannel           string
	LogLevel                string
	SeedAdminUsername       string
	SeedAdminPassword       string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		DBMaxConnections:        positiveInt("DB_MAX_CONNECTIONS", 10),
		MigrateOnStart:          getBool("MIGRATE_ON_START", true),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		StockCacheTTLSeconds:    positiveInt("STOCK_CACHE_TTL_SECONDS", 60),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		SaleUndoWindowHours:     positiveInt("SALE_UNDO_WINDOW_HOURS", 24),
		PurchaseUndoWindowHours: positiveInt("PURCHASE_UNDO_WINDOW_HOURS", 24),
		ExportRowLimit:          positiveInt("EXPORT_ROW_LIMIT", 10000),
		OutboxPollSeconds:       positiveInt("OUTBOX_POLL_SECONDS", 5),
		NotifyChannel:           getEnv("NOTIFY_CHANNEL", "repairpos:notifications"),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		SeedAdminUsername:       getEnv("SEED_ADMIN_USERNAME", "admin"),
		SeedAdminPassword:       os.Getenv("SEED_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) SaleUndoWindow() time.Duration {
	return time.Duration(c.SaleUndoWindowHours) * time.Hour
}

func (c Config) PurchaseUndoWindow() time.Duration {
	return time.Duration(c.PurchaseUndoWindowHours) * time.Hour
}

func (c Config) StockCacheTTL() time.Duration {
	return time.Duration(c.StockCacheTTLSeconds) * time.Second
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollSeconds) * time.Second
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	val, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(fallback)))
	if err != nil {
		return fallback
	}
	return val
}
