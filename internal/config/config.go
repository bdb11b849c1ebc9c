package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	SQLitePath            string
	MongoURI              string
	MongoDatabase         string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DashboardTTLSeconds   int
	AuthSecret            string
	AdminEmail            string
	AdminPassword         string
	AccessTokenTTLMinutes int
	LogLevel              string
	DefaultTaxRatePercent decimal.Decimal
	RefreshPurchasePrice  bool
	NegativeWeightPolicy  string
}

// Load reads the environment, after merging a local .env file when one exists.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	ttl, err := strconv.Atoi(getEnv("DASHBOARD_TTL_SECONDS", "30"))
	if err != nil || ttl < 1 {
		ttl = 30
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	taxRate, err := decimal.NewFromString(getEnv("DEFAULT_TAX_RATE_PERCENT", "18"))
	if err != nil || taxRate.IsNegative() {
		taxRate = decimal.NewFromInt(18)
	}
	refresh, _ := strconv.ParseBool(getEnv("REFRESH_PURCHASE_PRICE", "false"))

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:5173"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		MongoURI:              os.Getenv("MONGO_URI"),
		MongoDatabase:         getEnv("MONGO_DATABASE", "metalbooks"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		DashboardTTLSeconds:   ttl,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AdminEmail:            strings.TrimSpace(os.Getenv("ADMIN_EMAIL")),
		AdminPassword:         os.Getenv("ADMIN_PASSWORD"),
		AccessTokenTTLMinutes: tokenTTL,
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		DefaultTaxRatePercent: taxRate,
		RefreshPurchasePrice:  refresh,
		NegativeWeightPolicy:  strings.ToLower(strings.TrimSpace(os.Getenv("NEGATIVE_WEIGHT_POLICY"))),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
