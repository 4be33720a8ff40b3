package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	MongoURI                string
	MongoDatabase           string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	QueueCacheTTLSeconds    int
	KafkaBrokers            []string
	KafkaTopic              string
	NotifyChannel           string
	AuthSecret              string
	AccessTokenTTLMinutes   int
	BreakerFailureThreshold int
	BreakerOpenSeconds      int
	MergeRetryLimit         int
	AutoMergeIntervalSecs   int
	LogLevel                string
	LogFormat               string
}

// LoadDotEnv reads variables from the given files (".env" when none) without overriding the
// environment. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, file := range files {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", file, err)
		}
	}
	return nil
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		MongoURI:                os.Getenv("MONGO_URI"),
		MongoDatabase:           getEnv("MONGO_DATABASE", "replenish"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 redisDB,
		QueueCacheTTLSeconds:    positiveInt("QUEUE_CACHE_TTL_SECONDS", 30),
		KafkaBrokers:            splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:              getEnv("KAFKA_TOPIC", "replenish.changes"),
		NotifyChannel:           getEnv("NOTIFY_CHANNEL", "replenish:changes"),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		BreakerFailureThreshold: positiveInt("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerOpenSeconds:      positiveInt("BREAKER_OPEN_SECONDS", 30),
		MergeRetryLimit:         positiveInt("MERGE_RETRY_LIMIT", 3),
		AutoMergeIntervalSecs:   nonNegativeInt("AUTO_MERGE_INTERVAL_SECONDS", 0),
		LogLevel:                strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:               strings.ToLower(getEnv("LOG_FORMAT", "json")),
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

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func nonNegativeInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
