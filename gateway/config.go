package gateway

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read from the environment, see LoadConfig.
type Config struct {
	Addr      string
	Endpoints []string
	Timeout   time.Duration
	// RPS caps requests per second per client IP. Zero disables limiting.
	RPS   float64
	Cache CacheConfig
	Redis RedisConfig
}

type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	TLS      bool
}

// LoadConfig reads:
//
//	GATEWAY_ADDR, GATEWAY_ENDPOINTS (comma separated), GATEWAY_TIMEOUT, GATEWAY_RPS
//	CACHE_ENABLED, CACHE_TTL, CACHE_PREFIX, CACHE_MAX_BODY_BYTES
//	REDIS_ADDR or REDIS_HOST+REDIS_PORT, REDIS_PASSWORD, REDIS_DB, REDIS_TLS
func LoadConfig() Config {
	redisAddr := envStr("REDIS_ADDR", "")
	if host, port := os.Getenv("REDIS_HOST"), os.Getenv("REDIS_PORT"); host != "" && port != "" {
		redisAddr = host + ":" + port
	}

	return Config{
		Addr:      envStr("GATEWAY_ADDR", ":5000"),
		Endpoints: splitList(envStr("GATEWAY_ENDPOINTS", "localhost:50051")),
		Timeout:   envDur("GATEWAY_TIMEOUT", 10*time.Second),
		RPS:       envFloat("GATEWAY_RPS", 0),
		Cache: CacheConfig{
			Enabled:      envBool("CACHE_ENABLED", true),
			TTL:          envDur("CACHE_TTL", 5*time.Second),
			Prefix:       envStr("CACHE_PREFIX", "showtimes"),
			MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
		},
		Redis: RedisConfig{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       envInt("REDIS_DB", 0),
			TLS:      envBool("REDIS_TLS", false),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return d
	}
	return b
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

func envFloat(k string, d float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(k), 64); err == nil {
		return f
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return dur
	}
	return d
}
