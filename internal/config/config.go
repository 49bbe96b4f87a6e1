package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	minScoreWorkers      = 1
	maxScoreWorkers      = 64
	minBatchChunk        = 1
	maxBatchChunk        = 5000
	minGraphLimit        = 1
	maxGraphLimit        = 1000
	minChainStatsTimeout = 100 * time.Millisecond
	maxChainStatsTimeout = 2 * time.Minute
	minRateLimit         = 1
	maxRateLimit         = 10000
)

// Config holds 12-factor environment configuration for the engine binary.
type Config struct {
	Port            string
	RegistryBackend string // postgres | memory
	DatabaseURL     string
	ClickHouseDSN   string

	ChainStatsProvider string // blockchair | bitcoind | none
	ChainStatsTimeout  time.Duration
	BlockchairURL      string
	BlockchairAPIKey   string
	BTCRPCHost         string
	BTCRPCUser         string
	BTCRPCPass         string

	ScoreWorkers      int
	BatchChunkSize    int
	GraphDefaultLimit int
	RescanInterval    time.Duration

	AlertScoreThreshold int
	AlertCriticalScore  int
	AlertEdgeWeightMin  int
	ScoringConfigFile   string // optional YAML overlay of the scoring weights

	KafkaBrokers        []string
	KafkaDiscoveryTopic string
	KafkaAlertTopic     string
	KafkaGroup          string

	APIAuthToken    string
	AllowedOrigins  []string
	RateLimitPerMin int
	AlertWebhookURL string
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func parseDurEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return def
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func clampDuration(v, min, max time.Duration) time.Duration {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildClickHouseDSN prefers CLICKHOUSE_DSN; otherwise it assembles one from
// CLICKHOUSE_HOST/DB/USER/PASS. Empty when score history is not configured.
func BuildClickHouseDSN() string {
	if dsn := env("CLICKHOUSE_DSN", ""); dsn != "" {
		return dsn
	}
	host := env("CLICKHOUSE_HOST", "")
	db := env("CLICKHOUSE_DB", "")
	if host == "" || db == "" {
		return ""
	}
	u := &url.URL{Scheme: "clickhouse", Host: host, Path: "/" + db}
	if user := env("CLICKHOUSE_USER", ""); user != "" {
		if pass := env("CLICKHOUSE_PASS", ""); pass != "" {
			u.User = url.UserPassword(user, pass)
		} else {
			u.User = url.User(user)
		}
	}
	return u.String()
}

// RedactDSN hides credentials in DSN-like URLs to avoid logging secrets.
func RedactDSN(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	if name := u.User.Username(); name != "" {
		u.User = url.UserPassword(name, "***")
	} else {
		u.User = url.User("***")
	}
	return u.String()
}

// Load reads environment variables and returns a Config with defaults applied.
func Load() Config {
	return Config{
		Port:            env("PORT", "5339"),
		RegistryBackend: strings.ToLower(env("REGISTRY_BACKEND", "postgres")),
		DatabaseURL:     env("DATABASE_URL", ""),
		ClickHouseDSN:   BuildClickHouseDSN(),

		ChainStatsProvider: strings.ToLower(env("CHAINSTATS_PROVIDER", "none")),
		ChainStatsTimeout:  clampDuration(parseDurEnv("CHAINSTATS_TIMEOUT", 5*time.Second), minChainStatsTimeout, maxChainStatsTimeout),
		BlockchairURL:      env("BLOCKCHAIR_URL", ""),
		BlockchairAPIKey:   env("BLOCKCHAIR_API_KEY", ""),
		BTCRPCHost:         env("BTC_RPC_HOST", "localhost:8332"),
		BTCRPCUser:         env("BTC_RPC_USER", ""),
		BTCRPCPass:         env("BTC_RPC_PASS", ""),

		ScoreWorkers:      clampInt(parseIntEnv("SCORE_WORKERS", 8), minScoreWorkers, maxScoreWorkers),
		BatchChunkSize:    clampInt(parseIntEnv("BATCH_CHUNK_SIZE", 100), minBatchChunk, maxBatchChunk),
		GraphDefaultLimit: clampInt(parseIntEnv("GRAPH_DEFAULT_LIMIT", 40), minGraphLimit, maxGraphLimit),
		RescanInterval:    parseDurEnv("RESCAN_INTERVAL", 0),

		AlertScoreThreshold: clampInt(parseIntEnv("ALERT_SCORE_THRESHOLD", 70), 0, 100),
		AlertCriticalScore:  clampInt(parseIntEnv("ALERT_CRITICAL_SCORE", 85), 0, 100),
		AlertEdgeWeightMin:  clampInt(parseIntEnv("ALERT_EDGE_WEIGHT_MIN", 3), 1, 1000),
		ScoringConfigFile:   env("SCORING_CONFIG_FILE", ""),

		KafkaBrokers:        splitCSV(env("KAFKA_BROKERS", "")),
		KafkaDiscoveryTopic: env("KAFKA_DISCOVERY_TOPIC", "address-discoveries"),
		KafkaAlertTopic:     env("KAFKA_ALERT_TOPIC", ""),
		KafkaGroup:          env("KAFKA_GROUP", "intel-engine"),

		APIAuthToken:    env("API_AUTH_TOKEN", ""),
		AllowedOrigins:  splitCSV(env("ALLOWED_ORIGINS", "")),
		RateLimitPerMin: clampInt(parseIntEnv("RATE_LIMIT_PER_MIN", 120), minRateLimit, maxRateLimit),
		AlertWebhookURL: env("ALERT_WEBHOOK_URL", ""),
	}
}

// Validate checks combinations Load cannot default away.
func (c Config) Validate() error {
	switch c.RegistryBackend {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when REGISTRY_BACKEND=postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown REGISTRY_BACKEND %q (want postgres or memory)", c.RegistryBackend)
	}
	switch c.ChainStatsProvider {
	case "none", "blockchair":
	case "bitcoind":
		if c.BTCRPCUser == "" || c.BTCRPCPass == "" {
			return fmt.Errorf("BTC_RPC_USER and BTC_RPC_PASS are required when CHAINSTATS_PROVIDER=bitcoind")
		}
	default:
		return fmt.Errorf("unknown CHAINSTATS_PROVIDER %q", c.ChainStatsProvider)
	}
	if c.AlertCriticalScore < c.AlertScoreThreshold {
		return fmt.Errorf("ALERT_CRITICAL_SCORE (%d) must not be below ALERT_SCORE_THRESHOLD (%d)", c.AlertCriticalScore, c.AlertScoreThreshold)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaGroup == "" {
		return fmt.Errorf("KAFKA_GROUP is required when KAFKA_BROKERS is set")
	}
	return nil
}
