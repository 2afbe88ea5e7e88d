package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Env           string
	Port          string
	APIKey        string
	AllowedOrigin string
	// OpenAI reasoning
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	Model              string
	Reasoner           string
	PromptFile         string
	HistoryTokenBudget int
	// Dialogue state persistence
	Store       string
	StorePath   string
	DatabaseURL string
	// Sports data
	SportsProvider string
	SportsAPIKey   string
	SportsAPIURL   string
	SportsSeason   int
	// Turn handling
	TurnTimeout  time.Duration
	MaxToolSteps int
	// Coordination and events
	LockBackend string
	RedisAddr   string
	Events      string
	EventsTopic string
	// Logging
	LogLevel  string
	LogFormat string
}

func Load() Config {
	_ = godotenv.Load()
	cfg := Config{
		Env:                getEnvDefault("ENV", "DEV"),
		Port:               getEnvDefault("PORT", "8080"),
		APIKey:             os.Getenv("API_KEY"),
		AllowedOrigin:      getEnvDefault("ALLOWED_ORIGIN", "*"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		Model:              getEnvDefault("OPENAI_MODEL", "gpt-4o-mini"),
		Reasoner:           strings.ToLower(getEnvDefault("REASONER", "openai")),
		PromptFile:         os.Getenv("PROMPT_FILE"),
		HistoryTokenBudget: getEnvIntDefault("HISTORY_TOKEN_BUDGET", 3000),
		Store:              strings.ToLower(getEnvDefault("STORE", "memory")),
		StorePath:          getEnvDefault("STORE_PATH", "data/conversations.db"),
		DatabaseURL:        os.Getenv("DB_URL"),
		SportsProvider:     strings.ToLower(getEnvDefault("SPORTS_PROVIDER", "apisports")),
		SportsAPIKey:       os.Getenv("SPORTS_API_KEY"),
		SportsAPIURL:       getEnvDefault("SPORTS_API_URL", "https://v3.football.api-sports.io"),
		SportsSeason:       getEnvIntDefault("SPORTS_SEASON", CurrentSeason(time.Now().UTC())),
		TurnTimeout:        getEnvDurationDefault("TURN_TIMEOUT", 30*time.Second),
		MaxToolSteps:       getEnvIntDefault("MAX_TOOL_STEPS", 3),
		LockBackend:        strings.ToLower(getEnvDefault("LOCK_BACKEND", "local")),
		RedisAddr:          getEnvDefault("REDIS_ADDR", "localhost:6379"),
		Events:             strings.ToLower(getEnvDefault("EVENTS", "none")),
		EventsTopic:        getEnvDefault("EVENTS_TOPIC", "predix.turns"),
		LogLevel:           getEnvDefault("LOG_LEVEL", "info"),
		LogFormat:          getEnvDefault("LOG_FORMAT", "console"),
	}
	if cfg.OpenAIAPIKey == "" && cfg.Reasoner == "openai" {
		log.Warn().Msg("OPENAI_API_KEY is not set; set REASONER=heuristic for offline use")
	}
	return cfg
}

// Validate reports configuration that cannot produce a working server.
func (c Config) Validate() error {
	switch c.Reasoner {
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("REASONER=openai requires OPENAI_API_KEY")
		}
	case "heuristic":
	default:
		return fmt.Errorf("unknown REASONER %q", c.Reasoner)
	}
	switch c.Store {
	case "memory":
	case "bolt", "sqlite":
		if c.StorePath == "" {
			return fmt.Errorf("STORE=%s requires STORE_PATH", c.Store)
		}
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("STORE=postgres requires DB_URL")
		}
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	switch c.SportsProvider {
	case "apisports":
		if c.SportsAPIKey == "" {
			return fmt.Errorf("SPORTS_PROVIDER=apisports requires SPORTS_API_KEY")
		}
	case "mock", "unavailable":
	default:
		return fmt.Errorf("unknown SPORTS_PROVIDER %q", c.SportsProvider)
	}
	switch c.LockBackend {
	case "local":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("LOCK_BACKEND=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.Events {
	case "none", "gochannel":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("EVENTS=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("unknown EVENTS %q", c.Events)
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("TURN_TIMEOUT must be positive")
	}
	if c.MaxToolSteps < 1 {
		return fmt.Errorf("MAX_TOOL_STEPS must be at least 1")
	}
	return nil
}

// CurrentSeason returns the starting year of the football season containing t.
// Seasons roll over in July.
func CurrentSeason(t time.Time) int {
	if t.Month() >= time.July {
		return t.Year()
	}
	return t.Year() - 1
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntDefault(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring non-integer env value")
	}
	return def
}

func getEnvDurationDefault(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		log.Warn().Str("key", key).Str("value", v).Msg("ignoring invalid duration env value")
	}
	return def
}
