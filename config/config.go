package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all proxy configuration.
type Config struct {
	// Port is the HTTP listen port for both the RPC dispatcher and the
	// control API.
	Port int

	// DBFile is the path to the persisted routing/RSA-key/watermark
	// document. DataFolder, when DBFile is unset, is joined with
	// "state.json" to derive it.
	DBFile     string
	DataFolder string

	// Network is the chain network label advertised at GET /status.
	Network string

	// DefaultBackend is the fallback JSON-RPC upstream used whenever a
	// request's decoded `to` address has no installed route.
	DefaultBackend string

	// TopicID identifies the consensus-log topic carrying route
	// announcements.
	TopicID string

	// AccountID and PrivateKey are the log-substrate credentials. Load
	// requires both; logbus.HTTPPollClient does not send them. KeyType
	// names the key algorithm.
	AccountID  string
	PrivateKey string
	KeyType    string

	// LogBusURL is the base URL polled by logbus.HTTPPollClient.
	LogBusURL string

	// AdminJWTSecret gates POST /routes with a bearer JWT when non-empty.
	AdminJWTSecret []byte

	// ChallengeFanout bounds how many challenge rounds run concurrently
	// across distinct addresses.
	ChallengeFanout int

	// ChunkTTL, ChallengeTimeout, and DrainTimeout bound chunk
	// reassembly, a single challenge round, and graceful shutdown.
	ChunkTTL         time.Duration
	ChallengeTimeout time.Duration
	DrainTimeout     time.Duration

	// LogLevel controls the slog handler's minimum level.
	LogLevel string
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded if present (dev convenience).
func Load() (*Config, error) {
	_ = godotenv.Load() // no-op if .env absent (production uses real env vars)

	cfg := &Config{
		Port:             getEnvInt("PORT", 8080),
		DBFile:           getEnv("DB_FILE", ""),
		DataFolder:       getEnv("DATA_FOLDER", "."),
		Network:          getEnv("NETWORK", "testnet"),
		DefaultBackend:   getEnv("DEFAULT_BACKEND", "https://testnet.hashio.io/api"),
		TopicID:          getEnv("TOPIC_ID", ""),
		AccountID:        getEnv("ACCOUNT_ID", ""),
		PrivateKey:       getEnv("PRIVATE_KEY", ""),
		KeyType:          getEnv("KEY_TYPE", "ECDSA"),
		LogBusURL:        getEnv("LOGBUS_URL", ""),
		ChallengeFanout:  getEnvInt("CHALLENGE_FANOUT", 8),
		ChunkTTL:         time.Duration(getEnvInt("T_CHUNK_SECONDS", 60)) * time.Second,
		ChallengeTimeout: time.Duration(getEnvInt("T_CHAL_SECONDS", 30)) * time.Second,
		DrainTimeout:     time.Duration(getEnvInt("T_DRAIN_SECONDS", 15)) * time.Second,
		LogLevel:         getEnv("LOG_LEVEL", "info"),
	}

	if cfg.DBFile == "" {
		cfg.DBFile = cfg.DataFolder + "/state.json"
	}

	if cfg.Network != "testnet" && cfg.Network != "mainnet" {
		return nil, fmt.Errorf("NETWORK must be \"testnet\" or \"mainnet\", got %q", cfg.Network)
	}
	if cfg.KeyType != "ECDSA" && cfg.KeyType != "Ed25519" {
		return nil, fmt.Errorf("KEY_TYPE must be \"ECDSA\" or \"Ed25519\", got %q", cfg.KeyType)
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("TOPIC_ID env var is required")
	}
	if cfg.DefaultBackend == "" {
		return nil, fmt.Errorf("DEFAULT_BACKEND env var is required")
	}
	if cfg.AccountID == "" || cfg.PrivateKey == "" {
		return nil, fmt.Errorf("ACCOUNT_ID and PRIVATE_KEY env vars are required to authenticate topic subscription")
	}

	if secret := getEnv("ADMIN_JWT_SECRET", ""); secret != "" {
		cfg.AdminJWTSecret = []byte(secret)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
