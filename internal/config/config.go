// Package config loads fabric configuration from environment variables,
// adapted from the teacher's internal/config package: the database/
// redis/nats sections for an HTTP backend are replaced with the
// consensus/SMR/optimizer/JWT sections an A2A fabric node actually needs.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for a fabric node.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Cluster   ClusterConfig   `json:"cluster"`
	Consensus ConsensusConfig `json:"consensus"`
	SMR       SMRConfig       `json:"smr"`
	Optimizer OptimizerConfig `json:"optimizer"`
	Security  SecurityConfig  `json:"security"`
	Logging   LoggingConfig   `json:"logging"`
	RateLimit RateLimitConfig `json:"rate_limit"`
}

// ServerConfig holds the API server's HTTP configuration.
type ServerConfig struct {
	Port         int           `json:"port"`
	Host         string        `json:"host"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// ClusterConfig describes this node's identity and peers.
type ClusterConfig struct {
	NodeID       string            `json:"node_id"`
	ListenAddr   string            `json:"listen_addr"`
	Peers        map[string]string `json:"peers"`
	UseWebSocket bool              `json:"use_websocket"`
}

// ConsensusConfig mirrors the tunables of consensus.Config that operators
// reasonably override per deployment.
type ConsensusConfig struct {
	Algorithm           string        `json:"algorithm"` // "pbft" | "raft"
	ElectionAlgorithm   string        `json:"election_algorithm"`
	PrepareTimeout      time.Duration `json:"prepare_timeout"`
	ViewChangeTimeout   time.Duration `json:"view_change_timeout"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval"`
	ElectionTimeoutMin  time.Duration `json:"election_timeout_min"`
	ElectionTimeoutMax  time.Duration `json:"election_timeout_max"`
	MaxConsecutiveTerms int           `json:"max_consecutive_terms"`
	MaxLogEntries       int           `json:"max_log_entries"`
	SnapshotInterval    int           `json:"snapshot_interval"`
	BatchSize           int           `json:"batch_size"`
	Byzantine           bool          `json:"byzantine"`
}

// SMRConfig tunes state-machine-replication conflict resolution and
// snapshotting.
type SMRConfig struct {
	ConflictStrategy  string `json:"conflict_strategy"` // "last-writer-wins" | "vector-clock" | "consensus-based"
	ConflictWindow    int    `json:"conflict_window"`
	CheckpointInterval int   `json:"checkpoint_interval"`
	KeepSnapshots     int    `json:"keep_snapshots"`
}

// OptimizerConfig tunes the optimization layer and consensus performance
// optimizer.
type OptimizerConfig struct {
	CacheSize              int           `json:"cache_size"`
	CacheTTL               time.Duration `json:"cache_ttl"`
	BreakerFailureThreshold int          `json:"breaker_failure_threshold"`
	BreakerResetTimeout    time.Duration `json:"breaker_reset_timeout"`
	BatchSize              int           `json:"batch_size"`
	BatchMaxWait           time.Duration `json:"batch_max_wait"`
	ConsensusPipeline      bool          `json:"consensus_pipeline"`
	SpeculativeExecution   bool          `json:"speculative_execution"`
}

// SecurityConfig configures JWT identity binding.
type SecurityConfig struct {
	JWTSecret      string        `json:"jwt_secret"`
	TokenTTL       time.Duration `json:"token_ttl"`
	Issuer         string        `json:"issuer"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level string `json:"level"`
}

// RateLimitConfig contains API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

// Load loads configuration from environment variables.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         getEnvInt("PORT", 8080),
			Host:         getEnv("HOST", "0.0.0.0"),
			ReadTimeout:  time.Duration(getEnvInt("READ_TIMEOUT_SECONDS", 10)) * time.Second,
			WriteTimeout: time.Duration(getEnvInt("WRITE_TIMEOUT_SECONDS", 10)) * time.Second,
			IdleTimeout:  time.Duration(getEnvInt("IDLE_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Cluster: ClusterConfig{
			NodeID:       getEnv("NODE_ID", "node-1"),
			ListenAddr:   getEnv("LISTEN_ADDR", "0.0.0.0:7000"),
			UseWebSocket: getEnvBool("USE_WEBSOCKET", true),
		},
		Consensus: ConsensusConfig{
			Algorithm:           getEnv("CONSENSUS_ALGORITHM", "pbft"),
			ElectionAlgorithm:   getEnv("ELECTION_ALGORITHM", "hybrid"),
			PrepareTimeout:      time.Duration(getEnvInt("PREPARE_TIMEOUT_MS", 2000)) * time.Millisecond,
			ViewChangeTimeout:   time.Duration(getEnvInt("VIEW_CHANGE_TIMEOUT_MS", 5000)) * time.Millisecond,
			HeartbeatInterval:   time.Duration(getEnvInt("HEARTBEAT_INTERVAL_MS", 500)) * time.Millisecond,
			ElectionTimeoutMin:  time.Duration(getEnvInt("ELECTION_TIMEOUT_MIN_MS", 150)) * time.Millisecond,
			ElectionTimeoutMax:  time.Duration(getEnvInt("ELECTION_TIMEOUT_MAX_MS", 300)) * time.Millisecond,
			MaxConsecutiveTerms: getEnvInt("MAX_CONSECUTIVE_TERMS", 3),
			MaxLogEntries:       getEnvInt("MAX_LOG_ENTRIES", 10000),
			SnapshotInterval:    getEnvInt("SNAPSHOT_INTERVAL", 1000),
			BatchSize:           getEnvInt("CONSENSUS_BATCH_SIZE", 10),
			Byzantine:           getEnvBool("BYZANTINE_MODE", true),
		},
		SMR: SMRConfig{
			ConflictStrategy:   getEnv("SMR_CONFLICT_STRATEGY", "last-writer-wins"),
			ConflictWindow:     getEnvInt("SMR_CONFLICT_WINDOW", 10),
			CheckpointInterval: getEnvInt("SMR_CHECKPOINT_INTERVAL", 100),
			KeepSnapshots:      getEnvInt("SMR_KEEP_SNAPSHOTS", 10),
		},
		Optimizer: OptimizerConfig{
			CacheSize:               getEnvInt("OPTIMIZER_CACHE_SIZE", 1024),
			CacheTTL:                time.Duration(getEnvInt("OPTIMIZER_CACHE_TTL_MINUTES", 5)) * time.Minute,
			BreakerFailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			BreakerResetTimeout:     time.Duration(getEnvInt("BREAKER_RESET_TIMEOUT_SECONDS", 30)) * time.Second,
			BatchSize:               getEnvInt("OPTIMIZER_BATCH_SIZE", 10),
			BatchMaxWait:            time.Duration(getEnvInt("OPTIMIZER_BATCH_MAX_WAIT_MS", 100)) * time.Millisecond,
			ConsensusPipeline:       getEnvBool("CONSENSUS_PIPELINE", false),
			SpeculativeExecution:    getEnvBool("SPECULATIVE_EXECUTION", false),
		},
		Security: SecurityConfig{
			JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
			TokenTTL:  time.Duration(getEnvInt("JWT_EXPIRATION_HOURS", 24)) * time.Hour,
			Issuer:    getEnv("JWT_ISSUER", "a2a-fabric"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: getEnvInt("RATE_LIMIT_REQUESTS_PER_MINUTE", 1000),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 100),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
