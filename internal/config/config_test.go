package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadAppliesDefaultsWithNoEnv(t *testing.T) {
	cfg := Load()
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "pbft", cfg.Consensus.Algorithm)
	assert.Equal(t, "hybrid", cfg.Consensus.ElectionAlgorithm)
	assert.Equal(t, 10, cfg.SMR.ConflictWindow)
	assert.Equal(t, 5*time.Minute, cfg.Optimizer.CacheTTL)
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	os.Setenv("PORT", "9090")
	os.Setenv("CONSENSUS_ALGORITHM", "raft")
	os.Setenv("BYZANTINE_MODE", "false")
	defer os.Unsetenv("PORT")
	defer os.Unsetenv("CONSENSUS_ALGORITHM")
	defer os.Unsetenv("BYZANTINE_MODE")

	cfg := Load()
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "raft", cfg.Consensus.Algorithm)
	assert.False(t, cfg.Consensus.Byzantine)
}
