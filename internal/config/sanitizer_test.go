package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeRedactsCredentials(t *testing.T) {
	cfg := &Config{
		Database: DatabaseConfig{Password: "secret123"},
		Redis:    RedisConfig{Password: "redispass"},
		Neo4j:    Neo4jConfig{Password: "neo4jpass"},
		LLM:      LLMConfig{DeepseekAPIKey: "sk-1234567890"},
	}

	sanitized := Sanitize(cfg)

	require.Equal(t, redactionValue, sanitized.Database.Password)
	require.Equal(t, redactionValue, sanitized.Redis.Password)
	require.Equal(t, redactionValue, sanitized.Neo4j.Password)
	require.Equal(t, redactionValue, sanitized.LLM.DeepseekAPIKey)

	require.Equal(t, "secret123", cfg.Database.Password, "Sanitize must not mutate the original config")
}

func TestSanitizeLeavesEmptyCredentialsEmpty(t *testing.T) {
	cfg := &Config{}
	sanitized := Sanitize(cfg)
	require.Empty(t, sanitized.Database.Password)
	require.Empty(t, sanitized.Redis.Password)
}

func TestSanitizeNilConfig(t *testing.T) {
	require.Nil(t, Sanitize(nil))
}
