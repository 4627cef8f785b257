package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetters(t *testing.T) {
	t.Setenv("POS_STR", "value")
	t.Setenv("POS_INT", "42")
	t.Setenv("POS_BAD_INT", "forty")
	t.Setenv("POS_DUR", "250ms")
	t.Setenv("POS_BOOL", "true")
	t.Setenv("POS_LIST", "a:9092, b:9092,,")

	assert.Equal(t, "value", GetEnv("POS_STR", "x"))
	assert.Equal(t, "x", GetEnv("POS_MISSING", "x"))
	assert.Equal(t, 42, GetInt("POS_INT", 1))
	assert.Equal(t, 1, GetInt("POS_BAD_INT", 1))
	assert.Equal(t, 250*time.Millisecond, GetDuration("POS_DUR", time.Second))
	assert.Equal(t, time.Second, GetDuration("POS_MISSING", time.Second))
	assert.True(t, GetBool("POS_BOOL", false))
	assert.Equal(t, []string{"a:9092", "b:9092"}, GetList("POS_LIST", ""))
}

func TestLoadSalesDefaults(t *testing.T) {
	t.Setenv("POSTGRES_PORT", "6543")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := LoadSales()
	assert.Equal(t, 6543, cfg.Postgres.Port)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "pos-sales", cfg.KafkaTopic)
	assert.Equal(t, "9090", cfg.GRPCPort)
}

func TestLoadTerminalTransport(t *testing.T) {
	cfg := LoadTerminal()
	assert.Equal(t, TransportGRPC, cfg.BackendTransport)
	assert.Equal(t, "localhost:9090", cfg.BackendGRPCAddr)

	t.Setenv("SALES_SERVICE_TRANSPORT", "HTTP")
	t.Setenv("SALES_SERVICE_URL", "http://sales:8080")
	cfg = LoadTerminal()
	assert.Equal(t, TransportHTTP, cfg.BackendTransport)
	assert.Equal(t, "http://sales:8080", cfg.BackendURL)
}
