package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "DEVICES_FILE", "CONFIG_REFRESH_INTERVAL", "LOG_LEVEL", "MQTT_BROKER_URL", "KAFKA_BROKERS"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, ":8099", cfg.HTTPAddr)
	assert.Equal(t, "/data/devices.yaml", cfg.DevicesFile)
	assert.Equal(t, 20*time.Second, cfg.ConfigRefreshInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.MQTT.Enabled())
	assert.False(t, cfg.Kafka.Enabled())
	assert.Equal(t, "ser-events", cfg.Kafka.Topic)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9000")
	t.Setenv("CONFIG_REFRESH_INTERVAL", "1m")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MQTT_BROKER_URL", "tcp://broker:1883")
	t.Setenv("MQTT_RETAIN", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")

	cfg := Load()
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, time.Minute, cfg.ConfigRefreshInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.MQTT.Enabled())
	assert.False(t, cfg.MQTT.Retain)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestInvalidDurationFallsBack(t *testing.T) {
	t.Setenv("CONFIG_REFRESH_INTERVAL", "soon")
	assert.Equal(t, 20*time.Second, Load().ConfigRefreshInterval)
}
