package config

import (
	"os"
	"strings"
	"time"
)

const (
	defaultHTTPAddr              = ":8099"
	defaultDevicesFile           = "/data/devices.yaml"
	defaultConfigRefreshInterval = 20 * time.Second
	defaultShutdownTimeout       = 15 * time.Second
	defaultMQTTTopicPrefix       = "ser"
	defaultMQTTClientID          = "ser-gateway"
	defaultKafkaTopic            = "ser-events"
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr              string
	DevicesFile           string
	ConfigRefreshInterval time.Duration
	ShutdownTimeout       time.Duration
	LogLevel              string
	LogFormat             string

	MQTT  MQTTConfig
	Kafka KafkaConfig
}

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Retain      bool
}

// Enabled reports whether tag updates should be mirrored to a broker.
func (c MQTTConfig) Enabled() bool {
	return c.BrokerURL != ""
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

// Load builds Config from environment variables using stable defaults.
func Load() Config {
	return Config{
		HTTPAddr:              getenv("HTTP_ADDR", defaultHTTPAddr),
		DevicesFile:           getenv("DEVICES_FILE", defaultDevicesFile),
		ConfigRefreshInterval: parseDuration("CONFIG_REFRESH_INTERVAL", defaultConfigRefreshInterval),
		ShutdownTimeout:       parseDuration("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		LogLevel:              strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getenv("LOG_FORMAT", "json")),
		MQTT: MQTTConfig{
			BrokerURL:   getenv("MQTT_BROKER_URL", ""),
			ClientID:    getenv("MQTT_CLIENT_ID", defaultMQTTClientID),
			Username:    getenv("MQTT_USERNAME", ""),
			Password:    getenv("MQTT_PASSWORD", ""),
			TopicPrefix: getenv("MQTT_TOPIC_PREFIX", defaultMQTTTopicPrefix),
			Retain:      parseBool("MQTT_RETAIN", true),
		},
		Kafka: KafkaConfig{
			Brokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:   getenv("KAFKA_TOPIC", defaultKafkaTopic),
		},
	}
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
