package config

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestFromEnvDefaults(t *testing.T) {
	// Empty values read as unset, so this also isolates the test from the
	// host environment.
	for _, key := range []string{
		"HOST", "FAST_API_PORT", "QUIC_PORT", "MQTT_BROKER", "MQTT_PORT",
		"TLS_CERT_FILE", "TLS_KEY_FILE", "LOG_LEVEL", "SPEEDTEST_SIZE_MB",
	} {
		t.Setenv(key, "")
	}

	cfg := FromEnv()

	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, DefaultQUICPort, cfg.QUICPort)
	assert.Equal(t, DefaultMQTTPort, cfg.MQTTPort)
	assert.Empty(t, cfg.MQTTBroker)
	assert.Equal(t, 8, cfg.SpeedtestMB)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HOST", "10.0.0.5")
	t.Setenv("FAST_API_PORT", "9000")
	t.Setenv("QUIC_PORT", "4444")
	t.Setenv("MQTT_BROKER", "broker.local")
	t.Setenv("SPEEDTEST_SIZE_MB", "16")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := FromEnv()

	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 9000, cfg.HTTPPort)
	assert.Equal(t, 4444, cfg.QUICPort)
	assert.Equal(t, "broker.local", cfg.MQTTBroker)
	assert.Equal(t, 16, cfg.SpeedtestMB)
	assert.Equal(t, logrus.DebugLevel, cfg.ParseLogLevel())
}

func TestUnparseableIntFallsBack(t *testing.T) {
	t.Setenv("FAST_API_PORT", "not-a-port")

	cfg := FromEnv()
	assert.Equal(t, DefaultHTTPPort, cfg.HTTPPort)
}

func TestAddrHelpers(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", HTTPPort: 8000, QUICPort: 4437}

	assert.Equal(t, "127.0.0.1:8000", cfg.HTTPAddr())
	assert.Equal(t, "127.0.0.1:4437", cfg.QUICAddr())
}

func TestMQTTBrokerURL(t *testing.T) {
	cfg := &Config{MQTTBroker: "", MQTTPort: 1883}
	assert.Empty(t, cfg.MQTTBrokerURL())

	cfg.MQTTBroker = "broker.local"
	assert.Equal(t, "tcp://broker.local:1883", cfg.MQTTBrokerURL())
}

func TestParseLogLevelUnknownIsInfo(t *testing.T) {
	cfg := &Config{LogLevel: "shouting"}
	assert.Equal(t, logrus.InfoLevel, cfg.ParseLogLevel())
}
