// Package config reads the relay's environment configuration. All knobs are
// plain environment variables with typed fallbacks; unparseable values fall
// back to the default with a warning rather than aborting startup.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultHTTPPort serves the control API, WebSocket paths, and
	// signaling hub.
	DefaultHTTPPort = 8000
	// DefaultQUICPort carries the QUIC and WebTransport listeners.
	DefaultQUICPort = 4437
	// DefaultMQTTPort is the conventional broker port used when
	// MQTT_BROKER names a host without one.
	DefaultMQTTPort = 1883

	defaultCertFile = "/etc/letsencrypt/live/trainlink/fullchain.pem"
	defaultKeyFile  = "/etc/letsencrypt/live/trainlink/privkey.pem"
)

// Config is the relay's environment-derived settings.
type Config struct {
	Host     string
	HTTPPort int
	QUICPort int

	// MQTTBroker is the broker host; empty disables the MQTT bridge.
	MQTTBroker string
	MQTTPort   int

	TLSCertFile string
	TLSKeyFile  string

	LogLevel    string
	SpeedtestMB int
}

// FromEnv builds a Config from the process environment.
func FromEnv() *Config {
	return &Config{
		Host:        envString("HOST", "0.0.0.0"),
		HTTPPort:    envInt("FAST_API_PORT", DefaultHTTPPort),
		QUICPort:    envInt("QUIC_PORT", DefaultQUICPort),
		MQTTBroker:  envString("MQTT_BROKER", ""),
		MQTTPort:    envInt("MQTT_PORT", DefaultMQTTPort),
		TLSCertFile: envString("TLS_CERT_FILE", defaultCertFile),
		TLSKeyFile:  envString("TLS_KEY_FILE", defaultKeyFile),
		LogLevel:    envString("LOG_LEVEL", "info"),
		SpeedtestMB: envInt("SPEEDTEST_SIZE_MB", 8),
	}
}

// HTTPAddr returns the host:port the HTTP listener binds.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.HTTPPort))
}

// QUICAddr returns the host:port the QUIC listener binds.
func (c *Config) QUICAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.QUICPort))
}

// MQTTBrokerURL returns the paho broker URL, or empty when the bridge is
// disabled.
func (c *Config) MQTTBrokerURL() string {
	if c.MQTTBroker == "" {
		return ""
	}
	return fmt.Sprintf("tcp://%s", net.JoinHostPort(c.MQTTBroker, strconv.Itoa(c.MQTTPort)))
}

// ParseLogLevel maps LOG_LEVEL onto a logrus level, defaulting to info on
// unknown values.
func (c *Config) ParseLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "ParseLogLevel",
			"value":    c.LogLevel,
		}).Warn("Unknown LOG_LEVEL, using info")
		return logrus.InfoLevel
	}
	return level
}

func envString(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "envInt",
			"key":      key,
			"value":    value,
		}).Warn("Unparseable integer in environment, using default")
		return fallback
	}
	return parsed
}
