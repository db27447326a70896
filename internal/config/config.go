// Package config provides configuration for a fleet node.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds the node configuration.
type Config struct {
	// Identity
	NodeID  string
	GroupID string

	// Database
	DatabaseURL string

	// Transport gateway
	UDPListenAddr        string
	HookVersion          string
	RequestTimeout       time.Duration
	MaxPendingPerCommand int

	// Election
	PollInterval time.Duration

	// Service bus relay
	BusTransport     string // "rpc" or "nats"
	BusListenAddr    string
	BusAdvertiseAddr string
	NATSURL          string

	// Control surface, served by the master only
	HTTPPort int

	// Last-known server configuration; empty keeps it in memory
	SnapshotDir string

	// Observability
	TraceStdout bool
	LogLevel    string
	LogFormat   string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		NodeID:               getEnv("NODE_ID", hostname()),
		GroupID:              getEnv("GROUP_ID", "default"),
		DatabaseURL:          getEnv("DATABASE_URL", "file:fleet.db?cache=shared&mode=rwc"),
		UDPListenAddr:        getEnv("UDP_LISTEN_ADDR", "127.0.0.1:10042"),
		HookVersion:          getEnv("HOOK_VERSION", "3.0"),
		RequestTimeout:       time.Duration(getEnvInt("REQUEST_TIMEOUT_MS", 10000)) * time.Millisecond,
		MaxPendingPerCommand: getEnvInt("MAX_PENDING_PER_COMMAND", 256),
		PollInterval:         time.Duration(getEnvInt("POLL_INTERVAL_MS", 1000)) * time.Millisecond,
		BusTransport:         getEnv("BUS_TRANSPORT", "rpc"),
		BusListenAddr:        getEnv("BUS_LISTEN_ADDR", ":8071"),
		BusAdvertiseAddr:     getEnv("BUS_ADVERTISE_ADDR", ""),
		NATSURL:              getEnv("NATS_URL", "nats://localhost:4222"),
		HTTPPort:             getEnvInt("HTTP_PORT", 8070),
		SnapshotDir:          getEnv("SNAPSHOT_DIR", ""),
		TraceStdout:          getEnvBool("TRACE_STDOUT", false),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}
	return cfg
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "node"
	}
	return name
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
