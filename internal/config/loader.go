// Package config loads the session tuning parameters that configure an
// internal/ha.Client: queue sizes and timeouts, read from an optional
// YAML file and overridable by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// SessionConfig is the on-disk shape of session_config.yaml. Any field
// left zero falls back to internal/ha.DefaultConfig's value.
type SessionConfig struct {
	SocketTimeoutMs    int `yaml:"socket_timeout_ms"`
	ChannelCapacity    int `yaml:"channel_capacity"`
	ReceiveBufferBytes int `yaml:"receive_buffer_bytes"`
	MaxCloseWaitMs     int `yaml:"max_close_wait_ms"`
}

// Loader reads session_config.yaml from a directory and applies
// HA_SOCKET_TIMEOUT_MS/HA_CHANNEL_CAPACITY/HA_RECEIVE_BUFFER_BYTES/
// HA_MAX_CLOSE_WAIT_MS environment overrides on top.
type Loader struct {
	configDir string
	logger    *zap.Logger
	session   SessionConfig
}

// NewLoader creates a new configuration loader rooted at configDir.
func NewLoader(configDir string, logger *zap.Logger) *Loader {
	return &Loader{configDir: configDir, logger: logger}
}

// LoadAll loads session_config.yaml if present, then applies environment
// overrides. A missing file is not an error: defaults (and any env
// overrides) still apply.
func (l *Loader) LoadAll() error {
	path := l.configDir + "/session_config.yaml"
	l.logger.Debug("loading session config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read session config: %w", err)
		}
		l.logger.Debug("no session_config.yaml found, using defaults")
	} else {
		var cfg SessionConfig
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("failed to parse session config: %w", err)
		}
		l.session = cfg
	}

	l.applyEnvOverrides()
	l.logger.Info("session config loaded", zap.Any("config", l.session))
	return nil
}

func (l *Loader) applyEnvOverrides() {
	overrideInt(&l.session.SocketTimeoutMs, "HA_SOCKET_TIMEOUT_MS", l.logger)
	overrideInt(&l.session.ChannelCapacity, "HA_CHANNEL_CAPACITY", l.logger)
	overrideInt(&l.session.ReceiveBufferBytes, "HA_RECEIVE_BUFFER_BYTES", l.logger)
	overrideInt(&l.session.MaxCloseWaitMs, "HA_MAX_CLOSE_WAIT_MS", l.logger)
}

func overrideInt(dst *int, envVar string, logger *zap.Logger) {
	raw, ok := os.LookupEnv(envVar)
	if !ok {
		return
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("ignoring malformed env override", zap.String("var", envVar), zap.String("value", raw))
		return
	}
	*dst = val
}

// SessionConfig returns the loaded configuration.
func (l *Loader) SessionConfig() SessionConfig {
	return l.session
}

// SocketTimeout returns the configured socket timeout, or fallback if
// unset.
func (c SessionConfig) SocketTimeout(fallback time.Duration) time.Duration {
	if c.SocketTimeoutMs <= 0 {
		return fallback
	}
	return time.Duration(c.SocketTimeoutMs) * time.Millisecond
}

// MaxCloseWait returns the configured max close wait, or fallback if
// unset.
func (c SessionConfig) MaxCloseWait(fallback time.Duration) time.Duration {
	if c.MaxCloseWaitMs <= 0 {
		return fallback
	}
	return time.Duration(c.MaxCloseWaitMs) * time.Millisecond
}
