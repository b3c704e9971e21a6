// Package logger builds the zap loggers used by every component.
//
// Levels and encoding can be set from the environment:
//   - MINIPEER_LOG_LEVEL:  debug, info, warn, error (default info)
//   - MINIPEER_LOG_FORMAT: json or console (default json)
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	EnvLevel  = "MINIPEER_LOG_LEVEL"
	EnvFormat = "MINIPEER_LOG_FORMAT"
)

// Config selects the level and output encoding.
type Config struct {
	Level       zapcore.Level
	Encoding    string // "json" or "console"
	Development bool
}

// DefaultConfig logs info and above as JSON.
func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel, Encoding: "json"}
}

// ConfigFromEnv starts from DefaultConfig and applies the environment.
// Unparseable values are ignored.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(strings.ToLower(v))); err == nil {
			cfg.Level = lvl
		}
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvFormat))) {
	case "console", "text":
		cfg.Encoding = "console"
	case "json":
		cfg.Encoding = "json"
	}
	return cfg
}

// New builds a logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(cfg.Level)
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}

// Init builds a logger from the environment and installs it as zap's global
// logger, which components fall back to when no logger is configured.
// Call this once at program startup.
func Init() (*zap.Logger, error) {
	l, err := New(ConfigFromEnv())
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(l)
	return l, nil
}

// Named returns l.Named(name), or the global logger's when l is nil.
func Named(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		l = zap.L()
	}
	return l.Named(name)
}
