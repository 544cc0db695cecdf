// Package logging builds the zap loggers used by flock processes.
//
// Every line is tagged with the emitting process: "M" for the supervisor
// and "W-<id>" for worker <id>, so the interleaved output of a cluster
// sharing one terminal stays readable.
package logging

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RoleSupervisor tags supervisor log lines.
const RoleSupervisor = "M"

// WorkerRole returns the tag for worker id.
func WorkerRole(id int) string { return "W-" + strconv.Itoa(id) }

// New returns a logger at level. The development environment gets a
// colored console encoder, anything else JSON.
func New(level, env, role string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}

	var cfg zap.Config
	if env == "development" {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return WithRole(logger, role), nil
}

// WithRole tags every entry of l with the process role.
func WithRole(l *zap.Logger, role string) *zap.Logger {
	if role == "" {
		return l
	}
	return l.With(zap.String("proc", role))
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger { return zap.NewNop() }
