package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vespatrades/scalping-bot/internal/config"
)

// New builds the process logger. The configured level is one of
// none/error/warn/info/debug/verbose; verbose maps onto zap's debug level
// and additionally flips Verbose() for per-tick diagnostics.
func New(cfg config.LoggingConfig) *zap.Logger {
	level := strings.ToLower(strings.TrimSpace(cfg.Level))
	if level == "none" {
		return zap.NewNop()
	}
	zapCfg := zap.NewProductionConfig()
	switch level {
	case "error":
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	case "warn":
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "debug", "verbose":
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	default:
		zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Verbose reports whether per-tick diagnostics should be emitted.
func Verbose(cfg config.LoggingConfig) bool {
	return strings.EqualFold(strings.TrimSpace(cfg.Level), "verbose")
}
