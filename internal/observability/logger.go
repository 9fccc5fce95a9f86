package observability

import (
	"log/slog"
	"os"
	"strings"

	"github.com/orbit-ai/orbit/internal/config"
)

// SetupLogger configures a JSON slog logger with service fields. The level
// comes from logging.level when set, otherwise debug in dev and info
// elsewhere.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: resolveLevel(cfg)}
	h := slog.NewJSONHandler(os.Stdout, opts)
	logger := slog.New(h).With(
		slog.String("service", cfg.Observability.ServiceName),
		slog.String("env", cfg.General.AppEnv),
	)
	return logger
}

func resolveLevel(cfg config.Config) slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if cfg.IsDev() || cfg.VerboseEnabled() {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
