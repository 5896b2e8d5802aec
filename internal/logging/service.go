package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"smartpark-worker-go/internal/config"
	"smartpark-worker-go/internal/models"
)

// Setup configures the global logger: console output on stderr, the level from
// cfg.LogLevel, and a tee into the Logdy UI when enabled. It returns the Logdy URL, if any.
func Setup(cfg *config.Config) string {
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var logdyURL string
	if cfg.LogdyEnabled {
		w, url, lerr := StartLogdy(cfg)
		if lerr == nil {
			out = zerolog.MultiLevelWriter(out, w)
			logdyURL = url
		}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("Invalid log level, using info")
	}
	if logdyURL != "" {
		log.Info().Str("url", logdyURL).Msg("Logdy UI available")
	}
	return logdyURL
}

// NewServiceLogger derives a logger from the global one tagged with the worker id and service name
func NewServiceLogger(cfg *config.Config, service string) zerolog.Logger {
	return log.With().Str("worker_id", cfg.WorkerID).Str("service", service).Logger()
}

// WithZone tags log lines about a single parking zone
func WithZone(base zerolog.Logger, zoneCode string) zerolog.Logger {
	return base.With().Str("zone", zoneCode).Logger()
}

// WithMode tags log lines with the detection mode that produced them
func WithMode(base zerolog.Logger, mode models.DetectionMode) zerolog.Logger {
	return base.With().Str("mode", mode.String()).Logger()
}
