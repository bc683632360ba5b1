package obs

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// LogConfig selects the level and output format of the shared logger.
type LogConfig struct {
	Level   string
	Format  string // "json" or "console"
	Service string
}

var (
	loggerMu sync.RWMutex
	logger   = newLogger(os.Stdout, LogConfig{Level: "info", Format: "json", Service: "cwp-auth"})
	logCfg   = LogConfig{Level: "info", Format: "json", Service: "cwp-auth"}
)

// InitLogger replaces the shared logger according to cfg.
func InitLogger(cfg LogConfig) {
	if cfg.Service == "" {
		cfg.Service = "cwp-auth"
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logCfg = cfg
	logger = newLogger(os.Stdout, cfg)
}

// SetOutput redirects the shared logger, keeping the configured level. Tests use it to capture lines.
func SetOutput(w io.Writer) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	cfg := logCfg
	cfg.Format = "json"
	logger = newLogger(w, cfg)
}

// Logger returns the shared structured logger used across the service.
func Logger() *zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	l := logger
	return &l
}

// Component returns the shared logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

func newLogger(w io.Writer, cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	out := w
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()
}
