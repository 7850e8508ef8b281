package logger

import (
	"log/slog"
	"os"
	"sync"

	"go.uber.org/zap"
)

var (
	mu  sync.Mutex
	def *slog.Logger
	zl  *zap.Logger
)

// New builds a logger for cfg without touching the process default.
func New(cfg Config) *slog.Logger {
	l, _ := build(cfg)
	return l
}

// Init builds a logger for cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	l, z := build(cfg)

	mu.Lock()
	def, zl = l, z
	mu.Unlock()

	slog.SetDefault(l)
	return l
}

func build(cfg Config) (*slog.Logger, *zap.Logger) {
	if cfg.Env == "" {
		cfg.Env = DetectEnv()
	}
	if cfg.Service == "" {
		cfg.Service = "app"
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	cfg.InstanceID = ensureInstanceID(cfg.InstanceID)

	if cfg.Backend == "" {
		if cfg.Env == EnvDev {
			cfg.Backend = BackendStd
		} else {
			cfg.Backend = BackendZap
		}
	}

	var (
		h slog.Handler
		z *zap.Logger
	)
	switch cfg.Backend {
	case BackendZap:
		h, z = newZapHandler(cfg)
	default:
		h = newStdHandler(cfg)
	}
	h = traceHandler{h}.WithAttrs(commonAttrs(cfg))
	return slog.New(h), z
}

func L() *slog.Logger {
	mu.Lock()
	l := def
	mu.Unlock()
	if l != nil {
		return l
	}
	return Init(Config{})
}

// Sync flushes the zap backend, if any.
func Sync() error {
	mu.Lock()
	z := zl
	mu.Unlock()
	if z == nil {
		return nil
	}
	return z.Sync()
}
