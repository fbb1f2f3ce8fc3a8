// Package log provides a factory for structured zap loggers and shared field
// helpers so every component logs with the same key names.
package log

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level, encoding and optional file sink of a logger.
type Config struct {
	Level  string // debug|info|warn|error
	Format string // json|console
	File   string // optional extra output path
}

// New creates a zap logger writing to stderr (and File when set) at the
// configured level. Unknown levels are rejected; an empty level means info.
func New(cfg Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if lvl := strings.TrimSpace(cfg.Level); lvl != "" {
		if err := level.Set(strings.ToLower(lvl)); err != nil {
			return nil, err
		}
	}

	var zcfg zap.Config
	if strings.EqualFold(strings.TrimSpace(cfg.Format), "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.MessageKey = "msg"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.OutputPaths = []string{"stderr"}
	if file := strings.TrimSpace(cfg.File); file != "" {
		zcfg.OutputPaths = append(zcfg.OutputPaths, file)
	}

	logger, err := zcfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", "gtunnel")), nil
}

// Sync flushes buffered entries. Errors from syncing a terminal are ignored.
func Sync(logger *zap.Logger) {
	if logger != nil {
		_ = logger.Sync()
	}
}

// RemoteIP returns a zap field for a caller address.
func RemoteIP(ip string) zap.Field { return zap.String("remote_ip", ip) }

// ConnID returns a zap field for a tunnel connection ID.
func ConnID(id string) zap.Field { return zap.String("conn_id", id) }

// Addr returns a zap field for a listen address.
func Addr(addr string) zap.Field { return zap.String("addr", addr) }

// Port returns a zap field for a port number.
func Port(port int) zap.Field { return zap.Int("port", port) }

// Method returns a zap field for an HTTP method.
func Method(method string) zap.Field { return zap.String("method", method) }

// Path returns a zap field for a URL path.
func Path(path string) zap.Field { return zap.String("path", path) }

// Reason returns a zap field describing why something was closed or rejected.
func Reason(reason string) zap.Field { return zap.String("reason", reason) }
