// Package observability owns the process-wide zap logger. The console core
// is human oriented; when a log file is configured a JSON core is teed in
// with lumberjack rotation.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/visorlabs/visor-cli/internal/config"
)

var (
	globalLogger atomic.Pointer[zap.Logger]
	once         sync.Once
)

const colorReset = "\x1b[0m"

// colorCodes maps the names accepted by logger.colors.* to ANSI codes.
var colorCodes = map[string]string{
	"black":   "\x1b[30m",
	"red":     "\x1b[31m",
	"green":   "\x1b[32m",
	"yellow":  "\x1b[33m",
	"blue":    "\x1b[34m",
	"magenta": "\x1b[35m",
	"cyan":    "\x1b[36m",
	"white":   "\x1b[37m",
}

// Initialize builds the global logger from cfg, writing console output to
// consoleWriter. Subsequent calls are no-ops; the first configuration wins.
func Initialize(cfg config.LoggerConfig, consoleWriter zapcore.WriteSyncer) {
	once.Do(func() {
		level := zap.NewAtomicLevel()
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level.SetLevel(zap.InfoLevel)
		}

		cores := []zapcore.Core{
			zapcore.NewCore(newEncoder(cfg), consoleWriter, level),
		}
		if cfg.LogFile != "" {
			// The file core is always JSON regardless of the console format.
			fileWriter := zapcore.AddSync(&lumberjack.Logger{
				Filename:   cfg.LogFile,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   cfg.Compress,
			})
			cores = append(cores, zapcore.NewCore(
				newEncoder(config.LoggerConfig{Format: "json"}), fileWriter, level))
		}

		options := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
		if cfg.AddSource {
			options = append(options, zap.AddCaller())
		}

		logger := zap.New(zapcore.NewTee(cores...), options...).Named(cfg.ServiceName)
		globalLogger.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger is the production entry point: console output goes to a
// locked stdout.
func InitializeLogger(cfg config.LoggerConfig) {
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest clears the singleton so each test can initialize its own
// logger. Never call it outside tests.
func ResetForTest() {
	globalLogger.Store(nil)
	once = sync.Once{}
}

func levelColor(level zapcore.Level, colors config.ColorConfig) string {
	switch level {
	case zapcore.DebugLevel:
		return colorCodes[colors.Debug]
	case zapcore.InfoLevel:
		return colorCodes[colors.Info]
	case zapcore.WarnLevel:
		return colorCodes[colors.Warn]
	case zapcore.ErrorLevel:
		return colorCodes[colors.Error]
	case zapcore.DPanicLevel:
		return colorCodes[colors.DPanic]
	case zapcore.PanicLevel:
		return colorCodes[colors.Panic]
	case zapcore.FatalLevel:
		return colorCodes[colors.Fatal]
	}
	return ""
}

// newEncoder returns the encoder for cfg.Format: a single-line colorized
// console encoder, or JSON for everything else.
func newEncoder(cfg config.LoggerConfig) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")

	if cfg.Format == "console" {
		encoderConfig.EncodeLevel = func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			levelStr := strings.ToUpper(level.String())
			if color := levelColor(level, cfg.Colors); color != "" {
				enc.AppendString(color + levelStr + colorReset)
			} else {
				enc.AppendString(levelStr)
			}
		}
		// Dot-suffix the component name so "visor-cli.session." stands out
		// from the message that follows it.
		encoderConfig.EncodeName = func(loggerName string, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(loggerName + ".")
		}
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// GetLogger returns the global logger, or a named development fallback when
// initialization has not happened yet.
func GetLogger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	l.Warn("Global logger requested before initialization; using fallback.")
	return l.Named("fallback")
}

// Sync flushes buffered entries. Errors from syncing a terminal are
// expected on some platforms and suppressed.
func Sync() {
	logger := globalLogger.Load()
	if logger == nil {
		return
	}
	if err := logger.Sync(); err != nil {
		errMsg := err.Error()
		if !strings.Contains(errMsg, "sync /dev/stdout") &&
			!strings.Contains(errMsg, "invalid argument") &&
			!strings.Contains(errMsg, "operation not supported") {
			fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
		}
	}
}
