package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"LoopIn/internal/config"
)

// createRotatingLogger 按配置创建滚动日志文件
func createRotatingLogger(logFilePath string, cfg config.LoggerConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
	}
}

// ParseLevel 未识别的级别按 INFO 处理
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR", "FATAL":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New 根据配置构建 logger，writer 为输出目标
func New(cfg config.LoggerConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Setup 同时输出到 stdout 与滚动日志文件，并设为默认 logger
func Setup(cfg config.LoggerConfig) (*slog.Logger, io.Closer, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if cfg.Directory != "" {
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotating := createRotatingLogger(filepath.Join(cfg.Directory, "loopin.log"), cfg)
		w = io.MultiWriter(os.Stdout, rotating)
		closer = rotating
	}

	l := New(cfg, w)
	slog.SetDefault(l)
	l.Info("logging initialized", slog.String("directory", cfg.Directory), slog.String("level", cfg.Level))
	return l, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Discard 丢弃所有输出，测试使用
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
