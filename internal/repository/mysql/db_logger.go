package mysql

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// GormLogger 把 gorm 日志转到 slog
type GormLogger struct {
	log                       *slog.Logger
	LogLevel                  logger.LogLevel
	SlowThreshold             time.Duration
	IgnoreRecordNotFoundError bool
}

func NewGormLogger(l *slog.Logger, level string) logger.Interface {
	if l == nil {
		l = slog.Default()
	}
	var logLevel logger.LogLevel
	switch level {
	case "SILENT":
		logLevel = logger.Silent
	case "DEBUG", "INFO":
		logLevel = logger.Info
	case "ERROR", "FATAL":
		logLevel = logger.Error
	default:
		logLevel = logger.Warn
	}
	return &GormLogger{
		log:                       l.With(slog.String("component", "gorm")),
		LogLevel:                  logLevel,
		SlowThreshold:             200 * time.Millisecond,
		IgnoreRecordNotFoundError: true,
	}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Info {
		l.log.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Warn {
		l.log.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.LogLevel >= logger.Error {
		l.log.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace 记录 SQL 执行情况
func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{
		slog.String("source", utils.FileWithLineNum()),
		slog.Float64("elapsed_ms", float64(elapsed.Nanoseconds())/1e6),
		slog.Int64("rows", rows),
		slog.String("sql", sql),
	}

	switch {
	case err != nil && l.LogLevel >= logger.Error && (!errors.Is(err, gorm.ErrRecordNotFound) || !l.IgnoreRecordNotFoundError):
		l.log.ErrorContext(ctx, "sql error", append(attrs, slog.String("error", err.Error()))...)
	case elapsed > l.SlowThreshold && l.SlowThreshold != 0 && l.LogLevel >= logger.Warn:
		l.log.WarnContext(ctx, "slow sql", append(attrs, slog.Duration("threshold", l.SlowThreshold))...)
	case l.LogLevel == logger.Info:
		l.log.DebugContext(ctx, "sql", attrs...)
	}
}
