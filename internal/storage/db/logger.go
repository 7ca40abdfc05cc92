package db

import (
	"context"
	"errors"
	"time"

	"github.com/vanhao1997/unified-pixel-inspector/internal/logger"

	"gorm.io/gorm"
	glog "gorm.io/gorm/logger"
)

// SlowThreshold 慢查询阈值
const SlowThreshold = 200 * time.Millisecond

// Logger GORM 日志适配器，对接项目统一日志
type Logger struct {
	internalLogger logger.Logger
	LogLevel       glog.LogLevel
}

// NewLogger 创建 GORM 日志适配器，默认只输出警告与错误
func NewLogger(l logger.Logger) *Logger {
	if l == nil {
		l = logger.NewNop()
	}
	return &Logger{
		internalLogger: l.With("component", "sqlite"),
		LogLevel:       glog.Warn,
	}
}

// LogMode 实现 logger.Interface 接口
func (l *Logger) LogMode(level glog.LogLevel) glog.Interface {
	newLogger := *l
	newLogger.LogLevel = level
	return &newLogger
}

// Info 打印 info 级别日志
func (l *Logger) Info(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Info {
		l.internalLogger.Info(msg, data...)
	}
}

// Warn 打印 warn 级别日志
func (l *Logger) Warn(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Warn {
		l.internalLogger.Warn(msg, data...)
	}
}

// Error 打印 error 级别日志
func (l *Logger) Error(_ context.Context, msg string, data ...any) {
	if l.LogLevel >= glog.Error {
		l.internalLogger.Error(msg, data...)
	}
}

// Trace 打印 SQL 执行详情，记录不存在不视为错误
func (l *Logger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= glog.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	fields := []any{
		"sql", sql,
		"rows", rows,
		"timeMs", float64(elapsed.Nanoseconds()) / 1e6,
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound) && l.LogLevel >= glog.Error:
		l.internalLogger.Err(err, "SQL执行错误", fields...)
	case elapsed > SlowThreshold && l.LogLevel >= glog.Warn:
		l.internalLogger.Warn("慢SQL查询", append(fields, "threshold", SlowThreshold.String())...)
	case l.LogLevel == glog.Info:
		l.internalLogger.Debug("SQL执行", fields...)
	}
}
