// Package logging 构建编译引擎使用的 zap 日志记录器
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/dc0d/onexit"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/tierjit/internal/config"
)

// 组件名
const (
	Engine = "engine"
	Queue  = "queue"
	OSR    = "osr"
	Trace  = "trace"
)

// 环境变量 TIERJIT_DEBUG=1 时强制使用 debug 级别
const debugEnv = "TIERJIT_DEBUG"

// New 根据日志配置创建记录器
func New(opts config.LogOptions) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(levelName(opts.Level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	if debug := os.Getenv(debugEnv); debug == "1" || debug == "true" || debug == "on" {
		level.SetLevel(zapcore.DebugLevel)
	}

	encoding := strings.ToLower(opts.Encoding)
	if encoding == "" {
		encoding = "console"
	}
	if encoding != "console" && encoding != "json" {
		return nil, fmt.Errorf("invalid log encoding %q", opts.Encoding)
	}

	output := opts.Output
	if output == "" {
		output = "stderr"
	}

	cfg := zap.Config{
		Level:            level,
		Encoding:         encoding,
		EncoderConfig:    encoderConfig(encoding),
		OutputPaths:      []string{output},
		ErrorOutputPaths: []string{"stderr"},
	}
	return cfg.Build()
}

// Nop 返回丢弃所有输出的记录器
func Nop() *zap.Logger {
	return zap.NewNop()
}

var flushOnce sync.Once

// FlushOnExit 在进程退出时刷新日志缓冲
func FlushOnExit(logger *zap.Logger) {
	flushOnce.Do(func() {
		onexit.Register(func() {
			_ = logger.Sync()
		})
	})
}

func levelName(level string) string {
	if level == "" {
		return "info"
	}
	return strings.ToLower(level)
}

func encoderConfig(encoding string) zapcore.EncoderConfig {
	if encoding == "json" {
		return zap.NewProductionEncoderConfig()
	}
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	return cfg
}
