package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"abusedesk/backend/internal/config"
)

// Config 日志配置
type Config struct {
	Level       string
	Development bool   // 控制台编码，Error 级别附带堆栈
	Service     string // 附加到每条日志的服务名

	// 日志文件，留空只输出到标准输出
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// 每秒同一消息先记录 SampleInitial 条，之后每 SampleThereafter 条记录一条；
	// SampleInitial 为 0 时不采样。逐封邮件的日志在摄取高峰时依赖采样限流。
	SampleInitial    int
	SampleThereafter int
}

// FromConfig 由系统配置构造日志配置
func FromConfig(cfg config.LogConfig, service string) Config {
	return Config{
		Level:            cfg.Level,
		Development:      cfg.Development,
		Service:          service,
		File:             cfg.File,
		MaxSizeMB:        cfg.MaxSizeMB,
		MaxBackups:       cfg.MaxBackups,
		MaxAgeDays:       cfg.MaxAgeDays,
		Compress:         cfg.Compress,
		SampleInitial:    cfg.SampleInitial,
		SampleThereafter: cfg.SampleThereafter,
	}
}

// NewLogger 创建日志记录器
//
// 开发模式使用控制台编码，否则输出 JSON；配置了文件时经 lumberjack 轮转写入，
// 同时输出到标准输出。
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	sink, err := openSink(cfg)
	if err != nil {
		return nil, err
	}

	var core zapcore.Core = zapcore.NewCore(newEncoder(cfg.Development), sink, level)
	if cfg.SampleInitial > 0 {
		thereafter := cfg.SampleThereafter
		if thereafter <= 0 {
			thereafter = 100
		}
		core = zapcore.NewSamplerWithOptions(core, time.Second, cfg.SampleInitial, thereafter)
	}

	opts := []zap.Option{zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.Development {
		opts = append(opts, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if cfg.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", cfg.Service)))
	}
	return zap.New(core, opts...), nil
}

func newEncoder(development bool) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if development {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// openSink 返回日志写入目标
func openSink(cfg Config) (zapcore.WriteSyncer, error) {
	stdout := zapcore.Lock(os.Stdout)
	if cfg.File == "" {
		return stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	return zapcore.NewMultiWriteSyncer(zapcore.AddSync(rotator), stdout), nil
}
