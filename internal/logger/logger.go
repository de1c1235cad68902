package logger

import (
	"os"
	"strings"

	"krw-grid-bot-go/internal/models"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var base *zap.Logger

// InitLogger 初始化全局 zap 日志: 控制台彩色输出, 文件输出经 lumberjack 切割
func InitLogger(cfg models.LogConfig) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var cores []zapcore.Core
	output := strings.ToLower(cfg.Output)

	if (output == "file" || output == "both") && cfg.File != "" {
		// 文件里不写颜色控制符
		fileEncoder := zapcore.NewJSONEncoder(encoderConfig)
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(fileEncoder, writer, level))
	}

	if output != "file" || len(cores) == 0 {
		consoleConfig := encoderConfig
		consoleConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(consoleConfig), zapcore.AddSync(os.Stdout), level))
	}

	base = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

// L 返回全局 logger, 供需要 *zap.Logger 的组件构造使用
func L() *zap.Logger {
	if base == nil {
		// 未初始化时提供一个应急 logger
		l, _ := zap.NewDevelopment()
		return l
	}
	return base
}

// S 返回全局的 sugared logger
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Sync 刷新缓冲的日志
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
