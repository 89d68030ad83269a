package logger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	JSON      bool   `yaml:"json" default:"false"`       // trueならJSONフォーマット
	NoColor   bool   `yaml:"no_color" default:"false"`   // trueなら色付けしない
	Verbose   int    `yaml:"verbose" default:"0"`        // 0はInfo相当 1以上でDebug
	Quiet     bool   `yaml:"quiet" default:"false"`      // trueでWarn以上に引き上げる
	AddCaller bool   `yaml:"add_caller" default:"false"` // trueならログに呼び出し元情報を追加する
	Output    string `yaml:"output" default:"stderr"`    // stderr, stdout またはファイルパス
}

func (c Config) level() zapcore.Level {
	switch {
	case c.Quiet:
		return zapcore.WarnLevel
	case c.Verbose > 0:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func (c Config) sink() (zapcore.WriteSyncer, func() error, error) {
	switch c.Output {
	case "", "stderr":
		return zapcore.AddSync(os.Stderr), nil, nil
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil, nil
	}
	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return zapcore.AddSync(f), f.Close, nil
}

func NewLogger(cfg Config) (*zap.Logger, func(context.Context) error, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		CallerKey:      "caller",
		EncodeTime:     func(t time.Time, enc zapcore.PrimitiveArrayEncoder) { enc.AppendString(t.Format(time.RFC3339)) },
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}

	ws, closeFn, err := cfg.sink()
	if err != nil {
		return nil, nil, err
	}

	var enc zapcore.Encoder
	if cfg.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		// ファイル出力に色は不要
		if cfg.NoColor || closeFn != nil || runtime.GOOS == "windows" {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	level := cfg.level()
	core := zapcore.NewCore(enc, ws, level)

	opts := []zap.Option{
		zap.ErrorOutput(zapcore.AddSync(os.Stderr)),
		zap.AddStacktrace(zapcore.ErrorLevel),
	}
	if cfg.AddCaller || level == zapcore.DebugLevel {
		opts = append(opts, zap.AddCaller())
	}

	lg := zap.New(core, opts...).Named("tgctl")

	cleanup := func(_ context.Context) error {
		err := lg.Sync()
		// 標準出力・標準エラーに対する Sync は多くの環境で EINVAL 等になるため無視する
		if errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EBADF) {
			err = nil
		}
		if closeFn != nil {
			if cerr := closeFn(); cerr != nil && err == nil {
				err = cerr
			}
		}
		return err
	}
	return lg, cleanup, nil
}
