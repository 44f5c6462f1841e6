package logger

import (
	"sync"

	"github.com/spf13/pflag"
	"go.f110.dev/xerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.f110.dev/instances/pkg/config/configv2"
)

var (
	Log       *zap.Logger
	LogConfig *zap.Config
	flagConf  configv2.Logger
)
var initOnce = &sync.Once{}

func Init(conf *configv2.Logger) error {
	var err error
	initOnce.Do(func() {
		if e := initLogger(conf); e != nil {
			err = e
		}
	})
	if err != nil {
		return xerrors.WithStack(err)
	}

	return nil
}

// Flags defines the flags that override the logger section of the config file.
func Flags(fs *pflag.FlagSet) {
	fs.StringVar(&flagConf.Level, "log-level", "", "Log level (debug, info, warn or error)")
	fs.StringVar(&flagConf.Encoding, "log-encoding", "", "Log encoding (json or console)")
}

// OverrideByFlags copies the values given by the flags into conf.
// Thus, you must define the flag by Flags and parse arguments before calling this.
func OverrideByFlags(conf *configv2.Logger) {
	if flagConf.Level != "" {
		conf.Level = flagConf.Level
	}
	if flagConf.Encoding != "" {
		conf.Encoding = flagConf.Encoding
	}
}

// EncoderConfig is the encoder configuration of the process logger.
func EncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

func initLogger(conf *configv2.Logger) error {
	zapConf := conf.ZapConfig(EncoderConfig())
	l, err := zapConf.Build()
	if err != nil {
		return err
	}

	Log = l
	LogConfig = zapConf
	return nil
}

// Named returns a child of the process logger. Before Init, the returned logger discards everything.
func Named(name string) *zap.Logger {
	if Log == nil {
		return zap.NewNop().Named(name)
	}
	return Log.Named(name)
}
