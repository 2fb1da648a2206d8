package logx

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var lg *zap.SugaredLogger

// Init builds the process logger from LOG_LEVEL and LOG_FILE. With LOG_FILE set,
// JSON lines also go to a size-rotated file.
func Init() {
	lg = New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FILE"))
}

func New(levelName, file string) *zap.SugaredLogger {
	level := ParseLevel(levelName)

	enc := zap.NewProductionEncoderConfig()
	enc.TimeKey = "ts"
	enc.EncodeTime = zapcore.ISO8601TimeEncoder

	sink := zapcore.Lock(os.Stdout)
	if file != "" {
		sink = zapcore.NewMultiWriteSyncer(sink, zapcore.AddSync(&lumberjack.Logger{
			Filename:   file,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     14,
			Compress:   true,
		}))
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()).Sugar()
}

func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

func L() *zap.SugaredLogger {
	if lg == nil {
		Init()
	}
	return lg
}

func Sync() { _ = L().Sync() }
