package logging

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type impl struct {
	name  string
	level AtomicLevel
	inUTC bool

	appenders []Appender
}

func (imp *impl) AddAppender(appender Appender) {
	imp.appenders = append(imp.appenders, appender)
}

func (imp *impl) SetLevel(level Level) {
	imp.level.Set(level)
}

func (imp *impl) GetLevel() Level {
	return imp.level.Get()
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}

	return &impl{
		name:      newName,
		level:     NewAtomicLevelAt(imp.level.Get()),
		inUTC:     imp.inUTC,
		appenders: imp.appenders,
	}
}

func (imp *impl) Sync() error {
	var errs []error
	for _, appender := range imp.appenders {
		if err := appender.Sync(); err != nil {
			errs = append(errs, err)
		}
	}

	return multierr.Combine(errs...)
}

// Desugar builds a zap logger that writes into the same appenders that implement `zapcore.Core`
// plus stdout.
func (imp *impl) Desugar() *zap.Logger {
	cores := []zapcore.Core{
		zapcore.NewCore(newConsoleEncoder(), zapcore.Lock(os.Stdout), imp.GetLevel().AsZap()),
	}
	for _, appender := range imp.appenders {
		if core, ok := appender.(zapcore.Core); ok {
			cores = append(cores, core)
		}
	}
	return zap.New(zapcore.NewTee(cores...)).Named(imp.name)
}

func (imp *impl) shouldLog(logLevel Level) bool {
	return logLevel >= imp.level.Get()
}

func (imp *impl) log(logLevel Level, msg string, fields []zapcore.Field) {
	entry := zapcore.Entry{
		Level:      logLevel.AsZap(),
		Time:       time.Now(),
		LoggerName: imp.name,
		Message:    msg,
		Caller:     getCaller(),
	}
	if imp.inUTC {
		entry.Time = entry.Time.UTC()
	}

	for _, appender := range imp.appenders {
		if err := appender.Write(entry, fields); err != nil {
			fmt.Fprint(os.Stderr, err)
		}
	}
}

func (imp *impl) format(logLevel Level, args ...interface{}) {
	if !imp.shouldLog(logLevel) {
		return
	}
	imp.log(logLevel, fmt.Sprint(args...), nil)
}

func (imp *impl) formatf(logLevel Level, template string, args ...interface{}) {
	if !imp.shouldLog(logLevel) {
		return
	}
	imp.log(logLevel, fmt.Sprintf(template, args...), nil)
}

// formatw turns alternating keys and values into zap fields. A dangling key is logged with a
// placeholder value instead of being dropped.
func (imp *impl) formatw(logLevel Level, msg string, keysAndValues ...interface{}) {
	if !imp.shouldLog(logLevel) {
		return
	}

	fields := make([]zapcore.Field, 0, len(keysAndValues)/2+1)
	for keyIdx := 0; keyIdx < len(keysAndValues); keyIdx += 2 {
		keyStr, ok := keysAndValues[keyIdx].(string)
		if !ok {
			keyStr = fmt.Sprintf("%v", keysAndValues[keyIdx])
		}
		if keyIdx+1 < len(keysAndValues) {
			fields = append(fields, zap.Any(keyStr, keysAndValues[keyIdx+1]))
		} else {
			fields = append(fields, zap.String(keyStr, "<missing value>"))
		}
	}
	imp.log(logLevel, msg, fields)
}

func (imp *impl) Debug(args ...interface{}) {
	imp.format(DEBUG, args...)
}

func (imp *impl) Debugf(template string, args ...interface{}) {
	imp.formatf(DEBUG, template, args...)
}

func (imp *impl) Debugw(msg string, keysAndValues ...interface{}) {
	imp.formatw(DEBUG, msg, keysAndValues...)
}

func (imp *impl) Info(args ...interface{}) {
	imp.format(INFO, args...)
}

func (imp *impl) Infof(template string, args ...interface{}) {
	imp.formatf(INFO, template, args...)
}

func (imp *impl) Infow(msg string, keysAndValues ...interface{}) {
	imp.formatw(INFO, msg, keysAndValues...)
}

func (imp *impl) Warn(args ...interface{}) {
	imp.format(WARN, args...)
}

func (imp *impl) Warnf(template string, args ...interface{}) {
	imp.formatf(WARN, template, args...)
}

func (imp *impl) Warnw(msg string, keysAndValues ...interface{}) {
	imp.formatw(WARN, msg, keysAndValues...)
}

func (imp *impl) Error(args ...interface{}) {
	imp.format(ERROR, args...)
}

func (imp *impl) Errorf(template string, args ...interface{}) {
	imp.formatf(ERROR, template, args...)
}

func (imp *impl) Errorw(msg string, keysAndValues ...interface{}) {
	imp.formatw(ERROR, msg, keysAndValues...)
}

// getCaller returns the first frame outside of this package.
func getCaller() zapcore.EntryCaller {
	var ok bool
	var entryCaller zapcore.EntryCaller
	const framesToSkip = 4
	entryCaller.PC, entryCaller.File, entryCaller.Line, ok = runtime.Caller(framesToSkip)
	if !ok {
		return entryCaller
	}
	entryCaller.Defined = true
	if fn := runtime.FuncForPC(entryCaller.PC); fn != nil {
		entryCaller.Function = fn.Name()
	}
	return entryCaller
}
