package media

import (
	"github.com/pion/logging"
	"go.uber.org/zap"
)

// zapFactory routes pion's internal logging into zap.
type zapFactory struct {
	logger *zap.Logger
}

// NewLoggerFactory returns a pion LoggerFactory backed by logger.
func NewLoggerFactory(logger *zap.Logger) logging.LoggerFactory {
	return &zapFactory{logger: logger.Named("pion")}
}

func (f *zapFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zapLeveled{s: f.logger.With(zap.String("scope", scope)).Sugar()}
}

type zapLeveled struct {
	s *zap.SugaredLogger
}

// pion's trace output is packet-level noise; it shares the debug level.
func (l *zapLeveled) Trace(msg string)                          { l.s.Debug(msg) }
func (l *zapLeveled) Tracef(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveled) Debug(msg string)                          { l.s.Debug(msg) }
func (l *zapLeveled) Debugf(format string, args ...interface{}) { l.s.Debugf(format, args...) }
func (l *zapLeveled) Info(msg string)                           { l.s.Info(msg) }
func (l *zapLeveled) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLeveled) Warn(msg string)                           { l.s.Warn(msg) }
func (l *zapLeveled) Warnf(format string, args ...interface{})  { l.s.Warnf(format, args...) }
func (l *zapLeveled) Error(msg string)                          { l.s.Error(msg) }
func (l *zapLeveled) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }
