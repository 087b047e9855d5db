package logger

import (
	"os"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

type Log interface {
	WithField(name string, value interface{}) Log
	WithFields(fields Fields) Log
	Trace(args ...interface{})
	Tracef(msg string, args ...interface{})
	Debug(args ...interface{})
	Debugf(msg string, args ...interface{})
	Info(args ...interface{})
	Infof(msg string, args ...interface{})
	Warn(args ...interface{})
	Warnf(msg string, args ...interface{})
	Error(args ...interface{})
	Errorf(msg string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(msg string, args ...interface{})
	Panic(args ...interface{})
	Panicf(msg string, args ...interface{})
	// Print logs at Info level. Satisfies chi's request logger.
	Print(args ...interface{})
}

// Fields is a set of keys/values to include in a structured log message.
type Fields map[string]interface{}

// LogFactory produces a logger for the specified subsystem. Services take a
// LogFactory at construction time and name themselves.
type LogFactory func(subsystem string) Log

// LogrusLogger is a Log implementation backed by a logrus entry.
type LogrusLogger struct {
	*logrus.Entry
}

func (l *LogrusLogger) WithField(name string, value interface{}) Log {
	return &LogrusLogger{Entry: l.Entry.WithFields(logrus.Fields{name: value})}
}

func (l *LogrusLogger) WithFields(fields Fields) Log {
	return &LogrusLogger{Entry: l.Entry.WithFields(logrus.Fields(fields))}
}

// MakeLogrusLogFactoryStdOut returns a factory producing loggers that write
// to stdout. Text formatting on a terminal, JSON otherwise.
func MakeLogrusLogFactoryStdOut(logRegistry *LogRegistry) LogFactory {
	return func(subsystem string) Log {
		log := logrus.New()
		log.SetLevel(logRegistry.GetLogLevel(subsystem))
		log.SetOutput(os.Stdout)

		if isatty.IsTerminal(os.Stdout.Fd()) {
			log.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
				DisableQuote:    true,
			})
		} else {
			log.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		}
		entry := log.WithFields(logrus.Fields{
			"system": subsystem,
		})
		logRegistry.RegisterLogger(subsystem, log)
		return &LogrusLogger{Entry: entry}
	}
}

// NoOpLog implements the Log interface without writing anything.
type NoOpLog struct {
}

func NewNoOpLog() *NoOpLog {
	return &NoOpLog{}
}

// NoOpLogFactory is a LogFactory that always returns a NoOpLog, for tests
// that want silence.
func NoOpLogFactory(subsystem string) Log {
	return NewNoOpLog()
}

func (l *NoOpLog) WithField(name string, value interface{}) Log { return NewNoOpLog() }
func (l *NoOpLog) WithFields(fields Fields) Log                 { return NewNoOpLog() }
func (l *NoOpLog) Trace(args ...interface{})                    {}
func (l *NoOpLog) Tracef(msg string, args ...interface{})       {}
func (l *NoOpLog) Debug(args ...interface{})                    {}
func (l *NoOpLog) Debugf(msg string, args ...interface{})       {}
func (l *NoOpLog) Info(args ...interface{})                     {}
func (l *NoOpLog) Infof(msg string, args ...interface{})        {}
func (l *NoOpLog) Warn(args ...interface{})                     {}
func (l *NoOpLog) Warnf(msg string, args ...interface{})        {}
func (l *NoOpLog) Error(args ...interface{})                    {}
func (l *NoOpLog) Errorf(msg string, args ...interface{})       {}
func (l *NoOpLog) Fatal(args ...interface{})                    {}
func (l *NoOpLog) Fatalf(msg string, args ...interface{})       {}
func (l *NoOpLog) Panic(args ...interface{})                    {}
func (l *NoOpLog) Panicf(msg string, args ...interface{})       {}
func (l *NoOpLog) Print(args ...interface{})                    {}
