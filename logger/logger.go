package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	// Logger is the debug-level logger, used for per-operation tracing
	// (flush cycles, log switches, SMO steps).
	Logger *logrus.Logger
	// InfoLogger carries informational and warning output.
	InfoLogger *logrus.Logger
	// ErrorLogger carries error output; background tasks (flush,
	// archiver, archive-cleaner) route their recorded exceptions here
	// once surfaced to a foreground caller.
	ErrorLogger *logrus.Logger
)

// Config controls where the three loggers write and at what level.
type Config struct {
	ErrorLogPath string
	InfoLogPath  string
	Level        string
}

// CustomFormatter renders "[time] [LEVEL] (file:func:line) message".
type CustomFormatter struct {
	TimestampFormat string
}

func (f *CustomFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	timestamp := entry.Time.Format(f.TimestampFormat)

	level := strings.ToUpper(entry.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}

	logMsg := fmt.Sprintf("[%s] [%s] (%s) %s\n", timestamp, level, getCaller(), entry.Message)
	return []byte(logMsg), nil
}

func getCaller() string {
	for i := 2; i < 20; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		if strings.Contains(file, "/logrus/") || strings.Contains(file, "/logger.go") ||
			strings.Contains(file, "sirupsen") || strings.Contains(file, "/entry.go") {
			continue
		}
		funcName := runtime.FuncForPC(pc).Name()
		return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
	}
	return "unknown:unknown:0"
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Init sets up the three loggers. Safe to call more than once (e.g.
// from tests that want a quieter level).
func Init(cfg Config) error {
	formatter := &CustomFormatter{TimestampFormat: "15:04:05.000"}

	Logger = logrus.New()
	Logger.SetFormatter(formatter)
	Logger.SetLevel(parseLevel(cfg.Level))

	InfoLogger = logrus.New()
	InfoLogger.SetFormatter(formatter)
	InfoLogger.SetLevel(parseLevel(cfg.Level))

	ErrorLogger = logrus.New()
	ErrorLogger.SetFormatter(formatter)
	ErrorLogger.SetLevel(parseLevel(cfg.Level))

	if cfg.InfoLogPath != "" {
		if f, err := openLogFile(cfg.InfoLogPath); err == nil {
			InfoLogger.SetOutput(io.MultiWriter(os.Stdout, f))
		} else {
			InfoLogger.SetOutput(os.Stdout)
			InfoLogger.Warnf("could not open info log %s, using stdout: %v", cfg.InfoLogPath, err)
		}
	} else {
		InfoLogger.SetOutput(os.Stdout)
	}

	if cfg.ErrorLogPath != "" {
		if f, err := openLogFile(cfg.ErrorLogPath); err == nil {
			ErrorLogger.SetOutput(io.MultiWriter(os.Stderr, f))
		} else {
			ErrorLogger.SetOutput(os.Stderr)
			ErrorLogger.Warnf("could not open error log %s, using stderr: %v", cfg.ErrorLogPath, err)
		}
	} else {
		ErrorLogger.SetOutput(os.Stderr)
	}

	Logger.SetOutput(InfoLogger.Out)
	return nil
}

func init() {
	// Usable before Init is called (tests, demo binaries that don't
	// care about file output).
	_ = Init(Config{Level: "info"})
}

func openLogFile(logPath string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
}

func Info(args ...interface{})                 { InfoLogger.Info(args...) }
func Infof(format string, args ...interface{})  { InfoLogger.Infof(format, args...) }
func Debug(args ...interface{})                 { Logger.Debug(args...) }
func Debugf(format string, args ...interface{}) { Logger.Debugf(format, args...) }
func Warn(args ...interface{})                  { InfoLogger.Warn(args...) }
func Warnf(format string, args ...interface{})  { InfoLogger.Warnf(format, args...) }
func Error(args ...interface{})                 { ErrorLogger.Error(args...) }
func Errorf(format string, args ...interface{}) { ErrorLogger.Errorf(format, args...) }
