package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

var log *logrus.Logger

// fallback 在 Init 之前使用，只把 error 及以上级别写到 stderr
var fallback = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.ErrorLevel)
	return l
}()

// Init 初始化全局日志，level: debug|info|warn|error，format: json|text
func Init(level, format string) error {
	l := logrus.New()
	l.SetOutput(os.Stdout)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	log = l
	if level == "" {
		level = "info"
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		l.SetLevel(logrus.InfoLevel)
		return fmt.Errorf("unknown log level %q", level)
	}
	l.SetLevel(lvl)
	return nil
}

func std() *logrus.Logger {
	if log == nil {
		return fallback
	}
	return log
}

// SetOutput 重定向日志输出，终端客户端用它把日志从对话输出中分离出去
func SetOutput(w io.Writer) {
	std().SetOutput(w)
}

// WithFields 返回带结构化字段的日志条目
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return std().WithFields(logrus.Fields(fields))
}

func Debug(args ...interface{})                 { std().Debug(args...) }
func Debugf(format string, args ...interface{}) { std().Debugf(format, args...) }
func Info(args ...interface{})                  { std().Info(args...) }
func Infof(format string, args ...interface{})  { std().Infof(format, args...) }
func Warn(args ...interface{})                  { std().Warn(args...) }
func Warnf(format string, args ...interface{})  { std().Warnf(format, args...) }
func Error(args ...interface{})                 { std().Error(args...) }
func Errorf(format string, args ...interface{}) { std().Errorf(format, args...) }
func Fatal(args ...interface{})                 { std().Fatal(args...) }
func Fatalf(format string, args ...interface{}) { std().Fatalf(format, args...) }
