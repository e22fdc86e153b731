package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	formatter "github.com/antonfisher/nested-logrus-formatter"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	contextPkg "yolodetect/pkg/context"
)

var (
	logger *logrus.Logger
	once   sync.Once
)

type Fields = logrus.Fields

// NewLogger returns the process logger. Output goes to stderr and, outside
// APP_ENV=test, to a rotating file under LOG_DIR (default ./storage/logs).
func NewLogger() *logrus.Logger {
	once.Do(func() {
		logger = logrus.New()
		logger.SetLevel(levelFromEnv())

		logger.SetFormatter(&formatter.Formatter{
			NoColors:        os.Getenv("LOG_NO_COLORS") == "true",
			TimestampFormat: "02 Jan 06 - 15:04:05",
			HideKeys:        false,
			CallerFirst:     true,
			CustomCallerFormatter: func(f *runtime.Frame) string {
				s := strings.Split(f.Function, ".")
				funcName := s[len(s)-1]
				return fmt.Sprintf(" \x1b[%dm[%s:%d][%s()]", 34, path.Base(f.File), f.Line, funcName)
			},
		})

		writers := []io.Writer{os.Stderr}

		if os.Getenv("APP_ENV") != "test" {
			dir := os.Getenv("LOG_DIR")
			if dir == "" {
				dir = "./storage/logs"
			}
			fileWriter := &lumberjack.Logger{
				Filename:   fmt.Sprintf("%s/app-%s.log", dir, time.Now().Format("2006-01-02")),
				LocalTime:  true,
				Compress:   true,
				MaxSize:    100,
				MaxAge:     7,
				MaxBackups: 3,
			}
			writers = append(writers, fileWriter)
		}

		logger.SetOutput(io.MultiWriter(writers...))
		logger.SetReportCaller(true)
	})

	return logger
}

// NewDiscard builds a logger that drops everything, for tests.
func NewDiscard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func levelFromEnv() logrus.Level {
	level, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

// WithRequestID scopes l to the request id carried by ctx.
func WithRequestID(l *logrus.Logger, ctx context.Context) *logrus.Entry {
	entry := l.WithField("request_id", contextPkg.GetRequestID(ctx))
	if messageID := contextPkg.GetMessageID(ctx); messageID != "" {
		entry = entry.WithField("message_id", messageID)
	}
	return entry
}
