package logger

import (
	"log"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the shared JSON logger. Output goes to logs/formgate.log
// through an async buffered writer, with a console hook mirroring every
// entry to stdout.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "time",
			logrus.FieldKeyMsg:  "msg",
		},
	})

	if os.Getenv("LOG_LEVEL") == "debug" {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}

	if err := os.MkdirAll("logs", 0750); err != nil {
		log.Fatalf("failed to create logs directory: %v", err)
	}

	asyncWriter, err := NewAsyncFileWriter("logs/formgate.log", 32*1024)
	if err != nil {
		log.Fatalf("failed to initialize async log writer: %v", err)
	}
	l.SetOutput(asyncWriter)

	l.AddHook(NewConsoleHook())

	return l
}

// NewTestLogger returns a quiet logger for use in tests.
func NewTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.PanicLevel)
	return l
}
