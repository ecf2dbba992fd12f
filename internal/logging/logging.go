package logging

import (
	"io"
	"os"
	"strings"

	"github.com/darwin7381/oao-to-sub001/internal/config"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Setup configures the global logrus logger from config. When a log file is
// set, output goes through lumberjack rotation as well as stdout.
func Setup(cfg config.LoggingConfig) {
	level, errParse := log.ParseLevel(strings.TrimSpace(cfg.Level))
	if errParse != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	if strings.TrimSpace(cfg.File) == "" {
		log.SetOutput(os.Stdout)
		return
	}

	rotator := &lumberjack.Logger{
		Filename:   strings.TrimSpace(cfg.File),
		MaxSize:    maxOrDefault(cfg.MaxSizeMB, 100),
		MaxBackups: maxOrDefault(cfg.MaxBackups, 3),
		MaxAge:     maxOrDefault(cfg.MaxAgeDays, 28),
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
}

func maxOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
