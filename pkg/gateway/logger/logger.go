/*
Copyright The OpenInfer Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logger provides the structured request/audit logger with file
// rotation. Operational logging elsewhere in the gateway goes through
// klog; this logger is for the high-volume access and audit trails that
// need their own files and retention.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const logSubsys = "subsys"

var (
	mu             sync.Mutex
	defaultLogger  = initDefaultLogger()
	fileOnlyLogger *logrus.Logger

	defaultLogFormat = &logrus.TextFormatter{
		DisableColors:    true,
		DisableTimestamp: false,
	}

	loggerMap = map[string]*logrus.Logger{
		"default": defaultLogger,
	}
)

// Config mirrors the logging section of the gateway config file.
type Config struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Configure applies the file config: log level for every logger and,
// when a file is set, a rotating file-only logger.
func Configure(cfg Config) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	mu.Lock()
	defer mu.Unlock()
	defaultLogger.SetLevel(level)

	if cfg.File != "" {
		fileOnlyLogger = initFileLogger(cfg)
		fileOnlyLogger.SetLevel(level)
		loggerMap["fileOnly"] = fileOnlyLogger
	}
	return nil
}

func SetLoggerLevel(loggerName string, level logrus.Level) error {
	mu.Lock()
	defer mu.Unlock()
	logger, exists := loggerMap[loggerName]
	if !exists || logger == nil {
		return fmt.Errorf("logger %s does not exist", loggerName)
	}
	logger.SetLevel(level)
	return nil
}

func GetLoggerLevel(loggerName string) (logrus.Level, error) {
	mu.Lock()
	defer mu.Unlock()
	logger, exists := loggerMap[loggerName]
	if !exists || logger == nil {
		return 0, fmt.Errorf("logger %s does not exist", loggerName)
	}
	return logger.Level, nil
}

func GetLoggerNames() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(loggerMap))
	for loggerName := range loggerMap {
		names = append(names, loggerName)
	}
	return names
}

func initDefaultLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(defaultLogFormat)
	logger.SetLevel(logrus.InfoLevel)
	return logger
}

func initFileLogger(cfg Config) *logrus.Logger {
	logger := initDefaultLogger()
	logFilePath := cfg.File
	path, fileName := filepath.Split(logFilePath)
	if path != "" {
		if err := os.MkdirAll(path, 0o700); err != nil {
			logger.Warnf("failed to create log directory: %v, falling back to working directory", err)
			logFilePath = fileName
		}
	}

	logfile := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	logger.SetOutput(io.Writer(logfile))
	return logger
}

// NewLogger allocates a log entry for a specific scope.
func NewLogger(subsys string) *logrus.Entry {
	if subsys == "" {
		return logrus.NewEntry(defaultLogger)
	}
	return defaultLogger.WithField(logSubsys, subsys)
}

// NewFileLogger returns an entry that writes to the rotating file only,
// falling back to the default logger before Configure ran.
func NewFileLogger(subsys string) *logrus.Entry {
	mu.Lock()
	target := fileOnlyLogger
	mu.Unlock()
	if target == nil {
		target = defaultLogger
	}
	if subsys == "" {
		return logrus.NewEntry(target)
	}
	return target.WithField(logSubsys, subsys)
}
