package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gregtusar/marketfeed/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger, closeLog, err := newLogger(config.LoggingConfig{Level: "debug", Format: "text"})
	require.NoError(t, err)
	defer closeLog()

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, closeLog, err := newLogger(config.LoggingConfig{Level: "loud"})
	require.NoError(t, err)
	defer closeLog()

	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.log")
	logger, closeLog, err := newLogger(config.LoggingConfig{Level: "info", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("hello")
	closeLog()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNewLoggerRejectsFormat(t *testing.T) {
	_, _, err := newLogger(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}
