package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) {
	t.Helper()
	originalWD, err := os.Getwd()
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.Chdir(originalWD) })
	require.NoError(t, os.Chdir(t.TempDir()))
}

func TestNew_AppliesLevelAndFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestNew_UnknownLevelAndFormatFallBack(t *testing.T) {
	log := New(LoggingConfig{Level: "chatty", Format: "xml"})
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}

func TestNew_FileOutputTeesToPrefixedFile(t *testing.T) {
	chdirTemp(t)

	log := New(LoggingConfig{Level: "info", Format: "json", Output: "file", FilePrefix: "qflow-test"})
	log.WithField("execId", "exec-1").Info("step dispatched")

	data, err := os.ReadFile(filepath.Join("logs", "qflow-test.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "step dispatched")
	assert.Contains(t, string(data), "exec-1", "correlation fields must reach the log file")
}

func TestNew_EmptyFilePrefixDefaults(t *testing.T) {
	chdirTemp(t)

	log := New(LoggingConfig{Output: "file"})
	log.Info("starting")

	_, err := os.Stat(filepath.Join("logs", DefaultFilePrefix+".log"))
	assert.NoError(t, err)
}
