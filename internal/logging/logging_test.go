package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restoreStandardLogger(t *testing.T) {
	t.Helper()
	std := log.StandardLogger()
	out, level, formatter := std.Out, std.GetLevel(), std.Formatter
	t.Cleanup(func() {
		log.SetOutput(out)
		log.SetLevel(level)
		log.SetFormatter(formatter)
	})
}

func TestSetupLevel(t *testing.T) {
	restoreStandardLogger(t)
	buf := new(bytes.Buffer)

	c, err := Setup(Config{Level: "warn"}, buf)
	require.NoError(t, err)
	defer c.Close()

	log.Info("hidden")
	log.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
	assert.Equal(t, log.WarnLevel, log.GetLevel())
}

func TestSetupDefaultLevel(t *testing.T) {
	restoreStandardLogger(t)
	c, err := Setup(Config{}, new(bytes.Buffer))
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestSetupInvalidLevel(t *testing.T) {
	restoreStandardLogger(t)
	_, err := Setup(Config{Level: "loud"}, new(bytes.Buffer))
	assert.Error(t, err)
}

func TestSetupFile(t *testing.T) {
	restoreStandardLogger(t)
	buf := new(bytes.Buffer)
	path := filepath.Join(t.TempDir(), "tool.log")

	c, err := Setup(Config{Level: "info", File: path}, buf)
	require.NoError(t, err)
	log.Info("to both")
	require.NoError(t, c.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to both")
	assert.Contains(t, buf.String(), "to both")
}
