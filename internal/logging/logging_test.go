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

func TestParseLevel(t *testing.T) {
	cases := map[string]log.Level{
		"":        log.InfoLevel,
		"debug":   log.DebugLevel,
		"INFO":    log.InfoLevel,
		"Warn":    log.WarnLevel,
		"WARNING": log.WarnLevel,
		"ERROR":   log.ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("LOUD")
	assert.Error(t, err)
}

func TestConfigureConsoleOnly(t *testing.T) {
	l := log.New()
	var buf bytes.Buffer
	require.NoError(t, configure(l, &buf, Options{Level: "WARN"}))
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestConfigureWritesFile(t *testing.T) {
	l := log.New()
	path := filepath.Join(t.TempDir(), "logs", "fleetsync.log")
	var buf bytes.Buffer
	require.NoError(t, configure(l, &buf, Options{Level: "DEBUG", File: path, MaxAgeDays: 7}))
	l.WithField("vehicle", "V1").Debug("log record created")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "log record created")
	assert.Contains(t, string(data), "vehicle=V1")
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	assert.Error(t, configure(log.New(), &bytes.Buffer{}, Options{Level: "chatty"}))
}
