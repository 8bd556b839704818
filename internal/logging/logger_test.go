package logging

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONLogFileUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	logger, err := New(context.Background(), WithProjectID("proj-1"), WithRunID("run-9"))
	require.NoError(t, err)
	defer func() {
		require.NoError(t, logger.Close())
	}()

	require.True(t, strings.HasPrefix(logger.Path(), filepath.Join(home, ".buildsync", "logs")))
	require.Contains(t, filepath.Base(logger.Path()), "run-9")

	logger.Logger.Info("stream opened", "port", 3000)

	contents, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	text := string(contents)
	require.Contains(t, text, "logger initialized")
	require.Contains(t, text, "stream opened")
	require.Contains(t, text, "proj-1")
	require.Contains(t, text, "run-9")
}

func TestWithProjectAndRunUpdateFields(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	logger, err := New(context.Background())
	require.NoError(t, err)
	defer func() {
		require.NoError(t, logger.Close())
	}()

	logger.WithProject("proj-2").WithRun("run-7")
	logger.Logger.Info("rebound")

	contents, err := os.ReadFile(logger.Path())
	require.NoError(t, err)
	text := string(contents)
	require.Contains(t, text, "proj-2")
	require.Contains(t, text, "run-7")
}

func TestNilRuntimeLoggerIsSafe(t *testing.T) {
	var logger *RuntimeLogger
	require.Equal(t, "", logger.Path())
	require.NoError(t, logger.Close())
	require.Nil(t, logger.WithProject("p"))
	require.Nil(t, logger.WithRun("r"))
}
