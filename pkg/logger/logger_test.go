package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestStringToLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value    string
		expected zapcore.Level
		wantErr  bool
	}{
		{"debug", zapcore.DebugLevel, false},
		{"INFO", zapcore.InfoLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"2", zapcore.Level(-2), false},
		{"0", zapcore.WarnLevel, true},
		{"-1", zapcore.WarnLevel, true},
		{"loud", zapcore.WarnLevel, true},
	}

	for _, tc := range tests {
		level, err := StringToLevel(tc.value, zapcore.WarnLevel)
		if tc.wantErr {
			assert.Error(t, err, tc.value)
		} else {
			assert.NoError(t, err, tc.value)
		}
		assert.Equal(t, tc.expected, level, tc.value)
	}
}

func TestLevelFlagSetsLoggerLevel(t *testing.T) {
	t.Parallel()

	log := New("test")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	log.AddLevelFlag(fs)

	require.NoError(t, fs.Parse([]string{"-v", "debug"}))
	assert.Equal(t, zapcore.DebugLevel, log.Level())

	levelVal, found := GetLevelFlagValue(fs)
	require.True(t, found)
	assert.Equal(t, "debug", levelVal.String())

	assert.Error(t, fs.Parse([]string{"--verbosity", "nope"}))
	assert.Equal(t, zapcore.DebugLevel, log.Level())
}

func TestEnsureDiagnosticsLogsFolderCreatesFolder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	t.Setenv(AIDB_DIAGNOSTICS_LOG_FOLDER, dir)

	folder, err := EnsureDiagnosticsLogsFolder()
	require.NoError(t, err)
	assert.Equal(t, dir, folder)

	info, statErr := os.Stat(dir)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

func TestEnsureDiagnosticsLogsFolderRejectsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	t.Setenv(AIDB_DIAGNOSTICS_LOG_FOLDER, file)

	_, err := EnsureDiagnosticsLogsFolder()
	assert.Error(t, err)
}

func TestDiagnosticsLogLevel(t *testing.T) {
	t.Setenv(AIDB_DIAGNOSTICS_LOG_LEVEL, "info")
	level, err := GetDiagnosticsLogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level)

	t.Setenv(AIDB_DIAGNOSTICS_LOG_LEVEL, "bogus")
	_, err = GetDiagnosticsLogLevel()
	assert.Error(t, err)
}

func TestNewWritesDiagnosticsLog(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(AIDB_DIAGNOSTICS_LOG_FOLDER, dir)
	t.Setenv(AIDB_DIAGNOSTICS_LOG_LEVEL, "debug")
	t.Setenv(AIDB_LOG_FILE_NAME_SUFFIX, "test")

	log := New("diag")
	log.Info("hello from test")
	log.Flush()

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "diag-")

	content, readErr := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, readErr)
	assert.Contains(t, string(content), "hello from test")
}
