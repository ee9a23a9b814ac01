package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "daemon.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func runLogsCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newLogsCmd()
	stdout := new(bytes.Buffer)
	cmd.SetOut(stdout)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestLogsCmd_TailsLastLines(t *testing.T) {
	// Given: a log with three entries
	path := writeLog(t,
		`{"time":"2026-01-02T10:00:00Z","level":"INFO","msg":"scan started"}`,
		`{"time":"2026-01-02T10:00:01Z","level":"WARN","msg":"permission denied","path":"/root"}`,
		`{"time":"2026-01-02T10:00:02Z","level":"INFO","msg":"scan completed"}`,
	)

	// When: asking for the last two lines
	out, err := runLogsCmd(t, "--file", path, "-n", "2", "--no-color")

	// Then: only those two are printed
	require.NoError(t, err)
	assert.NotContains(t, out, "scan started")
	assert.Contains(t, out, "permission denied")
	assert.Contains(t, out, "path=/root")
	assert.Contains(t, out, "scan completed")
}

func TestLogsCmd_Filters(t *testing.T) {
	path := writeLog(t,
		`{"time":"2026-01-02T10:00:00Z","level":"INFO","msg":"scan started"}`,
		`{"time":"2026-01-02T10:00:01Z","level":"ERROR","msg":"storage failed"}`,
		`{"time":"2026-01-02T10:00:02Z","level":"INFO","msg":"watcher started"}`,
	)

	tests := []struct {
		name    string
		args    []string
		want    []string
		notWant []string
	}{
		{
			name:    "level",
			args:    []string{"--level", "error"},
			want:    []string{"storage failed"},
			notWant: []string{"scan started", "watcher started"},
		},
		{
			name:    "pattern",
			args:    []string{"--filter", "watch"},
			want:    []string{"watcher started"},
			notWant: []string{"scan started", "storage failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runLogsCmd(t, append([]string{"--file", path, "--no-color"}, tt.args...)...)
			require.NoError(t, err)
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			for _, nw := range tt.notWant {
				assert.NotContains(t, out, nw)
			}
		})
	}
}

func TestLogsCmd_Errors(t *testing.T) {
	_, err := runLogsCmd(t, "--file", filepath.Join(t.TempDir(), "missing.log"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log file not found")

	path := writeLog(t, `{"level":"INFO","msg":"x"}`)
	_, err = runLogsCmd(t, "--file", path, "--filter", "(")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter pattern")
}
