package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintStatus(t *testing.T) {
	var buf bytes.Buffer
	printStatus(&buf, map[string]any{"accounts": []any{}})
	assert.Contains(t, buf.String(), "No accounts")

	buf.Reset()
	printStatus(&buf, map[string]any{"accounts": []any{
		map[string]any{"id": "a1", "name": "work", "logged_in": true, "active": true, "resident": true, "state": "ready", "phase": "done"},
		map[string]any{"id": "a2", "name": "home", "logged_in": true},
		map[string]any{"id": "a3", "name": "old"},
	}})
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "*")
	assert.Contains(t, lines[1], "ready (done)")
	assert.Contains(t, lines[2], "idle")
	assert.Contains(t, lines[3], "logged out")
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	line := formatEvent(map[string]any{
		"kind":        "sync.done",
		"account":     "a1",
		"occurred_at": float64(at.UnixMilli()),
		"payload":     "",
	})
	assert.Contains(t, line, "sync.done")
	assert.Contains(t, line, "a1")
	assert.True(t, strings.HasPrefix(line, at.Local().Format(time.RFC3339)))

	line = formatEvent(map[string]any{"kind": "message.delivery_failed", "payload": `{"nonce":"n"}`})
	assert.True(t, strings.HasSuffix(line, `{"nonce":"n"}`))
}

func TestReadPasswordFromStdin(t *testing.T) {
	t.Setenv("WSYNC_PASSWORD", "")
	var prompt bytes.Buffer
	pw, err := readPassword(strings.NewReader("hunter2\n"), &prompt)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)
	assert.Equal(t, "password: ", prompt.String())

	t.Setenv("WSYNC_PASSWORD", "fromenv")
	pw, err = readPassword(strings.NewReader(""), &prompt)
	require.NoError(t, err)
	assert.Equal(t, "fromenv", pw)
}

func TestArgumentValidation(t *testing.T) {
	for _, args := range [][]string{
		{"send", "conv"},
		{"select"},
		{"typing", "conv", "maybe"},
		{"status", "extra"},
	} {
		root := NewRootCmd()
		root.SetArgs(append(args, "--root", t.TempDir()))
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		assert.Error(t, root.Execute(), "%v", args)
	}
}
