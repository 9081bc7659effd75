package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
	"pkt.systems/pslog"

	"keyrelay/internal/config"
	"keyrelay/internal/lifecycle"
	"keyrelay/internal/queue"
)

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand(pslog.NoopLogger())
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func decodeConfig(t *testing.T, out string) config.Config {
	t.Helper()
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(out), &cfg))
	return cfg
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.config")
}

// TestConfigCommandDefaults tests the output without a settings file
func TestConfigCommandDefaults(t *testing.T) {
	out, stderr, err := runCommand(t, "config", "--config", missingConfig(t))
	require.NoError(t, err)
	assert.Empty(t, stderr)

	cfg := decodeConfig(t, out)
	assert.Equal(t, config.DefaultPort, cfg.Port)
	assert.Equal(t, config.DefaultTitleSearchLength, cfg.TitleSearchLength)
	assert.True(t, cfg.Daemon)
	assert.Empty(t, cfg.StatusListen)
}

// TestConfigCommandPrecedence tests flag over environment over file over default
func TestConfigCommandPrecedence(t *testing.T) {
	path := writeConfig(t, "send-key-port = 6100 // file\n"+
		"status-listen = 127.0.0.1:6500\n"+
		"idle-timeout = 2s\n"+
		"title-search-length = 64\n")
	t.Setenv("KEYRELAY_STATUS_LISTEN", "127.0.0.1:7000")
	t.Setenv("KEYRELAY_TITLE_SEARCH_LENGTH", "32")

	out, _, err := runCommand(t, "config", "--config", path, "--port", "6200")
	require.NoError(t, err)

	assert.Contains(t, out, "# "+path)
	cfg := decodeConfig(t, out)
	assert.Equal(t, 6200, cfg.Port)
	assert.Equal(t, "127.0.0.1:7000", cfg.StatusListen)
	assert.Equal(t, 2*time.Second, cfg.IdleTimeout)
	assert.Equal(t, 32, cfg.TitleSearchLength)
}

// TestConfigCommandFileValues tests values taken from the settings file alone
func TestConfigCommandFileValues(t *testing.T) {
	path := writeConfig(t, "send-key-port=6100\ndaemon=false\n")

	out, _, err := runCommand(t, "config", "--config", path)
	require.NoError(t, err)

	cfg := decodeConfig(t, out)
	assert.Equal(t, 6100, cfg.Port)
	assert.False(t, cfg.Daemon)
}

// TestConfigCommandWarnings tests that ignored file values are reported on stderr
func TestConfigCommandWarnings(t *testing.T) {
	path := writeConfig(t, "send-key-port=eighty\n")

	out, stderr, err := runCommand(t, "config", "--config", path)
	require.NoError(t, err)

	assert.Contains(t, stderr, "warning: send-key-port")
	assert.Equal(t, config.DefaultPort, decodeConfig(t, out).Port)
}

// TestInvalidPortFlag tests that flag overrides are validated
func TestInvalidPortFlag(t *testing.T) {
	_, _, err := runCommand(t, "config", "--config", missingConfig(t), "--port", "70000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyPort)
}

func launchRelay(t *testing.T) *lifecycle.Coordinator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.StaticRoot = t.TempDir()
	c := lifecycle.New(cfg, lifecycle.Options{NoCompanion: true, Logger: pslog.NoopLogger()})
	require.True(t, c.Launch(context.Background()))
	t.Cleanup(func() { c.Shutdown(context.Background()) })
	return c
}

// TestSendThenPoll tests the client commands against a running relay
func TestSendThenPoll(t *testing.T) {
	c := launchRelay(t)
	port := strconv.Itoa(c.Port())
	cfgPath := missingConfig(t)

	out, _, err := runCommand(t, "send", "--config", cfgPath, "--port", port, "Untitled - Notepad", "a=b{ENTER}")
	require.NoError(t, err)
	assert.Equal(t, "Action sequence accepted\n", out)

	out, _, err = runCommand(t, "send", "--config", cfgPath, "--port", port, "Mail", "x y")
	require.NoError(t, err)
	assert.Equal(t, 2, c.Pending())

	out, _, err = runCommand(t, "poll", "--config", cfgPath, "--port", port)
	require.NoError(t, err)
	assert.Equal(t, "Untitled - Notepad=a=b{ENTER}\nMail=x y\n", out)
	assert.True(t, c.Ready())
}

// TestPollEmptyQueue tests that poll prints nothing when the queue is empty
func TestPollEmptyQueue(t *testing.T) {
	c := launchRelay(t)

	out, _, err := runCommand(t, "poll", "--config", missingConfig(t), "--port", strconv.Itoa(c.Port()))
	require.NoError(t, err)
	assert.Empty(t, out)
}

// TestSendRejectsInvalidPattern tests target validation before any connection
func TestSendRejectsInvalidPattern(t *testing.T) {
	_, _, err := runCommand(t, "send", "--config", missingConfig(t), "--match", "regex", "(", "keys")
	require.Error(t, err)
}

// TestSendRejectsUnknownMatch tests the --match parser
func TestSendRejectsUnknownMatch(t *testing.T) {
	_, _, err := runCommand(t, "send", "--config", missingConfig(t), "--match", "fuzzy", "w", "keys")
	require.Error(t, err)
}

// TestSendWaitReadyNeedsStatusAPI tests that --wait-ready requires the status API
func TestSendWaitReadyNeedsStatusAPI(t *testing.T) {
	_, _, err := runCommand(t, "send", "--config", missingConfig(t), "--wait-ready", "1s", "w", "keys")
	require.ErrorIs(t, err, errNoStatusAPI)
}

// TestSendWaitReady tests waiting on the status API before sending
func TestSendWaitReady(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Port = 0
	cfg.StaticRoot = t.TempDir()
	cfg.StatusListen = "127.0.0.1:0"
	c := lifecycle.New(cfg, lifecycle.Options{NoCompanion: true, Logger: pslog.NoopLogger()})
	require.True(t, c.Launch(context.Background()))
	defer c.Shutdown(context.Background())

	// An empty poll flips the hint to READY.
	_, ok := c.Queue().TryDequeue()
	require.False(t, ok)

	out, _, err := runCommand(t, "send", "--config", missingConfig(t),
		"--port", strconv.Itoa(c.Port()),
		"--status-listen", c.StatusAddr(),
		"--wait-ready", "5s",
		"w", "keys")
	require.NoError(t, err)
	assert.Equal(t, "Action sequence accepted\n", out)
	assert.Equal(t, 1, c.Pending())
}

// TestSendRelayDown tests the error when nothing listens on the port
func TestSendRelayDown(t *testing.T) {
	c := launchRelay(t)
	port := strconv.Itoa(c.Port())
	require.NoError(t, c.Shutdown(context.Background()))

	_, _, err := runCommand(t, "send", "--config", missingConfig(t), "--port", port, "w", "keys")
	require.Error(t, err)
}

// TestWatchNeedsStatusAPI tests the watch precondition
func TestWatchNeedsStatusAPI(t *testing.T) {
	_, _, err := runCommand(t, "watch", "--config", missingConfig(t))
	require.Error(t, err)
}

// TestFormatEvent tests the watch output line
func TestFormatEvent(t *testing.T) {
	assert.Equal(t, "enqueue pending=3 state=BUSY",
		formatEvent(queue.Event{Kind: queue.EventEnqueue, Pending: 3, State: queue.Busy}))
	assert.Equal(t, "empty_poll pending=0 state=READY",
		formatEvent(queue.Event{Kind: queue.EventEmptyPoll, State: queue.Ready}))
}

// TestPagesExtract tests writing the built-in pages into a directory
func TestPagesExtract(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "static")

	out, _, err := runCommand(t, "pages", "extract", "--config", missingConfig(t), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "404.html")+"\n"+filepath.Join(dir, "not_implemented.html")+"\n", out)

	out, _, err = runCommand(t, "pages", "extract", "--config", missingConfig(t), dir)
	require.NoError(t, err)
	assert.Empty(t, out)
}

// TestWaitForExit tests that only a daemon relay stops with its host
func TestWaitForExit(t *testing.T) {
	hostDone := make(chan struct{})
	close(hostDone)

	waitForExit(context.Background(), hostDone, true)

	ctx, cancel := context.WithCancel(context.Background())
	returned := make(chan struct{})
	go func() {
		waitForExit(ctx, hostDone, false)
		close(returned)
	}()
	select {
	case <-returned:
		t.Fatal("non-daemon relay stopped with its host")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("waitForExit ignored the context")
	}
}

// TestMatchCommand tests title filtering from arguments and stdin
func TestMatchCommand(t *testing.T) {
	out, _, err := runCommand(t, "match", "--config", missingConfig(t), "--match", "END", "pad",
		"Untitled - Notepad", "Mail", "Scratchpad")
	require.NoError(t, err)
	assert.Equal(t, "Untitled - Notepad\nScratchpad\n", out)

	cmd := newRootCommand(pslog.NoopLogger())
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader("Inbox - Mail\r\n\nCalendar\n"))
	cmd.SetArgs([]string{"match", "--config", missingConfig(t), "--match", "regex", "^In.*Mail$"})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	assert.Equal(t, "Inbox - Mail\n", stdout.String())
}

// TestMatchCommandNoMatch tests the error when nothing matches
func TestMatchCommandNoMatch(t *testing.T) {
	out, _, err := runCommand(t, "match", "--config", missingConfig(t), "--match", "EXACT", "Notes", "Notepad")
	require.ErrorIs(t, err, errNoMatch)
	assert.Empty(t, out)
}

// TestSendTitleMustMatch tests that --title gates sending on the match mode
func TestSendTitleMustMatch(t *testing.T) {
	c := launchRelay(t)
	port := strconv.Itoa(c.Port())
	cfgPath := missingConfig(t)

	_, _, err := runCommand(t, "send", "--config", cfgPath, "--port", port,
		"--match", "START", "--title", "Inbox - Mail", "Mail", "keys")
	require.ErrorIs(t, err, errNoMatch)
	assert.Zero(t, c.Pending())

	_, _, err = runCommand(t, "send", "--config", cfgPath, "--port", port,
		"--match", "END", "--title", "Inbox - Mail", "Mail", "keys")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Pending())
}

// TestConfigCommandProperties tests the properties output format
func TestConfigCommandProperties(t *testing.T) {
	path := writeConfig(t, "send-key-port=6100\n")

	out, _, err := runCommand(t, "config", "--config", path, "--format", "properties")
	require.NoError(t, err)
	assert.Contains(t, out, "send-key-port = 6100\n")
	assert.Contains(t, out, "daemon = true\n")

	_, _, err = runCommand(t, "config", "--config", path, "--format", "toml")
	require.Error(t, err)
}
