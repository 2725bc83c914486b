package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/torsten-rupp/bar-sub003/client"
	"github.com/torsten-rupp/bar-sub003/config"
	"github.com/torsten-rupp/bar-sub003/protocol"
)

func TestMain(m *testing.M) {
	logger = newLogger(config.LogConfig{Level: "error"}, false)
	os.Exit(m.Run())
}

// fakeMonitor answers Run with a canned reply and records the command.
type fakeMonitor struct {
	got    string
	reply  string
	err    error
	events chan qmp.Event
}

func (m *fakeMonitor) Connect() error    { return nil }
func (m *fakeMonitor) Disconnect() error { return nil }

func (m *fakeMonitor) Run(command []byte) ([]byte, error) {
	m.got = string(command)
	return []byte(m.reply), m.err
}

func (m *fakeMonitor) Events(context.Context) (<-chan qmp.Event, error) {
	return m.events, nil
}

func TestCustomHandler(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(&customHandler{level: slog.LevelInfo, out: &buf})

	l.Debug("hidden")
	l.Info("connected", "host", "backup1")

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "[INFO] connected host=backup1"), out)
	assert.Contains(t, out, "main_test.go:")
	assert.NotContains(t, out, "hidden")
}

func TestNewLogger_Levels(t *testing.T) {
	l := newLogger(config.LogConfig{Level: "warn"}, false)
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, l.Enabled(context.Background(), slog.LevelWarn))

	l = newLogger(config.LogConfig{Level: "warn"}, true)
	assert.True(t, l.Enabled(context.Background(), slog.LevelDebug))
}

func TestParseArgs(t *testing.T) {
	params, err := parseArgs([]string{"jobUUID=abc", "type=FULL", "pattern=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"jobUUID": "abc", "type": "FULL", "pattern": "a=b"}, params)

	_, err = parseArgs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseArgs([]string{"=x"})
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	m := &fakeMonitor{reply: client.BuildResultJSON([]protocol.Params{
		{"jobUUID": "1", "name": "nightly"},
		{"jobUUID": "2", "name": "weekly"},
	})}

	raw, err := RunCommand(m, "JOB_LIST", map[string]string{"all": "yes"})
	require.NoError(t, err)
	assert.Equal(t, "JOB_LIST", gjson.Get(m.got, "execute").String())
	assert.Equal(t, "yes", gjson.Get(m.got, "arguments.all").String())

	var out bytes.Buffer
	require.NoError(t, printResults(&out, raw))
	assert.Equal(t, "jobUUID=1 name=nightly\njobUUID=2 name=weekly\n", out.String())
}

func TestRunCommand_Error(t *testing.T) {
	m := &fakeMonitor{
		reply: client.BuildErrorJSON(protocol.ErrorUnknownCommand, "unknown command"),
		err:   errors.New("command failed"),
	}
	_, err := RunCommand(m, "NOPE", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
	assert.Contains(t, err.Error(), "UNKNOWN_COMMAND")
}

func TestPrintResults_NoReturn(t *testing.T) {
	assert.Error(t, printResults(&bytes.Buffer{}, []byte(`{"error":{}}`)))
}

func TestWatch_EndsOnDisconnect(t *testing.T) {
	m := &fakeMonitor{events: make(chan qmp.Event, 4)}
	m.events <- qmp.Event{Event: client.EventCallbackRequest, Data: map[string]interface{}{"id": 3, "name": "CONFIRM"}}
	m.events <- qmp.Event{Event: client.EventDisconnected, Data: map[string]interface{}{"code": "DISCONNECTED", "message": "network receive"}}

	err := Watch(context.Background(), m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "network receive")
}

func TestWatch_EndsOnCancel(t *testing.T) {
	m := &fakeMonitor{events: make(chan qmp.Event)}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, Watch(ctx, m))
}

func newScriptedPrompter(input, password string) (*terminalPrompter, *bytes.Buffer) {
	var out bytes.Buffer
	return &terminalPrompter{
		in:           bufio.NewReader(strings.NewReader(input)),
		out:          &out,
		readPassword: func() (string, error) { return password, nil },
	}, &out
}

func TestTerminalPrompter_ConfirmRestore(t *testing.T) {
	tests := []struct {
		input string
		want  client.RestoreAction
	}{
		{"a\n", client.ActionAbort},
		{"s\n", client.ActionSkip},
		{"what\nl\n", client.ActionSkipAll},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			p, out := newScriptedPrompter(tt.input, "")
			action, err := p.ConfirmRestore(context.Background(), client.ConfirmRequest{
				StorageName: "/backup/a.bar",
				EntryName:   "/etc/passwd",
				Error:       "read error",
			})
			require.NoError(t, err)
			assert.Equal(t, tt.want, action)
			assert.Contains(t, out.String(), "read error")
		})
	}
}

func TestTerminalPrompter_ConfirmEOF(t *testing.T) {
	p, _ := newScriptedPrompter("", "")
	action, err := p.ConfirmRestore(context.Background(), client.ConfirmRequest{})
	assert.Error(t, err)
	assert.Equal(t, client.ActionAbort, action)
}

func TestTerminalPrompter_Password(t *testing.T) {
	p, out := newScriptedPrompter("operator\n", "pw")
	answer, ok, err := p.Password(context.Background(), client.PasswordRequest{
		Name:         "ftp.example.org",
		PasswordType: "FTP",
		Hint:         "FTP login",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, client.PasswordAnswer{Name: "operator", Password: "pw"}, answer)
	assert.Contains(t, out.String(), "FTP login")

	p, _ = newScriptedPrompter("", "")
	_, ok, err = p.Password(context.Background(), client.PasswordRequest{Name: "job1", PasswordType: "CRYPT"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTerminalPrompter_Cancelled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := &terminalPrompter{
		in:  bufio.NewReader(strings.NewReader("")),
		out: &bytes.Buffer{},
		readPassword: func() (string, error) {
			<-block
			return "", nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := p.Password(ctx, client.PasswordRequest{PasswordType: "CRYPT"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
}
