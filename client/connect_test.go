package client

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torsten-rupp/bar-sub003/protocol"
	"github.com/torsten-rupp/bar-sub003/transport"
)

// handlerFunc answers one command with a data payload or an error code.
type handlerFunc func(data string) (protocol.ErrorCode, string)

// scriptedServer is a minimal plaintext server on a loopback port.
type scriptedServer struct {
	port     int
	mu       sync.Mutex
	received []string
}

func startScriptedServer(t *testing.T, handlers map[string]handlerFunc) *scriptedServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &scriptedServer{port: ln.Addr().(*net.TCPAddr).Port}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, handlers)
		}
	}()
	return s
}

func (s *scriptedServer) serve(conn net.Conn, handlers map[string]handlerFunc) {
	defer conn.Close()
	if _, err := conn.Write([]byte(testGreeting + "\n")); err != nil {
		return
	}
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\n")
		s.mu.Lock()
		s.received = append(s.received, line)
		s.mu.Unlock()

		idField, rest, _ := strings.Cut(line, " ")
		id, err := strconv.ParseUint(idField, 10, 64)
		if err != nil {
			return
		}
		name, data, _ := strings.Cut(rest, " ")
		if name == "QUIT" {
			return
		}
		code, reply := protocol.ErrorUnknownCommand, ""
		if h, ok := handlers[name]; ok {
			code, reply = h(data)
		}
		if _, err := conn.Write([]byte(protocol.FormatResult(id, true, code, reply) + "\n")); err != nil {
			return
		}
	}
}

func (s *scriptedServer) lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.received...)
}

func ok(reply string) handlerFunc {
	return func(string) (protocol.ErrorCode, string) { return protocol.ErrorNone, reply }
}

func connectOptions(t *testing.T, port int) Options {
	return Options{
		Host:        "127.0.0.1",
		Port:        port,
		Password:    "secret",
		HomeDir:     t.TempDir(),
		ConfigDir:   t.TempDir(),
		DialTimeout: 2 * time.Second,
		Timeout:     2 * time.Second,
	}
}

func TestConnect_PlainHandshake(t *testing.T) {
	srv := startScriptedServer(t, map[string]handlerFunc{
		"AUTHORIZE": ok(""),
		"VERSION":   ok("major=8 minor=1"),
		"GET":       ok(`value='\\'`),
		"STATUS":    ok("state=RUNNING"),
	})

	c := New(connectOptions(t, srv.port))
	require.NoError(t, c.ConnectContext(context.Background()))
	defer c.Close()

	assert.True(t, c.Connected())
	assert.False(t, c.Secure())
	assert.Equal(t, transport.StrategyPlain, c.Strategy())
	assert.Equal(t, Version{Major: 8, Minor: 1}, c.ServerVersion())
	assert.Equal(t, `\`, c.PathSeparator())

	result, err := c.ExecuteOne(context.Background(), "STATUS")
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", result.String("state", ""))

	// already connected
	require.NoError(t, c.Connect())

	lines := srv.lines()
	require.GreaterOrEqual(t, len(lines), 3)
	assert.True(t, strings.HasPrefix(lines[0], "1 AUTHORIZE encryptType=NONE encryptedPassword=base64:"), lines[0])
	assert.Equal(t, "2 VERSION", lines[1])
	assert.Equal(t, "3 GET name=PATH_SEPARATOR", lines[2])
}

func TestConnect_IncompatibleVersion(t *testing.T) {
	srv := startScriptedServer(t, map[string]handlerFunc{
		"AUTHORIZE": ok(""),
		"VERSION":   ok("major=7 minor=0"),
	})

	c := New(connectOptions(t, srv.port))
	err := c.ConnectContext(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
	assert.Equal(t, protocol.ErrorIncompatibleVersion, CodeOf(err))
	assert.False(t, c.Connected())
}

func TestConnect_AuthorizationFailed(t *testing.T) {
	srv := startScriptedServer(t, map[string]handlerFunc{
		"AUTHORIZE": func(string) (protocol.ErrorCode, string) {
			return protocol.ErrorInvalidPassword, "errorMessage='invalid password'"
		},
	})

	c := New(connectOptions(t, srv.port))
	err := c.ConnectContext(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
	assert.Equal(t, protocol.ErrorInvalidPassword, CodeOf(err))
	assert.False(t, c.Connected())
}

func TestConnect_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(connectOptions(t, port))
	err = c.ConnectContext(context.Background())
	require.Error(t, err)
	assert.True(t, IsKind(err, KindConnection))
	assert.Equal(t, transport.ReasonRefused, transport.ReasonOf(err))
}
