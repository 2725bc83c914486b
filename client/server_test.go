package client

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/torsten-rupp/bar-sub003/protocol"
	"github.com/torsten-rupp/bar-sub003/session"
	"github.com/torsten-rupp/bar-sub003/transport"
)

const testGreeting = "SESSION id=aabbcc encryptTypes=NONE"

// fakeServer is the server end of a net.Pipe attached to a Client.
type fakeServer struct {
	t     *testing.T
	conn  net.Conn
	lines chan string
}

// flakyConn fails writes on demand and records Close.
type flakyConn struct {
	net.Conn
	failWrites atomic.Bool
	closed     atomic.Bool
}

func (c *flakyConn) Close() error {
	c.closed.Store(true)
	return c.Conn.Close()
}

func (c *flakyConn) Write(p []byte) (int, error) {
	if c.failWrites.Load() {
		return 0, errors.New("broken pipe")
	}
	return c.Conn.Write(p)
}

func newPipeClient(t *testing.T, opts Options) (*Client, *fakeServer) {
	c, srv, _ := newFlakyPipeClient(t, opts)
	return c, srv
}

func newFlakyPipeClient(t *testing.T, opts Options) (*Client, *fakeServer, *flakyConn) {
	t.Helper()
	clientSide, serverSide := net.Pipe()
	sess, err := session.ParseGreeting(testGreeting)
	require.NoError(t, err)

	flaky := &flakyConn{Conn: clientSide}
	c := New(opts)
	c.attach(flaky, nil, sess, transport.StrategyPlain)

	srv := &fakeServer{t: t, conn: serverSide, lines: make(chan string, 1024)}
	go srv.readLoop()
	t.Cleanup(func() {
		c.Close()
		serverSide.Close()
	})
	return c, srv, flaky
}

func (s *fakeServer) readLoop() {
	defer close(s.lines)
	reader := bufio.NewReader(s.conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		s.lines <- strings.TrimRight(line, "\n")
	}
}

// next returns the next line written by the client.
func (s *fakeServer) next() string {
	s.t.Helper()
	select {
	case line, ok := <-s.lines:
		require.True(s.t, ok, "client connection closed")
		return line
	case <-time.After(2 * time.Second):
		s.t.Fatal("timed out waiting for a client line")
	}
	return ""
}

// nextCommand returns the id and the rest of the next command line.
func (s *fakeServer) nextCommand() (uint64, string) {
	s.t.Helper()
	line := s.next()
	idField, rest, _ := strings.Cut(line, " ")
	id, err := strconv.ParseUint(idField, 10, 64)
	require.NoError(s.t, err, line)
	return id, rest
}

func (s *fakeServer) send(line string) {
	s.t.Helper()
	require.NoError(s.t, s.write(line))
}

// write is safe to call from helper goroutines.
func (s *fakeServer) write(line string) error {
	_, err := io.WriteString(s.conn, line+"\n")
	return err
}

func (s *fakeServer) reply(id uint64, completed bool, code protocol.ErrorCode, data string) {
	s.t.Helper()
	s.send(protocol.FormatResult(id, completed, code, data))
}

// waitTimeout bounds Wait calls in tests.
func waitTimeout(t *testing.T, c *Client, cmd *Command) error {
	t.Helper()
	done, err := c.WaitFor(cmd, 2*time.Second)
	require.True(t, done, "command %d not done", cmd.ID())
	return err
}
