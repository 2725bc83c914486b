package client

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/torsten-rupp/bar-sub003/protocol"
	"github.com/torsten-rupp/bar-sub003/session"
	"github.com/torsten-rupp/bar-sub003/transport"
)

// Protocol version this client speaks. A different server major version is
// rejected, a different minor version is logged.
const (
	ProtocolVersionMajor = 8
	ProtocolVersionMinor = 0
)

const (
	// DefaultTimeout applies to commands submitted without WithTimeout.
	DefaultTimeout = 30 * time.Second
	// NoTimeout disables the command deadline.
	NoTimeout time.Duration = -1

	defaultWriteTimeout = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	Host    string
	Port    int
	TLSPort int

	ForceTLS         bool
	Credentials      transport.Credentials
	KeystoreFile     string
	KeystorePassword string
	HomeDir          string
	ConfigDir        string

	Password string

	// Timeout is the default command timeout, DefaultTimeout when zero.
	Timeout      time.Duration
	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// Prompter answers interactive server requests. Without one, restore
	// confirmations are answered with abort and password requests refused.
	Prompter Prompter
}

// Version is the server protocol version.
type Version struct {
	Major int
	Minor int
}

// Client multiplexes commands over one connection to the backup server.
type Client struct {
	opts   Options
	nextID atomic.Uint64
	events *eventHub

	mu            sync.Mutex
	conn          *connection
	version       Version
	pathSeparator string
}

// New returns an unconnected client.
func New(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Client{opts: opts, events: newEventHub()}
}

func (c *Client) allocID() uint64 {
	return c.nextID.Add(1)
}

// ConnectContext negotiates the transport, authorizes and checks the server
// version. It is a no-op when the client is already connected.
func (c *Client) ConnectContext(ctx context.Context) error {
	if c.Connected() {
		return nil
	}

	tc, err := transport.Negotiate(ctx, transport.Options{
		Host:             c.opts.Host,
		Port:             c.opts.Port,
		TLSPort:          c.opts.TLSPort,
		ForceTLS:         c.opts.ForceTLS,
		Credentials:      c.opts.Credentials,
		KeystoreFile:     c.opts.KeystoreFile,
		KeystorePassword: c.opts.KeystorePassword,
		HomeDir:          c.opts.HomeDir,
		ConfigDir:        c.opts.ConfigDir,
		DialTimeout:      c.opts.DialTimeout,
		NextID:           c.allocID,
	})
	if err != nil {
		return wrapError(err, KindConnection, protocol.ErrorNone, "connect "+c.opts.Host)
	}

	c.attach(tc.Conn, tc.Reader, tc.Session, tc.Strategy)
	if err := c.handshake(ctx); err != nil {
		c.Close()
		return err
	}
	log.Info("session established", "host", c.opts.Host, "strategy", tc.Strategy.String(),
		"version", c.ServerVersion(), "scheme", tc.Session.Scheme())
	return nil
}

// attach installs rw as the live connection and starts its workers.
func (c *Client) attach(rw io.ReadWriteCloser, reader *bufio.Reader, sess *session.Context, strategy transport.Strategy) {
	conn := newConnection(rw, reader, connectionConfig{
		session:      sess,
		strategy:     strategy,
		nextID:       c.allocID,
		events:       c.events,
		prompter:     c.opts.Prompter,
		writeTimeout: c.opts.WriteTimeout,
	})
	conn.start()

	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		if err := old.shutdown(); err != nil {
			log.Debug("stale connection close failed", "error", err)
		}
	}
}

func (c *Client) handshake(ctx context.Context) error {
	c.mu.Lock()
	sess := c.conn.session
	c.mu.Unlock()

	auth, err := sess.AuthorizeParams(c.opts.Password)
	if err != nil {
		return wrapError(err, KindCommunication, protocol.ErrorAuthorization, "encrypt password")
	}
	if _, err := c.Execute(ctx, "AUTHORIZE "+auth); err != nil {
		return wrapError(err, KindConnection, CodeOf(err), "authorization failed")
	}

	result, err := c.ExecuteOne(ctx, "VERSION")
	if err != nil {
		return wrapError(err, KindConnection, CodeOf(err), "version query failed")
	}
	major, errMajor := result.Int("major")
	minor, errMinor := result.Int("minor")
	if err := errors.Join(errMajor, errMinor); err != nil {
		return wrapError(err, KindConnection, protocol.ErrorExpectedParameter, "invalid version reply")
	}
	if major != ProtocolVersionMajor {
		return newError(KindConnection, protocol.ErrorIncompatibleVersion,
			"server protocol version %d.%d, client speaks %d.%d", major, minor, ProtocolVersionMajor, ProtocolVersionMinor)
	}
	if minor != ProtocolVersionMinor {
		log.Warn("server protocol minor version differs", "server", minor, "client", ProtocolVersionMinor)
	}

	separator := "/"
	if result, err := c.ExecuteOne(ctx, "GET "+protocol.NewEncoder().String("name", "PATH_SEPARATOR").Encode()); err != nil {
		log.Warn("path separator query failed", "error", err)
	} else {
		separator = result.String("value", separator)
	}

	c.mu.Lock()
	c.version = Version{Major: major, Minor: minor}
	c.pathSeparator = separator
	c.mu.Unlock()
	return nil
}

func (c *Client) current() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connected reports whether a live connection exists.
func (c *Client) Connected() bool {
	conn := c.current()
	return conn != nil && conn.alive()
}

// ServerVersion returns the version reported at connect.
func (c *Client) ServerVersion() Version {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// PathSeparator returns the server's file path separator.
func (c *Client) PathSeparator() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pathSeparator
}

// Strategy returns how the current connection was established.
func (c *Client) Strategy() transport.Strategy {
	if conn := c.current(); conn != nil {
		return conn.strategy
	}
	return transport.StrategyPlain
}

// Secure reports whether the current connection is TLS protected.
func (c *Client) Secure() bool {
	conn := c.current()
	return conn != nil && conn.strategy.Secure()
}

// Submit sends line ("NAME param=value ...") under a fresh id and returns
// without waiting for a result.
func (c *Client) Submit(line string, opts ...CommandOption) (*Command, error) {
	line = strings.TrimSpace(line)
	if strings.ContainsAny(line, "\r\n") {
		return nil, newError(KindCommand, protocol.ErrorParse, "command contains a line break")
	}

	conn := c.current()
	if conn == nil || !conn.alive() {
		return nil, ErrDisconnected
	}

	cfg := commandConfig{timeout: c.opts.Timeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	name, data, _ := strings.Cut(line, " ")
	if name == "" {
		return nil, newError(KindCommand, protocol.ErrorUnknownCommand, "empty command")
	}

	cmd := newCommand(c.allocID(), line, cfg)
	if err := conn.register(cmd); err != nil {
		return nil, err
	}
	if err := conn.sendCommand(cmd.id, name, strings.TrimSpace(data)); err != nil {
		conn.unregister(cmd.id)
		cmd.terminate(protocol.ErrorNetworkSend, err.Error())
		return nil, err
	}
	return cmd, nil
}

// Wait blocks until cmd is done or its deadline elapses. An elapsed deadline
// aborts the command with a timeout error. Cancelling ctx returns ctx.Err()
// and leaves the command running.
func (c *Client) Wait(ctx context.Context, cmd *Command) error {
	for {
		changed := cmd.notify()
		if cmd.Done() {
			return cmd.Err()
		}

		var (
			timer   *time.Timer
			expired <-chan time.Time
		)
		if !cmd.deadline.IsZero() {
			remaining := time.Until(cmd.deadline)
			if remaining <= 0 {
				c.expire(cmd)
				return cmd.Err()
			}
			timer = time.NewTimer(remaining)
			expired = timer.C
		}

		select {
		case <-changed:
			if timer != nil {
				timer.Stop()
			}
		case <-expired:
			c.expire(cmd)
			return cmd.Err()
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		}
	}
}

// WaitFor waits at most d and reports whether cmd is done. It is the bounded
// building block for callers that must keep their own loop running.
func (c *Client) WaitFor(cmd *Command, d time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err := c.Wait(ctx, cmd)
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		if !cmd.Done() {
			return false, nil
		}
		return true, cmd.Err()
	}
	return true, err
}

// Poll waits for cmd in slices of length slice, calling pump between slices.
func (c *Client) Poll(ctx context.Context, cmd *Command, slice time.Duration, pump func()) error {
	for {
		done, err := c.WaitFor(cmd, slice)
		if done {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if pump != nil {
			pump()
		}
	}
}

// expire turns a command whose deadline passed into a timed out abort.
func (c *Client) expire(cmd *Command) {
	pending, _ := cmd.abort(protocol.ErrorNetworkTimeout, "timeout")
	conn := c.current()
	if conn == nil {
		return
	}
	conn.unregister(cmd.id)
	if pending {
		log.Debug("command timed out", "id", cmd.id, "line", redact(cmd.line))
		conn.notifyAbort(cmd.id)
	}
}

// Abort stops cmd locally and asks the server to stop it. Local state is
// aborted even when the notification fails. Aborting twice is a no-op.
func (c *Client) Abort(cmd *Command) {
	pending, changed := cmd.abort(protocol.ErrorAborted, "aborted")
	if !changed {
		return
	}
	conn := c.current()
	if conn == nil {
		return
	}
	conn.unregister(cmd.id)
	if pending {
		conn.notifyAbort(cmd.id)
	}
}

// Remove unregisters cmd without aborting it.
func (c *Client) Remove(cmd *Command) {
	if conn := c.current(); conn != nil {
		conn.unregister(cmd.id)
	}
}

// Execute submits line, waits for completion and returns the buffered
// results. Cancelling ctx aborts the command.
func (c *Client) Execute(ctx context.Context, line string, opts ...CommandOption) ([]protocol.Params, error) {
	cmd, err := c.Submit(line, opts...)
	if err != nil {
		return nil, err
	}
	defer c.Remove(cmd)

	if err := c.Wait(ctx, cmd); err != nil {
		if ctx.Err() != nil && !cmd.Done() {
			c.Abort(cmd)
		}
		return nil, err
	}
	return cmd.Results(), nil
}

// ExecuteOne is Execute for commands answering with a single result. It
// returns empty Params when the server sent none.
func (c *Client) ExecuteOne(ctx context.Context, line string, opts ...CommandOption) (protocol.Params, error) {
	results, err := c.Execute(ctx, line, opts...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return protocol.Params{}, nil
	}
	return results[0], nil
}

// Close answers queued server requests with an abort, sends QUIT, closes the
// connection and completes every remaining command with a disconnected error.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}

	err := conn.shutdown()
	c.events.closeAll()
	log.Info("disconnected", "host", c.opts.Host)
	return err
}
