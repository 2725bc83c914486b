// Package transport establishes the byte stream to the backup server. It
// walks an ordered list of connection strategies (STARTTLS and direct TLS with
// PEM or keystore credentials, then plain) and returns the first connection
// that completes both the TLS handshake and the session greeting.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/torsten-rupp/bar-sub003/protocol"
	"github.com/torsten-rupp/bar-sub003/session"
)

// DefaultDialTimeout bounds every dial, handshake and greeting read.
const DefaultDialTimeout = 10 * time.Second

// Strategy is one way of opening the connection.
type Strategy int

const (
	StrategyStartTLSPEM Strategy = iota
	StrategyDirectTLSPEM
	StrategyStartTLSKeystore
	StrategyDirectTLSKeystore
	StrategyPlain
)

func (s Strategy) String() string {
	switch s {
	case StrategyStartTLSPEM:
		return "starttls/pem"
	case StrategyDirectTLSPEM:
		return "tls/pem"
	case StrategyStartTLSKeystore:
		return "starttls/keystore"
	case StrategyDirectTLSKeystore:
		return "tls/keystore"
	case StrategyPlain:
		return "plain"
	}
	return "strategy(" + strconv.Itoa(int(s)) + ")"
}

// Secure reports whether the strategy yields a TLS channel.
func (s Strategy) Secure() bool {
	return s != StrategyPlain
}

// Options controls negotiation.
type Options struct {
	Host    string
	Port    int // plaintext port, 0 disables STARTTLS and plain strategies
	TLSPort int // direct TLS port, 0 disables direct TLS strategies

	// ForceTLS drops the plain, unencrypted fallback.
	ForceTLS bool

	// Credentials are explicit PEM paths tried before the default locations.
	Credentials      Credentials
	KeystoreFile     string
	KeystorePassword string

	// AppName, HomeDir and ConfigDir shape the default credential locations.
	AppName   string
	HomeDir   string
	ConfigDir string

	DialTimeout time.Duration

	// NextID allocates the command id used for START_TLS.
	NextID func() uint64
}

// Conn is a negotiated connection. Reads must go through Reader, which may
// already hold buffered data.
type Conn struct {
	net.Conn
	Reader   *bufio.Reader
	Session  *session.Context
	Strategy Strategy
}

// Secure reports whether the connection is TLS protected.
func (c *Conn) Secure() bool {
	return c.Strategy.Secure()
}

type attempt struct {
	strategy Strategy
	port     int
	config   func() (*tls.Config, error)
}

// Negotiate tries every applicable strategy in order and returns the first
// connection that succeeds. Sockets of failed attempts are closed.
func Negotiate(ctx context.Context, opts Options) (*Conn, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.NextID == nil {
		var counter atomic.Uint64
		opts.NextID = func() uint64 { return counter.Add(1) }
	}

	var pemCfg, keystoreCfg func() (*tls.Config, error)
	if creds, ok := opts.FindCredentials(); ok {
		pemCfg = func() (*tls.Config, error) { return pemConfig(opts.Host, creds) }
	}
	if path, ok := opts.FindKeystore(); ok {
		keystoreCfg = func() (*tls.Config, error) {
			return keystoreConfig(opts.Host, path, opts.KeystorePassword)
		}
	}

	attempts := []attempt{
		{StrategyStartTLSPEM, opts.Port, pemCfg},
		{StrategyDirectTLSPEM, opts.TLSPort, pemCfg},
		{StrategyStartTLSKeystore, opts.Port, keystoreCfg},
		{StrategyDirectTLSKeystore, opts.TLSPort, keystoreCfg},
	}
	if !opts.ForceTLS {
		attempts = append(attempts, attempt{StrategyPlain, opts.Port, nil})
	}

	var first *Error
	for _, a := range attempts {
		if a.port <= 0 || (a.strategy.Secure() && a.config == nil) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		address := net.JoinHostPort(opts.Host, strconv.Itoa(a.port))
		log.Debug("trying connection strategy", "strategy", a.strategy.String(), "address", address)

		conn, err := tryAttempt(ctx, opts, a, address)
		if err == nil {
			log.Info("connected", "strategy", a.strategy.String(), "address", address)
			return conn, nil
		}

		te := &Error{Reason: ReasonUnknown, Strategy: a.strategy, Address: address, Err: err}
		var se *stageError
		if errors.As(err, &se) {
			te.Reason = se.reason
		} else {
			te.Reason = classify(err)
		}
		log.Debug("connection strategy failed", "strategy", a.strategy.String(), "reason", te.Reason.String(), "error", err)
		if first == nil {
			first = te
		}
	}

	if first != nil {
		return nil, first
	}
	return nil, &Error{Reason: ReasonNoCredentials, Err: ErrNoCredentials}
}

func tryAttempt(ctx context.Context, opts Options, a attempt, address string) (*Conn, error) {
	var tlsCfg *tls.Config
	if a.config != nil {
		cfg, err := a.config()
		if err != nil {
			return nil, &stageError{reason: ReasonNoCredentials, err: err}
		}
		tlsCfg = cfg
	}

	dialer := &net.Dialer{Timeout: opts.DialTimeout}
	switch a.strategy {
	case StrategyDirectTLSPEM, StrategyDirectTLSKeystore:
		return dialDirectTLS(ctx, dialer, address, tlsCfg, a.strategy, opts.DialTimeout)
	case StrategyStartTLSPEM, StrategyStartTLSKeystore:
		return dialStartTLS(ctx, dialer, address, tlsCfg, a.strategy, opts)
	default:
		return dialPlain(ctx, dialer, address, opts.DialTimeout)
	}
}

func dialPlain(ctx context.Context, dialer *net.Dialer, address string, timeout time.Duration) (*Conn, error) {
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(raw)
	sess, err := readGreeting(raw, reader, timeout)
	if err != nil {
		raw.Close()
		return nil, sessionFailed(err)
	}
	return &Conn{Conn: raw, Reader: reader, Session: sess, Strategy: StrategyPlain}, nil
}

func dialDirectTLS(ctx context.Context, dialer *net.Dialer, address string, cfg *tls.Config, strategy Strategy, timeout time.Duration) (*Conn, error) {
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(raw, cfg)
	if err := handshake(ctx, tlsConn, timeout); err != nil {
		raw.Close()
		return nil, handshakeFailed(err)
	}
	reader := bufio.NewReader(tlsConn)
	sess, err := readGreeting(tlsConn, reader, timeout)
	if err != nil {
		tlsConn.Close()
		return nil, sessionFailed(err)
	}
	return &Conn{Conn: tlsConn, Reader: reader, Session: sess, Strategy: strategy}, nil
}

// dialStartTLS opens a plain socket, reads the greeting, asks the server to
// switch to TLS and upgrades the socket in place.
func dialStartTLS(ctx context.Context, dialer *net.Dialer, address string, cfg *tls.Config, strategy Strategy, opts Options) (*Conn, error) {
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	reader := bufio.NewReader(raw)
	sess, err := readGreeting(raw, reader, opts.DialTimeout)
	if err != nil {
		raw.Close()
		return nil, sessionFailed(err)
	}

	if err := startTLS(raw, reader, opts.NextID(), opts.DialTimeout); err != nil {
		raw.Close()
		return nil, handshakeFailed(err)
	}

	tlsConn := tls.Client(raw, cfg)
	if err := handshake(ctx, tlsConn, opts.DialTimeout); err != nil {
		raw.Close()
		return nil, handshakeFailed(err)
	}
	return &Conn{Conn: tlsConn, Reader: bufio.NewReader(tlsConn), Session: sess, Strategy: strategy}, nil
}

func handshake(ctx context.Context, conn *tls.Conn, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return conn.HandshakeContext(ctx)
}

func readGreeting(conn net.Conn, reader *bufio.Reader, timeout time.Duration) (*session.Context, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read session greeting: %w", err)
	}
	log.Debug("received", "line", line)
	return session.ParseGreeting(line)
}

func startTLS(conn net.Conn, reader *bufio.Reader, id uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}
	defer conn.SetDeadline(time.Time{})

	line := protocol.FormatCommand(id, "START_TLS", "")
	log.Debug("sending", "line", line)
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("send START_TLS: %w", err)
	}

	for {
		reply, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read START_TLS result: %w", err)
		}
		log.Debug("received", "line", reply)
		msg, err := protocol.ParseLine(reply)
		if err != nil {
			return err
		}
		result, ok := msg.(*protocol.Result)
		if !ok || result.ID != id {
			continue
		}
		if result.Code != protocol.ErrorNone {
			return fmt.Errorf("START_TLS rejected: %s %s", result.Code, result.Data)
		}
		if !result.Completed {
			continue
		}
		return nil
	}
}
