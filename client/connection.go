package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/torsten-rupp/bar-sub003/protocol"
	"github.com/torsten-rupp/bar-sub003/session"
	"github.com/torsten-rupp/bar-sub003/transport"
)

type deadlineWriter interface {
	SetWriteDeadline(t time.Time) error
}

// connection is one live byte stream with its reader and dispatcher.
type connection struct {
	rw       io.ReadWriteCloser
	reader   *bufio.Reader
	session  *session.Context
	strategy transport.Strategy
	nextID   func() uint64
	events   *eventHub

	writeTimeout time.Duration
	writeMu      sync.Mutex

	mu       sync.Mutex
	commands map[uint64]*Command
	dead     bool

	closing    atomic.Bool
	dispatcher *dispatcher
	group      *errgroup.Group
	cancel     context.CancelFunc
}

type connectionConfig struct {
	session      *session.Context
	strategy     transport.Strategy
	nextID       func() uint64
	events       *eventHub
	prompter     Prompter
	writeTimeout time.Duration
}

func newConnection(rw io.ReadWriteCloser, reader *bufio.Reader, cfg connectionConfig) *connection {
	if reader == nil {
		reader = bufio.NewReader(rw)
	}
	c := &connection{
		rw:           rw,
		reader:       reader,
		session:      cfg.session,
		strategy:     cfg.strategy,
		nextID:       cfg.nextID,
		events:       cfg.events,
		writeTimeout: cfg.writeTimeout,
		commands:     make(map[uint64]*Command),
	}
	c.dispatcher = newDispatcher(c, cfg.prompter)
	return c
}

// start launches the reader and the dispatcher.
func (c *connection) start() {
	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	c.group = group
	c.cancel = cancel
	c.dispatcher.markStarted()
	group.Go(c.readLoop)
	group.Go(func() error { return c.dispatcher.run(ctx) })
}

func (c *connection) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.dead
}

func (c *connection) register(cmd *Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return ErrDisconnected
	}
	c.commands[cmd.id] = cmd
	return nil
}

func (c *connection) unregister(id uint64) {
	c.mu.Lock()
	delete(c.commands, id)
	c.mu.Unlock()
}

func (c *connection) lookup(id uint64) *Command {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands[id]
}

// writeLine sends one line. Writers are serialized so lines never interleave.
func (c *connection) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if dw, ok := c.rw.(deadlineWriter); ok && c.writeTimeout > 0 {
		_ = dw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer dw.SetWriteDeadline(time.Time{})
	}
	log.Debug("sending", "line", redact(line))
	if _, err := io.WriteString(c.rw, line+"\n"); err != nil {
		return wrapError(err, KindCommunication, protocol.ErrorNetworkSend, "send failed")
	}
	return nil
}

func (c *connection) sendCommand(id uint64, name, data string) error {
	return c.writeLine(protocol.FormatCommand(id, name, data))
}

func (c *connection) sendResult(id uint64, code protocol.ErrorCode, data string) error {
	return c.writeLine(protocol.FormatResult(id, true, code, data))
}

// notifyAbort tells the server to stop command id. Errors are only logged.
func (c *connection) notifyAbort(id uint64) {
	if !c.alive() {
		return
	}
	data := protocol.NewEncoder().Uint64("commandId", id).Encode()
	if err := c.sendCommand(c.nextID(), "ABORT", data); err != nil {
		log.Debug("abort notification failed", "id", id, "error", err)
	}
}

func (c *connection) readLoop() error {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if c.closing.Load() {
				c.fail(protocol.ErrorDisconnected, "disconnected")
				return nil
			}
			log.Info("connection lost", "error", err)
			c.fail(protocol.ErrorNetworkReceive, err.Error())
			c.rw.Close()
			return wrapError(err, KindCommunication, protocol.ErrorNetworkReceive, "receive failed")
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		log.Debug("received", "line", line)

		msg, err := protocol.ParseLine(line)
		if err != nil {
			log.Error("protocol error", "error", err)
			c.fail(protocol.ErrorNetworkReceive, err.Error())
			c.rw.Close()
			return wrapError(err, KindCommunication, protocol.ErrorParse, "malformed line")
		}
		switch m := msg.(type) {
		case *protocol.Result:
			cmd := c.lookup(m.ID)
			if cmd == nil {
				log.Debug("result for unknown command dropped", "id", m.ID)
				continue
			}
			cmd.deliver(m)
		case *protocol.Request:
			c.dispatcher.enqueue(m)
		}
	}
}

// fail marks the connection dead and force-completes every registered
// command with code.
func (c *connection) fail(code protocol.ErrorCode, message string) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	pending := make([]*Command, 0, len(c.commands))
	for _, cmd := range c.commands {
		pending = append(pending, cmd)
	}
	c.mu.Unlock()

	forced := 0
	for _, cmd := range pending {
		if cmd.terminate(code, message) {
			forced++
		}
	}
	log.Debug("connection closed", "code", code.String(), "forced", forced)
	c.events.publish(EventDisconnected, map[string]interface{}{
		"code":    code.String(),
		"message": message,
		"pending": forced,
	})
}

// shutdown answers queued callbacks, says QUIT, closes the socket and waits
// for both workers.
func (c *connection) shutdown() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}
	c.dispatcher.stop()
	if c.alive() {
		if err := c.sendCommand(c.nextID(), "QUIT", ""); err != nil {
			log.Debug("QUIT failed", "error", err)
		}
	}
	err := c.rw.Close()
	if c.cancel != nil {
		c.cancel()
	}
	if c.group != nil {
		if werr := c.group.Wait(); werr != nil {
			log.Debug("connection workers stopped", "error", werr)
		}
	}
	c.fail(protocol.ErrorDisconnected, "disconnected")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close connection: %w", err)
	}
	return nil
}

// redact hides encrypted passwords in debug output.
func redact(line string) string {
	i := strings.Index(line, "encryptedPassword=")
	if i < 0 {
		return line
	}
	end := strings.IndexByte(line[i:], ' ')
	if end < 0 {
		return line[:i] + "encryptedPassword=***"
	}
	return line[:i] + "encryptedPassword=***" + line[i+end:]
}
