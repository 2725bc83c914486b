package client

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

// ResultHandler receives every streamed result of a command in server order.
// It runs on the reader goroutine and must not block on the same client.
type ResultHandler func(cmd *Command, result protocol.Params)

// CompletionHandler is invoked exactly once when a command reaches a terminal
// state: completed by the server, force-completed on connection loss, timed
// out or aborted.
type CompletionHandler func(cmd *Command)

type sinkKind int

const (
	sinkBuffered sinkKind = iota
	sinkStream
)

// resultSink decides once, at submission, where decoded payloads go.
type resultSink struct {
	kind    sinkKind
	handler ResultHandler
}

// CommandOption configures a command at submission.
type CommandOption func(*commandConfig)

type commandConfig struct {
	timeout    time.Duration
	sink       resultSink
	onComplete CompletionHandler
}

// WithTimeout overrides the client's default command timeout. NoTimeout
// waits forever.
func WithTimeout(d time.Duration) CommandOption {
	return func(c *commandConfig) { c.timeout = d }
}

// WithResultHandler streams results to h instead of buffering them.
func WithResultHandler(h ResultHandler) CommandOption {
	return func(c *commandConfig) {
		if h != nil {
			c.sink = resultSink{kind: sinkStream, handler: h}
		}
	}
}

// WithCompletionHandler registers the final callback.
func WithCompletionHandler(h CompletionHandler) CommandOption {
	return func(c *commandConfig) { c.onComplete = h }
}

// Command is one outstanding request, tracked by id until terminal.
type Command struct {
	id       uint64
	line     string
	deadline time.Time
	sink     resultSink

	onComplete CompletionHandler
	finalOnce  sync.Once

	mu        sync.Mutex
	changed   chan struct{}
	queue     []protocol.Params
	params    protocol.Params
	code      protocol.ErrorCode
	message   string
	completed bool
	aborted   bool
}

func newCommand(id uint64, line string, cfg commandConfig) *Command {
	cmd := &Command{
		id:         id,
		line:       line,
		sink:       cfg.sink,
		onComplete: cfg.onComplete,
		changed:    make(chan struct{}),
		params:     protocol.Params{},
		code:       protocol.ErrorUnknown,
	}
	if cfg.timeout > 0 {
		cmd.deadline = time.Now().Add(cfg.timeout)
	}
	return cmd
}

// ID returns the command id.
func (cmd *Command) ID() uint64 { return cmd.id }

// Line returns the request line without the id.
func (cmd *Command) Line() string { return cmd.line }

// Deadline returns the absolute deadline, zero when the command never times out.
func (cmd *Command) Deadline() time.Time { return cmd.deadline }

// Done reports whether the command is completed or aborted.
func (cmd *Command) Done() bool {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.completed || cmd.aborted
}

// Completed reports whether the command was completed, by the server or by a
// connection loss.
func (cmd *Command) Completed() bool {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.completed
}

// Aborted reports whether the command was aborted or timed out.
func (cmd *Command) Aborted() bool {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.aborted
}

// Code returns the current error code. It is ErrorUnknown until the server
// answers.
func (cmd *Command) Code() protocol.ErrorCode {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.code
}

// ErrorMessage returns the error text reported for the command.
func (cmd *Command) ErrorMessage() string {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.message
}

// Params returns the most recently decoded payload.
func (cmd *Command) Params() protocol.Params {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.params
}

// Err returns nil while the command is pending or when it completed without
// error.
func (cmd *Command) Err() error {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.errLocked()
}

func (cmd *Command) errLocked() error {
	switch {
	case cmd.aborted && cmd.code == protocol.ErrorNetworkTimeout:
		return newError(KindTimeout, cmd.code, "command %d timed out", cmd.id)
	case cmd.aborted:
		return newError(KindAborted, protocol.ErrorAborted, "command %d aborted", cmd.id)
	case !cmd.completed || cmd.code == protocol.ErrorNone:
		return nil
	case cmd.code == protocol.ErrorDisconnected:
		return newError(KindDisconnected, cmd.code, "command %d: %s", cmd.id, cmd.message)
	case cmd.code == protocol.ErrorNetworkReceive || cmd.code == protocol.ErrorNetworkSend || cmd.code == protocol.ErrorParse:
		return newError(KindCommunication, cmd.code, "command %d: %s", cmd.id, cmd.message)
	default:
		return newError(KindCommand, cmd.code, "command %d: %s", cmd.id, cmd.message)
	}
}

// Results drains every buffered result without waiting.
func (cmd *Command) Results() []protocol.Params {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	results := cmd.queue
	cmd.queue = nil
	return results
}

// Next returns the next buffered result, waiting for one to arrive. After the
// command is done and drained it returns the command error, or io.EOF.
// Next does not enforce the command deadline; use Client.Wait for that.
func (cmd *Command) Next(ctx context.Context) (protocol.Params, error) {
	for {
		cmd.mu.Lock()
		if len(cmd.queue) > 0 {
			result := cmd.queue[0]
			cmd.queue = cmd.queue[1:]
			cmd.mu.Unlock()
			return result, nil
		}
		if cmd.completed || cmd.aborted {
			err := cmd.errLocked()
			cmd.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return nil, err
		}
		changed := cmd.changed
		cmd.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// notify returns a channel closed on the next state change.
func (cmd *Command) notify() <-chan struct{} {
	cmd.mu.Lock()
	defer cmd.mu.Unlock()
	return cmd.changed
}

// signalLocked wakes every waiter.
func (cmd *Command) signalLocked() {
	close(cmd.changed)
	cmd.changed = make(chan struct{})
}

// deliver applies one result line. It runs on the reader goroutine. A
// streamed payload is handed to the handler before completion is signalled.
func (cmd *Command) deliver(r *protocol.Result) {
	var (
		stream  ResultHandler
		payload protocol.Params
	)
	complete := r.Completed

	cmd.mu.Lock()
	if cmd.completed || cmd.aborted {
		cmd.mu.Unlock()
		return
	}
	if r.Code == protocol.ErrorNone {
		cmd.code = protocol.ErrorNone
		payload = protocol.Params{}
		if r.Data != "" {
			params, err := protocol.DecodeParams(r.Data)
			if err != nil {
				cmd.code = protocol.ErrorParse
				cmd.message = err.Error()
				complete = true
				payload = nil
			} else {
				cmd.params = params
				payload = params
				if cmd.sink.kind != sinkStream {
					cmd.queue = append(cmd.queue, params)
					cmd.signalLocked()
				}
			}
		}
		// handlers see every line, buffers only non-empty payloads
		if payload != nil && cmd.sink.kind == sinkStream {
			stream = cmd.sink.handler
		}
	} else {
		cmd.code = r.Code
		cmd.message = errorText(r.Code, r.Data)
		complete = true
	}
	cmd.mu.Unlock()

	if stream != nil {
		cmd.stream(stream, payload)
	}
	if !complete {
		return
	}

	cmd.mu.Lock()
	if cmd.completed || cmd.aborted {
		cmd.mu.Unlock()
		return
	}
	cmd.completed = true
	cmd.signalLocked()
	cmd.mu.Unlock()
	cmd.finish()
}

func (cmd *Command) stream(h ResultHandler, payload protocol.Params) {
	defer func() {
		if p := recover(); p != nil {
			log.Warn("result handler panicked", "id", cmd.id, "panic", p)
		}
	}()
	h(cmd, payload)
}

// terminate force-completes a pending command with code. It reports whether
// the command changed state.
func (cmd *Command) terminate(code protocol.ErrorCode, message string) bool {
	cmd.mu.Lock()
	if cmd.completed || cmd.aborted {
		cmd.mu.Unlock()
		return false
	}
	cmd.code = code
	cmd.message = message
	cmd.completed = true
	cmd.signalLocked()
	cmd.mu.Unlock()

	cmd.finish()
	return true
}

// abort moves the command to the aborted state and clears its queue. It
// reports whether the command was still pending.
func (cmd *Command) abort(code protocol.ErrorCode, message string) (pending bool, changed bool) {
	cmd.mu.Lock()
	if cmd.aborted {
		cmd.mu.Unlock()
		return false, false
	}
	pending = !cmd.completed
	cmd.aborted = true
	cmd.queue = nil
	if pending || cmd.code == protocol.ErrorNone {
		cmd.code = code
		cmd.message = message
	}
	cmd.signalLocked()
	cmd.mu.Unlock()

	cmd.finish()
	return pending, true
}

func (cmd *Command) finish() {
	cmd.finalOnce.Do(func() {
		if cmd.onComplete == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				log.Warn("completion handler panicked", "id", cmd.id, "panic", p)
			}
		}()
		cmd.onComplete(cmd)
	})
}

// errorText extracts the message of an error result.
func errorText(code protocol.ErrorCode, data string) string {
	if data == "" {
		return code.String()
	}
	if params, err := protocol.DecodeParams(data); err == nil {
		if msg, ok := params.Lookup("errorMessage"); ok {
			return msg
		}
	}
	return data
}
