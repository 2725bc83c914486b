package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

// dispatcher answers server requests one at a time in arrival order. The
// reader only appends to the queue and never blocks on it.
type dispatcher struct {
	conn     *connection
	prompter Prompter

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*protocol.Request
	started bool

	wake     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

func newDispatcher(conn *connection, prompter Prompter) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		conn:     conn,
		prompter: prompter,
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (d *dispatcher) enqueue(req *protocol.Request) {
	d.mu.Lock()
	d.queue = append(d.queue, req)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) pop() (*protocol.Request, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, false
	}
	req := d.queue[0]
	d.queue[0] = nil
	d.queue = d.queue[1:]
	return req, true
}

// markStarted is called before run is scheduled so stop knows to wait.
func (d *dispatcher) markStarted() {
	d.mu.Lock()
	d.started = true
	d.mu.Unlock()
}

func (d *dispatcher) run(ctx context.Context) error {
	defer close(d.done)

	stopPrompts := context.AfterFunc(ctx, d.cancel)
	defer stopPrompts()

	for {
		select {
		case <-d.quit:
			d.drain()
			return nil
		case <-ctx.Done():
			d.drain()
			return nil
		default:
		}

		if req, ok := d.pop(); ok {
			d.process(req)
			continue
		}

		select {
		case <-d.wake:
		case <-d.quit:
		case <-ctx.Done():
		}
	}
}

// stop interrupts a running prompt and waits until queued requests are
// answered with an abort reply.
func (d *dispatcher) stop() {
	d.quitOnce.Do(func() {
		close(d.quit)
		d.cancel()
	})
	d.mu.Lock()
	started := d.started
	d.mu.Unlock()
	if started {
		<-d.done
	}
}

func (d *dispatcher) drain() {
	for {
		req, ok := d.pop()
		if !ok {
			return
		}
		log.Debug("answering queued callback with abort", "id", req.ID, "name", req.Name)
		if err := d.conn.sendResult(req.ID, protocol.ErrorAborted, ""); err != nil {
			log.Debug("abort reply failed", "id", req.ID, "error", err)
		}
	}
}

func (d *dispatcher) process(req *protocol.Request) {
	d.conn.events.publish(EventCallbackRequest, map[string]interface{}{
		"id":   req.ID,
		"name": req.Name,
	})

	code, data, err := d.answerSafe(req)
	if err != nil {
		log.Warn("callback failed", "id", req.ID, "name", req.Name, "error", err)
		if serr := d.conn.sendResult(req.ID, protocol.ErrorAborted, ""); serr != nil {
			log.Warn("abort reply failed", "id", req.ID, "error", serr)
		}
		d.conn.events.publish(EventCallbackFailed, map[string]interface{}{
			"id":    req.ID,
			"name":  req.Name,
			"error": err.Error(),
		})
		return
	}

	if err := d.conn.sendResult(req.ID, code, data); err != nil {
		log.Warn("callback reply failed", "id", req.ID, "error", err)
		return
	}
	d.conn.events.publish(EventCallbackReply, map[string]interface{}{
		"id":   req.ID,
		"name": req.Name,
		"code": code.String(),
	})
}

func (d *dispatcher) answerSafe(req *protocol.Request) (code protocol.ErrorCode, data string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("callback %s panicked: %v", req.Name, p)
		}
	}()
	return d.answer(req)
}

func (d *dispatcher) answer(req *protocol.Request) (protocol.ErrorCode, string, error) {
	params, err := protocol.DecodeParams(req.Data)
	if err != nil {
		return protocol.ErrorParse, "", nil
	}

	switch requestKind(req.Name) {
	case RequestConfirm:
		return d.confirm(decodeConfirm(req.ID, params))
	case RequestPassword:
		return d.password(decodePassword(req.ID, params))
	case RequestVolume:
		number, _ := params.Int("volumeNumber")
		vr := VolumeRequest{ID: req.ID, Number: number}
		log.Warn("volume requests are not supported", "id", vr.ID, "volume", vr.Number)
		return protocol.ErrorLoadVolumeFail, "", nil
	default:
		log.Warn("unknown callback request", "id", req.ID, "name", req.Name)
		return protocol.ErrorUnknownCommand, "", nil
	}
}

func (d *dispatcher) confirm(req ConfirmRequest) (protocol.ErrorCode, string, error) {
	if req.Type != ConfirmRestore {
		return protocol.ErrorUnknownCommand, "", nil
	}
	if d.prompter == nil {
		return protocol.ErrorNone, ActionAbort.replyParams(), nil
	}
	action, err := d.prompter.ConfirmRestore(d.ctx, req)
	if err != nil {
		return protocol.ErrorNone, "", err
	}
	return protocol.ErrorNone, action.replyParams(), nil
}

func (d *dispatcher) password(req PasswordRequest) (protocol.ErrorCode, string, error) {
	if d.prompter == nil {
		return protocol.ErrorNoPassword, "", nil
	}
	answer, ok, err := d.prompter.Password(d.ctx, req)
	if err != nil {
		return protocol.ErrorNone, "", err
	}
	if !ok {
		return protocol.ErrorNoPassword, "", nil
	}
	auth, err := d.conn.session.AuthorizeParams(answer.Password)
	if err != nil {
		return protocol.ErrorNone, "", err
	}
	if req.Login() {
		return protocol.ErrorNone, protocol.NewEncoder().String("name", answer.Name).Encode() + " " + auth, nil
	}
	return protocol.ErrorNone, auth, nil
}
