package client

import (
	"context"
	"sync"
	"time"

	"github.com/digitalocean/go-qemu/qmp"
)

// Event names published on the event stream.
const (
	EventCallbackRequest = "CALLBACK_REQUEST"
	EventCallbackReply   = "CALLBACK_REPLY"
	EventCallbackFailed  = "CALLBACK_FAILED"
	EventDisconnected    = "DISCONNECTED"
)

const eventBuffer = 64

// eventHub fans events out to subscribers. Slow subscribers lose events
// rather than stall the reader or dispatcher.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan qmp.Event]struct{}
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[chan qmp.Event]struct{})}
}

func (h *eventHub) subscribe(ctx context.Context) <-chan qmp.Event {
	ch := make(chan qmp.Event, eventBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(ch)
	}()
	return ch
}

func (h *eventHub) unsubscribe(ch chan qmp.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

func (h *eventHub) publish(name string, data map[string]interface{}) {
	event := qmp.Event{Event: name, Data: data}
	now := time.Now()
	event.Timestamp.Seconds = now.Unix()
	event.Timestamp.Microseconds = int64(now.Nanosecond() / 1000)

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			log.Debug("event dropped", "event", name)
		}
	}
}

// closeAll ends every current subscription. The hub stays usable.
func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

// WatchEvents calls callback for every monitor event until ctx is done or the
// stream is closed.
func WatchEvents(ctx context.Context, monitor qmp.Monitor, callback func(qmp.Event)) error {
	stream, err := monitor.Events(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			log.Debug("leaving event loop")
			return nil
		case e, ok := <-stream:
			if !ok {
				log.Debug("event stream closed")
				return nil
			}
			callback(e)
		}
	}
}
