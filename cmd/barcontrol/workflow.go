// workflow.go contains CLI-specific orchestration: running one command through
// the monitor interface and watching the event stream.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"

	"github.com/torsten-rupp/bar-sub003/client"
)

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	// catch ctrl-c
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			fmt.Fprintln(os.Stderr, "Interrupt received:", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// parseArgs turns name=value arguments into command parameters.
func parseArgs(args []string) (map[string]string, error) {
	params := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", arg)
		}
		params[name] = value
	}
	return params, nil
}

// RunCommand executes name with params through the monitor interface and
// returns the JSON reply.
func RunCommand(monitor qmp.Monitor, name string, params map[string]string) ([]byte, error) {
	logger.Debug("Running command", "name", name)
	raw, err := client.RunAndLog(monitor, client.BuildCommandJSON(name, params))
	if err != nil {
		if desc := gjson.GetBytes(raw, "error.desc").String(); desc != "" {
			return raw, fmt.Errorf("%s failed: %s (%s)", name, desc, gjson.GetBytes(raw, "error.class").String())
		}
		return raw, fmt.Errorf("%s failed: %w", name, err)
	}
	return raw, nil
}

// printResults writes each entry of the reply's return array as one line of
// sorted name=value pairs.
func printResults(w io.Writer, raw []byte) error {
	ret := gjson.GetBytes(raw, "return")
	if !ret.IsArray() {
		return errors.New("reply has no return array")
	}
	ret.ForEach(func(_, entry gjson.Result) bool {
		var pairs []string
		entry.ForEach(func(key, value gjson.Result) bool {
			pairs = append(pairs, key.String()+"="+value.String())
			return true
		})
		sort.Strings(pairs)
		fmt.Fprintln(w, strings.Join(pairs, " "))
		return true
	})
	return nil
}

// Watch logs monitor events until ctx is done or the connection is lost.
func Watch(ctx context.Context, monitor qmp.Monitor) error {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	lost := make(chan string, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := client.WatchEvents(ctx, monitor, func(event qmp.Event) {
			logger.Debug("Event received", "event", event.Event)
			handleEvents(event, logger, func(reason string) {
				select {
				case lost <- reason:
				default:
				}
			})
		})
		if err != nil {
			logger.Error("Event stream failed", "error", err)
			select {
			case lost <- err.Error():
			default:
			}
		}
	}()

	logger.Info("Watching server callbacks, press Ctrl-C to stop")
	select {
	case <-ctx.Done():
		logger.Info("Context done received in watch loop")
		return nil
	case reason := <-lost:
		return fmt.Errorf("connection lost: %s", reason)
	}
}

func handleEvents(event qmp.Event, logger *slog.Logger, callback func(string)) {
	switch event.Event {
	case client.EventCallbackFailed:
		logger.Error("Callback failed", "id", event.Data["id"], "name", event.Data["name"], "error", event.Data["error"])
	case client.EventDisconnected:
		logger.Info("Disconnected from server", "code", event.Data["code"])
		callback(fmt.Sprint(event.Data["message"]))
	case client.EventCallbackRequest, client.EventCallbackReply:
		logger.Info(client.BuildEventJSON(event.Event, event.Data, event.Timestamp.Seconds, event.Timestamp.Microseconds))
	default:
		logger.Debug(fmt.Sprintf("%s: %v", event.Event, event.Data))
	}
}
