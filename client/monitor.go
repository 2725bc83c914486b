package client

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/digitalocean/go-qemu/qmp"
	"github.com/tidwall/gjson"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

var _ qmp.Monitor = (*Client)(nil)

// Connect connects with the dial timeout as the only bound. It implements
// qmp.Monitor.
func (c *Client) Connect() error {
	return c.ConnectContext(context.Background())
}

// Disconnect closes the connection. It implements qmp.Monitor.
func (c *Client) Disconnect() error {
	return c.Close()
}

// Run executes a JSON command of the form
//
//	{"execute":"NAME","arguments":{"param":"value",...}}
//
// and returns {"return":[...]} with one object per result. Server errors are
// returned as {"error":{...}} together with the error. It implements qmp.Monitor.
func (c *Client) Run(command []byte) ([]byte, error) {
	if !gjson.ValidBytes(command) {
		return nil, newError(KindCommand, protocol.ErrorParse, "invalid JSON command")
	}
	name := gjson.GetBytes(command, "execute").String()
	if name == "" {
		return nil, newError(KindCommand, protocol.ErrorExpectedParameter, "missing execute")
	}

	line := name
	if data := encodeArguments(gjson.GetBytes(command, "arguments")); data != "" {
		line += " " + data
	}

	results, err := c.Execute(context.Background(), line)
	if err != nil {
		return []byte(BuildErrorJSON(CodeOf(err), errorMessage(err))), err
	}
	return []byte(BuildResultJSON(results)), nil
}

// Events streams client events until ctx is done or the connection is
// closed. It implements qmp.Monitor.
func (c *Client) Events(ctx context.Context) (<-chan qmp.Event, error) {
	return c.events.subscribe(ctx), nil
}

// encodeArguments turns a JSON object into a parameter list in key order.
func encodeArguments(args gjson.Result) string {
	if !args.IsObject() {
		return ""
	}
	type arg struct {
		key   string
		value gjson.Result
	}
	var list []arg
	args.ForEach(func(key, value gjson.Result) bool {
		list = append(list, arg{key.String(), value})
		return true
	})
	sort.Slice(list, func(i, j int) bool { return list[i].key < list[j].key })

	enc := protocol.NewEncoder()
	for _, a := range list {
		switch a.value.Type {
		case gjson.True:
			enc.Bool(a.key, true)
		case gjson.False:
			enc.Bool(a.key, false)
		case gjson.Number:
			enc.Enum(a.key, a.value.Raw)
		case gjson.String:
			enc.String(a.key, a.value.String())
		case gjson.Null:
			enc.String(a.key, "")
		default:
			enc.String(a.key, a.value.Raw)
		}
	}
	return enc.Encode()
}

func errorMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return fmt.Sprint(err)
}
