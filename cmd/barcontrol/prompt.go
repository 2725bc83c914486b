package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/torsten-rupp/bar-sub003/client"
)

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// terminalPrompter answers server callbacks on the controlling terminal.
type terminalPrompter struct {
	mu           sync.Mutex
	in           *bufio.Reader
	out          io.Writer
	readPassword func() (string, error)
}

var _ client.Prompter = (*terminalPrompter)(nil)

func newTerminalPrompter(in *os.File, out io.Writer) *terminalPrompter {
	return &terminalPrompter{
		in:  bufio.NewReader(in),
		out: out,
		readPassword: func() (string, error) {
			b, err := term.ReadPassword(int(in.Fd()))
			fmt.Fprintln(out)
			return string(b), err
		},
	}
}

// ConfirmRestore asks whether to abort or skip a failed restore entry.
func (p *terminalPrompter) ConfirmRestore(ctx context.Context, req client.ConfirmRequest) (client.RestoreAction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "Restore of %q from %s failed: %s\n", req.EntryName, req.StorageName, req.Error)
	for {
		fmt.Fprint(p.out, "[a]bort, [s]kip, skip a[l]l? ")
		answer, err := p.readLine(ctx)
		if err != nil {
			return client.ActionAbort, err
		}
		switch strings.ToLower(answer) {
		case "a", "abort":
			return client.ActionAbort, nil
		case "s", "skip":
			return client.ActionSkip, nil
		case "l", "all", "skip all":
			return client.ActionSkipAll, nil
		}
	}
}

// Password asks for a password, and for a login name when the server wants
// one. An empty password refuses the request.
func (p *terminalPrompter) Password(ctx context.Context, req client.PasswordRequest) (client.PasswordAnswer, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var answer client.PasswordAnswer
	if req.Hint != "" {
		fmt.Fprintln(p.out, req.Hint)
	}
	if req.Login() {
		fmt.Fprintf(p.out, "Login name for %s: ", req.Name)
		name, err := p.readLine(ctx)
		if err != nil {
			return answer, false, err
		}
		answer.Name = name
	}

	fmt.Fprintf(p.out, "%s password for %s: ", req.PasswordType, req.Name)
	password, err := p.read(ctx, p.readPassword)
	if err != nil {
		return answer, false, err
	}
	if password == "" {
		return answer, false, nil
	}
	answer.Password = password
	return answer, true, nil
}

func (p *terminalPrompter) readLine(ctx context.Context) (string, error) {
	return p.read(ctx, func() (string, error) {
		line, err := p.in.ReadString('\n')
		if err != nil && (line == "" || err != io.EOF) {
			return "", err
		}
		return strings.TrimSpace(line), nil
	})
}

// read runs a blocking terminal read and gives up when ctx is done. The
// abandoned read ends with the process.
func (p *terminalPrompter) read(ctx context.Context, fn func() (string, error)) (string, error) {
	type result struct {
		s   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		s, err := fn()
		done <- result{s, err}
	}()
	select {
	case r := <-done:
		return r.s, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
