// Package protocol implements the line grammar spoken between a control
// client and the backup server.
//
// Every message is a single UTF-8 line terminated by '\n':
//
//	client -> server command:    <id> <name> [name=value ...]
//	server -> client result:     <id> <completed 0|1> <errorCode> [payload]
//	server -> client request:    <id> <name> [name=value ...]
//	client -> server reply:      <id> 1 <errorCode> [payload]
//
// Payloads use the parameter grammar implemented by Params and Encoder.
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrParse reports a line or parameter list that does not match the grammar.
var ErrParse = errors.New("malformed protocol data")

// Message is either a *Result or a *Request.
type Message interface {
	MessageID() uint64
}

// Result is a result line sent by the server for a client command.
type Result struct {
	ID        uint64
	Completed bool
	Code      ErrorCode
	Data      string
}

// MessageID implements Message.
func (r *Result) MessageID() uint64 { return r.ID }

// Request is an unsolicited server request the client has to answer.
type Request struct {
	ID   uint64
	Name string
	Data string
}

// MessageID implements Message.
func (r *Request) MessageID() uint64 { return r.ID }

// ParseLine classifies and splits a received line. A trailing newline is ignored.
func ParseLine(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")

	idField, rest := cut(line)
	id, err := strconv.ParseUint(idField, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid id in %q", ErrParse, line)
	}

	second, rest := cut(rest)
	if second == "0" || second == "1" {
		codeField, data := cut(rest)
		code, err := strconv.Atoi(codeField)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid error code in %q", ErrParse, line)
		}
		return &Result{ID: id, Completed: second == "1", Code: ErrorCode(code), Data: data}, nil
	}

	if isRequestName(second) {
		return &Request{ID: id, Name: second, Data: rest}, nil
	}
	return nil, fmt.Errorf("%w: unknown line %q", ErrParse, line)
}

// FormatCommand renders a command line without the terminating newline.
func FormatCommand(id uint64, name, data string) string {
	if data == "" {
		return strconv.FormatUint(id, 10) + " " + name
	}
	return strconv.FormatUint(id, 10) + " " + name + " " + data
}

// FormatResult renders a result line without the terminating newline.
func FormatResult(id uint64, completed bool, code ErrorCode, data string) string {
	flag := "0"
	if completed {
		flag = "1"
	}
	s := strconv.FormatUint(id, 10) + " " + flag + " " + strconv.Itoa(int(code))
	if data != "" {
		s += " " + data
	}
	return s
}

func cut(s string) (string, string) {
	s = strings.TrimLeft(s, " ")
	head, tail, _ := strings.Cut(s, " ")
	return head, strings.TrimLeft(tail, " ")
}

func isRequestName(s string) bool {
	if s == "" || s[0] < 'A' || s[0] > 'Z' {
		return false
	}
	for i := 1; i < len(s); i++ {
		ch := s[i]
		if ch != '_' && (ch < 'A' || ch > 'Z') && (ch < '0' || ch > '9') {
			return false
		}
	}
	return true
}
