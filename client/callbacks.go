package client

import (
	"context"
	"strings"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

// RequestKind tags a server initiated request.
type RequestKind int

const (
	RequestUnknown RequestKind = iota
	RequestConfirm
	RequestPassword
	RequestVolume
)

func (k RequestKind) String() string {
	switch k {
	case RequestConfirm:
		return "CONFIRM"
	case RequestPassword:
		return "REQUEST_PASSWORD"
	case RequestVolume:
		return "REQUEST_VOLUME"
	}
	return "UNKNOWN"
}

func requestKind(name string) RequestKind {
	switch name {
	case "CONFIRM":
		return RequestConfirm
	case "REQUEST_PASSWORD":
		return RequestPassword
	case "REQUEST_VOLUME":
		return RequestVolume
	}
	return RequestUnknown
}

// ConfirmType values carried by CONFIRM requests.
const ConfirmRestore = "RESTORE"

// ConfirmRequest asks how to continue after a restore error.
type ConfirmRequest struct {
	ID          uint64
	Type        string
	StorageName string
	EntryName   string
	ErrorCode   int
	Error       string
}

func decodeConfirm(id uint64, params protocol.Params) ConfirmRequest {
	req := ConfirmRequest{
		ID:          id,
		Type:        strings.ToUpper(params.String("type", "")),
		StorageName: params.String("storageName", ""),
		EntryName:   params.String("entryName", ""),
		Error:       params.String("errorMessage", params.String("errorData", "")),
	}
	if code, err := params.Int("errorCode"); err == nil {
		req.ErrorCode = code
	}
	return req
}

// RestoreAction is the answer to a restore confirmation.
type RestoreAction int

const (
	ActionAbort RestoreAction = iota
	ActionSkip
	ActionSkipAll
)

func (a RestoreAction) String() string {
	switch a {
	case ActionSkip:
		return "SKIP"
	case ActionSkipAll:
		return "SKIP_ALL"
	}
	return "ABORT"
}

// replyParams encodes the action the way the server expects it.
func (a RestoreAction) replyParams() string {
	switch a {
	case ActionSkip:
		return protocol.NewEncoder().Enum("action", "SKIP").Bool("skipAll", false).Encode()
	case ActionSkipAll:
		return protocol.NewEncoder().Enum("action", "SKIP").Bool("skipAll", true).Encode()
	}
	return protocol.NewEncoder().Enum("action", "ABORT").Bool("skipAll", false).Encode()
}

// Password types that ask for a user name too.
var loginPasswordTypes = map[string]bool{
	"LOGIN":  true,
	"FTP":    true,
	"SSH":    true,
	"WEBDAV": true,
	"SMB":    true,
}

// PasswordRequest asks for a password, and a user name for login prompts.
type PasswordRequest struct {
	ID           uint64
	Name         string
	PasswordType string
	Hint         string
}

// Login reports whether a user name is expected too.
func (r PasswordRequest) Login() bool {
	return loginPasswordTypes[r.PasswordType]
}

func decodePassword(id uint64, params protocol.Params) PasswordRequest {
	return PasswordRequest{
		ID:           id,
		Name:         params.String("name", ""),
		PasswordType: strings.ToUpper(params.String("passwordType", "")),
		Hint:         params.String("passwordText", params.String("text", "")),
	}
}

// PasswordAnswer is the user's answer to a PasswordRequest.
type PasswordAnswer struct {
	Name     string
	Password string
}

// VolumeRequest asks to load another volume. It is always refused.
type VolumeRequest struct {
	ID     uint64
	Number int
}

// Prompter answers interactive server requests. Calls are serialized.
type Prompter interface {
	// ConfirmRestore chooses how to continue after a restore error.
	ConfirmRestore(ctx context.Context, req ConfirmRequest) (RestoreAction, error)
	// Password returns ok=false when the user refuses.
	Password(ctx context.Context, req PasswordRequest) (answer PasswordAnswer, ok bool, err error)
}
