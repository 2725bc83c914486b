// Package session holds the per-connection security context negotiated from
// the server greeting and derives the obfuscated form of passwords.
package session

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"github.com/torsten-rupp/bar-sub003/protocol"
)

// Scheme names as advertised in the greeting's encryptTypes list.
const (
	SchemeNone = "NONE"
	SchemeRSA  = "RSA"
)

// EncryptedPrefix marks an encrypted password value.
const EncryptedPrefix = "base64:"

var (
	// ErrGreeting is returned when the first line is not a SESSION greeting.
	ErrGreeting = errors.New("invalid session greeting")
	// ErrNoScheme is returned when client and server share no encryption type.
	ErrNoScheme = errors.New("no common encryption type")
	// ErrEncrypt wraps failures of the encryption primitive.
	ErrEncrypt = errors.New("password encryption failed")
)

// Cipher is the encryption primitive applied to the XORed password buffer.
type Cipher interface {
	Name() string
	Encrypt(data []byte) ([]byte, error)
}

type noneCipher struct{}

func (noneCipher) Name() string { return SchemeNone }

func (noneCipher) Encrypt(data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

type rsaCipher struct {
	key    *rsa.PublicKey
	random io.Reader
}

func (c *rsaCipher) Name() string { return SchemeRSA }

func (c *rsaCipher) Encrypt(data []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(c.random, c.key, data)
}

// Context is immutable for the lifetime of a connection.
type Context struct {
	id     []byte
	cipher Cipher
}

// New builds a context from a session id and an already chosen cipher.
func New(id []byte, cipher Cipher) *Context {
	buf := make([]byte, len(id))
	copy(buf, id)
	return &Context{id: buf, cipher: cipher}
}

// ParseGreeting parses "SESSION id=<hex> encryptTypes=<a,b,..> [n=<hex> e=<hex>]"
// and selects the first advertised type this client supports.
func ParseGreeting(line string) (*Context, error) {
	return parseGreeting(line, rand.Reader)
}

func parseGreeting(line string, random io.Reader) (*Context, error) {
	line = strings.TrimRight(line, "\r\n")
	keyword, data, _ := strings.Cut(line, " ")
	if keyword != "SESSION" {
		return nil, fmt.Errorf("%w: %q", ErrGreeting, line)
	}
	params, err := protocol.DecodeParams(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGreeting, err)
	}

	rawID, ok := params.Lookup("id")
	if !ok {
		return nil, fmt.Errorf("%w: missing id", ErrGreeting)
	}
	id, err := hex.DecodeString(rawID)
	if err != nil || len(id) == 0 {
		return nil, fmt.Errorf("%w: bad id %q", ErrGreeting, rawID)
	}

	types := params.String("encryptTypes", SchemeNone)
	for _, name := range strings.Split(types, ",") {
		switch strings.ToUpper(strings.TrimSpace(name)) {
		case SchemeRSA:
			key, err := publicKey(params)
			if err != nil {
				continue
			}
			return New(id, &rsaCipher{key: key, random: random}), nil
		case SchemeNone:
			return New(id, noneCipher{}), nil
		}
	}
	return nil, fmt.Errorf("%w: server offers %q", ErrNoScheme, types)
}

func publicKey(params protocol.Params) (*rsa.PublicKey, error) {
	n, ok := new(big.Int).SetString(params.String("n", ""), 16)
	if !ok || n.Sign() <= 0 {
		return nil, errors.New("missing or invalid modulus")
	}
	e, ok := new(big.Int).SetString(params.String("e", ""), 16)
	if !ok || !e.IsInt64() || e.Int64() < 3 || e.Int64() > 1<<31-1 {
		return nil, errors.New("missing or invalid exponent")
	}
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}

// ID returns a copy of the session identifier.
func (c *Context) ID() []byte {
	out := make([]byte, len(c.id))
	copy(out, c.id)
	return out
}

// Scheme returns the negotiated encryption type name.
func (c *Context) Scheme() string {
	return c.cipher.Name()
}

// Obfuscate XORs the password against the session id. The id repeats for
// passwords longer than it; id bytes past the end of the password are kept as is.
func (c *Context) Obfuscate(password string) []byte {
	if len(c.id) == 0 {
		return []byte(password)
	}
	n := len(c.id)
	if len(password) > n {
		n = len(password)
	}
	buf := make([]byte, n)
	for i := range buf {
		var p byte
		if i < len(password) {
			p = password[i]
		}
		buf[i] = p ^ c.id[i%len(c.id)]
	}
	return buf
}

// EncryptPassword returns "base64:" followed by the encrypted, XORed password.
func (c *Context) EncryptPassword(password string) (string, error) {
	encrypted, err := c.cipher.Encrypt(c.Obfuscate(password))
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrEncrypt, c.cipher.Name(), err)
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(encrypted), nil
}

// AuthorizeParams encodes "encryptType=.. encryptedPassword=.." for password
// carrying commands and replies.
func (c *Context) AuthorizeParams(password string) (string, error) {
	encrypted, err := c.EncryptPassword(password)
	if err != nil {
		return "", err
	}
	return protocol.NewEncoder().
		Enum("encryptType", c.Scheme()).
		String("encryptedPassword", encrypted).
		Encode(), nil
}
