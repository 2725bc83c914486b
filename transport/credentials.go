package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// Default credential file names, looked up in the working directory, in
// <home>/.<app>/ and in <config dir>/<app>/.
const (
	DefaultCAFile       = "bar-ca.pem"
	DefaultCertFile     = "bar-client-cert.pem"
	DefaultKeyFile      = "bar-client-key.pem"
	DefaultKeystoreFile = "bar.p12"
	DefaultAppName      = "bar"
)

// ErrNoCredentials is returned when no readable credential bundle exists.
var ErrNoCredentials = errors.New("no usable TLS credentials")

// Credentials is a PEM bundle: certificate authority, client certificate and
// client private key.
type Credentials struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

func (c Credentials) complete() bool {
	return c.CAFile != "" && c.CertFile != "" && c.KeyFile != ""
}

func (c Credentials) readable() bool {
	return readable(c.CAFile) && readable(c.CertFile) && readable(c.KeyFile)
}

// searchDirs returns the directories holding default-named credential files,
// in priority order.
func (o *Options) searchDirs() []string {
	app := o.AppName
	if app == "" {
		app = DefaultAppName
	}

	dirs := []string{"."}
	home := o.HomeDir
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home != "" {
		dirs = append(dirs, filepath.Join(home, "."+app))
	}
	config := o.ConfigDir
	if config == "" {
		config, _ = os.UserConfigDir()
	}
	if config != "" {
		dirs = append(dirs, filepath.Join(config, app))
	}
	return dirs
}

// FindCredentials returns the first bundle whose three files all exist and are
// readable: the explicit paths first, then the default names in every search
// directory.
func (o *Options) FindCredentials() (Credentials, bool) {
	if o.Credentials.complete() && o.Credentials.readable() {
		return o.Credentials, true
	}
	for _, dir := range o.searchDirs() {
		c := Credentials{
			CAFile:   filepath.Join(dir, DefaultCAFile),
			CertFile: filepath.Join(dir, DefaultCertFile),
			KeyFile:  filepath.Join(dir, DefaultKeyFile),
		}
		if c.readable() {
			return c, true
		}
	}
	return Credentials{}, false
}

// FindKeystore returns the first readable keystore file.
func (o *Options) FindKeystore() (string, bool) {
	if o.KeystoreFile != "" && readable(o.KeystoreFile) {
		return o.KeystoreFile, true
	}
	for _, dir := range o.searchDirs() {
		path := filepath.Join(dir, DefaultKeystoreFile)
		if readable(path) {
			return path, true
		}
	}
	return "", false
}

func readable(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && info.Mode().IsRegular()
}

// pemConfig builds a mutual TLS configuration from a PEM bundle.
func pemConfig(host string, c Credentials) (*tls.Config, error) {
	caPEM, err := os.ReadFile(c.CAFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates in %s", c.CAFile)
	}
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}
	return &tls.Config{
		ServerName:   host,
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// keystoreConfig builds a mutual TLS configuration from a PKCS#12 keystore.
// Every certificate in the store is trusted as an authority; the one matching
// the private key is presented as client certificate.
func keystoreConfig(host, path, password string) (*tls.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, fmt.Errorf("decode keystore %s: %w", path, err)
	}

	var keyPEM []byte
	var certs [][]byte
	for _, b := range blocks {
		encoded := pem.EncodeToMemory(&pem.Block{Type: b.Type, Bytes: b.Bytes})
		switch {
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			keyPEM = encoded
		case b.Type == "CERTIFICATE":
			certs = append(certs, encoded)
		}
	}
	if keyPEM == nil || len(certs) == 0 {
		return nil, fmt.Errorf("keystore %s holds no key pair", path)
	}

	pool := x509.NewCertPool()
	var leaf *tls.Certificate
	for _, certPEM := range certs {
		pool.AppendCertsFromPEM(certPEM)
		if leaf != nil {
			continue
		}
		if pair, err := tls.X509KeyPair(certPEM, keyPEM); err == nil {
			leaf = &pair
		}
	}
	if leaf == nil {
		return nil, fmt.Errorf("keystore %s: no certificate matches the private key", path)
	}
	return &tls.Config{
		ServerName:   host,
		RootCAs:      pool,
		Certificates: []tls.Certificate{*leaf},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
