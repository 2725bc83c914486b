package transport

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetingLine = "SESSION id=aabbcc encryptTypes=NONE\n"

type testPKI struct {
	dir       string
	creds     Credentials
	serverTLS *tls.Config
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)
	caCert, err := x509.ParseCertificate(caDER)
	require.NoError(t, err)

	issue := func(serial int64, name string, usage x509.ExtKeyUsage) ([]byte, []byte) {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(serial),
			Subject:      pkix.Name{CommonName: name},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
			KeyUsage:     x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{usage},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
			DNSNames:     []string{"localhost"},
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
		require.NoError(t, err)
		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
			pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	}

	dir := t.TempDir()
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caDER})
	clientCert, clientKey := issue(2, "client", x509.ExtKeyUsageClientAuth)
	serverCert, serverKey := issue(3, "server", x509.ExtKeyUsageServerAuth)

	creds := Credentials{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "client.pem"),
		KeyFile:  filepath.Join(dir, "client-key.pem"),
	}
	require.NoError(t, os.WriteFile(creds.CAFile, caPEM, 0o600))
	require.NoError(t, os.WriteFile(creds.CertFile, clientCert, 0o600))
	require.NoError(t, os.WriteFile(creds.KeyFile, clientKey, 0o600))

	pair, err := tls.X509KeyPair(serverCert, serverKey)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &testPKI{
		dir:   dir,
		creds: creds,
		serverTLS: &tls.Config{
			Certificates: []tls.Certificate{pair},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
		},
	}
}

func isolatedOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		Host:        "127.0.0.1",
		HomeDir:     t.TempDir(),
		ConfigDir:   t.TempDir(),
		DialTimeout: 2 * time.Second,
	}
}

func listen(t *testing.T) (net.Listener, int) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, l.Addr().(*net.TCPAddr).Port
}

func TestNegotiate_PlainWithoutCredentials(t *testing.T) {
	l, port := listen(t)

	firstByte := make(chan byte, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(greetingLine))
		buf := make([]byte, 1)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := conn.Read(buf); err == nil {
			firstByte <- buf[0]
		}
	}()

	opts := isolatedOptions(t)
	opts.Port = port

	conn, err := Negotiate(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, StrategyPlain, conn.Strategy)
	assert.False(t, conn.Secure())
	assert.Equal(t, "NONE", conn.Session.Scheme())

	// anything we send now is protocol text, never a TLS ClientHello (0x16)
	_, err = conn.Write([]byte("1 QUIT\n"))
	require.NoError(t, err)
	assert.Equal(t, byte('1'), <-firstByte)
	conn.Close()
}

func TestNegotiate_StartTLS(t *testing.T) {
	pki := newTestPKI(t)
	l, port := listen(t)

	served := make(chan string, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(greetingLine))
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		id := strings.Fields(line)[0]
		conn.Write([]byte(id + " 1 0\n"))

		tlsConn := tls.Server(conn, pki.serverTLS)
		if err := tlsConn.Handshake(); err != nil {
			served <- "handshake: " + err.Error()
			return
		}
		served <- strings.TrimSpace(line)
		tlsConn.Write([]byte("hello\n"))
	}()

	opts := isolatedOptions(t)
	opts.Port = port
	opts.Credentials = pki.creds
	opts.NextID = func() uint64 { return 41 }

	conn, err := Negotiate(context.Background(), opts)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "41 START_TLS", <-served)
	assert.Equal(t, StrategyStartTLSPEM, conn.Strategy)
	assert.True(t, conn.Secure())

	line, err := conn.Reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", line)
}

func TestNegotiate_DirectTLSFromHomeDir(t *testing.T) {
	pki := newTestPKI(t)

	l, err := tls.Listen("tcp", "127.0.0.1:0", pki.serverTLS)
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte(greetingLine))
		time.Sleep(500 * time.Millisecond)
	}()

	opts := isolatedOptions(t)
	opts.TLSPort = l.Addr().(*net.TCPAddr).Port
	opts.ForceTLS = true

	home := filepath.Join(opts.HomeDir, ".bar")
	require.NoError(t, os.MkdirAll(home, 0o700))
	copyFile(t, pki.creds.CAFile, filepath.Join(home, DefaultCAFile))
	copyFile(t, pki.creds.CertFile, filepath.Join(home, DefaultCertFile))
	copyFile(t, pki.creds.KeyFile, filepath.Join(home, DefaultKeyFile))

	conn, err := Negotiate(context.Background(), opts)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, StrategyDirectTLSPEM, conn.Strategy)
	assert.Equal(t, []byte{0xaa, 0xbb, 0xcc}, conn.Session.ID())
}

func TestNegotiate_ForceTLSWithoutCredentials(t *testing.T) {
	_, port := listen(t)

	opts := isolatedOptions(t)
	opts.Port = port
	opts.ForceTLS = true

	_, err := Negotiate(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, ReasonNoCredentials, ReasonOf(err))
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestNegotiate_Refused(t *testing.T) {
	l, port := listen(t)
	l.Close()

	opts := isolatedOptions(t)
	opts.Port = port

	_, err := Negotiate(context.Background(), opts)
	require.Error(t, err)
	assert.Equal(t, ReasonRefused, ReasonOf(err))

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, StrategyPlain, te.Strategy)
}

func TestNegotiate_BadGreeting(t *testing.T) {
	l, port := listen(t)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("WELCOME\n"))
	}()

	opts := isolatedOptions(t)
	opts.Port = port

	_, err := Negotiate(context.Background(), opts)
	assert.Equal(t, ReasonSession, ReasonOf(err))
}

func TestNegotiate_FallsBackToPlainAfterRejectedStartTLS(t *testing.T) {
	pki := newTestPKI(t)
	l, port := listen(t)

	go func() {
		for i := 0; i < 2; i++ {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Write([]byte(greetingLine))
			reader := bufio.NewReader(conn)
			line, err := reader.ReadString('\n')
			if err == nil && strings.Contains(line, "START_TLS") {
				id := strings.Fields(line)[0]
				conn.Write([]byte(id + " 1 8 unknown command\n"))
			}
			conn.Close()
		}
	}()

	opts := isolatedOptions(t)
	opts.Port = port
	opts.Credentials = pki.creds

	conn, err := Negotiate(context.Background(), opts)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, StrategyPlain, conn.Strategy)
}

func TestFindCredentials_Priority(t *testing.T) {
	pki := newTestPKI(t)
	opts := isolatedOptions(t)

	_, ok := opts.FindCredentials()
	assert.False(t, ok)

	configDir := filepath.Join(opts.ConfigDir, "bar")
	require.NoError(t, os.MkdirAll(configDir, 0o700))
	copyFile(t, pki.creds.CAFile, filepath.Join(configDir, DefaultCAFile))
	copyFile(t, pki.creds.CertFile, filepath.Join(configDir, DefaultCertFile))

	// incomplete triple is skipped
	_, ok = opts.FindCredentials()
	assert.False(t, ok)

	copyFile(t, pki.creds.KeyFile, filepath.Join(configDir, DefaultKeyFile))
	found, ok := opts.FindCredentials()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(configDir, DefaultCAFile), found.CAFile)

	opts.Credentials = pki.creds
	found, ok = opts.FindCredentials()
	require.True(t, ok)
	assert.Equal(t, pki.creds, found)
}

func TestFindKeystore(t *testing.T) {
	opts := isolatedOptions(t)
	_, ok := opts.FindKeystore()
	assert.False(t, ok)

	dir := filepath.Join(opts.HomeDir, ".bar")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultKeystoreFile), []byte("x"), 0o600))

	path, ok := opts.FindKeystore()
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, DefaultKeystoreFile), path)

	_, err := keystoreConfig("localhost", path, "")
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonUnknownHost, classify(&net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "x.invalid"}}))
	assert.Equal(t, ReasonTimeout, classify(context.DeadlineExceeded))
	assert.Equal(t, ReasonUnknown, classify(errors.New("other")))
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "plain", StrategyPlain.String())
	assert.Equal(t, "starttls/keystore", StrategyStartTLSKeystore.String())
	assert.False(t, StrategyPlain.Secure())
	assert.True(t, StrategyDirectTLSKeystore.Secure())
}

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	data, err := os.ReadFile(src)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(dst, data, 0o600))
}
