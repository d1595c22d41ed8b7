package mailer

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay speaks just enough SMTP for net/smtp's client.
type fakeRelay struct {
	l    net.Listener
	opts relayOptions
	cert *tls.Config

	mu       sync.Mutex
	messages []string
	rcpts    []string
	sessions []session
}

type relayOptions struct {
	rejectRcpt  bool
	implicitTLS bool
	startTLS    bool
	// AUTH PLAIN is offered only when password is set.
	password string
}

// session describes how an accepted message reached the relay.
type session struct {
	TLS  bool
	User string
}

func startFakeRelay(t *testing.T, opts relayOptions) *fakeRelay {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeRelay{opts: opts}
	if opts.implicitTLS || opts.startTLS {
		f.cert = selfSignedConfig(t)
	}
	if opts.implicitTLS {
		l = tls.NewListener(l, f.cert)
	}
	f.l = l
	go f.serve()

	t.Cleanup(func() { l.Close() })

	return f
}

// selfSignedConfig returns a server config whose certificate no client
// would trust.
func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "relay.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"relay.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func (f *fakeRelay) profile() Profile {
	host, port, _ := net.SplitHostPort(f.l.Addr().String())
	p, _ := strconv.Atoi(port)

	return Profile{Host: host, Port: p, From: "alerts@example.com", To: "ops@example.com"}
}

func (f *fakeRelay) serve() {
	for {
		conn, err := f.l.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeRelay) handle(conn net.Conn) {
	defer func() { conn.Close() }()

	r := bufio.NewReader(conn)
	reply := func(s string) { fmt.Fprintf(conn, "%s\r\n", s) }

	reply("220 relay.test ESMTP")

	var (
		data   strings.Builder
		inData bool
		secure = f.opts.implicitTLS
		user   string
	)

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")

		if inData {
			if line == "." {
				inData = false
				f.mu.Lock()
				f.messages = append(f.messages, data.String())
				f.sessions = append(f.sessions, session{TLS: secure, User: user})
				f.mu.Unlock()
				data.Reset()
				reply("250 queued")
				continue
			}
			data.WriteString(line + "\n")
			continue
		}

		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			reply("250-relay.test")
			if f.opts.startTLS && !secure {
				reply("250-STARTTLS")
			}
			if f.opts.password != "" {
				reply("250-AUTH PLAIN")
			}
			reply("250 8BITMIME")
		case strings.HasPrefix(cmd, "HELO"):
			reply("250 relay.test")
		case cmd == "STARTTLS" && f.opts.startTLS && !secure:
			reply("220 ready to start TLS")
			tlsConn := tls.Server(conn, f.cert)
			if err := tlsConn.Handshake(); err != nil {
				return
			}
			conn = tlsConn
			r = bufio.NewReader(conn)
			secure = true
		case strings.HasPrefix(cmd, "AUTH PLAIN") && f.opts.password != "":
			fields := strings.Fields(line)
			if len(fields) != 3 {
				reply("501 malformed auth")
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(fields[2])
			parts := strings.Split(string(raw), "\x00")
			if err != nil || len(parts) != 3 || parts[2] != f.opts.password {
				reply("535 authentication credentials invalid")
				continue
			}
			user = parts[1]
			reply("235 authenticated")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			reply("250 ok")
		case strings.HasPrefix(cmd, "RCPT TO"):
			if f.opts.rejectRcpt {
				reply("550 no such user")
				continue
			}
			f.mu.Lock()
			f.rcpts = append(f.rcpts, line)
			f.mu.Unlock()
			reply("250 ok")
		case cmd == "DATA":
			inData = true
			reply("354 end with <CRLF>.<CRLF>")
		case cmd == "QUIT":
			reply("221 bye")
			return
		default:
			reply("250 ok")
		}
	}
}

func (f *fakeRelay) received() ([]string, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...), append([]string(nil), f.rcpts...)
}

func (f *fakeRelay) delivered() []session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]session(nil), f.sessions...)
}

func TestSend(t *testing.T) {
	relay := startFakeRelay(t, relayOptions{})
	m := New(2*time.Second, nil)

	p := relay.profile()
	p.To = "ops@example.com, oncall@example.com"

	err := m.Send(context.Background(), p, Message{Subject: "Alert: Domain example.com is 7 Days", Body: "line one\nline two"})
	require.NoError(t, err)

	messages, rcpts := relay.received()
	require.Len(t, messages, 1)
	assert.Len(t, rcpts, 2)

	msg := messages[0]
	assert.Contains(t, msg, "From: \"ExpiryGuard Alerts\" <alerts@example.com>")
	assert.Contains(t, msg, "Subject: Alert: Domain example.com is 7 Days")
	assert.Contains(t, msg, "To: ops@example.com, oncall@example.com")
	assert.Contains(t, msg, "line one\nline two")

	assert.Equal(t, []session{{TLS: false}}, relay.delivered())
}

func TestSendImplicitTLS(t *testing.T) {
	relay := startFakeRelay(t, relayOptions{implicitTLS: true})
	m := New(2*time.Second, nil)

	p := relay.profile()
	p.UseTLS = true

	// The relay certificate is self-signed; delivery must still succeed.
	err := m.Send(context.Background(), p, Message{Subject: "s", Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, []session{{TLS: true}}, relay.delivered())
}

func TestSendStartTLS(t *testing.T) {
	relay := startFakeRelay(t, relayOptions{startTLS: true})
	m := New(2*time.Second, nil)

	err := m.Send(context.Background(), relay.profile(), Message{Subject: "s", Body: "b"})
	require.NoError(t, err)

	assert.Equal(t, []session{{TLS: true}}, relay.delivered())
}

func TestSendAuthenticated(t *testing.T) {
	tests := []struct {
		name    string
		opts    relayOptions
		useTLS  bool
		wantTLS bool
	}{
		{name: "plain", opts: relayOptions{password: "secret"}},
		{name: "starttls", opts: relayOptions{password: "secret", startTLS: true}, wantTLS: true},
		{name: "implicit tls", opts: relayOptions{password: "secret", implicitTLS: true}, useTLS: true, wantTLS: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			relay := startFakeRelay(t, tt.opts)
			m := New(2*time.Second, nil)

			p := relay.profile()
			p.UseTLS = tt.useTLS
			p.AuthRequired = true
			p.Username = "alerts"
			p.Password = "secret"

			err := m.Send(context.Background(), p, Message{Subject: "s", Body: "b"})
			require.NoError(t, err)

			assert.Equal(t, []session{{TLS: tt.wantTLS, User: "alerts"}}, relay.delivered())
		})
	}
}

func TestSendAuthRejected(t *testing.T) {
	relay := startFakeRelay(t, relayOptions{password: "secret"})
	m := New(2*time.Second, nil)

	p := relay.profile()
	p.AuthRequired = true
	p.Username = "alerts"
	p.Password = "wrong"

	err := m.Send(context.Background(), p, Message{Subject: "s", Body: "b"})
	assert.ErrorContains(t, err, "authentication rejected")
	assert.Empty(t, relay.delivered())
}

func TestSendRecipientRejected(t *testing.T) {
	relay := startFakeRelay(t, relayOptions{rejectRcpt: true})
	m := New(2*time.Second, nil)

	err := m.Send(context.Background(), relay.profile(), Message{Subject: "s", Body: "b"})
	assert.ErrorContains(t, err, "rejected")

	messages, _ := relay.received()
	assert.Empty(t, messages)
}

func TestSendAuthNotOffered(t *testing.T) {
	relay := startFakeRelay(t, relayOptions{})
	m := New(2*time.Second, nil)

	p := relay.profile()
	p.AuthRequired = true
	p.Username = "user"
	p.Password = "secret"

	err := m.Send(context.Background(), p, Message{Subject: "s", Body: "b"})
	assert.ErrorContains(t, err, "authentication")
}

func TestSendConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, port, _ := net.SplitHostPort(l.Addr().String())
	require.NoError(t, l.Close())

	p, _ := strconv.Atoi(port)
	m := New(time.Second, nil)

	err = m.Send(context.Background(), Profile{Host: host, Port: p, From: "a@example.com", To: "b@example.com"}, Message{})
	assert.ErrorContains(t, err, "could not connect")
}

func TestSendWithoutRecipient(t *testing.T) {
	m := New(time.Second, nil)

	err := m.Send(context.Background(), Profile{Host: "127.0.0.1", Port: 25, To: " , "}, Message{})
	assert.Error(t, err)
}

func TestCompose(t *testing.T) {
	now := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	b := string(compose("a@example.com", []string{"b@example.com"}, Message{Subject: "Zertifikat läuft ab", Body: "x\ny"}, now))

	assert.Contains(t, b, "Subject: =?utf-8?q?Zertifikat_l=C3=A4uft_ab?=\r\n")
	assert.Contains(t, b, "Date: Mon, 19 Oct 2026 08:00:00 +0000\r\n")
	assert.True(t, strings.HasSuffix(b, "\r\nx\r\ny\r\n"))
}
