// Package mailer delivers plain-text alert mail over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	DefaultTimeout = 15 * time.Second
	senderName     = "ExpiryGuard Alerts"
)

type Profile struct {
	Host         string
	Port         int
	AuthRequired bool
	Username     string
	Password     string
	UseTLS       bool
	From         string
	To           string
}

type Message struct {
	Subject string
	Body    string
}

type Mailer struct {
	timeout time.Duration
	logger  *logrus.Entry
}

func New(timeout time.Duration, logger *logrus.Entry) *Mailer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Mailer{
		timeout: timeout,
		logger:  logger.WithField("component", "mailer"),
	}
}

// Send delivers msg through the relay described by p. Peer certificates of
// the relay are not validated so self-signed relays keep working.
func (m *Mailer) Send(ctx context.Context, p Profile, msg Message) error {
	recipients := splitAddresses(p.To)
	if len(recipients) == 0 {
		return errors.New("no recipient address")
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
	tlsConfig := &tls.Config{
		ServerName:         p.Host,
		InsecureSkipVerify: true,
	}
	dialer := &net.Dialer{Timeout: m.timeout}

	var (
		conn net.Conn
		err  error
	)
	if p.UseTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("could not connect to %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, p.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake with %s: %w", addr, err)
	}
	defer c.Close()

	if !p.UseTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if p.AuthRequired {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("relay does not offer authentication")
		}
		if err := c.Auth(smtp.PlainAuth("", p.Username, p.Password, p.Host)); err != nil {
			return fmt.Errorf("authentication rejected: %w", err)
		}
	}

	if err := c.Mail(p.From); err != nil {
		return fmt.Errorf("sender rejected: %w", err)
	}
	for _, rcpt := range recipients {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("recipient %s rejected: %w", rcpt, err)
		}
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(compose(p.From, recipients, msg, time.Now())); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("message rejected: %w", err)
	}

	m.logger.Debugf("Delivered %q to %s via %s", msg.Subject, strings.Join(recipients, ", "), addr)

	return c.Quit()
}

func compose(from string, to []string, msg Message, now time.Time) []byte {
	var b bytes.Buffer

	sender := (&mail.Address{Name: senderName, Address: from}).String()

	fmt.Fprintf(&b, "From: %s\r\n", sender)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")

	return b.Bytes()
}

func splitAddresses(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
