package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// EmailConfig configures the SMTP relay.
type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailChannel sends intents as plain-text mail over SMTP.
type EmailChannel struct {
	cfg      EmailConfig
	template *Template
	dialer   net.Dialer
}

// NewEmailChannel creates an email channel. A nil template uses the defaults.
func NewEmailChannel(cfg EmailConfig, tmpl *Template) *EmailChannel {
	if tmpl == nil {
		tmpl = DefaultTemplate()
	}
	return &EmailChannel{cfg: cfg, template: tmpl}
}

// Kind returns ChannelEmail.
func (c *EmailChannel) Kind() ChannelKind { return ChannelEmail }

// Deliver renders and sends one message. The SMTP conversation is bound
// to the context deadline.
func (c *EmailChannel) Deliver(ctx context.Context, in *Intent, to Recipient) error {
	if to.Email == "" {
		return fmt.Errorf("%w: email for user %s", ErrNoAddress, to.UserID)
	}
	subject, body, err := c.template.Email(in)
	if err != nil {
		return fmt.Errorf("%w: email: %w", ErrRejected, err)
	}
	if err := c.send(ctx, to.Email, buildMessage(c.cfg.From, to.Email, subject, body, in.CreatedAt)); err != nil {
		return fmt.Errorf("%w: email: %w", ErrChannelFailure, err)
	}
	return nil
}

func (c *EmailChannel) send(ctx context.Context, rcpt string, msg []byte) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline) //nolint:errcheck // best effort on a fresh conn
	}

	client, err := smtp.NewClient(conn, c.cfg.Host)
	if err != nil {
		conn.Close() //nolint:errcheck // already failing
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close() //nolint:errcheck // Quit below reports the real error

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if c.cfg.Username != "" {
		auth := smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(c.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finishing message: %w", err)
	}
	return client.Quit()
}

func buildMessage(from, to, subject, body string, date time.Time) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&buf, "Date: %s\r\n", date.UTC().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: 8bit\r\n\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}
