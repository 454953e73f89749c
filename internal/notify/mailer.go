// Package notify delivers alert e-mails over SMTP with STARTTLS.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/vzahanych/view-guard-meta/edge/motionguard/internal/logger"
)

// ErrNotConfigured is returned when SMTP credentials are missing
var ErrNotConfigured = errors.New("missing email credentials")

// Message is one outbound notification
type Message struct {
	To             string
	Subject        string
	Body           string
	Attachment     []byte // optional JPEG
	AttachmentName string
}

// Config contains SMTP configuration
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Mailer sends messages through an SMTP relay
type Mailer struct {
	cfg    Config
	logger *logger.Logger
	now    func() time.Time
	tls    *tls.Config
}

// NewMailer creates a mailer. From defaults to the SMTP user.
func NewMailer(cfg Config, log *logger.Logger) *Mailer {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &Mailer{
		cfg:    cfg,
		logger: log,
		now:    time.Now,
		tls:    &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12},
	}
}

// Configured reports whether credentials are present
func (m *Mailer) Configured() bool {
	return m.cfg.Host != "" && m.cfg.Username != "" && m.cfg.Password != ""
}

// DefaultRecipient returns the SMTP user, which receives alerts when no
// recipient is configured
func (m *Mailer) DefaultRecipient() string {
	return m.cfg.Username
}

// Send delivers msg. The connection is upgraded with STARTTLS before
// authenticating; servers without STARTTLS are rejected.
func (m *Mailer) Send(ctx context.Context, msg Message) error {
	if !m.Configured() {
		return ErrNotConfigured
	}
	if msg.To == "" {
		return fmt.Errorf("recipient is required")
	}

	data, err := BuildMessage(m.cfg.From, msg, m.now())
	if err != nil {
		return err
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	dialer := &net.Dialer{Timeout: m.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	deadline := time.Now().Add(m.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	c, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to start smtp session: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); !ok {
		return fmt.Errorf("smtp server %s does not support STARTTLS", addr)
	}
	if err := c.StartTLS(m.tls); err != nil {
		return fmt.Errorf("failed to start tls: %w", err)
	}
	if err := c.Auth(smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	if err := c.Mail(m.cfg.From); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	if err := c.Rcpt(msg.To); err != nil {
		return fmt.Errorf("failed to set recipient: %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("failed to open message body: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	m.logger.Info("Notification sent", "to", msg.To, "attachment", msg.AttachmentName != "")
	return c.Quit()
}

// BuildMessage renders msg as a multipart/mixed MIME message. A timestamp
// line is appended to the body.
func BuildMessage(from string, msg Message, now time.Time) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	headers := []struct{ key, value string }{
		{"From", from},
		{"To", msg.To},
		{"Subject", mime.QEncoding.Encode("utf-8", msg.Subject)},
		{"Date", now.Format(time.RFC1123Z)},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary())},
	}
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.key, h.value)
	}
	buf.WriteString("\r\n")

	body := fmt.Sprintf("%s\n\nTimestamp: %s", msg.Body, now.Format("2006-01-02 15:04:05"))
	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create text part: %w", err)
	}
	if _, err := textPart.Write([]byte(body)); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}

	if len(msg.Attachment) > 0 {
		name := msg.AttachmentName
		if name == "" {
			name = "image.jpg"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType("image/jpeg", map[string]string{"name": name})},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if err := writeBase64Lines(part, msg.Attachment); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBase64Lines writes data base64 encoded in 76 character lines
func writeBase64Lines(w interface{ Write([]byte) (int, error) }, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := w.Write([]byte(encoded[:n] + "\r\n")); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
