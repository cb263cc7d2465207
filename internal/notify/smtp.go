package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"jobflow/internal/config"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// implicitTLSPort is the SMTPS port; other ports use STARTTLS when offered.
const implicitTLSPort = 465

// SMTPConfig holds SMTP connection details and sender credentials.
type SMTPConfig struct {
	Host          string
	Port          int
	Sender        string
	Password      string
	SubjectPrefix string
	DialTimeout   time.Duration
	TLSConfig     *tls.Config // nil uses ServerName verification against Host
}

// LoadConfigFromEnv loads SMTP configuration from environment variables.
// SENDER and PASSWORD are required and carry config.Unset when absent.
func LoadConfigFromEnv() SMTPConfig {
	password := config.RequireEnv("PASSWORD")
	if file := config.GetEnv("PASSWORD_FILE", ""); file != "" {
		password = config.GetSecretFile(file)
	}
	return SMTPConfig{
		Host:          config.GetEnv("SMTP_HOST", "smtp.gmail.com"),
		Port:          config.GetIntEnv("SMTP_PORT", implicitTLSPort),
		Sender:        config.RequireEnv("SENDER"),
		Password:      password,
		SubjectPrefix: config.GetEnv("NOTIFY_SUBJECT_PREFIX", DefaultSubjectPrefix),
		DialTimeout:   config.GetDurationEnv("SMTP_DIAL_TIMEOUT", 10*time.Second),
	}.withDefaults()
}

func (c SMTPConfig) withDefaults() SMTPConfig {
	if c.Port <= 0 {
		c.Port = implicitTLSPort
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = DefaultSubjectPrefix
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// Missing returns the names of required settings that are unset.
func (c SMTPConfig) Missing() []string {
	var missing []string
	if config.IsUnset(c.Sender) || c.Sender == "" {
		missing = append(missing, "SENDER")
	}
	if config.IsUnset(c.Password) {
		missing = append(missing, "PASSWORD")
	}
	return missing
}

// SMTPNotifier sends messages through an SMTP relay as a single
// multipart/alternative email.
type SMTPNotifier struct {
	cfg SMTPConfig
}

// NewSMTPNotifier creates a notifier from config.
func NewSMTPNotifier(cfg SMTPConfig) *SMTPNotifier {
	return &SMTPNotifier{cfg: cfg.withDefaults()}
}

// Send delivers msg. Failures are returned as-is; nothing is retried.
func (n *SMTPNotifier) Send(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer("jobflow").Start(ctx, "notify.smtp")
	defer span.End()

	if len(msg.To) == 0 {
		err := errors.New("notification has no recipients")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no recipients")
		return err
	}
	span.SetAttributes(
		attribute.String("smtp.host", n.cfg.Host),
		attribute.Int("smtp.recipients", len(msg.To)),
	)

	raw, err := buildMIME(n.cfg.Sender, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build message failed")
		return err
	}

	// The SMTP exchange has no context support; run it aside so ctx bounds the wait.
	done := make(chan error, 1)
	go func() {
		done <- n.deliver(msg.To, raw)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send to %s: %w", strings.Join(msg.To, ","), err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("smtp send interrupted: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		return err
	}
}

func (n *SMTPNotifier) deliver(to []string, raw []byte) error {
	addr := net.JoinHostPort(n.cfg.Host, strconv.Itoa(n.cfg.Port))
	dialer := &net.Dialer{Timeout: n.cfg.DialTimeout}
	tlsConfig := n.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}
	}

	var conn net.Conn
	var err error
	if n.cfg.Port == implicitTLSPort {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	c, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if n.cfg.Port != implicitTLSPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if ok, _ := c.Extension("AUTH"); ok && n.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", n.cfg.Sender, n.cfg.Password, n.cfg.Host)); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := c.Mail(n.cfg.Sender); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close body: %w", err)
	}
	return c.Quit()
}

// buildMIME renders msg as a multipart/alternative email with a plain-text
// and an HTML part. Part bodies are quoted-printable so no line exceeds the
// SMTP limit of 998 octets.
func buildMIME(from string, msg Message) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	parts := []struct {
		contentType string
		content     string
	}{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	}
	for _, p := range parts {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {p.contentType},
			"Content-Transfer-Encoding": {"quoted-printable"},
		})
		if err != nil {
			return nil, fmt.Errorf("create part: %w", err)
		}
		qw := quotedprintable.NewWriter(w)
		if _, err := qw.Write([]byte(p.content)); err != nil {
			return nil, fmt.Errorf("write part: %w", err)
		}
		if err := qw.Close(); err != nil {
			return nil, fmt.Errorf("flush part: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "From: %s\r\n", from)
	fmt.Fprintf(&out, "To: %s\r\n", strings.Join(msg.To, ","))
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", mw.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
