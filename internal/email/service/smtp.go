package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/email/domain"
)

// SMTPConfig carries the connection settings for the SMTP sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	From     string
}

// SMTPSender delivers messages over a plain SMTP session with STARTTLS when
// the server offers it.
type SMTPSender struct {
	cfg SMTPConfig
	log zerolog.Logger
}

var _ domain.Sender = (*SMTPSender)(nil)

func NewSMTP(cfg SMTPConfig, log zerolog.Logger) *SMTPSender {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{cfg: cfg, log: log.With().Str("component", "smtp").Logger()}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) Send(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
	from := msg.From
	if from == "" {
		from = s.cfg.From
	}
	recipients := allRecipients(msg)
	if len(recipients) == 0 {
		return domain.SendResult{}, fmt.Errorf("smtp: message has no recipients")
	}

	body, err := buildMIME(from, msg)
	if err != nil {
		return domain.SendResult{}, err
	}

	deadline := time.Now().Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, time.Until(deadline))
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("smtp: dial %s: %w", addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return domain.SendResult{}, err
	}

	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return domain.SendResult{}, fmt.Errorf("smtp: handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return domain.SendResult{}, fmt.Errorf("smtp: starttls: %w", err)
		}
	}
	if s.cfg.Username != "" {
		auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return domain.SendResult{}, fmt.Errorf("smtp: auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return domain.SendResult{}, fmt.Errorf("smtp: mail from: %w", err)
	}
	accepted := 0
	var lastRcptErr error
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			lastRcptErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return domain.SendResult{}, fmt.Errorf("smtp: all recipients refused: %w", lastRcptErr)
	}

	w, err := client.Data()
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		return domain.SendResult{}, err
	}
	if err := w.Close(); err != nil {
		return domain.SendResult{Accepted: 0}, fmt.Errorf("smtp: deliver: %w", err)
	}
	if err := client.Quit(); err != nil {
		s.log.Debug().Err(err).Msg("quit after accepted delivery")
	}
	return domain.SendResult{Accepted: accepted}, nil
}

func allRecipients(msg domain.Message) []string {
	out := make([]string, 0, len(msg.To)+len(msg.CC)+len(msg.BCC))
	out = append(out, msg.To...)
	out = append(out, msg.CC...)
	out = append(out, msg.BCC...)
	return out
}

// buildMIME renders the full RFC 5322 message: multipart/alternative for the
// text and HTML parts, wrapped in multipart/mixed when attachments exist.
func buildMIME(from string, msg domain.Message) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	writeHeader("From", from)
	writeHeader("To", strings.Join(msg.To, ", "))
	if len(msg.CC) > 0 {
		writeHeader("Cc", strings.Join(msg.CC, ", "))
	}
	if msg.ReplyTo != "" {
		writeHeader("Reply-To", msg.ReplyTo)
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Date", time.Now().UTC().Format(time.RFC1123Z))
	for k, v := range msg.Headers {
		writeHeader(k, v)
	}

	if len(msg.Attachments) == 0 {
		mw := multipart.NewWriter(&buf)
		writeHeader("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
		buf.WriteString("\r\n")
		if err := alternativeInto(mw, msg); err != nil {
			return nil, err
		}
		return buf.Bytes(), mw.Close()
	}

	mixed := multipart.NewWriter(&buf)
	writeHeader("Content-Type", "multipart/mixed; boundary="+mixed.Boundary())
	buf.WriteString("\r\n")

	altPart, err := mixed.CreatePart(textproto.MIMEHeader{
		"Content-Type": {`multipart/alternative; boundary="alt-` + mixed.Boundary() + `"`},
	})
	if err != nil {
		return nil, err
	}
	inner := multipart.NewWriter(altPart)
	if err := inner.SetBoundary("alt-" + mixed.Boundary()); err != nil {
		return nil, err
	}
	if err := alternativeInto(inner, msg); err != nil {
		return nil, err
	}
	if err := inner.Close(); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", a.Filename)},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.StdEncoding.EncodeToString(a.Content)
		for len(enc) > 0 {
			n := 76
			if n > len(enc) {
				n = len(enc)
			}
			fmt.Fprintf(part, "%s\r\n", enc[:n])
			enc = enc[n:]
		}
	}
	return buf.Bytes(), mixed.Close()
}

func alternativeInto(w *multipart.Writer, msg domain.Message) error {
	if msg.TextBody != "" {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/plain; charset=utf-8"},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(part, "%s\r\n", msg.TextBody)
	}
	if msg.HTMLBody != "" {
		part, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {"text/html; charset=utf-8"},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(part, "%s\r\n", msg.HTMLBody)
	}
	return nil
}
