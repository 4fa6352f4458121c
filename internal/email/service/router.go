package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/config"
	"github.com/elazharjebbari/alfenna-sub002/internal/email/domain"
)

// Router picks the configured provider and falls back to the console sender
// in development when none is configured.
type Router struct {
	primary domain.Sender
}

var _ domain.Sender = (*Router)(nil)

// NewRouter builds the sender for the configured provider.
func NewRouter(cfg config.Config, log zerolog.Logger) (*Router, error) {
	switch cfg.EmailProvider {
	case "smtp":
		return &Router{primary: NewSMTP(SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Timeout:  cfg.SMTPTimeout,
			From:     cfg.DefaultFromEmail,
		}, log)}, nil
	case "brevo":
		if cfg.BrevoAPIKey == "" {
			return nil, fmt.Errorf("email: brevo provider selected without BREVO_API_KEY")
		}
		sender := cfg.BrevoSender
		if sender == "" {
			sender = cfg.DefaultFromEmail
		}
		return &Router{primary: NewBrevo(cfg.BrevoAPIKey, sender, log)}, nil
	case "console":
		return &Router{primary: NewConsole(log)}, nil
	default:
		if cfg.Debug() {
			return &Router{primary: NewConsole(log)}, nil
		}
		return nil, fmt.Errorf("email: unknown provider %q", cfg.EmailProvider)
	}
}

func (r *Router) Name() string { return r.primary.Name() }

func (r *Router) Send(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
	return r.primary.Send(ctx, msg)
}

// ConsoleSender logs messages instead of delivering them. Development only.
type ConsoleSender struct {
	log zerolog.Logger
}

var _ domain.Sender = (*ConsoleSender)(nil)

func NewConsole(log zerolog.Logger) *ConsoleSender {
	return &ConsoleSender{log: log.With().Str("component", "console-email").Logger()}
}

func (c *ConsoleSender) Name() string { return "console" }

func (c *ConsoleSender) Send(_ context.Context, msg domain.Message) (domain.SendResult, error) {
	c.log.Info().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Int("text_bytes", len(msg.TextBody)).
		Int("html_bytes", len(msg.HTMLBody)).
		Msg("email written to console")
	return domain.SendResult{Accepted: len(msg.To) + len(msg.CC) + len(msg.BCC)}, nil
}
