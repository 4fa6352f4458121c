package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/elazharjebbari/alfenna-sub002/internal/email/domain"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoSender delivers messages through the Brevo transactional API.
type BrevoSender struct {
	apiKey   string
	sender   string
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

var _ domain.Sender = (*BrevoSender)(nil)

func NewBrevo(apiKey, sender string, log zerolog.Logger) *BrevoSender {
	return &BrevoSender{
		apiKey:   apiKey,
		sender:   sender,
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("component", "brevo").Logger(),
	}
}

func (b *BrevoSender) Name() string { return "brevo" }

type brevoAddress struct {
	Email string `json:"email"`
}

type brevoAttachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

type brevoPayload struct {
	Sender      brevoAddress      `json:"sender"`
	To          []brevoAddress    `json:"to"`
	CC          []brevoAddress    `json:"cc,omitempty"`
	BCC         []brevoAddress    `json:"bcc,omitempty"`
	ReplyTo     *brevoAddress     `json:"replyTo,omitempty"`
	Subject     string            `json:"subject"`
	HTMLContent string            `json:"htmlContent,omitempty"`
	TextContent string            `json:"textContent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachment  []brevoAttachment `json:"attachment,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
	Message   string `json:"message"`
	Code      string `json:"code"`
}

func (b *BrevoSender) Send(ctx context.Context, msg domain.Message) (domain.SendResult, error) {
	if len(msg.To) == 0 {
		return domain.SendResult{}, fmt.Errorf("brevo: message has no recipients")
	}

	from := msg.From
	if from == "" {
		from = b.sender
	}
	payload := brevoPayload{
		Sender:      brevoAddress{Email: from},
		To:          toAddresses(msg.To),
		CC:          toAddresses(msg.CC),
		BCC:         toAddresses(msg.BCC),
		Subject:     msg.Subject,
		HTMLContent: msg.HTMLBody,
		TextContent: msg.TextBody,
		Headers:     msg.Headers,
	}
	if msg.ReplyTo != "" {
		payload.ReplyTo = &brevoAddress{Email: msg.ReplyTo}
	}
	for _, a := range msg.Attachments {
		payload.Attachment = append(payload.Attachment, brevoAttachment{
			Name:    a.Filename,
			Content: base64.StdEncoding.EncodeToString(a.Content),
		})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("brevo: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return domain.SendResult{}, fmt.Errorf("brevo: request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return domain.SendResult{}, err
	}
	var parsed brevoResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := parsed.Message
		if detail == "" {
			detail = string(raw)
		}
		return domain.SendResult{}, fmt.Errorf("brevo: status %d: %s", resp.StatusCode, detail)
	}

	b.log.Debug().Str("message_id", parsed.MessageID).Int("recipients", len(msg.To)).Msg("message accepted")
	return domain.SendResult{
		Accepted:          len(msg.To) + len(msg.CC) + len(msg.BCC),
		ProviderMessageID: parsed.MessageID,
	}, nil
}

func toAddresses(emails []string) []brevoAddress {
	if len(emails) == 0 {
		return nil
	}
	out := make([]brevoAddress, 0, len(emails))
	for _, e := range emails {
		out = append(out, brevoAddress{Email: e})
	}
	return out
}
