package integrations

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/glimte/stagerelay/contracts"
	"github.com/glimte/stagerelay/dispatch"
)

const mailConfigSchema = `{
  "type": "object",
  "required": ["email", "app_password"],
  "properties": {
    "email": {"type": "string", "minLength": 1},
    "app_password": {"type": "string", "minLength": 1},
    "message": {"type": "string"},
    "subject": {"type": "string"}
  }
}`

const defaultSubject = "n8n"

// OutboundMail is one email to send
type OutboundMail struct {
	APIKey  string
	From    string
	To      string
	Subject string
	HTML    string
}

// MailSender delivers an email and returns the provider's message id
type MailSender interface {
	SendMail(ctx context.Context, mail OutboundMail) (string, error)
}

// ResendSender sends mail through the Resend API. The API key comes from the
// step config, so a client is built per call.
type ResendSender struct {
	newClient func(apiKey string) *resend.Client
}

// NewResendSender creates a Resend backed MailSender
func NewResendSender() *ResendSender {
	return &ResendSender{newClient: resend.NewClient}
}

// SendMail implements MailSender
func (s *ResendSender) SendMail(ctx context.Context, mail OutboundMail) (string, error) {
	client := s.newClient(mail.APIKey)
	sent, err := client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    mail.From,
		To:      []string{mail.To},
		Subject: mail.Subject,
		Html:    mail.HTML,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if sent == nil || sent.Id == "" {
		return "", fmt.Errorf("%w: empty message id", ErrSendFailed)
	}
	return sent.Id, nil
}

// MailHandler sends the step's message to the run's email address. The
// provider message id becomes the stage correlation, and a redelivered stage
// that already has one is not sent again.
type MailHandler struct {
	sender MailSender
	logger *slog.Logger
}

// MailOption configures the MailHandler
type MailOption func(*MailHandler)

// WithMailLogger sets the logger
func WithMailLogger(logger *slog.Logger) MailOption {
	return func(h *MailHandler) {
		h.logger = logger
	}
}

// NewMailHandler creates the "gmail" handler
func NewMailHandler(sender MailSender, options ...MailOption) *MailHandler {
	h := &MailHandler{sender: sender, logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Capabilities implements dispatch.Handler
func (h *MailHandler) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		Idempotency:  dispatch.IdempotentByCorrelation,
		ConfigSchema: mailConfigSchema,
	}
}

// Invoke implements dispatch.Handler
func (h *MailHandler) Invoke(ctx context.Context, req *dispatch.Request) (dispatch.Result, error) {
	to := contracts.NormalizeAddress(req.MetaString("email"))
	if to == "" {
		return dispatch.Result{}, dispatch.Invalid("%v: run meta has no email", ErrNoRecipient)
	}

	if req.AlreadyCorrelated() {
		h.logger.Info("mail already sent for stage",
			"runId", req.Record.RunID,
			"stage", req.Record.StageIndex,
			"externalMessageId", req.Record.ExternalMessageID,
		)
		return dispatch.Result{CorrelationID: req.Record.ExternalMessageID, Participant: to}, nil
	}

	subject := req.ConfigString("subject")
	if subject == "" {
		subject = defaultSubject
	}

	id, err := h.sender.SendMail(ctx, OutboundMail{
		APIKey:  req.ConfigString("app_password"),
		From:    senderAddress(req.ConfigString("email")),
		To:      to,
		Subject: subject,
		HTML:    "<h2>" + html.EscapeString(req.ConfigString("message")) + "</h2>",
	})
	if err != nil {
		return dispatch.Result{}, err
	}

	h.logger.Info("mail sent", "runId", runID(req), "to", to, "externalMessageId", id)
	return dispatch.Result{CorrelationID: id, Participant: to}, nil
}

// senderAddress turns the configured sending domain into a From header.
// A full address is used as is.
func senderAddress(configured string) string {
	configured = strings.TrimSpace(configured)
	if strings.Contains(configured, "@") {
		return configured
	}
	return "n8n <hello@" + configured + ">"
}

func runID(req *dispatch.Request) string {
	if req.Run != nil {
		return req.Run.ID
	}
	if req.Record != nil {
		return req.Record.RunID
	}
	return ""
}
