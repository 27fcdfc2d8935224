package contracts

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

// Reply is the inbound email payload delivered by the mail provider webhook
type Reply struct {
	From      string   `json:"from"`
	To        []string `json:"to"`
	Subject   string   `json:"subject,omitempty"`
	EmailID   string   `json:"email_id,omitempty"`
	MessageID string   `json:"message_id,omitempty"`
	InReplyTo string   `json:"in_reply_to,omitempty"`
	Text      string   `json:"text,omitempty"`
	HTML      string   `json:"html,omitempty"`
}

// ParseReply decodes and validates a reply payload
func ParseReply(data json.RawMessage) (Reply, error) {
	var r Reply
	if len(data) == 0 {
		return r, fmt.Errorf("%w: missing reply", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: reply: %v", ErrMalformedEnvelope, err)
	}
	if r.Sender() == "" {
		return r, fmt.Errorf("%w: reply has no sender", ErrMalformedEnvelope)
	}
	return r, nil
}

// Sender returns the normalized sender address. "Jane <Jane@Example.com>"
// becomes "jane@example.com".
func (r Reply) Sender() string {
	return NormalizeAddress(r.From)
}

// Template returns the snapshot stored when the reply resolves a wait
func (r Reply) Template() map[string]any {
	return map[string]any{
		"email":   r.Sender(),
		"subject": r.Subject,
		"text":    r.Text,
		"html":    r.HTML,
	}
}

// NormalizeAddress strips display names and lowercases an email address
func NormalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(raw); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(raw)
}
