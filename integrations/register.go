package integrations

import (
	"fmt"
	"log/slog"

	"github.com/glimte/stagerelay/dispatch"
)

// Integration names as they appear in workflow steps
const (
	NameMail = "gmail"
	NameWait = "receive_email"
	NameChat = "telegram"
)

// Dependencies are the provider adapters the handlers use. A nil Mail or Chat
// leaves that integration unregistered, so steps naming it fail validation.
type Dependencies struct {
	Mail    MailSender
	Chat    ChatSender
	Files   FileSource
	Replies ReplyFetcher
	Logger  *slog.Logger
}

// Register adds every available handler to the registry
func Register(reg *dispatch.Registry, deps Dependencies) error {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handlers := map[string]dispatch.Handler{
		NameWait: NewWaitHandler(WithReplyFetcher(deps.Replies), WithWaitLogger(logger)),
	}
	if deps.Mail != nil {
		handlers[NameMail] = NewMailHandler(deps.Mail, WithMailLogger(logger))
	}
	if deps.Chat != nil {
		handlers[NameChat] = NewChatHandler(deps.Chat, WithFileSource(deps.Files), WithChatLogger(logger))
	}

	for name, h := range handlers {
		if err := reg.Register(name, h); err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}
	}
	return nil
}
