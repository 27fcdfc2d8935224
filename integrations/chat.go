package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/glimte/stagerelay/dispatch"
)

const chatConfigSchema = `{
  "type": "object",
  "required": ["token", "chatId"],
  "properties": {
    "token": {"type": "string", "minLength": 1},
    "chatId": {"type": ["string", "integer"]}
  }
}`

// ChatSender posts to a chat and returns the provider message id
type ChatSender interface {
	SendText(ctx context.Context, token string, chatID int64, text string) (string, error)
	SendDocument(ctx context.Context, token string, chatID int64, fileURL, caption string) (string, error)
}

// FileSource resolves a stored file name to a URL the chat provider can fetch
type FileSource interface {
	FileURL(ctx context.Context, name string) (string, error)
}

// BaseURLFileSource serves files below a fixed base URL
type BaseURLFileSource struct {
	Base string
}

// FileURL implements FileSource
func (s BaseURLFileSource) FileURL(_ context.Context, name string) (string, error) {
	return url.JoinPath(s.Base, name)
}

// TelegramSender posts through the Telegram Bot API. Bots are created lazily
// per token and reused.
type TelegramSender struct {
	mu       sync.Mutex
	bots     map[string]*tgbotapi.BotAPI
	endpoint string
}

// NewTelegramSender creates a Telegram backed ChatSender. An empty endpoint
// uses the public Bot API.
func NewTelegramSender(endpoint string) *TelegramSender {
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	return &TelegramSender{bots: make(map[string]*tgbotapi.BotAPI), endpoint: endpoint}
}

func (s *TelegramSender) bot(token string) (*tgbotapi.BotAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if bot, ok := s.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	s.bots[token] = bot
	return bot, nil
}

// SendText implements ChatSender
func (s *TelegramSender) SendText(_ context.Context, token string, chatID int64, text string) (string, error) {
	bot, err := s.bot(token)
	if err != nil {
		return "", err
	}
	msg, err := bot.Send(tgbotapi.NewMessage(chatID, text))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// SendDocument implements ChatSender
func (s *TelegramSender) SendDocument(_ context.Context, token string, chatID int64, fileURL, caption string) (string, error) {
	bot, err := s.bot(token)
	if err != nil {
		return "", err
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FileURL(fileURL))
	doc.Caption = caption
	msg, err := bot.Send(doc)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return strconv.Itoa(msg.MessageID), nil
}

// ChatHandler notifies a chat. It sends, in order of preference, the reply
// captured by the previous wait stage, the run's file as a document, or the
// run meta as JSON.
type ChatHandler struct {
	sender ChatSender
	files  FileSource
	logger *slog.Logger
}

// ChatOption configures the ChatHandler
type ChatOption func(*ChatHandler)

// WithFileSource enables the document branch
func WithFileSource(files FileSource) ChatOption {
	return func(h *ChatHandler) {
		h.files = files
	}
}

// WithChatLogger sets the logger
func WithChatLogger(logger *slog.Logger) ChatOption {
	return func(h *ChatHandler) {
		h.logger = logger
	}
}

// NewChatHandler creates the "telegram" handler
func NewChatHandler(sender ChatSender, options ...ChatOption) *ChatHandler {
	h := &ChatHandler{sender: sender, logger: slog.Default()}
	for _, opt := range options {
		opt(h)
	}
	return h
}

// Capabilities implements dispatch.Handler
func (h *ChatHandler) Capabilities() dispatch.Capabilities {
	return dispatch.Capabilities{
		Idempotency:  dispatch.IdempotentByCorrelation,
		ConfigSchema: chatConfigSchema,
	}
}

// Invoke implements dispatch.Handler
func (h *ChatHandler) Invoke(ctx context.Context, req *dispatch.Request) (dispatch.Result, error) {
	token := req.ConfigString("token")
	chatID, err := strconv.ParseInt(req.ConfigString("chatId"), 10, 64)
	if token == "" || err != nil {
		return dispatch.Result{}, dispatch.Invalid("%v: token and numeric chatId are required", ErrNoChat)
	}

	if req.AlreadyCorrelated() {
		return dispatch.Result{CorrelationID: req.Record.ExternalMessageID}, nil
	}

	logger := h.logger.With("runId", runID(req), "chatId", chatID)

	var id string
	switch {
	case req.Reply != nil:
		text, err := toJSON(req.Reply.Template)
		if err != nil {
			return dispatch.Result{}, err
		}
		id, err = h.sender.SendText(ctx, token, chatID, text)
		if err != nil {
			return dispatch.Result{}, err
		}
		logger.Info("captured reply forwarded to chat", "awaitedReplyId", req.Reply.AwaitedReplyID)

	case h.files != nil && req.MetaString("file_name") != "":
		name := req.MetaString("file_name")
		fileURL, err := h.files.FileURL(ctx, name)
		if err != nil {
			return dispatch.Result{}, fmt.Errorf("failed to resolve file %s: %w", name, err)
		}
		id, err = h.sender.SendDocument(ctx, token, chatID, fileURL, req.MetaString("message"))
		if err != nil {
			return dispatch.Result{}, err
		}
		logger.Info("document sent to chat", "file", name)

	default:
		var meta map[string]any
		if req.Run != nil {
			meta = req.Run.Meta
		}
		text, err := toJSON(meta)
		if err != nil {
			return dispatch.Result{}, err
		}
		id, err = h.sender.SendText(ctx, token, chatID, text)
		if err != nil {
			return dispatch.Result{}, err
		}
		logger.Info("run meta sent to chat")
	}

	return dispatch.Result{CorrelationID: id}, nil
}

func toJSON(v any) (string, error) {
	if v == nil {
		v = map[string]any{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode chat message: %w", err)
	}
	return string(data), nil
}
