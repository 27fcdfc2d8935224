package integrations

import "errors"

var (
	ErrNoRecipient = errors.New("integrations: no recipient")
	ErrNoChat      = errors.New("integrations: no chat configured")
	ErrSendFailed  = errors.New("integrations: provider rejected the message")
)
