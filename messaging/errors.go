package messaging

import "errors"

var (
	ErrTransportClosed = errors.New("messaging: transport closed")
	ErrEmptyTopic      = errors.New("messaging: topic is required")
	ErrNilHandler      = errors.New("messaging: handler is required")
)
