package contracts

import "errors"

var (
	// ErrMalformedEnvelope is returned when a received message cannot be decoded.
	// The router treats it as a data-integrity failure and drops the message.
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")

	// ErrInvalidEnvelope is returned when building an envelope from bad input
	ErrInvalidEnvelope = errors.New("contracts: invalid envelope")
)
