package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies how the router treats an envelope
type MessageType string

const (
	TypeAdvance MessageType = "ADVANCE"
	TypeResume  MessageType = "RESUME"
)

// Envelope wraps every message published to the stage topic
type Envelope struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Run       json.RawMessage `json:"run"`
	Stage     *int            `json:"stage,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// RunRef identifies the run an ADVANCE envelope targets. AwaitedReplyID is set
// when the previous stage was resolved by an inbound reply, so downstream
// stages can read the captured content.
type RunRef struct {
	ID             string `json:"id"`
	AwaitedReplyID string `json:"awaitedReplyId,omitempty"`
}

// NewAdvance builds an ADVANCE envelope for the given run and stage
func NewAdvance(ref RunRef, stage int) (*Envelope, error) {
	if ref.ID == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrInvalidEnvelope)
	}
	if stage < 0 {
		return nil, fmt.Errorf("%w: negative stage %d", ErrInvalidEnvelope, stage)
	}

	run, err := json.Marshal(ref)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run ref: %w", err)
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeAdvance,
		Run:       run,
		Stage:     &stage,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// NewResume builds a RESUME envelope around a raw reply payload
func NewResume(reply json.RawMessage) (*Envelope, error) {
	if len(reply) == 0 || string(reply) == "null" {
		return nil, fmt.Errorf("%w: reply payload is empty", ErrInvalidEnvelope)
	}
	if !json.Valid(reply) {
		return nil, fmt.Errorf("%w: reply payload is not valid JSON", ErrInvalidEnvelope)
	}

	return &Envelope{
		ID:        uuid.New().String(),
		Type:      TypeResume,
		Run:       reply,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Decode parses an envelope from its wire form. It only checks that the
// payload is a JSON object with a type; type-specific validation happens in
// RunRef and Reply.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Marshal returns the wire form of the envelope
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// RunRef decodes the run field of an ADVANCE envelope
func (e *Envelope) RunRef() (RunRef, error) {
	var ref RunRef
	if len(e.Run) == 0 {
		return ref, fmt.Errorf("%w: missing run", ErrMalformedEnvelope)
	}
	if err := json.Unmarshal(e.Run, &ref); err != nil {
		return ref, fmt.Errorf("%w: run: %v", ErrMalformedEnvelope, err)
	}
	if ref.ID == "" {
		return ref, fmt.Errorf("%w: missing run id", ErrMalformedEnvelope)
	}
	return ref, nil
}

// StageIndex returns the declared stage of an ADVANCE envelope
func (e *Envelope) StageIndex() (int, error) {
	if e.Stage == nil {
		return 0, fmt.Errorf("%w: missing stage", ErrMalformedEnvelope)
	}
	if *e.Stage < 0 {
		return 0, fmt.Errorf("%w: negative stage %d", ErrMalformedEnvelope, *e.Stage)
	}
	return *e.Stage, nil
}

// Reply decodes the run field of a RESUME envelope
func (e *Envelope) Reply() (Reply, error) {
	return ParseReply(e.Run)
}

// PartitionKey returns the key the envelope is published under. ADVANCE
// envelopes are keyed by run id so all stages of a run share a partition.
// RESUME envelopes are keyed by the reply sender, the only stable identity
// known before correlation.
func (e *Envelope) PartitionKey() string {
	switch e.Type {
	case TypeAdvance:
		if ref, err := e.RunRef(); err == nil {
			return ref.ID
		}
	case TypeResume:
		if reply, err := e.Reply(); err == nil {
			return reply.Sender()
		}
	}
	return e.ID
}
