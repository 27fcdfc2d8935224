package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAdvance(t *testing.T) {
	env, err := NewAdvance(RunRef{ID: "run-1", AwaitedReplyID: "ar-1"}, 2)
	require.NoError(t, err)

	assert.Equal(t, TypeAdvance, env.Type)
	assert.NotEmpty(t, env.ID)
	require.NotNil(t, env.Stage)
	assert.Equal(t, 2, *env.Stage)
	assert.Equal(t, "run-1", env.PartitionKey())

	ref, err := env.RunRef()
	require.NoError(t, err)
	assert.Equal(t, "ar-1", ref.AwaitedReplyID)
}

func TestNewAdvanceRejectsBadInput(t *testing.T) {
	_, err := NewAdvance(RunRef{}, 0)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = NewAdvance(RunRef{ID: "run-1"}, -1)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "advance", input: `{"type":"ADVANCE","run":{"id":"r1"},"stage":0}`},
		{name: "resume", input: `{"type":"RESUME","run":{"from":"a@b.c","to":["x@y.z"]}}`},
		{name: "unknown type still decodes", input: `{"type":"PING","run":{}}`},
		{name: "missing type", input: `{"run":{"id":"r1"}}`, wantErr: true},
		{name: "not json", input: `advance`, wantErr: true},
		{name: "array", input: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, env.Type)
		})
	}
}

func TestStageIndex(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ADVANCE","run":{"id":"r1"}}`))
	require.NoError(t, err)

	_, err = env.StageIndex()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)

	env, err = Decode([]byte(`{"type":"ADVANCE","run":{"id":"r1"},"stage":-3}`))
	require.NoError(t, err)
	_, err = env.StageIndex()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestRunRefMissingID(t *testing.T) {
	env, err := Decode([]byte(`{"type":"ADVANCE","run":{"awaitedReplyId":"x"},"stage":1}`))
	require.NoError(t, err)

	_, err = env.RunRef()
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestResumeEnvelope(t *testing.T) {
	raw := json.RawMessage(`{"from":"Jane Doe <Jane@Example.com>","to":["bot@relay.dev"],"subject":"Re: n8n","text":"ok"}`)

	env, err := NewResume(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeResume, env.Type)
	assert.Nil(t, env.Stage)
	assert.Equal(t, "jane@example.com", env.PartitionKey())

	data, err := env.Marshal()
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	reply, err := decoded.Reply()
	require.NoError(t, err)
	assert.Equal(t, "jane@example.com", reply.Sender())
	assert.Equal(t, "ok", reply.Text)
}

func TestNewResumeRejectsEmptyPayload(t *testing.T) {
	_, err := NewResume(nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = NewResume(json.RawMessage(`null`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)

	_, err = NewResume(json.RawMessage(`{broken`))
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestParseReplyRequiresSender(t *testing.T) {
	_, err := ParseReply(json.RawMessage(`{"to":["a@b.c"]}`))
	assert.ErrorIs(t, err, ErrMalformedEnvelope)
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "a@b.c", NormalizeAddress("  A@B.C "))
	assert.Equal(t, "a@b.c", NormalizeAddress("Someone <a@b.c>"))
	assert.Equal(t, "", NormalizeAddress(""))
}

func TestReplyTemplate(t *testing.T) {
	r := Reply{From: "Jane <JANE@example.com>", Subject: "Re", Text: "ok", HTML: "<p>ok</p>"}
	assert.Equal(t, map[string]any{
		"email":   "jane@example.com",
		"subject": "Re",
		"text":    "ok",
		"html":    "<p>ok</p>",
	}, r.Template())
}
