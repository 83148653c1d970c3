// ABOUTME: Tests for envelope decoding in both frame encodings
// ABOUTME: Covers typed payload extraction, CBOR map handling and message classes

package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/XmasRock/multi-agent-conversational-system/internal/store"
)

func TestDecodePayload_JSON(t *testing.T) {
	f := Frame{Encoding: EncodingJSON, Data: []byte(`{
		"type": "context",
		"request_id": "r-7",
		"payload": {"context_type": "face_detected", "data": {"person": "Pierre", "confidence": 0.93}, "priority": 4}
	}`)}

	var head header
	require.NoError(t, Decode(f, &head))
	assert.Equal(t, TypeContext, head.Type)
	assert.Equal(t, "r-7", head.RequestID)

	p, err := decodePayload[ContextPayload](f)
	require.NoError(t, err)
	assert.Equal(t, "face_detected", p.ContextType)
	require.NotNil(t, p.Priority)
	assert.Equal(t, 4, *p.Priority)
	assert.Equal(t, map[string]any{"person": "Pierre", "confidence": 0.93}, p.Data)
}

func TestDecodePayload_CBORNestedMaps(t *testing.T) {
	f, err := Encode(EncodingCBOR, Envelope[any]{
		Type: TypeContext,
		Payload: map[string]any{
			"context_type": "scene",
			"data": map[string]any{
				"objects": []any{map[string]any{"label": "cup"}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, EncodingCBOR, f.Encoding)

	p, err := decodePayload[ContextPayload](f)
	require.NoError(t, err)
	assert.Equal(t, "scene", p.ContextType)
	assert.Nil(t, p.Priority)

	data, ok := p.Data.(map[string]any)
	require.True(t, ok, "nested maps decode as map[string]any, got %T", p.Data)
	objects, ok := data["objects"].([]any)
	require.True(t, ok)
	require.Len(t, objects, 1)
	assert.Equal(t, map[string]any{"label": "cup"}, objects[0])

	// Decoded payloads must persist as JSON
	_, err = store.EncodePayload(p.Data)
	assert.NoError(t, err)
}

func TestEncode_MessageTimesSurviveCBOR(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	in := Message{
		Type:       TypeContextBroadcast,
		Entry:      &store.ContextEntry{ID: 9, AgentID: "cam-1", ContextType: "motion", Priority: 3, Timestamp: now},
		ServerTime: &now,
	}
	f, err := Encode(EncodingCBOR, in)
	require.NoError(t, err)

	var out Message
	require.NoError(t, Decode(f, &out))
	require.NotNil(t, out.Entry)
	assert.True(t, now.Equal(out.Entry.Timestamp))
	require.NotNil(t, out.ServerTime)
	assert.True(t, now.Equal(*out.ServerTime))
}

func TestDecode_Malformed(t *testing.T) {
	var head header
	err := Decode(Frame{Encoding: EncodingJSON, Data: []byte("nope")}, &head)
	assert.ErrorContains(t, err, "decoding json frame")

	err = Decode(Frame{Encoding: EncodingCBOR, Data: []byte{0xff, 0x00}}, &head)
	assert.ErrorContains(t, err, "decoding cbor frame")
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, classContext, classOf(TypeContextBroadcast))
	assert.Equal(t, classCritical, classOf(TypeActionRequest))
	assert.Equal(t, classCritical, classOf(TypeActionCompleted))
	assert.Equal(t, classControl, classOf(TypeAgentStatus))
	assert.Equal(t, classControl, classOf("custom"))
}
