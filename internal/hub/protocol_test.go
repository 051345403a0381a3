package hub

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInvocation(t *testing.T) {
	data, err := EncodeInvocation("7", "JoinPage", 42)
	require.NoError(t, err)
	assert.Equal(t, RecordSeparator, data[len(data)-1])
	assert.JSONEq(t, `{"type":1,"invocationId":"7","target":"JoinPage","arguments":[42]}`, string(data[:len(data)-1]))
}

func TestEncodeInvocationWithoutArguments(t *testing.T) {
	data, err := EncodeInvocation("", "Refresh")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":1,"target":"Refresh","arguments":[]}`, string(data[:len(data)-1]))
}

func TestParseMessagesSplitsRecords(t *testing.T) {
	data := append(EncodePing(), EncodeClose("bye", true)...)
	completion, err := EncodeCompletion("1", map[string]int{"n": 1}, "")
	require.NoError(t, err)
	data = append(data, completion...)

	messages, err := ParseMessages(data)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, MessagePing, messages[0].Type)
	assert.Equal(t, MessageClose, messages[1].Type)
	assert.Equal(t, "bye", messages[1].Error)
	assert.True(t, messages[1].AllowReconnect)
	assert.Equal(t, MessageCompletion, messages[2].Type)
	assert.JSONEq(t, `{"n":1}`, string(messages[2].Result))
}

func TestParseMessagesSkipsMalformedRecords(t *testing.T) {
	data := []byte("{not json")
	data = append(data, RecordSeparator)
	data = append(data, EncodePing()...)

	messages, err := ParseMessages(data)
	assert.Error(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, MessagePing, messages[0].Type)
}

func TestParseHandshake(t *testing.T) {
	inv, err := EncodeInvocation("", "ComponentRemoved", 2)
	require.NoError(t, err)
	data := append([]byte("{}"), RecordSeparator)
	data = append(data, inv...)

	var hs HandshakeResponse
	rest, err := ParseHandshake(data, &hs)
	require.NoError(t, err)
	assert.Empty(t, hs.Error)

	messages, err := ParseMessages(rest)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "ComponentRemoved", messages[0].Target)

	var index int
	require.NoError(t, json.Unmarshal(messages[0].Arguments[0], &index))
	assert.Equal(t, 2, index)
}

func TestParseHandshakeIncomplete(t *testing.T) {
	var hs HandshakeResponse
	_, err := ParseHandshake([]byte(`{"error":"x"}`), &hs)
	assert.Error(t, err)
}

func TestHandshakeRequestRecord(t *testing.T) {
	data := EncodeHandshakeRequest()
	var req HandshakeRequest
	_, err := ParseHandshake(data, &req)
	require.NoError(t, err)
	assert.Equal(t, HandshakeRequest{Protocol: "json", Version: 1}, req)
}
