package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// RecordSeparator terminates every message of the JSON hub protocol
const RecordSeparator byte = 0x1e

// MessageType identifies a hub protocol message
type MessageType int

const (
	MessageInvocation       MessageType = 1
	MessageStreamItem       MessageType = 2
	MessageCompletion       MessageType = 3
	MessageStreamInvocation MessageType = 4
	MessageCancelInvocation MessageType = 5
	MessagePing             MessageType = 6
	MessageClose            MessageType = 7
)

// ProtocolName and ProtocolVersion are sent in the handshake
const (
	ProtocolName    = "json"
	ProtocolVersion = 1
)

// Message is a decoded hub protocol message. Only the fields relevant to
// its Type are populated.
type Message struct {
	Type           MessageType       `json:"type"`
	InvocationID   string            `json:"invocationId,omitempty"`
	Target         string            `json:"target,omitempty"`
	Arguments      []json.RawMessage `json:"arguments,omitempty"`
	Result         json.RawMessage   `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	AllowReconnect bool              `json:"allowReconnect,omitempty"`
}

// HandshakeRequest is the first record a client sends
type HandshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// HandshakeResponse is the first record a server sends
type HandshakeResponse struct {
	Error string `json:"error,omitempty"`
}

type invocationFrame struct {
	Type         MessageType       `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target"`
	Arguments    []json.RawMessage `json:"arguments"`
}

type completionFrame struct {
	Type         MessageType     `json:"type"`
	InvocationID string          `json:"invocationId"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

type closeFrame struct {
	Type           MessageType `json:"type"`
	Error          string      `json:"error,omitempty"`
	AllowReconnect bool        `json:"allowReconnect,omitempty"`
}

func frame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, RecordSeparator), nil
}

// EncodeHandshakeRequest returns the client handshake record
func EncodeHandshakeRequest() []byte {
	data, _ := frame(HandshakeRequest{Protocol: ProtocolName, Version: ProtocolVersion})
	return data
}

// EncodeHandshakeResponse returns the server handshake record
func EncodeHandshakeResponse(errMsg string) []byte {
	data, _ := frame(HandshakeResponse{Error: errMsg})
	return data
}

// EncodeInvocation encodes a call of target with positional args. An empty
// id produces a fire-and-forget invocation.
func EncodeInvocation(id, target string, args ...any) ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for i, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode argument %d of %s: %w", i, target, err)
		}
		raw = append(raw, data)
	}
	return frame(invocationFrame{
		Type:         MessageInvocation,
		InvocationID: id,
		Target:       target,
		Arguments:    raw,
	})
}

// EncodeCompletion encodes the outcome of an invocation
func EncodeCompletion(id string, result any, errMsg string) ([]byte, error) {
	f := completionFrame{Type: MessageCompletion, InvocationID: id, Error: errMsg}
	if result != nil && errMsg == "" {
		data, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode completion result: %w", err)
		}
		f.Result = data
	}
	return frame(f)
}

// EncodePing returns a keep-alive record
func EncodePing() []byte {
	data, _ := frame(struct {
		Type MessageType `json:"type"`
	}{Type: MessagePing})
	return data
}

// EncodeClose returns a close record
func EncodeClose(errMsg string, allowReconnect bool) []byte {
	data, _ := frame(closeFrame{Type: MessageClose, Error: errMsg, AllowReconnect: allowReconnect})
	return data
}

// ParseMessages splits a websocket frame into records and decodes each one.
// Records that fail to decode are skipped; the first such failure is
// returned alongside the messages that did decode.
func ParseMessages(data []byte) ([]Message, error) {
	var (
		messages []Message
		firstErr error
	)
	for _, record := range bytes.Split(data, []byte{RecordSeparator}) {
		if len(bytes.TrimSpace(record)) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(record, &msg); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to decode hub message: %w", err)
			}
			continue
		}
		messages = append(messages, msg)
	}
	return messages, firstErr
}

// ParseHandshake decodes the handshake record at the start of data and
// returns whatever follows it.
func ParseHandshake(data []byte, v any) ([]byte, error) {
	idx := bytes.IndexByte(data, RecordSeparator)
	if idx < 0 {
		return nil, fmt.Errorf("incomplete handshake record")
	}
	if err := json.Unmarshal(data[:idx], v); err != nil {
		return nil, fmt.Errorf("failed to decode handshake: %w", err)
	}
	return data[idx+1:], nil
}
