package mcp

import (
	"encoding/json"
	"fmt"
)

// MessageKind classifies a JSONRPCMessage.
type MessageKind int

// MessageKind values.
const (
	MessageKindInvalid MessageKind = iota
	MessageKindRequest
	MessageKindNotification
	MessageKindResponse
)

func (k MessageKind) String() string {
	switch k {
	case MessageKindRequest:
		return "request"
	case MessageKindNotification:
		return "notification"
	case MessageKindResponse:
		return "response"
	default:
		return "invalid"
	}
}

// Kind reports whether the message is a request, a notification or a response.
// A response must carry exactly one of Result or Error.
func (m JSONRPCMessage) Kind() MessageKind {
	switch {
	case m.Method != "" && m.ID != "":
		return MessageKindRequest
	case m.Method != "":
		return MessageKindNotification
	case m.ID != "" && (m.Result != nil) != (m.Error != nil):
		return MessageKindResponse
	default:
		return MessageKindInvalid
	}
}

// EncodeMessage validates msg and encodes it as a single JSON document.
func EncodeMessage(msg JSONRPCMessage) ([]byte, error) {
	if msg.JSONRPC == "" {
		msg.JSONRPC = JSONRPCVersion
	}
	if err := validateMessage(msg); err != nil {
		return nil, err
	}
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// DecodeMessage decodes and validates a single JSON-RPC envelope.
func DecodeMessage(data []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return JSONRPCMessage{}, fmt.Errorf("%w: %w", errInvalidJSON, err)
	}
	if err := validateMessage(msg); err != nil {
		return JSONRPCMessage{}, err
	}
	return msg, nil
}

func validateMessage(msg JSONRPCMessage) error {
	if msg.JSONRPC != JSONRPCVersion {
		return fmt.Errorf("%w: unsupported jsonrpc version %q", errInvalidJSON, msg.JSONRPC)
	}
	if msg.Kind() == MessageKindInvalid {
		return fmt.Errorf("%w: envelope is neither request, notification nor response", errInvalidJSON)
	}
	return nil
}

func newRequest(id MustString, method string, params any) (JSONRPCMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

func newNotification(method string, params any) (JSONRPCMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method, Params: raw}, nil
}

func newResult(id MustString, result any) (JSONRPCMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	return JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: raw}, nil
}

func newErrorResponse(id MustString, code int, message string, data map[string]any) JSONRPCMessage {
	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message, Data: data},
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return raw, nil
}
