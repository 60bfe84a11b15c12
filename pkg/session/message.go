package session

import (
	"encoding/json"
	"fmt"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"
)

// MsgType discriminates the three wire messages of a session.
type MsgType string

const (
	// MsgRequest carries a summary and ack matrix. Sent once per direction:
	// as the opening request and as the turn-around.
	MsgRequest MsgType = "ae_request"
	// MsgOperation carries one log entry.
	MsgOperation MsgType = "operation"
	// MsgEnd signals that no more operations follow from the sender.
	MsgEnd MsgType = "end_tsae"
)

// Message is the envelope written as one frame.
type Message struct {
	Type      MsgType         `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	From      string          `json:"from,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// RequestPayload is the body of MsgRequest.
type RequestPayload struct {
	Summary *clock.Vector `json:"summary"`
	Ack     *clock.Matrix `json:"ack"`
}

// OperationPayload is the body of MsgOperation.
type OperationPayload struct {
	Operation model.Operation `json:"operation"`
}

// MarshalMessage serializes an envelope and its payload. payload may be nil.
func MarshalMessage(msgType MsgType, sessionID, from string, payload interface{}) ([]byte, error) {
	msg := Message{Type: msgType, SessionID: sessionID, From: from}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = b
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msgType, err)
	}
	return data, nil
}

// UnmarshalMessage decodes an envelope. Any failure is ErrMalformedMessage.
func UnmarshalMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch msg.Type {
	case MsgRequest, MsgOperation, MsgEnd:
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, msg.Type)
	}
	return &msg, nil
}

// ExtractRequest decodes and validates the payload of a MsgRequest.
func ExtractRequest(msg *Message) (*RequestPayload, error) {
	if msg.Type != MsgRequest {
		return nil, unexpected(MsgRequest, msg.Type)
	}
	var p RequestPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: request payload: %v", ErrMalformedMessage, err)
	}
	if p.Summary == nil || p.Ack == nil {
		return nil, fmt.Errorf("%w: request without summary or ack", ErrMalformedMessage)
	}
	return &p, nil
}

// ExtractOperation decodes and validates the payload of a MsgOperation.
func ExtractOperation(msg *Message) (*model.Operation, error) {
	if msg.Type != MsgOperation {
		return nil, unexpected(MsgOperation, msg.Type)
	}
	var p OperationPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: operation payload: %v", ErrMalformedMessage, err)
	}
	op := p.Operation
	if op.Timestamp.Participant == "" {
		return nil, fmt.Errorf("%w: operation without author", ErrMalformedMessage)
	}
	if op.Timestamp.Seq < clock.FirstSequence {
		return nil, fmt.Errorf("%w: operation with invalid timestamp %v", ErrMalformedMessage, op.Timestamp)
	}
	if !op.Kind.Valid() {
		return nil, fmt.Errorf("%w: operation kind %q", ErrMalformedMessage, op.Kind)
	}
	return &op, nil
}

func unexpected(want, got MsgType) error {
	return fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessage, want, got)
}
