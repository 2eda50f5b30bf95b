package transport

import (
	"encoding/json"
	"errors"
	"time"
)

// DefaultTTL is applied when a wire message carries no expiration.
const DefaultTTL = 7 * 24 * time.Hour

// ErrMalformedFrame indicates a wire frame missing required fields.
// Frames failing with it are dropped, never surfaced upstream.
var ErrMalformedFrame = errors.New("malformed wire frame")

// Ack frame constants.
const (
	frameTypeAck = "ack"

	// AckStatusDelivered confirms the message reached the recipient.
	AckStatusDelivered = "delivered"
	// AckStatusFailed reports delivery was abandoned.
	AckStatusFailed = "failed"
)

// Message is the normalized wire message both transports hand to their
// message handler. Timestamp doubles as the ordering key.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Payload        []byte
	Timestamp      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the message's expiration has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.After(now)
}

// AckFrame acknowledges delivery (or terminal failure) of a message.
type AckFrame struct {
	Type           string `json:"type"`
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
}

// NewAck builds an acknowledgment frame.
func NewAck(messageID, conversationID, status string) AckFrame {
	return AckFrame{
		Type:           frameTypeAck,
		MessageID:      messageID,
		ConversationID: conversationID,
		Status:         status,
	}
}

// Delivered reports whether the ack confirms delivery.
func (a AckFrame) Delivered() bool {
	return a.Status == AckStatusDelivered
}

// wireFrame is the JSON shape of a message frame. The wire has
// historically used more than one spelling for the id, conversation
// and sender fields; the alternates are resolved here and nowhere
// else. Timestamps are unix milliseconds.
type wireFrame struct {
	Type           string `json:"type,omitempty"`
	ID             string `json:"id,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ConvID         string `json:"conv_id,omitempty"`
	SenderID       string `json:"sender_id,omitempty"`
	From           string `json:"from,omitempty"`
	Payload        []byte `json:"payload,omitempty"`
	Timestamp      int64  `json:"timestamp,omitempty"`
	Expiration     int64  `json:"expiration,omitempty"`
}

// frameType peeks at the type tag of a raw frame without full parsing.
func frameType(data []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	return envelope.Type
}

// IsAckFrame reports whether raw data is an acknowledgment frame.
func IsAckFrame(data []byte) bool {
	return frameType(data) == frameTypeAck
}

// ParseAck decodes an acknowledgment frame.
func ParseAck(data []byte) (AckFrame, error) {
	var ack AckFrame
	if err := json.Unmarshal(data, &ack); err != nil {
		return AckFrame{}, ErrMalformedFrame
	}
	if ack.MessageID == "" || (ack.Status != AckStatusDelivered && ack.Status != AckStatusFailed) {
		return AckFrame{}, ErrMalformedFrame
	}
	return ack, nil
}

// ParseFrame validates and normalizes a raw wire message. Required
// fields are the message id, conversation id, sender identity and
// timestamp; a frame missing any of them fails with
// [ErrMalformedFrame]. A missing expiration defaults to the message
// timestamp plus [DefaultTTL]. The id is forwarded exactly as
// received, never synthesized.
func ParseFrame(data []byte) (*Message, error) {
	var frame wireFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, ErrMalformedFrame
	}

	id := frame.ID
	if id == "" {
		id = frame.MessageID
	}
	conversation := frame.ConversationID
	if conversation == "" {
		conversation = frame.ConvID
	}
	sender := frame.SenderID
	if sender == "" {
		sender = frame.From
	}
	if id == "" || conversation == "" || sender == "" || frame.Timestamp == 0 {
		return nil, ErrMalformedFrame
	}

	timestamp := time.UnixMilli(frame.Timestamp)
	expires := timestamp.Add(DefaultTTL)
	if frame.Expiration > 0 {
		expires = time.UnixMilli(frame.Expiration)
	}

	return &Message{
		ID:             id,
		ConversationID: conversation,
		SenderID:       sender,
		Payload:        frame.Payload,
		Timestamp:      timestamp,
		ExpiresAt:      expires,
	}, nil
}

// EncodeFrame serializes a normalized message using the canonical
// field names.
func EncodeFrame(m *Message) ([]byte, error) {
	return json.Marshal(wireFrame{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Payload:        m.Payload,
		Timestamp:      m.Timestamp.UnixMilli(),
		Expiration:     m.ExpiresAt.UnixMilli(),
	})
}

// EncodeAck serializes an acknowledgment frame.
func EncodeAck(a AckFrame) ([]byte, error) {
	a.Type = frameTypeAck
	return json.Marshal(a)
}
