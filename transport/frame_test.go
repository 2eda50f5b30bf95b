package transport

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("canonical frame", func(t *testing.T) {
		data, err := json.Marshal(map[string]any{
			"id":              "m1",
			"conversation_id": "c1",
			"sender_id":       "alice",
			"payload":         []byte("ciphertext"),
			"timestamp":       ts.UnixMilli(),
			"expiration":      ts.Add(time.Hour).UnixMilli(),
		})
		require.NoError(t, err)

		msg, err := ParseFrame(data)
		require.NoError(t, err)
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "c1", msg.ConversationID)
		assert.Equal(t, "alice", msg.SenderID)
		assert.Equal(t, []byte("ciphertext"), msg.Payload)
		assert.True(t, msg.Timestamp.Equal(ts))
		assert.True(t, msg.ExpiresAt.Equal(ts.Add(time.Hour)))
	})

	t.Run("legacy field spellings", func(t *testing.T) {
		data := []byte(`{"message_id":"m1","conv_id":"c1","from":"alice","timestamp":1748779200000}`)
		msg, err := ParseFrame(data)
		require.NoError(t, err)
		assert.Equal(t, "m1", msg.ID)
		assert.Equal(t, "c1", msg.ConversationID)
		assert.Equal(t, "alice", msg.SenderID)
	})

	t.Run("missing expiration defaults to timestamp plus seven days", func(t *testing.T) {
		data := []byte(`{"id":"m1","conversation_id":"c1","sender_id":"alice","timestamp":` +
			timestampJSON(ts) + `}`)
		msg, err := ParseFrame(data)
		require.NoError(t, err)
		assert.True(t, msg.ExpiresAt.Equal(ts.Add(DefaultTTL)))
	})

	t.Run("missing required fields are rejected", func(t *testing.T) {
		frames := map[string]string{
			"no id":           `{"conversation_id":"c1","sender_id":"alice","timestamp":1}`,
			"no conversation": `{"id":"m1","sender_id":"alice","timestamp":1}`,
			"no sender":       `{"id":"m1","conversation_id":"c1","timestamp":1}`,
			"no timestamp":    `{"id":"m1","conversation_id":"c1","sender_id":"alice"}`,
			"not json":        `garbage`,
		}
		for name, frame := range frames {
			t.Run(name, func(t *testing.T) {
				_, err := ParseFrame([]byte(frame))
				assert.ErrorIs(t, err, ErrMalformedFrame)
			})
		}
	})

	t.Run("id is forwarded verbatim", func(t *testing.T) {
		data := []byte(`{"id":"  weird id  ","conversation_id":"c1","sender_id":"alice","timestamp":1}`)
		msg, err := ParseFrame(data)
		require.NoError(t, err)
		assert.Equal(t, "  weird id  ", msg.ID)
	})
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	original := &Message{
		ID:             "m1",
		ConversationID: "c1",
		SenderID:       "alice",
		Payload:        []byte("ciphertext"),
		Timestamp:      time.UnixMilli(1748779200000),
		ExpiresAt:      time.UnixMilli(1748779200000).Add(time.Hour),
	}
	data, err := EncodeFrame(original)
	require.NoError(t, err)

	decoded, err := ParseFrame(data)
	require.NoError(t, err)
	assert.Equal(t, original.ID, decoded.ID)
	assert.True(t, original.ExpiresAt.Equal(decoded.ExpiresAt))
}

func TestAckFrames(t *testing.T) {
	t.Run("classification", func(t *testing.T) {
		ackData, err := EncodeAck(NewAck("m1", "c1", AckStatusDelivered))
		require.NoError(t, err)
		assert.True(t, IsAckFrame(ackData))

		msgData, err := EncodeFrame(&Message{ID: "m1", ConversationID: "c1", SenderID: "a", Timestamp: time.Now()})
		require.NoError(t, err)
		assert.False(t, IsAckFrame(msgData))
	})

	t.Run("parse and status helpers", func(t *testing.T) {
		ackData, err := EncodeAck(NewAck("m1", "c1", AckStatusFailed))
		require.NoError(t, err)

		ack, err := ParseAck(ackData)
		require.NoError(t, err)
		assert.Equal(t, "m1", ack.MessageID)
		assert.False(t, ack.Delivered())
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		_, err := ParseAck([]byte(`{"type":"ack","message_id":"m1","status":"maybe"}`))
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func timestampJSON(ts time.Time) string {
	data, _ := json.Marshal(ts.UnixMilli())
	return string(data)
}
