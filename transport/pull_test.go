package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pullServer is a scriptable stand-in for the relay pull endpoint.
type pullServer struct {
	mu       sync.Mutex
	cursors  []string
	acks     []AckFrame
	batches  [][]map[string]any
	failNext bool
	srv      *httptest.Server
}

func newPullServer(t *testing.T) *pullServer {
	t.Helper()
	ps := &pullServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages", func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		ps.cursors = append(ps.cursors, r.URL.Query().Get("after"))
		if ps.failNext {
			ps.failNext = false
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		var batch []map[string]any
		if len(ps.batches) > 0 {
			batch = ps.batches[0]
			ps.batches = ps.batches[1:]
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": batch})
	})
	mux.HandleFunc("/v1/acks", func(w http.ResponseWriter, r *http.Request) {
		var ack AckFrame
		if err := json.NewDecoder(r.Body).Decode(&ack); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		ps.mu.Lock()
		ps.acks = append(ps.acks, ack)
		ps.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	ps.srv = httptest.NewServer(mux)
	t.Cleanup(ps.srv.Close)
	return ps
}

func (ps *pullServer) queue(batch ...map[string]any) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.batches = append(ps.batches, batch)
}

func (ps *pullServer) seenCursors() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.cursors...)
}

func (ps *pullServer) seenAcks() []AckFrame {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]AckFrame(nil), ps.acks...)
}

func wireMsg(id string) map[string]any {
	return map[string]any{
		"id":              id,
		"conversation_id": "c1",
		"sender_id":       "alice",
		"timestamp":       time.Now().UnixMilli(),
	}
}

func TestPullTransport(t *testing.T) {
	t.Run("forwards messages and advances the cursor", func(t *testing.T) {
		ps := newPullServer(t)
		ps.queue(wireMsg("m1"), wireMsg("m2"))

		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(20 * time.Millisecond)
		rec := &messageRecorder{}
		tr.OnMessage(rec.record)
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		defer tr.Disconnect()

		require.Eventually(t, func() bool { return len(rec.snapshot()) == 2 },
			time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"m1", "m2"}, rec.snapshot())

		// Second poll must carry the newest received id as the cursor.
		require.Eventually(t, func() bool {
			cursors := ps.seenCursors()
			return len(cursors) >= 2 && cursors[len(cursors)-1] == "m2"
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("acks every forwarded message", func(t *testing.T) {
		ps := newPullServer(t)
		ps.queue(wireMsg("m1"))

		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(20 * time.Millisecond)
		tr.OnMessage(func(*Message) bool { return true })
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		defer tr.Disconnect()

		require.Eventually(t, func() bool { return len(ps.seenAcks()) == 1 },
			time.Second, 5*time.Millisecond)
		ack := ps.seenAcks()[0]
		assert.Equal(t, "m1", ack.MessageID)
		assert.Equal(t, AckStatusDelivered, ack.Status)
	})

	t.Run("refused frames are not acked and leave the cursor alone", func(t *testing.T) {
		ps := newPullServer(t)
		ps.queue(wireMsg("m1"))

		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(20 * time.Millisecond)
		tr.OnMessage(func(*Message) bool { return false })
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		defer tr.Disconnect()

		// The refused frame stays queued on the relay: later polls keep
		// asking from the beginning and no ack is ever posted.
		require.Eventually(t, func() bool { return len(ps.seenCursors()) >= 2 },
			time.Second, 5*time.Millisecond)
		for _, cursor := range ps.seenCursors() {
			assert.Empty(t, cursor)
		}
		assert.Empty(t, ps.seenAcks())
	})

	t.Run("successful response means connected", func(t *testing.T) {
		ps := newPullServer(t)
		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(20 * time.Millisecond)
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		defer tr.Disconnect()

		require.Eventually(t, func() bool { return tr.IsConnected() },
			time.Second, 5*time.Millisecond)
	})

	t.Run("single failed poll does not flap status", func(t *testing.T) {
		ps := newPullServer(t)
		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(20 * time.Millisecond)
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		defer tr.Disconnect()

		require.Eventually(t, func() bool { return tr.IsConnected() },
			time.Second, 5*time.Millisecond)

		ps.mu.Lock()
		ps.failNext = true
		ps.mu.Unlock()

		// Across the failed poll and the next successful one the status
		// must stay connected throughout.
		deadline := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(deadline) {
			assert.Equal(t, StatusConnected, tr.Status())
			time.Sleep(5 * time.Millisecond)
		}
	})

	t.Run("malformed frames in a batch are dropped", func(t *testing.T) {
		ps := newPullServer(t)
		ps.queue(map[string]any{"conversation_id": "c1"}, wireMsg("good"))

		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(20 * time.Millisecond)
		rec := &messageRecorder{}
		tr.OnMessage(rec.record)
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		defer tr.Disconnect()

		require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 },
			time.Second, 5*time.Millisecond)
		assert.Equal(t, []string{"good"}, rec.snapshot())
	})

	t.Run("disconnect stops polling", func(t *testing.T) {
		ps := newPullServer(t)
		tr := NewPullTransport(ps.srv.URL)
		tr.SetInterval(10 * time.Millisecond)
		require.NoError(t, tr.Connect(context.Background(), "bob"))
		require.Eventually(t, func() bool { return len(ps.seenCursors()) >= 1 },
			time.Second, 5*time.Millisecond)

		require.NoError(t, tr.Disconnect())
		seen := len(ps.seenCursors())
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, seen, len(ps.seenCursors()))
		assert.Equal(t, StatusDisconnected, tr.Status())
	})
}
