package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/courier/transport"
)

// maxRequestBytes bounds one HTTP request body. Larger than the
// payload limit to leave room for the JSON envelope.
const maxRequestBytes = 1 << 20

// Server exposes the delivery service over HTTP.
type Server struct {
	service *Service
	hub     *Hub
}

// NewServer wraps a service and hub with HTTP handlers.
func NewServer(service *Service, hub *Hub) *Server {
	return &Server{service: service, hub: hub}
}

// Routes returns the relay's route tree, meant to be mounted under a
// version prefix.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/messages", s.handleSend)
	r.Get("/messages", s.handlePull)
	r.Post("/acks", s.handleAck)
	r.Get("/ws", s.hub.Accept)
	return r
}

// sendBody is the JSON request body for message submission. The
// payload travels base64-encoded; TTL is optional milliseconds.
type sendBody struct {
	ConversationID string `json:"conversation_id"`
	Payload        []byte `json:"payload"`
	TTLMillis      int64  `json:"ttl_ms,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	var body sendBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, badRequest("invalid request body"))
		return
	}

	resp, err := s.service.Send(r.Context(), SendRequest{
		SenderID:       identity,
		ConversationID: body.ConversationID,
		Payload:        body.Payload,
		TTL:            time.Duration(body.TTLMillis) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// pullBody is the JSON response for a pull request. Messages use the
// canonical wire frame shape.
type pullBody struct {
	Messages []json.RawMessage `json:"messages"`
}

func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	msgs := s.service.Pull(identity, r.URL.Query().Get("after"))
	body := pullBody{Messages: make([]json.RawMessage, 0, len(msgs))}
	for i := range msgs {
		frame, err := transport.EncodeFrame(&msgs[i])
		if err != nil {
			continue
		}
		body.Messages = append(body.Messages, frame)
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, badRequest("unreadable request body"))
		return
	}
	ack, err := transport.ParseAck(data)
	if err != nil {
		writeError(w, badRequest("invalid ack frame"))
		return
	}

	s.service.HandleAck(identity, ack)
	w.WriteHeader(http.StatusNoContent)
}

// requireIdentity extracts the client identity header, writing a
// not_authorized error when absent.
func requireIdentity(w http.ResponseWriter, r *http.Request) (string, bool) {
	identity := r.Header.Get(transport.IdentityHeader)
	if identity == "" {
		writeError(w, notAuthorized("identity required"))
		return "", false
	}
	return identity, true
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps an error to an HTTP response: RequestErrors carry
// their own code and status, everything else is an opaque internal
// error.
func writeError(w http.ResponseWriter, err error) {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		writeJSON(w, reqErr.Status, errorBody{Error: reqErr.Code, Message: reqErr.Message})
		return
	}
	logrus.WithFields(logrus.Fields{
		"function": "writeError",
		"error":    err.Error(),
	}).Error("Request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "writeJSON",
			"error":    err.Error(),
		}).Debug("Response write failed")
	}
}
