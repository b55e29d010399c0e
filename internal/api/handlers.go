package api

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jordanhubbard/tinyloom/internal/conversation"
	"github.com/jordanhubbard/tinyloom/internal/eventbus"
	"github.com/jordanhubbard/tinyloom/internal/telemetry"
	"github.com/jordanhubbard/tinyloom/internal/worker"
	"github.com/jordanhubbard/tinyloom/pkg/messages"
)

const maxBodyBytes = 1 << 20

// MessageRequest is the body of POST /api/message.
type MessageRequest struct {
	Message interface{} `json:"message"`
	Agent   string      `json:"agent,omitempty"`
	Sender  string      `json:"sender,omitempty"`
	Channel string      `json:"channel,omitempty"`
}

// QueueStatus is the body of GET /api/queue/status.
type QueueStatus struct {
	Incoming            int               `json:"incoming"`
	Processing          int               `json:"processing"`
	Outgoing            int               `json:"outgoing"`
	DeadLetter          int               `json:"deadLetter"`
	ActiveConversations int               `json:"activeConversations"`
	Lanes               []worker.LaneInfo `json:"lanes,omitempty"`

	Conversations []conversation.Summary `json:"conversations,omitempty"`
}

// handleMessage enqueues a message like any other channel client would.
// POST /api/message
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodPost) {
		return
	}

	var req MessageRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := s.parseJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	text, ok := req.Message.(string)
	if !ok || text == "" {
		s.respondError(w, http.StatusBadRequest, ErrMessageRequired.Error())
		return
	}

	channel := req.Channel
	if channel == "" {
		channel = "web"
	}
	sender := req.Sender
	if sender == "" {
		sender = "Web"
	}

	now := messages.NowMillis()
	env := &messages.Envelope{
		Channel:   channel,
		Sender:    sender,
		Message:   text,
		Timestamp: now,
		MessageID: fmt.Sprintf("web_%d_%s", now, strings.ReplaceAll(uuid.NewString(), "-", "")[:6]),
		Agent:     req.Agent,
	}

	if err := s.deps.Queue.Enqueue("web_"+env.MessageID+".json", env); err != nil {
		log.Printf("[API] ERROR: failed to enqueue message: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	log.Printf("[API] Message enqueued: %s", preview(text, 60))

	if s.deps.Events != nil {
		var agent interface{}
		if req.Agent != "" {
			agent = req.Agent
		}
		s.deps.Events.Emit(eventbus.EventTypeMessageEnqueued, map[string]interface{}{
			"messageId": env.MessageID,
			"agent":     agent,
			"message":   preview(text, 120),
		})
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "messageId": env.MessageID})
}

// GET /api/agents
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Settings.Registry().Agents)
}

// GET /api/teams
func (s *Server) handleTeams(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	s.respondJSON(w, http.StatusOK, s.deps.Settings.Registry().Teams)
}

// handleSettings returns or shallow-merges the settings document.
// GET|PUT /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		raw, err := s.deps.Settings.Raw()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.respondJSON(w, http.StatusOK, raw)

	case http.MethodPut:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		merged, err := s.deps.Settings.Merge(body)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Printf("[API] Settings updated")
		s.respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "settings": merged})

	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// GET /api/queue/status
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	counts, err := s.deps.Queue.Counts()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	status := QueueStatus{
		Incoming:   counts.Incoming,
		Processing: counts.Processing,
		Outgoing:   counts.Outgoing,
		DeadLetter: counts.DeadLetter,
	}
	if s.deps.Conversations != nil {
		status.ActiveConversations = s.deps.Conversations.Len()
		status.Conversations = s.deps.Conversations.List()
	}
	if s.deps.Pool != nil {
		status.Lanes = s.deps.Pool.ListLanes()
	}
	s.respondJSON(w, http.StatusOK, status)
}

// GET /api/responses?limit=20
func (s *Server) handleResponses(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	responses, err := s.deps.Queue.ReadResponses(queryInt(r, "limit", 20))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, responses)
}

// GET /api/chats
func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Chats == nil {
		s.respondJSON(w, http.StatusOK, []interface{}{})
		return
	}
	list, err := s.deps.Chats.List()
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

// handleFile serves a saved long-response artifact.
// GET /api/files/{name}
func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	if s.deps.Files == nil {
		s.respondError(w, http.StatusNotFound, ErrNotFound.Error())
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/files/")
	result, err := s.deps.Files.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.respondError(w, http.StatusNotFound, ErrNotFound.Error())
			return
		}
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

// GET /api/health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.requireMethod(w, r, http.MethodGet) {
		return
	}
	health := map[string]interface{}{
		"status":  "ok",
		"version": telemetry.Version,
		"uptime":  int64(time.Since(s.started).Seconds()),
	}
	if s.deps.Events != nil {
		health["subscribers"] = s.deps.Events.SubscriberCount()
	}
	s.respondJSON(w, http.StatusOK, health)
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
