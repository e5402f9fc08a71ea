// ABOUTME: HTTP API handlers for conversations, asking, account flows and event streaming
// ABOUTME: Maps service errors to JSON responses and replays idempotent ask retries

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/2389/richatz/internal/answer"
	"github.com/2389/richatz/internal/auth"
	"github.com/2389/richatz/internal/conversation"
	"github.com/2389/richatz/internal/dedupe"
)

// Response messages shown to clients. Provider and store internals never
// reach the response body.
const (
	msgAccessDenied   = "access denied"
	msgNotFound       = "conversation not found"
	msgInternal       = "internal server error"
	msgInvalidJSON    = "invalid JSON body"
	msgMissingPrompt  = "conversation id and prompt are required"
	msgAIFailure      = "Sorry, something went wrong while generating the answer. Please try again."
	msgInFlight       = "a request with this idempotency key is still being processed"
	idempotencyHeader = "Idempotency-Key"
	replayedHeader    = "Idempotent-Replayed"
	heartbeatInterval = 30 * time.Second
)

// ConversationSummary is one entry of GET /conversations.
type ConversationSummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageView is one entry of GET /conversations/{id}/messages.
type MessageView struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AskRequest is the body of POST /conversations/{id}/ask.
type AskRequest struct {
	Prompt string `json:"prompt"`
}

// LegacyAskRequest is the body of POST /ask.
type LegacyAskRequest struct {
	ConversationID string `json:"conversation_id"`
	Prompt         string `json:"prompt"`
}

// AskResponse carries an answer, degraded or not.
type AskResponse struct {
	Answer  string `json:"answer"`
	Source  string `json:"source,omitempty"`
	Warning string `json:"warning,omitempty"`
}

// SSEEvent is the data payload of a conversation event.
type SSEEvent struct {
	ConversationID string        `json:"conversation_id"`
	Title          string        `json:"title,omitempty"`
	Messages       []MessageView `json:"messages,omitempty"`
	At             time.Time     `json:"at"`
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New(msgInvalidJSON)
	}
	return nil
}

// userID returns the authenticated user. Routes using it sit behind
// HTTPAuthMiddleware.
func userID(r *http.Request) int64 {
	return auth.MustFromContext(r.Context()).UserID
}

func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := g.conversation.Create(r.Context(), userID(r))
	if err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	g.sendJSON(w, http.StatusCreated, map[string]string{"conversationId": id})
}

// handleLegacyNewChat serves POST /new_chat for the first browser client.
func (g *Gateway) handleLegacyNewChat(w http.ResponseWriter, r *http.Request) {
	id, err := g.conversation.Create(r.Context(), userID(r))
	if err != nil {
		g.logger.Error("failed to create conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"conversation_id": id})
}

func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	convs, err := g.conversation.List(r.Context(), userID(r))
	if err != nil {
		g.logger.Error("failed to list conversations", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		out = append(out, ConversationSummary{ID: c.ID, Title: c.Title})
	}
	g.sendJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleMessages(w http.ResponseWriter, r *http.Request) {
	turns, err := g.conversation.Messages(r.Context(), mux.Vars(r)["id"], userID(r))
	if errors.Is(err, conversation.ErrAccessDenied) {
		g.sendJSONError(w, http.StatusForbidden, msgAccessDenied)
		return
	}
	if err != nil {
		g.logger.Error("failed to load messages", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	g.sendJSON(w, http.StatusOK, toMessageViews(turns))
}

func (g *Gateway) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := g.conversation.Delete(r.Context(), mux.Vars(r)["id"], userID(r))
	if errors.Is(err, conversation.ErrNotFound) {
		g.sendJSONError(w, http.StatusNotFound, msgNotFound)
		return
	}
	if err != nil {
		g.logger.Error("failed to delete conversation", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.ask(w, r, mux.Vars(r)["id"], req.Prompt)
}

// handleLegacyAsk serves POST /ask for the first browser client.
func (g *Gateway) handleLegacyAsk(w http.ResponseWriter, r *http.Request) {
	var req LegacyAskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	g.ask(w, r, req.ConversationID, req.Prompt)
}

// ask runs the pipeline, honouring an Idempotency-Key header. Only 200
// responses are stored for replay; failed attempts release the key.
func (g *Gateway) ask(w http.ResponseWriter, r *http.Request, conversationID, prompt string) {
	uid := userID(r)
	idemKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if idemKey == "" {
		status, body := g.askResponse(r, conversationID, uid, prompt)
		g.sendJSON(w, status, body)
		return
	}

	key := dedupe.Key(strconv.FormatInt(uid, 10), conversationID, idemKey)
	stored, state := g.replay.Begin(key)
	switch state {
	case dedupe.StateDone:
		g.logger.Debug("replaying ask response", "conversation_id", conversationID)
		w.Header().Set(replayedHeader, "true")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
		return
	case dedupe.StatePending:
		g.sendJSONError(w, http.StatusConflict, msgInFlight)
		return
	}

	status, body := g.askResponse(r, conversationID, uid, prompt)
	payload, err := json.Marshal(body)
	if err != nil {
		g.replay.Abandon(key)
		g.logger.Error("failed to encode ask response", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
		return
	}
	payload = append(payload, '\n')

	if status == http.StatusOK {
		g.replay.Complete(key, dedupe.Response{Status: status, Body: payload})
	} else {
		g.replay.Abandon(key)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

// askResponse maps the outcome of Ask to a status and JSON body.
func (g *Gateway) askResponse(r *http.Request, conversationID string, uid int64, prompt string) (int, any) {
	res, err := g.conversation.Ask(r.Context(), conversationID, uid, prompt)
	if err == nil {
		return http.StatusOK, AskResponse{Answer: res.Answer, Source: string(res.Source)}
	}

	var serr *conversation.StorageError
	switch {
	case errors.Is(err, conversation.ErrInvalidInput):
		return http.StatusBadRequest, map[string]string{"error": msgMissingPrompt}
	case errors.Is(err, conversation.ErrAccessDenied):
		return http.StatusForbidden, map[string]string{"error": msgAccessDenied}
	case errors.Is(err, answer.ErrNotConfigured):
		return http.StatusInternalServerError, AskResponse{Answer: answer.NotConfiguredText}
	case errors.Is(err, answer.ErrAIProvider):
		g.logger.Error("conversational model failed", "conversation_id", conversationID, "error", err)
		return http.StatusBadGateway, AskResponse{Answer: msgAIFailure}
	case errors.As(err, &serr) && res != nil:
		return http.StatusInternalServerError, AskResponse{Answer: res.Answer, Source: string(res.Source), Warning: res.Warning}
	default:
		g.logger.Error("ask failed", "conversation_id", conversationID, "error", err)
		return http.StatusInternalServerError, map[string]string{"error": msgInternal}
	}
}

// handleEvents streams the user's conversation events as server-sent events.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, _ := g.events.Subscribe(r.Context(), userID(r))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(ev.Type), SSEEvent{
				ConversationID: ev.ConversationID,
				Title:          ev.Title,
				Messages:       toMessageViews(ev.Turns),
				At:             ev.At,
			})
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func toMessageViews(turns []conversation.Turn) []MessageView {
	out := make([]MessageView, 0, len(turns))
	for _, t := range turns {
		out = append(out, MessageView{Role: string(t.Role), Content: t.Content})
	}
	return out
}
