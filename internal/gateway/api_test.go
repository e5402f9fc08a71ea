// ABOUTME: Tests for the conversation and ask HTTP API
// ABOUTME: Covers ownership checks, error mapping, idempotent replay, legacy paths and event streaming

package gateway

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/richatz/internal/answer"
	"github.com/2389/richatz/internal/conversation"
	"github.com/2389/richatz/internal/store"
	"github.com/2389/richatz/internal/weather"
)

type weatherStub struct {
	report *weather.Report
}

func (w *weatherStub) Current(ctx context.Context, location string) (*weather.Report, error) {
	r := *w.report
	r.Location = location
	return &r, nil
}

func createConversation(t *testing.T, gw *Gateway, token string) string {
	t.Helper()
	rec := doJSON(t, gw, http.MethodPost, "/conversations", token, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decodeBody[map[string]string](t, rec)["conversationId"]
	require.NotEmpty(t, id)
	return id
}

func TestAPI_RequiresBearerToken(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{})

	for _, path := range []string{"/conversations", "/history", "/events"} {
		rec := doJSON(t, gw, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}

	rec := doJSON(t, gw, http.MethodGet, "/conversations", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAPI_UnverifiedAccountForbidden(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{})

	user := &store.User{Email: "pending@example.com", Name: "Pending", PasswordHash: "unused"}
	require.NoError(t, gw.store.CreateUser(context.Background(), user))
	token, err := gw.verifier.Generate(user.ID, time.Hour)
	require.NoError(t, err)

	rec := doJSON(t, gw, http.MethodGet, "/conversations", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_ConversationLifecycle(t *testing.T) {
	model := &fakeModel{reply: "Hello! How can I help?"}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model})
	_, token := createVerifiedUser(t, gw, "alice@example.com")

	id := createConversation(t, gw, token)

	rec := doJSON(t, gw, http.MethodGet, "/conversations", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeBody[[]ConversationSummary](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, ConversationSummary{ID: id, Title: "New Conversation"}, list[0])

	rec = doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, AskRequest{Prompt: "hi there"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[AskResponse](t, rec)
	assert.Equal(t, "Hello! How can I help?", resp.Answer)
	assert.Equal(t, string(answer.SourceChat), resp.Source)
	assert.Empty(t, resp.Warning)

	rec = doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []MessageView{
		{Role: "user", Content: "hi there"},
		{Role: "assistant", Content: "Hello! How can I help?"},
	}, decodeBody[[]MessageView](t, rec))

	rec = doJSON(t, gw, http.MethodGet, "/conversations", token, nil)
	list = decodeBody[[]ConversationSummary](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, "hi there", list[0].Title)

	rec = doJSON(t, gw, http.MethodDelete, "/conversations/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "deleted", decodeBody[map[string]string](t, rec)["status"])

	rec = doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", token, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, gw, http.MethodDelete, "/conversations/"+id, token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_OtherUsersConversation(t *testing.T) {
	model := &fakeModel{reply: "secret"}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model})
	_, alice := createVerifiedUser(t, gw, "alice@example.com")
	_, mallory := createVerifiedUser(t, gw, "mallory@example.com")

	id := createConversation(t, gw, alice)

	rec := doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", mallory, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", mallory, AskRequest{Prompt: "hello"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, model.Calls(), "no provider call for a foreign conversation")

	rec = doJSON(t, gw, http.MethodDelete, "/conversations/"+id, mallory, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, "/conversations", mallory, nil)
	assert.Empty(t, decodeBody[[]ConversationSummary](t, rec))

	rec = doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", alice, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "owner still sees the conversation")
}

func TestAPI_AskBadRequests(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{Model: &fakeModel{reply: "x"}})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	rec := doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, AskRequest{Prompt: "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, msgInvalidJSON, decodeBody[map[string]string](t, rec)["error"])

	rec = doJSON(t, gw, http.MethodPost, "/ask", token, LegacyAskRequest{Prompt: "hello"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing conversation id")
}

func TestAPI_AskModelNotConfigured(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	rec := doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, AskRequest{Prompt: "tell me a joke"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, answer.NotConfiguredText, decodeBody[AskResponse](t, rec).Answer)

	rec = doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", token, nil)
	assert.Empty(t, decodeBody[[]MessageView](t, rec))
}

func TestAPI_AskProviderFailure(t *testing.T) {
	model := &fakeModel{err: errors.New("upstream 503: quota exhausted")}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	rec := doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, AskRequest{Prompt: "tell me a joke"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, msgAIFailure, decodeBody[AskResponse](t, rec).Answer)
	assert.NotContains(t, rec.Body.String(), "quota", "provider detail is not exposed")

	rec = doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", token, nil)
	assert.Empty(t, decodeBody[[]MessageView](t, rec))
}

func TestAPI_AskAnswerNotSaved(t *testing.T) {
	mock := store.NewMockStore()
	gw := newTestGateway(t, testConfig(t), Deps{Store: mock, Model: &fakeModel{reply: "still answered"}})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	mock.ErrAppend = errors.New("disk full")
	rec := doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, AskRequest{Prompt: "hello"})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeBody[AskResponse](t, rec)
	assert.Equal(t, "still answered", resp.Answer)
	assert.Equal(t, conversation.StorageWarning, resp.Warning)
	assert.Zero(t, mock.MessageCount(id))
}

func TestAPI_AskWeather(t *testing.T) {
	wx := &weatherStub{report: &weather.Report{StatusCode: http.StatusOK, Description: "clear sky", TempC: 29}}
	model := &fakeModel{reply: "unused"}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model, Weather: wx})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	rec := doJSON(t, gw, http.MethodPost, "/conversations/"+id+"/ask", token, AskRequest{Prompt: "what's the weather today?"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decodeBody[AskResponse](t, rec)
	assert.Equal(t, string(answer.SourceWeather), resp.Source)
	assert.Contains(t, resp.Answer, "Jakarta")
	assert.Contains(t, resp.Answer, "29")
}

func TestAPI_IdempotentAskReplay(t *testing.T) {
	model := &fakeModel{reply: "only once"}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	path := "/conversations/" + id + "/ask"
	first := doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "retry-1")
	second := doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "retry-1")

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Empty(t, first.Header().Get(replayedHeader))
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.Equal(t, 1, model.Calls())

	rec := doJSON(t, gw, http.MethodGet, "/conversations/"+id+"/messages", token, nil)
	assert.Len(t, decodeBody[[]MessageView](t, rec), 2, "one exchange stored")

	third := doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "retry-2")
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, 2, model.Calls(), "a new key runs again")
}

func TestAPI_IdempotentAskFailureNotCached(t *testing.T) {
	model := &fakeModel{err: errors.New("boom")}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)

	path := "/conversations/" + id + "/ask"
	rec := doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "k")
	require.Equal(t, http.StatusBadGateway, rec.Code)

	model.mu.Lock()
	model.err = nil
	model.reply = "recovered"
	model.mu.Unlock()

	rec = doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "k")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "recovered", decodeBody[AskResponse](t, rec).Answer)
	assert.Empty(t, rec.Header().Get(replayedHeader))
}

func TestAPI_IdempotentAskInFlight(t *testing.T) {
	model := &fakeModel{reply: "slow", started: make(chan struct{}), release: make(chan struct{})}
	gw := newTestGateway(t, testConfig(t), Deps{Model: model})
	_, token := createVerifiedUser(t, gw, "alice@example.com")
	id := createConversation(t, gw, token)
	path := "/conversations/" + id + "/ask"

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "same")
	}()

	select {
	case <-model.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first request never reached the model")
	}

	rec := doJSON(t, gw, http.MethodPost, path, token, AskRequest{Prompt: "hello"}, idempotencyHeader, "same")
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(model.release)
	first := <-done
	assert.Equal(t, http.StatusOK, first.Code)
}

func TestAPI_LegacyPaths(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{Model: &fakeModel{reply: "legacy answer"}})
	_, token := createVerifiedUser(t, gw, "alice@example.com")

	rec := doJSON(t, gw, http.MethodPost, "/new_chat", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody[map[string]string](t, rec)["conversation_id"]
	require.NotEmpty(t, id)

	rec = doJSON(t, gw, http.MethodPost, "/ask", token, LegacyAskRequest{ConversationID: id, Prompt: "hello"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "legacy answer", decodeBody[AskResponse](t, rec).Answer)

	rec = doJSON(t, gw, http.MethodGet, "/history", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []ConversationSummary{{ID: id, Title: "hello"}}, decodeBody[[]ConversationSummary](t, rec))

	rec = doJSON(t, gw, http.MethodGet, "/conversation/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]MessageView](t, rec), 2)

	rec = doJSON(t, gw, http.MethodPost, "/delete_conversation/"+id, token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, gw, http.MethodGet, "/history", token, nil)
	assert.Empty(t, decodeBody[[]ConversationSummary](t, rec))
}

func TestAPI_MethodNotAllowed(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{})
	rec := doJSON(t, gw, http.MethodPut, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAPI_EventStream(t *testing.T) {
	gw := newTestGateway(t, testConfig(t), Deps{Model: &fakeModel{reply: "streamed"}})
	_, token := createVerifiedUser(t, gw, "alice@example.com")

	srv := httptest.NewServer(gw.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 16)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	id := createConversation(t, gw, token)

	deadline := time.After(5 * time.Second)
	var event, data string
	for event == "" || data == "" {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream closed early")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("no event received")
		}
	}

	assert.Equal(t, string(conversation.EventCreated), event)
	assert.Contains(t, data, id)
}
