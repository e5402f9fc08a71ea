// ABOUTME: Conversation service owning conversation lifecycle, ownership checks and exchange persistence
// ABOUTME: Ask runs ownership check, answer resolution and the transactional append in that order

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/richatz/internal/answer"
	"github.com/2389/richatz/internal/llm"
	"github.com/2389/richatz/internal/store"
)

var (
	// ErrAccessDenied covers both "not yours" and "does not exist".
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound is returned by Delete when nothing owned was removed.
	ErrNotFound = errors.New("conversation not found")
	// ErrInvalidInput is returned when the conversation id or prompt is missing.
	ErrInvalidInput = errors.New("conversation id and prompt are required")
)

// StorageWarning is attached to an answer that could not be saved.
const StorageWarning = "The answer could not be saved to the conversation history."

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Resolver produces answers. *answer.Resolver implements it.
type Resolver interface {
	Resolve(ctx context.Context, prompt string, history answer.HistoryFunc) (answer.Answer, error)
}

// Observer receives storage failure events. metrics.Recorder implements it.
type Observer interface {
	StorageFailed(op string)
}

// Summary is one entry of a conversation list.
type Summary struct {
	ID    string
	Title string
}

// Turn is one message as shown to clients.
type Turn struct {
	Role    store.Role
	Content string
}

// AskResult is the outcome of Ask. Warning is set when the answer was
// produced but could not be persisted.
type AskResult struct {
	Answer  string
	Source  answer.Source
	Titled  bool
	Warning string
}

// Options configures a Service.
type Options struct {
	PlaceholderTitle string
	TitleMaxLength   int
	Events           *EventBroadcaster
	Observer         Observer
}

// Service is the only writer of conversation state.
type Service struct {
	store    store.ConversationStore
	resolver Resolver
	opts     Options
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a new conversation Service
func New(st store.ConversationStore, resolver Resolver, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PlaceholderTitle == "" {
		opts.PlaceholderTitle = "New Conversation"
	}
	if opts.TitleMaxLength <= 0 {
		opts.TitleMaxLength = 50
	}
	return &Service{
		store:    st,
		resolver: resolver,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With("component", "conversation"),
	}
}

// Create starts a new conversation owned by userID.
func (s *Service) Create(ctx context.Context, userID int64) (string, error) {
	conv := &store.Conversation{
		ID:        uuid.New().String(),
		UserID:    userID,
		Title:     s.opts.PlaceholderTitle,
		CreatedAt: s.now(),
	}
	if err := s.store.InsertConversation(ctx, conv); err != nil {
		return "", s.storageError("create conversation", err)
	}

	s.publish(userID, &Event{Type: EventCreated, ConversationID: conv.ID, Title: conv.Title})
	s.logger.Info("conversation created", "conversation_id", conv.ID, "user_id", userID)
	return conv.ID, nil
}

// List returns the user's conversations, most recently created first.
func (s *Service) List(ctx context.Context, userID int64) ([]Summary, error) {
	convs, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, s.storageError("list conversations", err)
	}

	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		out = append(out, Summary{ID: c.ID, Title: c.Title})
	}
	return out, nil
}

// Messages returns the user and assistant turns of an owned conversation in
// chronological order.
func (s *Service) Messages(ctx context.Context, conversationID string, userID int64) ([]Turn, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := s.store.SelectMessages(ctx, store.MessageQuery{
		ConversationID: conversationID,
		Roles:          []store.Role{store.RoleUser, store.RoleAssistant},
	})
	if err != nil {
		return nil, s.storageError("select messages", err)
	}
	return toTurns(msgs), nil
}

// Delete removes an owned conversation and its messages.
func (s *Service) Delete(ctx context.Context, conversationID string, userID int64) error {
	n, err := s.store.DeleteConversation(ctx, conversationID, userID)
	if err != nil {
		return s.storageError("delete conversation", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.publish(userID, &Event{Type: EventDeleted, ConversationID: conversationID})
	s.logger.Info("conversation deleted", "conversation_id", conversationID, "user_id", userID)
	return nil
}

// RecordExchange appends the prompt and answer atomically. The first
// exchange of a conversation also sets its title. Reports whether the title
// was set.
func (s *Service) RecordExchange(ctx context.Context, conversationID string, userID int64, prompt, answerText string) (bool, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return false, err
	}

	title := Title(prompt, s.opts.TitleMaxLength)
	titled, err := s.store.AppendExchange(ctx, &store.Exchange{
		ConversationID: conversationID,
		UserContent:    prompt,
		AnswerContent:  answerText,
		Title:          title,
		At:             s.now(),
	})
	if err != nil {
		return false, s.storageError("record exchange", err)
	}

	ev := &Event{
		Type:           EventExchange,
		ConversationID: conversationID,
		Turns: []Turn{
			{Role: store.RoleUser, Content: prompt},
			{Role: store.RoleAssistant, Content: answerText},
		},
	}
	if titled {
		ev.Title = title
	}
	s.publish(userID, ev)
	return titled, nil
}

// RecentHistory returns up to limit of the newest messages, any role, in
// chronological order.
func (s *Service) RecentHistory(ctx context.Context, conversationID string, userID int64, limit int) ([]Turn, error) {
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	msgs, err := s.store.SelectMessages(ctx, store.MessageQuery{
		ConversationID: conversationID,
		Limit:          limit,
	})
	if err != nil {
		return nil, s.storageError("select history", err)
	}
	return toTurns(msgs), nil
}

// Ask answers prompt within an owned conversation and records the exchange.
//
// No store connection is held while the resolver talks to providers: the
// ownership check, each history read and the final append are separate
// store calls. If the append fails the answer is still returned, with
// Warning set and a *StorageError.
func (s *Service) Ask(ctx context.Context, conversationID string, userID int64, prompt string) (*AskResult, error) {
	if conversationID == "" || strings.TrimSpace(prompt) == "" {
		return nil, ErrInvalidInput
	}
	if err := s.authorize(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	ans, err := s.resolver.Resolve(ctx, prompt, s.historyFunc(conversationID, userID))
	if err != nil {
		if errors.Is(err, answer.ErrNotConfigured) {
			return &AskResult{Answer: ans.Text, Source: ans.Source}, err
		}
		return nil, err
	}

	result := &AskResult{Answer: ans.Text, Source: ans.Source}
	titled, err := s.RecordExchange(ctx, conversationID, userID, prompt, ans.Text)
	if err != nil {
		s.logger.Error("answer produced but not saved",
			"conversation_id", conversationID,
			"source", ans.Source,
			"error", err)
		result.Warning = StorageWarning
		var serr *StorageError
		if !errors.As(err, &serr) {
			err = &StorageError{Op: "record exchange", Err: err}
		}
		return result, err
	}

	result.Titled = titled
	s.logger.Debug("exchange recorded",
		"conversation_id", conversationID,
		"source", ans.Source,
		"titled", titled)
	return result, nil
}

// historyFunc binds RecentHistory to one conversation for the resolver.
func (s *Service) historyFunc(conversationID string, userID int64) answer.HistoryFunc {
	return func(ctx context.Context, limit int) ([]llm.Turn, error) {
		turns, err := s.RecentHistory(ctx, conversationID, userID, limit)
		if err != nil {
			return nil, err
		}
		out := make([]llm.Turn, 0, len(turns))
		for _, t := range turns {
			role := llm.RoleUser
			if t.Role == store.RoleAssistant {
				role = llm.RoleAssistant
			}
			out = append(out, llm.Turn{Role: role, Content: t.Content})
		}
		return out, nil
	}
}

// authorize checks ownership with one short store call.
func (s *Service) authorize(ctx context.Context, conversationID string, userID int64) error {
	owner, err := s.store.ConversationOwner(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAccessDenied
	}
	if err != nil {
		return s.storageError("check owner", err)
	}
	if owner != userID {
		s.logger.Warn("conversation access denied", "conversation_id", conversationID, "user_id", userID)
		return ErrAccessDenied
	}
	return nil
}

func (s *Service) storageError(op string, err error) error {
	if s.opts.Observer != nil {
		s.opts.Observer.StorageFailed(op)
	}
	return &StorageError{Op: op, Err: err}
}

func (s *Service) publish(userID int64, ev *Event) {
	if s.opts.Events == nil {
		return
	}
	ev.At = s.now()
	s.opts.Events.Publish(userID, ev)
}

// Title returns the first n characters of prompt. Truncation is not
// word-aware.
func Title(prompt string, n int) string {
	r := []rune(prompt)
	if len(r) > n {
		r = r[:n]
	}
	return string(r)
}

func toTurns(msgs []*store.Message) []Turn {
	out := make([]Turn, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, Turn{Role: m.Role, Content: m.Content})
	}
	return out
}
