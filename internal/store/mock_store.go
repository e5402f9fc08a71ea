// ABOUTME: Mock Store implementation for testing
// ABOUTME: In-memory users, conversations and messages with per-operation failure injection

package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Setting one of the Err fields makes the matching operation fail.
type MockStore struct {
	mu            sync.RWMutex
	users         map[int64]*User
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID
	nextUserID    int64
	nextMessageID int64

	ErrInsert  error
	ErrOwner   error
	ErrSelect  error
	ErrAppend  error
	ErrDelete  error
	ErrPing    error
	OwnerCalls int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[int64]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
	}
}

// InsertConversation stores a new conversation.
func (m *MockStore) InsertConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ErrInsert != nil {
		return m.ErrInsert
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now()
	}
	for _, other := range m.conversations {
		if other.UserID == conv.UserID && !conv.CreatedAt.After(other.CreatedAt) {
			conv.CreatedAt = other.CreatedAt.Add(time.Microsecond)
		}
	}
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// ConversationOwner returns the owning user.
func (m *MockStore) ConversationOwner(ctx context.Context, conversationID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.OwnerCalls++
	if m.ErrOwner != nil {
		return 0, m.ErrOwner
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	return c.UserID, nil
}

// ListConversations returns the user's conversations, newest first.
func (m *MockStore) ListConversations(ctx context.Context, userID int64) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ErrSelect != nil {
		return nil, m.ErrSelect
	}
	var out []*Conversation
	for _, c := range m.conversations {
		if c.UserID == userID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// SelectMessages returns matching messages in insertion order.
func (m *MockStore) SelectMessages(ctx context.Context, q MessageQuery) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.ErrSelect != nil {
		return nil, m.ErrSelect
	}
	var out []*Message
	for _, msg := range m.messages[q.ConversationID] {
		if len(q.Roles) > 0 && !slices.Contains(q.Roles, msg.Role) {
			continue
		}
		mc := *msg
		out = append(out, &mc)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out, nil
}

// CountUserMessages counts user-authored messages.
func (m *MockStore) CountUserMessages(ctx context.Context, conversationID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countUserLocked(conversationID), nil
}

func (m *MockStore) countUserLocked(conversationID string) int {
	n := 0
	for _, msg := range m.messages[conversationID] {
		if msg.Role == RoleUser {
			n++
		}
	}
	return n
}

// AppendExchange appends both messages and sets the title on the first exchange.
func (m *MockStore) AppendExchange(ctx context.Context, ex *Exchange) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ErrAppend != nil {
		return false, m.ErrAppend
	}
	conv, ok := m.conversations[ex.ConversationID]
	if !ok {
		return false, ErrNotFound
	}

	at := ex.At
	if at.IsZero() {
		at = time.Now()
	}
	if msgs := m.messages[ex.ConversationID]; len(msgs) > 0 && at.Before(msgs[len(msgs)-1].CreatedAt) {
		at = msgs[len(msgs)-1].CreatedAt
	}
	prior := m.countUserLocked(ex.ConversationID)

	m.nextMessageID++
	userMsg := &Message{ID: m.nextMessageID, ConversationID: ex.ConversationID, Role: RoleUser, Content: ex.UserContent, CreatedAt: at}
	m.nextMessageID++
	answerMsg := &Message{ID: m.nextMessageID, ConversationID: ex.ConversationID, Role: RoleAssistant, Content: ex.AnswerContent, CreatedAt: at}
	m.messages[ex.ConversationID] = append(m.messages[ex.ConversationID], userMsg, answerMsg)

	if prior == 0 && ex.Title != "" {
		conv.Title = ex.Title
		return true, nil
	}
	return false, nil
}

// DeleteConversation removes an owned conversation and its messages.
func (m *MockStore) DeleteConversation(ctx context.Context, conversationID string, userID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ErrDelete != nil {
		return 0, m.ErrDelete
	}
	c, ok := m.conversations[conversationID]
	if !ok || c.UserID != userID {
		return 0, nil
	}
	delete(m.conversations, conversationID)
	delete(m.messages, conversationID)
	return 1, nil
}

// CreateUser stores a new user.
func (m *MockStore) CreateUser(ctx context.Context, user *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := normalizeEmail(user.Email)
	for _, u := range m.users {
		if u.Email == email {
			return ErrEmailExists
		}
	}
	m.nextUserID++
	user.ID = m.nextUserID
	user.Email = email
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	u := *user
	m.users[u.ID] = &u
	return nil
}

// GetUserByID retrieves a user by id.
func (m *MockStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	uc := *u
	return &uc, nil
}

// GetUserByEmail retrieves a user by email.
func (m *MockStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email = normalizeEmail(email)
	for _, u := range m.users {
		if u.Email == email {
			uc := *u
			return &uc, nil
		}
	}
	return nil, ErrNotFound
}

// SetUserOTP stores a one-time code.
func (m *MockStore) SetUserOTP(ctx context.Context, userID int64, otp string, expiresAt time.Time) error {
	return m.mutateUser(userID, func(u *User) {
		u.OTP = otp
		exp := expiresAt
		u.OTPExpiresAt = &exp
	})
}

// VerifyUser marks a user verified.
func (m *MockStore) VerifyUser(ctx context.Context, userID int64) error {
	return m.mutateUser(userID, func(u *User) {
		u.IsVerified = true
		u.OTP = ""
		u.OTPExpiresAt = nil
	})
}

// UpdatePassword replaces the password hash.
func (m *MockStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return m.mutateUser(userID, func(u *User) {
		u.PasswordHash = passwordHash
		u.OTP = ""
		u.OTPExpiresAt = nil
	})
}

func (m *MockStore) mutateUser(id int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

// Ping reports ErrPing when set.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.ErrPing
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// MessageCount returns the number of stored messages for a conversation.
func (m *MockStore) MessageCount(conversationID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages[conversationID])
}

// Compile-time interface check
var _ Store = (*MockStore)(nil)
