// ABOUTME: Store interface and data types for richatz persistence
// ABOUTME: Defines User, Conversation, Message, the Role enum and the store contracts

package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrEmailExists is returned when registering an email that is already taken
var ErrEmailExists = errors.New("email already exists")

// ErrInvalidRole is returned when a stored or supplied role is not recognised
var ErrInvalidRole = errors.New("invalid role")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// legacyModelRole is written by older deployments for assistant turns.
const legacyModelRole = "model"

// ParseRole maps a stored role string onto the two-value enum.
// "model" and "assistant" are treated as the same role.
func ParseRole(s string) (Role, error) {
	switch s {
	case string(RoleUser):
		return RoleUser, nil
	case string(RoleAssistant), legacyModelRole:
		return RoleAssistant, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

// storedValues returns every raw column value that maps to r.
func (r Role) storedValues() []string {
	if r == RoleAssistant {
		return []string{string(RoleAssistant), legacyModelRole}
	}
	return []string{string(r)}
}

// User is an account that owns conversations.
type User struct {
	ID           int64
	Email        string
	Name         string
	PasswordHash string
	IsVerified   bool
	OTP          string
	OTPExpiresAt *time.Time
	CreatedAt    time.Time
}

// Conversation is a titled, user-owned container of messages.
type Conversation struct {
	ID        string
	UserID    int64
	Title     string
	CreatedAt time.Time
}

// Message is a single immutable turn within a conversation.
type Message struct {
	ID             int64
	ConversationID string
	Role           Role
	Content        string
	CreatedAt      time.Time
}

// MessageQuery selects messages from one conversation.
// Results are always chronological; a positive Limit keeps only the newest
// Limit messages. An empty Roles slice matches every role.
type MessageQuery struct {
	ConversationID string
	Roles          []Role
	Limit          int
}

// Exchange is one user prompt plus the assistant answer, appended atomically.
// Title is applied only when the conversation had no user messages before.
type Exchange struct {
	ConversationID string
	UserContent    string
	AnswerContent  string
	Title          string
	At             time.Time
}

// ConversationStore is the persistence contract for conversations and messages.
type ConversationStore interface {
	InsertConversation(ctx context.Context, conv *Conversation) error
	// ConversationOwner returns ErrNotFound when the conversation is absent.
	ConversationOwner(ctx context.Context, conversationID string) (int64, error)
	ListConversations(ctx context.Context, userID int64) ([]*Conversation, error)
	SelectMessages(ctx context.Context, q MessageQuery) ([]*Message, error)
	CountUserMessages(ctx context.Context, conversationID string) (int, error)
	// AppendExchange reports whether the title was set by this call.
	AppendExchange(ctx context.Context, ex *Exchange) (bool, error)
	// DeleteConversation removes the conversation and its messages when owned
	// by userID and returns the number of conversations removed.
	DeleteConversation(ctx context.Context, conversationID string, userID int64) (int64, error)
}

// UserStore is the persistence contract for accounts.
type UserStore interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	SetUserOTP(ctx context.Context, userID int64, otp string, expiresAt time.Time) error
	VerifyUser(ctx context.Context, userID int64) error
	UpdatePassword(ctx context.Context, userID int64, passwordHash string) error
}

// Store combines every persistence contract plus lifecycle methods.
type Store interface {
	ConversationStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}
