// ABOUTME: Account flows: registration, email verification, login and password reset
// ABOUTME: Requests are validated with struct tags; codes are mailed and expire after the configured TTL

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/2389/richatz/internal/mail"
	"github.com/2389/richatz/internal/store"
)

// Account errors
var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrNotVerified        = errors.New("account not verified")
	ErrInvalidCode        = errors.New("invalid or expired code")
)

// ValidationError lists the request fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Fields, ", ")
}

// RegisterRequest creates an account.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"required,max=100"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// VerifyRequest confirms an email address with the mailed code.
type VerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	OTP   string `json:"otp" validate:"required,len=6,numeric"`
}

// LoginRequest exchanges credentials for a bearer token.
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// ForgotRequest asks for a password reset code.
type ForgotRequest struct {
	Email string `json:"email" validate:"required,email"`
}

// ResetRequest sets a new password using the mailed code.
type ResetRequest struct {
	Email    string `json:"email" validate:"required,email"`
	OTP      string `json:"otp" validate:"required,len=6,numeric"`
	Password string `json:"password" validate:"required,min=8,max=72"`
}

// AccountsConfig holds token and code lifetimes.
type AccountsConfig struct {
	TokenTTL time.Duration
	OTPTTL   time.Duration
}

// Accounts implements the account flows over a UserStore.
type Accounts struct {
	users    store.UserStore
	mailer   mail.Mailer
	tokens   *JWTVerifier
	cfg      AccountsConfig
	validate *validator.Validate
	now      func() time.Time
	newOTP   func() (string, error)
	logger   *slog.Logger
}

// NewAccounts creates the account service
func NewAccounts(users store.UserStore, mailer mail.Mailer, tokens *JWTVerifier, cfg AccountsConfig, logger *slog.Logger) *Accounts {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 7 * 24 * time.Hour
	}
	if cfg.OTPTTL <= 0 {
		cfg.OTPTTL = 10 * time.Minute
	}
	return &Accounts{
		users:    users,
		mailer:   mailer,
		tokens:   tokens,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      time.Now,
		newOTP:   GenerateOTP,
		logger:   logger.With("component", "accounts"),
	}
}

// Register creates an unverified account and mails a verification code. A
// mail failure is logged but does not undo the registration; the user can
// request a new code through Forgot.
func (a *Accounts) Register(ctx context.Context, req RegisterRequest) (*store.User, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	// Codes go to the stored, lowercased address.
	user := &store.User{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Name:         strings.TrimSpace(req.Name),
		PasswordHash: hash,
		CreatedAt:    a.now(),
	}
	if err := a.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailExists) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("creating user: %w", err)
	}

	a.logger.Info("user registered", "user_id", user.ID)

	if err := a.issueCode(ctx, user, "Verify your Richatz.AI account", "Use this code to verify your email address:"); err != nil {
		a.logger.Error("failed to send verification code", "user_id", user.ID, "error", err)
	}
	return user, nil
}

// Verify marks the account verified when the code matches. Verifying an
// already verified account succeeds.
func (a *Accounts) Verify(ctx context.Context, req VerifyRequest) error {
	if err := a.check(req); err != nil {
		return err
	}

	user, err := a.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("getting user: %w", err)
	}
	if user.IsVerified {
		return nil
	}
	if !a.codeValid(user, req.OTP) {
		return ErrInvalidCode
	}

	if err := a.users.VerifyUser(ctx, user.ID); err != nil {
		return fmt.Errorf("verifying user: %w", err)
	}
	a.logger.Info("user verified", "user_id", user.ID)
	return nil
}

// Login returns a bearer token for valid credentials of a verified account.
func (a *Accounts) Login(ctx context.Context, req LoginRequest) (string, error) {
	if err := a.check(req); err != nil {
		return "", err
	}

	user, err := a.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		CheckPassword(dummyHash, req.Password)
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("getting user: %w", err)
	}

	if !CheckPassword(user.PasswordHash, req.Password) {
		a.logger.Warn("failed login", "user_id", user.ID)
		return "", ErrInvalidCredentials
	}
	if !user.IsVerified {
		return "", ErrNotVerified
	}

	token, err := a.tokens.Generate(user.ID, a.cfg.TokenTTL)
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}

// Forgot mails a reset code. Unknown emails succeed silently so the endpoint
// cannot be used to discover accounts.
func (a *Accounts) Forgot(ctx context.Context, req ForgotRequest) error {
	if err := a.check(req); err != nil {
		return err
	}

	user, err := a.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		a.logger.Debug("reset requested for unknown email")
		return nil
	}
	if err != nil {
		return fmt.Errorf("getting user: %w", err)
	}

	return a.issueCode(ctx, user, "Reset your Richatz.AI password", "Use this code to reset your password:")
}

// Reset replaces the password when the code matches. Owning the mailbox is
// proof enough to also verify the account.
func (a *Accounts) Reset(ctx context.Context, req ResetRequest) error {
	if err := a.check(req); err != nil {
		return err
	}

	user, err := a.users.GetUserByEmail(ctx, req.Email)
	if errors.Is(err, store.ErrNotFound) {
		return ErrInvalidCode
	}
	if err != nil {
		return fmt.Errorf("getting user: %w", err)
	}
	if !a.codeValid(user, req.OTP) {
		return ErrInvalidCode
	}

	hash, err := HashPassword(req.Password)
	if err != nil {
		return err
	}
	if err := a.users.UpdatePassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("updating password: %w", err)
	}
	if !user.IsVerified {
		if err := a.users.VerifyUser(ctx, user.ID); err != nil {
			return fmt.Errorf("verifying user: %w", err)
		}
	}

	a.logger.Info("password reset", "user_id", user.ID)
	return nil
}

func (a *Accounts) issueCode(ctx context.Context, user *store.User, subject, intro string) error {
	code, err := a.newOTP()
	if err != nil {
		return err
	}
	if err := a.users.SetUserOTP(ctx, user.ID, code, a.now().Add(a.cfg.OTPTTL)); err != nil {
		return fmt.Errorf("storing otp: %w", err)
	}

	msg, err := mail.CodeMessage(user.Email, user.Name, subject, intro, code, int(a.cfg.OTPTTL.Minutes()))
	if err != nil {
		return err
	}
	return a.mailer.Send(ctx, msg)
}

func (a *Accounts) codeValid(user *store.User, code string) bool {
	if user.OTPExpiresAt == nil || !a.now().Before(*user.OTPExpiresAt) {
		return false
	}
	return otpEqual(user.OTP, code)
}

func (a *Accounts) check(req any) error {
	err := a.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating request: %w", err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	return &ValidationError{Fields: fields}
}
