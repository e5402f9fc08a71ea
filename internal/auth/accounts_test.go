// ABOUTME: Tests for the account flows
// ABOUTME: Uses the in-memory store and a capturing mailer with a fixed clock and code

package auth

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/richatz/internal/mail"
	"github.com/2389/richatz/internal/store"
)

type capturingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *capturingMailer) Send(ctx context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

type accountsFixture struct {
	accounts *Accounts
	users    *store.MockStore
	mailer   *capturingMailer
	now      time.Time
}

func newAccountsFixture(t *testing.T) *accountsFixture {
	t.Helper()
	f := &accountsFixture{
		users:  store.NewMockStore(),
		mailer: &capturingMailer{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.accounts = NewAccounts(f.users, f.mailer, newTestVerifier(t), AccountsConfig{OTPTTL: 10 * time.Minute}, nil)
	f.accounts.now = func() time.Time { return f.now }
	f.accounts.newOTP = func() (string, error) { return "123456", nil }
	return f
}

func (f *accountsFixture) register(t *testing.T) *store.User {
	t.Helper()
	user, err := f.accounts.Register(context.Background(), RegisterRequest{
		Email:    "Rina@Example.com",
		Name:     "Rina",
		Password: "correct-horse",
	})
	require.NoError(t, err)
	return user
}

func TestAccounts_RegisterSendsCode(t *testing.T) {
	f := newAccountsFixture(t)
	user := f.register(t)

	assert.NotZero(t, user.ID)
	stored, err := f.users.GetUserByEmail(context.Background(), "rina@example.com")
	require.NoError(t, err)
	assert.False(t, stored.IsVerified)
	assert.NotEqual(t, "correct-horse", stored.PasswordHash)
	assert.Equal(t, "123456", stored.OTP)

	require.Len(t, f.mailer.sent, 1)
	assert.Equal(t, "rina@example.com", f.mailer.sent[0].To)
	assert.Equal(t, "rina@example.com", user.Email)
	assert.Contains(t, f.mailer.sent[0].Body, "123456")
}

func TestAccounts_RegisterDuplicate(t *testing.T) {
	f := newAccountsFixture(t)
	f.register(t)

	_, err := f.accounts.Register(context.Background(), RegisterRequest{
		Email: "rina@example.com", Name: "Other", Password: "another-pass",
	})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestAccounts_RegisterSurvivesMailFailure(t *testing.T) {
	f := newAccountsFixture(t)
	f.mailer.err = errors.New("smtp down")

	user := f.register(t)
	assert.NotZero(t, user.ID)
}

func TestAccounts_RegisterValidation(t *testing.T) {
	f := newAccountsFixture(t)

	_, err := f.accounts.Register(context.Background(), RegisterRequest{Email: "not-an-email", Password: "short"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.ElementsMatch(t, []string{"email", "name", "password"}, verr.Fields)
	assert.Empty(t, f.mailer.sent)
}

func TestAccounts_LoginRequiresVerification(t *testing.T) {
	f := newAccountsFixture(t)
	f.register(t)
	ctx := context.Background()

	_, err := f.accounts.Login(ctx, LoginRequest{Email: "rina@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrNotVerified)

	require.NoError(t, f.accounts.Verify(ctx, VerifyRequest{Email: "rina@example.com", OTP: "123456"}))

	token, err := f.accounts.Login(ctx, LoginRequest{Email: "rina@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	userID, err := f.accounts.tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, int64(1), userID)
}

func TestAccounts_LoginWrongPasswordAndUnknownEmail(t *testing.T) {
	f := newAccountsFixture(t)
	f.register(t)
	ctx := context.Background()

	_, err := f.accounts.Login(ctx, LoginRequest{Email: "rina@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = f.accounts.Login(ctx, LoginRequest{Email: "nobody@example.com", Password: "whatever"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAccounts_VerifyRejectsWrongOrExpiredCode(t *testing.T) {
	f := newAccountsFixture(t)
	f.register(t)
	ctx := context.Background()

	err := f.accounts.Verify(ctx, VerifyRequest{Email: "rina@example.com", OTP: "654321"})
	assert.ErrorIs(t, err, ErrInvalidCode)

	f.now = f.now.Add(11 * time.Minute)
	err = f.accounts.Verify(ctx, VerifyRequest{Email: "rina@example.com", OTP: "123456"})
	assert.ErrorIs(t, err, ErrInvalidCode)

	err = f.accounts.Verify(ctx, VerifyRequest{Email: "nobody@example.com", OTP: "123456"})
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestAccounts_ForgotUnknownEmailIsSilent(t *testing.T) {
	f := newAccountsFixture(t)

	require.NoError(t, f.accounts.Forgot(context.Background(), ForgotRequest{Email: "nobody@example.com"}))
	assert.Empty(t, f.mailer.sent)
}

func TestAccounts_ForgotAndReset(t *testing.T) {
	f := newAccountsFixture(t)
	f.register(t)
	ctx := context.Background()

	f.accounts.newOTP = func() (string, error) { return "999000", nil }
	require.NoError(t, f.accounts.Forgot(ctx, ForgotRequest{Email: "rina@example.com"}))
	require.Len(t, f.mailer.sent, 2)
	assert.Contains(t, f.mailer.sent[1].Body, "999000")

	err := f.accounts.Reset(ctx, ResetRequest{Email: "rina@example.com", OTP: "123456", Password: "new-password"})
	assert.ErrorIs(t, err, ErrInvalidCode, "the earlier code was replaced")

	require.NoError(t, f.accounts.Reset(ctx, ResetRequest{Email: "rina@example.com", OTP: "999000", Password: "new-password"}))

	_, err = f.accounts.Login(ctx, LoginRequest{Email: "rina@example.com", Password: "correct-horse"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = f.accounts.Login(ctx, LoginRequest{Email: "rina@example.com", Password: "new-password"})
	assert.NoError(t, err, "reset also verifies the account")

	err = f.accounts.Reset(ctx, ResetRequest{Email: "rina@example.com", OTP: "999000", Password: "third-password"})
	assert.ErrorIs(t, err, ErrInvalidCode, "codes are single use")
}

func TestGenerateOTP(t *testing.T) {
	for range 20 {
		code, err := GenerateOTP()
		require.NoError(t, err)
		assert.Len(t, code, OTPLength)
		for _, c := range code {
			assert.True(t, c >= '0' && c <= '9')
		}
	}
}

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	require.NoError(t, err)
	assert.True(t, CheckPassword(hash, "s3cret-pass"))
	assert.False(t, CheckPassword(hash, "other"))
}
