// ABOUTME: User account store methods
// ABOUTME: Registration, lookup, OTP bookkeeping, verification and password updates

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateUser inserts a new user and fills in user.ID.
// Returns ErrEmailExists if the email is already registered.
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.Email = normalizeEmail(user.Email)

	query := s.rebind(`
		INSERT INTO users (email, name, password_hash, is_verified, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`)

	err := s.db.QueryRowContext(ctx, query,
		user.Email,
		user.Name,
		user.PasswordHash,
		user.IsVerified,
		formatTime(user.CreatedAt),
	).Scan(&user.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	s.logger.Debug("created user", "id", user.ID)
	return nil
}

// GetUserByID retrieves a user by id.
func (s *SQLStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, "id = ?", id)
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUser(ctx, "email = ?", normalizeEmail(email))
}

func (s *SQLStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	query := s.rebind(`
		SELECT id, email, name, password_hash, is_verified, otp, otp_expires_at, created_at
		FROM users
		WHERE ` + where)

	var u User
	var otp, otpExpires sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.IsVerified, &otp, &otpExpires, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	if otp.Valid {
		u.OTP = otp.String
	}
	if otpExpires.Valid && otpExpires.String != "" {
		t, err := parseTime(otpExpires.String)
		if err != nil {
			return nil, fmt.Errorf("parsing otp_expires_at: %w", err)
		}
		u.OTPExpiresAt = &t
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &u, nil
}

// SetUserOTP stores a one-time code and its expiry.
func (s *SQLStore) SetUserOTP(ctx context.Context, userID int64, otp string, expiresAt time.Time) error {
	return s.updateUser(ctx, "setting otp",
		`UPDATE users SET otp = ?, otp_expires_at = ? WHERE id = ?`,
		otp, formatTime(expiresAt), userID,
	)
}

// VerifyUser marks the account verified and clears any pending code.
func (s *SQLStore) VerifyUser(ctx context.Context, userID int64) error {
	return s.updateUser(ctx, "verifying user",
		`UPDATE users SET is_verified = ?, otp = NULL, otp_expires_at = NULL WHERE id = ?`,
		true, userID,
	)
}

// UpdatePassword replaces the password hash and clears any pending code.
func (s *SQLStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	return s.updateUser(ctx, "updating password",
		`UPDATE users SET password_hash = ?, otp = NULL, otp_expires_at = NULL WHERE id = ?`,
		passwordHash, userID,
	)
}

func (s *SQLStore) updateUser(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
