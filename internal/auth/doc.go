// Package auth provides authentication for richatz.
//
// # Tokens
//
// Clients authenticate with HS256 JWT bearer tokens signed with the
// configured jwt_secret (at least MinSecretLength bytes). The "sub" claim
// carries the numeric user id:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate(userID, ttl)
//	userID, err := verifier.Verify(token)
//
// HTTPAuthMiddleware verifies the token, loads the user and attaches an
// AuthContext. Handlers read it with FromContext. Unverified accounts get 403.
//
// # Accounts
//
// Accounts implements the account flows:
//
//   - Register: create an unverified account and mail a six-digit code
//   - Verify: confirm the email address with the code
//   - Login: exchange credentials for a token (verified accounts only)
//   - Forgot: mail a reset code (silent for unknown emails)
//   - Reset: set a new password with the code
//
// Codes expire after auth.otp_ttl and are cleared once used. Passwords are
// hashed with bcrypt.
package auth
