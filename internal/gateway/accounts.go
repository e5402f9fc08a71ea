// ABOUTME: HTTP handlers for registration, verification, login and password reset
// ABOUTME: Thin JSON adapters over auth.Accounts with error-to-status mapping

package gateway

import (
	"errors"
	"net/http"

	"github.com/2389/richatz/internal/auth"
)

// accountError maps account flow errors to a status and client message.
func (g *Gateway) accountError(w http.ResponseWriter, op string, err error) {
	var verr *auth.ValidationError
	switch {
	case errors.As(err, &verr):
		g.sendJSONError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, auth.ErrEmailTaken):
		g.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrNotVerified):
		g.sendJSONError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrInvalidCode):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		g.logger.Error("account operation failed", "op", op, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, msgInternal)
	}
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := g.accounts.Register(r.Context(), req)
	if err != nil {
		g.accountError(w, "register", err)
		return
	}
	g.sendJSON(w, http.StatusCreated, map[string]any{
		"id":     user.ID,
		"status": "verification code sent",
	})
}

func (g *Gateway) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req auth.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.accounts.Verify(r.Context(), req); err != nil {
		g.accountError(w, "verify", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	token, err := g.accounts.Login(r.Context(), req)
	if err != nil {
		g.accountError(w, "login", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (g *Gateway) handleForgot(w http.ResponseWriter, r *http.Request) {
	var req auth.ForgotRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.accounts.Forgot(r.Context(), req); err != nil {
		var verr *auth.ValidationError
		if errors.As(err, &verr) {
			g.sendJSONError(w, http.StatusBadRequest, verr.Error())
			return
		}
		// Same answer as success so the endpoint does not reveal accounts.
		g.logger.Error("forgot password failed", "error", err)
	}
	g.sendJSON(w, http.StatusAccepted, map[string]string{"status": "if the account exists, a code was sent"})
}

func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	var req auth.ResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.accounts.Reset(r.Context(), req); err != nil {
		g.accountError(w, "reset", err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
}
