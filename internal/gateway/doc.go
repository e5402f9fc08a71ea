// Package gateway serves the richatz HTTP API.
//
// # Overview
//
// Gateway owns the store, the answer resolver, the conversation service,
// the account flows and the HTTP server. New builds every collaborator from
// config; NewWithDeps lets tests and embedders supply their own store,
// model, weather lookup, search client or mailer.
//
// # HTTP API
//
// Public endpoints:
//
//	GET  /health         liveness, always "OK"
//	GET  /health/ready   pings the store
//	GET  /metrics        Prometheus metrics when metrics.enabled is set
//	POST /auth/register  create an unverified account, mail a code
//	POST /auth/verify    confirm the mailed code
//	POST /auth/login     exchange credentials for a bearer token
//	POST /auth/forgot    mail a reset code
//	POST /auth/reset     set a new password with the code
//
// Authenticated endpoints (Authorization: Bearer <token>):
//
//	POST   /conversations                create a conversation
//	GET    /conversations                list own conversations, newest first
//	GET    /conversations/{id}/messages  chronological messages
//	DELETE /conversations/{id}           delete with its messages
//	POST   /conversations/{id}/ask       resolve and record one exchange
//	GET    /events                       server-sent conversation events
//
// The paths of the first browser client (/new_chat, /history,
// /conversation/{id}, /delete_conversation/{id} and /ask) are served by the
// same handlers.
//
// # Idempotent Ask
//
// An Idempotency-Key header on an ask request makes retries safe. A
// successful response is stored and replayed with Idempotent-Replayed set;
// a retry that arrives while the first attempt is still running gets 409.
// Failed attempts are not stored so the client can try again.
//
// # Listeners
//
// The server listens on server.http_addr, or joins a tailnet through tsnet
// and serves on port 80 there when tailscale.enabled is set.
package gateway
