// Package store provides persistent storage for richatz on SQLite or Postgres.
//
// # Architecture
//
// Consumers depend on narrow interfaces:
//
//   - ConversationStore: conversations, messages and the exchange append
//   - UserStore: accounts, one-time codes and password updates
//   - Store: both of the above plus Ping and Close
//
// SQLStore implements Store for both backends. Queries are written with ?
// placeholders and rebound to $n for Postgres.
//
// # Data Models
//
//   - User: account with bcrypt password hash and optional pending OTP
//   - Conversation: UUID id, owning user id, title
//   - Message: autoincrement id, Role (user or assistant), content
//
// Older databases may contain the role "model"; ParseRole maps it to
// RoleAssistant so callers only ever see the two enum values.
//
// # Ordering
//
// Timestamps are stored as fixed-width UTC text. Messages are ordered by
// (created_at, id), so the two rows written by one AppendExchange keep their
// user-then-assistant order.
//
// # Connections
//
// Every method acquires a connection for exactly one query or transaction.
// Multi-statement operations go through withTx, which rolls back on any
// error. Nothing in this package holds a connection between calls.
//
// # Testing
//
// Use NewMockStore() for unit tests of consumers and NewSQLiteStore with a
// temp-dir path for integration tests.
package store
