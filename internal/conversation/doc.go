// Package conversation owns the lifecycle of user conversations.
//
// # Service
//
// The Service is the only component that writes conversation state:
//
//	svc := conversation.New(store, resolver, conversation.Options{}, logger)
//
// Key operations:
//
//   - Create(ctx, userID): new conversation with the placeholder title
//   - List(ctx, userID): the user's conversations, newest first
//   - Messages(ctx, id, userID): chronological user and assistant turns
//   - Delete(ctx, id, userID): remove a conversation and its messages
//   - Ask(ctx, id, userID, prompt): resolve an answer and record the exchange
//
// Every operation on an existing conversation checks ownership first. A
// conversation that does not exist and one owned by someone else are both
// reported as ErrAccessDenied, so ids cannot be probed.
//
// # Ask
//
//  1. Check ownership (one short store call)
//  2. Resolve the answer through the answer pipeline, which may read history
//  3. Append the user turn and the answer in one transaction, setting the
//     title from the first prompt when the conversation had none
//
// No store transaction spans the provider calls in step 2. When step 3 fails
// the answer is returned anyway with AskResult.Warning set.
//
// # Events
//
// EventBroadcaster fans committed changes out to every open session of the
// owning user. Slow subscribers drop events rather than block writers.
package conversation
