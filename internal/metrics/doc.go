// Package metrics exports Prometheus metrics for richatz.
//
// Recorder satisfies answer.Observer and conversation.Observer, so the
// answer pipeline and the conversation service report into it without
// importing Prometheus. Middleware labels HTTP metrics with the matched
// route template and must be installed with mux.Router.Use.
package metrics
