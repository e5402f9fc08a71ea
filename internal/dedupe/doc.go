// Package dedupe stores completed responses under client-supplied
// idempotency keys so a retried request replays the first response within a
// configurable window instead of being processed twice.
package dedupe
