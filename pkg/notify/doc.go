// Package notify delivers incident lifecycle events to the outside world.
// Webhook deliveries are HMAC-signed and guarded per destination by a
// circuit breaker, with capped exponential retry. Email deliveries are
// queued for an external mailer.
package notify
