package backend

import "fmt"

// AuthError wraps a failed identity-token acquisition. It is fatal for
// the call that needed the token and is never retried by the client.
type AuthError struct {
	Audience string
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: token fetch for %s failed: %v", e.Audience, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError reports a network-level fault that persisted through
// every retry attempt.
type TransientError struct {
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// UpstreamError reports a non-2xx response, either non-retryable or
// still failing after retries were exhausted.
type UpstreamError struct {
	Service string
	Status  int
	Body    string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s http %d: %s", e.Service, e.Status, e.Body)
}

// DecodeError reports a response body that was not the shape the
// contract promises. Malformed bodies are surfaced, never defaulted.
type DecodeError struct {
	Service string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode response: %v", e.Service, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
