// Package errs defines the gateway error taxonomy. Handlers map these onto
// OpenAI-style error envelopes; everything else surfaces as a generic 500.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedProvider marks an unknown provider hint or model routing
	// target. Client error, never silently defaulted.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrExhaustedQuota means no enabled account with remaining quota could
	// serve the request. Mapped to HTTP 429 with type insufficient_quota.
	ErrExhaustedQuota = errors.New("quota exhausted")

	// ErrInvalidGrant marks a refresh token the provider rejected as
	// permanently dead. The owning account gets disabled.
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUpstreamProtocol marks a malformed or unexpected upstream response.
	ErrUpstreamProtocol = errors.New("upstream protocol error")

	// ErrTranslation means the canonical request cannot be represented in the
	// target wire format. Indicates a translator gap.
	ErrTranslation = errors.New("translation error")

	// ErrStreamAborted means the client went away mid-stream. Not a failure;
	// it only halts further writes.
	ErrStreamAborted = errors.New("stream aborted")
)

// UnsupportedProvider wraps ErrUnsupportedProvider with the offending name.
func UnsupportedProvider(name string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
}

// ExhaustedQuota wraps ErrExhaustedQuota with the routing target.
func ExhaustedQuota(provider, model string) error {
	return fmt.Errorf("%w: no eligible %s account for model %s", ErrExhaustedQuota, provider, model)
}

// InvalidGrant wraps ErrInvalidGrant with the provider's error text.
func InvalidGrant(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidGrant, detail)
}

// UpstreamProtocol wraps ErrUpstreamProtocol with enough context to replay.
func UpstreamProtocol(provider string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUpstreamProtocol, provider, err)
}

// Translation wraps ErrTranslation with the untranslatable detail.
func Translation(provider, detail string) error {
	return fmt.Errorf("%w: %s: %s", ErrTranslation, provider, detail)
}
