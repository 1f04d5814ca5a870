// Package flowstate tracks in-flight OAuth flows for their TTL.
package flowstate

import (
	"context"
	"errors"
	"time"
)

// Flow statuses. Completed and failed are terminal; expired surfaces as
// ErrNotFound once the TTL store drops the entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

var (
	// ErrNotFound covers unknown and expired states alike.
	ErrNotFound = errors.New("flowstate: state not found or expired")
	// ErrTerminal rejects updates to a flow that already finished.
	ErrTerminal = errors.New("flowstate: flow already terminal")
)

// State is one OAuth flow keyed by its state token. Result carries only
// redacted account fields (ids, names), never tokens.
type State struct {
	State        string            `json:"state"`
	Provider     string            `json:"provider"`
	UserID       string            `json:"user_id"`
	Shared       bool              `json:"shared"`
	Status       Status            `json:"status"`
	IDP          string            `json:"idp,omitempty"` // kiro identity provider choice
	PKCEVerifier string            `json:"pkce_verifier,omitempty"`
	DeviceCode   string            `json:"device_code,omitempty"`
	Interval     int               `json:"interval,omitempty"` // seconds between device polls
	AuthURL      string            `json:"auth_url,omitempty"`
	UserCode     string            `json:"user_code,omitempty"`
	Error        string            `json:"error,omitempty"`
	Result       map[string]string `json:"result,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Terminal reports whether the flow reached a sticky end state.
func (s *State) Terminal() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

func (s *State) clone() *State {
	out := *s
	if s.Result != nil {
		out.Result = make(map[string]string, len(s.Result))
		for k, v := range s.Result {
			out.Result[k] = v
		}
	}
	return &out
}

// Store keeps flow state until expiry. Implementations must be safe for
// concurrent use. Update is read-merge-write: it loads the current state,
// applies fn to it, and writes the merged result back, preserving the TTL.
// Updates against a terminal flow return ErrTerminal without running fn.
type Store interface {
	Put(ctx context.Context, st *State) error
	Get(ctx context.Context, state string) (*State, error)
	Update(ctx context.Context, state string, fn func(*State) error) error
	Delete(ctx context.Context, state string) error
}
