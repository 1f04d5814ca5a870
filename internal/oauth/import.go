package oauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnrecognizedCredential rejects pasted blobs that match none of the
// accepted shapes. The message names what was tried; no token material is
// ever echoed back.
var ErrUnrecognizedCredential = errors.New("oauth: unrecognized credential shape")

// ImportedCredential is the provider-neutral result of parsing a pasted
// credential blob. Provider is inferred from the shape and empty for the
// bare shape, where the caller must name it. A zero ExpiresAt means the blob
// carried no expiry; the pool then refreshes the token before first use.
type ImportedCredential struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	ProfileARN   string // kiro social shape only
	ResourceURL  string // qwen device shape only
}

// credentialBlob is the union of every accepted shape's fields. Shape
// detection probes decoded fields in a fixed order, never the raw text.
type credentialBlob struct {
	// snake_case family: qwen device token, antigravity oauth_creds, bare.
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ResourceURL  string `json:"resource_url"`
	ExpiryDate   int64  `json:"expiry_date"` // oauth_creds: ms since epoch
	IDToken      string `json:"id_token"`
	// camelCase family: the kiro desktop-auth token payload.
	KiroAccessToken  string `json:"accessToken"`
	KiroRefreshToken string `json:"refreshToken"`
	ProfileARN       string `json:"profileArn"`
	KiroExpiresIn    int64  `json:"expiresIn"`
}

func (b *credentialBlob) trim() {
	b.AccessToken = strings.TrimSpace(b.AccessToken)
	b.RefreshToken = strings.TrimSpace(b.RefreshToken)
	b.ResourceURL = strings.TrimSpace(b.ResourceURL)
	b.IDToken = strings.TrimSpace(b.IDToken)
	b.KiroAccessToken = strings.TrimSpace(b.KiroAccessToken)
	b.KiroRefreshToken = strings.TrimSpace(b.KiroRefreshToken)
	b.ProfileARN = strings.TrimSpace(b.ProfileARN)
}

// ParseCredential maps a pasted credential blob onto one of the accepted
// shapes, tried in this order:
//
//  1. qwen device token: {"access_token", "refresh_token", "resource_url",
//     "expires_in"?}, tagged by resource_url.
//  2. kiro social token: {"accessToken"?, "refreshToken", "profileArn"?,
//     "expiresIn"?}, tagged by the camelCase refreshToken.
//  3. antigravity oauth_creds: {"access_token"?, "refresh_token",
//     "expiry_date"?|"id_token"?}, tagged by expiry_date or id_token.
//  4. bare {"access_token"?, "refresh_token"}, carrying no provider tag; the
//     import request must name one.
//
// A JSON array imports its first element matching any shape. Every shape
// requires a refresh token: a credential the gateway cannot keep alive is
// not importable. Anything else fails with ErrUnrecognizedCredential; there
// is no substring extraction from arbitrary pasted text.
func ParseCredential(raw []byte, now time.Time) (*ImportedCredential, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrUnrecognizedCredential)
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("%w: invalid JSON array", ErrUnrecognizedCredential)
		}
		for _, item := range items {
			if cred, err := parseCredentialObject(item, now); err == nil {
				return cred, nil
			}
		}
		return nil, fmt.Errorf("%w: no array element matches an accepted shape", ErrUnrecognizedCredential)
	}
	return parseCredentialObject(trimmed, now)
}

func parseCredentialObject(raw json.RawMessage, now time.Time) (*ImportedCredential, error) {
	var blob credentialBlob
	if err := json.Unmarshal(raw, &blob); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON object", ErrUnrecognizedCredential)
	}
	blob.trim()

	switch {
	case blob.ResourceURL != "" && blob.RefreshToken != "":
		return &ImportedCredential{
			Provider:     "qwen",
			AccessToken:  blob.AccessToken,
			RefreshToken: blob.RefreshToken,
			ExpiresAt:    expiresFromSeconds(now, blob.ExpiresIn),
			ResourceURL:  blob.ResourceURL,
		}, nil

	case blob.KiroRefreshToken != "":
		return &ImportedCredential{
			Provider:     "kiro",
			AccessToken:  blob.KiroAccessToken,
			RefreshToken: blob.KiroRefreshToken,
			ExpiresAt:    expiresFromSeconds(now, blob.KiroExpiresIn),
			ProfileARN:   blob.ProfileARN,
		}, nil

	case blob.RefreshToken != "" && (blob.ExpiryDate > 0 || blob.IDToken != ""):
		var expires time.Time
		if blob.ExpiryDate > 0 {
			expires = time.UnixMilli(blob.ExpiryDate)
		}
		return &ImportedCredential{
			Provider:     "antigravity",
			AccessToken:  blob.AccessToken,
			RefreshToken: blob.RefreshToken,
			ExpiresAt:    expires,
		}, nil

	case blob.RefreshToken != "":
		return &ImportedCredential{
			AccessToken:  blob.AccessToken,
			RefreshToken: blob.RefreshToken,
			ExpiresAt:    expiresFromSeconds(now, blob.ExpiresIn),
		}, nil
	}
	return nil, fmt.Errorf("%w: no refresh token in any accepted position", ErrUnrecognizedCredential)
}

func expiresFromSeconds(now time.Time, seconds int64) time.Time {
	if seconds <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(seconds) * time.Second)
}
