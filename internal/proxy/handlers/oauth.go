package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/flowstate"
	"github.com/pysugar/pooled-llm-gateway/internal/logging"
	"github.com/pysugar/pooled-llm-gateway/internal/oauth"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/middleware"
)

// flowView is the redacted flow state served to clients. Raw states carry
// the PKCE verifier and device code and never leave the store.
type flowView struct {
	State     string            `json:"state"`
	Provider  string            `json:"provider"`
	Status    string            `json:"status"`
	AuthURL   string            `json:"auth_url,omitempty"`
	UserCode  string            `json:"user_code,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    map[string]string `json:"result,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

func viewOf(st *flowstate.State) *flowView {
	return &flowView{
		State:     st.State,
		Provider:  st.Provider,
		Status:    string(st.Status),
		AuthURL:   st.AuthURL,
		UserCode:  st.UserCode,
		Error:     st.Error,
		Result:    st.Result,
		ExpiresAt: st.ExpiresAt,
	}
}

// writeFlowError maps OAuth endpoint failures: bad input and unknown
// providers are the caller's fault, exchange trouble is the upstream's.
func writeFlowError(w http.ResponseWriter, err error) {
	status, errType := http.StatusInternalServerError, "api_error"
	switch {
	case errors.Is(err, errs.ErrUnsupportedProvider),
		errors.Is(err, oauth.ErrCallbackInput),
		errors.Is(err, oauth.ErrFlowMismatch),
		errors.Is(err, oauth.ErrUnrecognizedCredential):
		status, errType = http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, flowstate.ErrNotFound):
		status, errType = http.StatusNotFound, "invalid_request_error"
	case errors.Is(err, errs.ErrUpstreamProtocol), errors.Is(err, errs.ErrInvalidGrant):
		status, errType = http.StatusBadGateway, "api_error"
	}
	writeOpenAIError(w, status, errType, err.Error())
}

// OAuthAuthorize serves POST /v1/oauth/{provider}/authorize. The optional
// body selects shared pooling and, for kiro, the social identity provider.
func OAuthAuthorize(manager *oauth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Shared bool   `json:"shared"`
			IDP    string `json:"idp"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
			return
		}

		res, err := manager.Start(r.Context(), oauth.StartRequest{
			Provider: chi.URLParam(r, "provider"),
			UserID:   middleware.UserID(r.Context()),
			Shared:   body.Shared,
			IDP:      body.IDP,
		})
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

// OAuthStatus serves GET /v1/oauth/{provider}/status/{state}. Unknown and
// expired states are indistinguishable once the store drops them; both
// report expired.
func OAuthStatus(manager *oauth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := manager.Status(r.Context(), chi.URLParam(r, "provider"), chi.URLParam(r, "state"))
		if errors.Is(err, flowstate.ErrNotFound) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "expired"})
			return
		}
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(st))
	}
}

// OAuthCallback serves POST /v1/oauth/{provider}/callback: manual
// submission of the redirect the provider handed the user, either as the
// pasted URL or as explicit code and state.
func OAuthCallback(manager *oauth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			CallbackURL string `json:"callback_url"`
			Code        string `json:"code"`
			State       string `json:"state"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
			return
		}

		st, err := manager.HandleCallback(r.Context(), chi.URLParam(r, "provider"), oauth.CallbackInput{
			CallbackURL: body.CallbackURL,
			Code:        body.Code,
			State:       body.State,
		})
		if err != nil {
			writeFlowError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(st))
	}
}

const callbackPage = `<!DOCTYPE html>
<html>
<head><title>Antigravity sign-in</title></head>
<body style="font-family:sans-serif;text-align:center;padding-top:4rem">
  <h2>%s</h2>
  <p>%s</p>
</body>
</html>`

// AntigravityCallback serves GET /oauth/antigravity/callback, the redirect
// target registered with the antigravity OAuth client. It finishes the flow
// and renders a small page instead of JSON; the browser tab is all the user
// sees of it.
func AntigravityCallback(manager *oauth.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := manager.HandleCallback(r.Context(), "antigravity", oauth.CallbackInput{
			CallbackURL: r.URL.RawQuery,
		})

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err != nil {
			log.Printf("❌ %sAntigravity callback failed: %v", logging.Tag(r.Context()), err)
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, callbackPage, "Sign-in failed", html.EscapeString(err.Error()))
			return
		}
		fmt.Fprintf(w, callbackPage, "Sign-in complete",
			fmt.Sprintf("Account %s is ready. You can close this window.",
				html.EscapeString(st.Result["account_name"])))
	}
}
