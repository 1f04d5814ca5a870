package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
	"github.com/pysugar/pooled-llm-gateway/internal/logging"
	"github.com/pysugar/pooled-llm-gateway/internal/pool"
	"github.com/pysugar/pooled-llm-gateway/internal/providers"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/mappers"
	"github.com/pysugar/pooled-llm-gateway/internal/proxy/middleware"
)

// settleTimeout bounds post-call accounting, which runs on its own context
// so a client disconnect cannot drop a ledger row.
const settleTimeout = 15 * time.Second

func settleContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), settleTimeout)
}

// ChatCompletions serves POST /v1/chat/completions: resolve the request to
// a provider, pick an account, call upstream, and re-frame the reply in
// OpenAI form, streaming or buffered.
func ChatCompletions(registry *providers.Registry, accounts *pool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tag := logging.Tag(r.Context())

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "failed to read request body")
			return
		}
		var wireReq mappers.ChatRequest
		if err := json.Unmarshal(body, &wireReq); err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
			return
		}
		req, err := mappers.ToCanonical(&wireReq)
		if err != nil {
			writeOpenAIError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}

		translator, err := registry.Resolve(r.Header.Get("X-Account-Type"), req.Model)
		if err != nil {
			writeDispatchError(w, err)
			return
		}

		userID := middleware.UserID(r.Context())
		account, err := accounts.SelectAccount(r.Context(), userID, translator.Name(), req.Model, headerFlag(r, "X-Prefer-Shared"))
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		token, err := accounts.EnsureFreshToken(r.Context(), account)
		if err != nil {
			writeDispatchError(w, err)
			return
		}
		cred := &providers.Credential{Account: account, AccessToken: token}

		log.Printf("📥 %s/v1/chat/completions provider=%s model=%s account=%s stream=%t",
			tag, translator.Name(), req.Model, account.ID, wireReq.Stream)

		before, _, err := accounts.AccountModelQuota(r.Context(), account.ID, req.Model)
		if err != nil {
			log.Printf("⚠️ %sQuota read before call failed: %v", tag, err)
		}

		if wireReq.Stream {
			streamCompletion(w, r, translator, accounts, cred, req, before)
			return
		}

		resp, err := translator.Complete(r.Context(), req, cred)
		if err != nil {
			log.Printf("❌ %sUpstream call failed: %v", tag, err)
			recordFailure(accounts, account.UserID, translator.Name())
			writeDispatchError(w, err)
			return
		}
		if resp.ID == "" {
			resp.ID = canonical.NewCompletionID()
		}
		settleQuota(translator, accounts, cred, req.Model, before, resp.Usage)
		writeJSON(w, http.StatusOK, mappers.FromCanonicalResponse(resp))
	}
}

// streamCompletion drives one SSE response. Failures after headers go out
// surface as a single in-band error frame before the terminator; a client
// disconnect silences every further write but still settles accounting for
// what was already delivered.
func streamCompletion(w http.ResponseWriter, r *http.Request, translator providers.Translator, accounts *pool.Pool, cred *providers.Credential, req *canonical.ChatRequest, before float64) {
	tag := logging.Tag(r.Context())

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeOpenAIError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	stream, err := translator.Stream(r.Context(), req, cred)
	if err != nil {
		log.Printf("❌ %sUpstream stream failed to open: %v", tag, err)
		recordFailure(accounts, cred.Account.UserID, translator.Name())
		writeDispatchError(w, err)
		return
	}
	defer stream.Close()

	SetSSEHeaders(w)

	sse := &sseWriter{w: w, flusher: flusher, ctx: r.Context()}
	framer := mappers.NewReframer(canonical.NewCompletionID(), req.Model)
	guard := newStreamGuard()

	var streamErr error
	for {
		delta, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			if r.Context().Err() != nil {
				err = errs.ErrStreamAborted
			}
			streamErr = err
			break
		}
		if delta.Kind == canonical.DeltaError {
			streamErr = delta.Err
			break
		}
		chunk := framer.Frame(delta)
		if chunk == nil {
			continue
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			streamErr = fmt.Errorf("marshal chunk: %w", err)
			break
		}
		if abort, reason := guard.check(payload); abort {
			streamErr = errs.UpstreamProtocol(translator.Name(), errors.New(reason))
			break
		}
		sse.write(payload)
		if sse.dead {
			streamErr = errs.ErrStreamAborted
			break
		}
	}

	// Finish always runs: its usage tally feeds the ledger even when the
	// terminal chunk is never written.
	final := framer.Finish()

	disconnected := errors.Is(streamErr, errs.ErrStreamAborted) || sse.dead ||
		r.Context().Err() != nil || errors.Is(streamErr, context.Canceled)
	switch {
	case disconnected:
		log.Printf("⚠️ %sClient disconnected mid-stream", tag)
	case streamErr != nil:
		log.Printf("❌ %sUpstream stream failed: %v", tag, streamErr)
		_, errType := errorStatus(streamErr)
		payload, _ := json.Marshal(map[string]any{
			"error": map[string]any{"message": streamErr.Error(), "type": errType},
		})
		sse.write(payload)
		sse.terminate()
	default:
		if payload, err := json.Marshal(final); err == nil {
			sse.write(payload)
		}
		sse.terminate()
	}

	if streamErr != nil && !disconnected {
		recordFailure(accounts, cred.Account.UserID, translator.Name())
		return
	}

	var usage canonical.Usage
	if final.Usage != nil {
		usage = canonical.Usage{
			PromptTokens:     final.Usage.PromptTokens,
			CompletionTokens: final.Usage.CompletionTokens,
			TotalTokens:      final.Usage.TotalTokens,
		}
	}
	settleQuota(translator, accounts, cred, req.Model, before, usage)
}

// sseWriter serializes data frames onto one response and goes silent the
// moment the client disconnects or a write fails.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	ctx     context.Context
	dead    bool
}

func (s *sseWriter) write(payload []byte) {
	if s.dead || s.ctx.Err() != nil {
		s.dead = true
		return
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		s.dead = true
		return
	}
	s.flusher.Flush()
}

// terminate emits the end-of-stream sentinel.
func (s *sseWriter) terminate() {
	if s.dead || s.ctx.Err() != nil {
		s.dead = true
		return
	}
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// settleQuota mirrors the provider-reported allowance and appends the
// consumption ledger row once an upstream call finishes. Providers that
// cannot report quota settle with zero movement; their ledger rows still
// carry token counts.
func settleQuota(translator providers.Translator, accounts *pool.Pool, cred *providers.Credential, model string, before float64, usage canonical.Usage) {
	ctx, cancel := settleContext()
	defer cancel()

	rec := pool.Consumption{
		UserID:           cred.Account.UserID,
		AccountID:        cred.Account.ID,
		Provider:         translator.Name(),
		Model:            model,
		Shared:           cred.Account.Shared,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	}

	if reporter, ok := translator.(providers.QuotaReporter); ok {
		observations, err := reporter.FetchQuotas(ctx, cred)
		if err != nil {
			log.Printf("⚠️ Quota fetch after call failed for account %s: %v", cred.Account.ID, err)
		} else {
			for _, obs := range observations {
				q := &models.ModelQuota{
					AccountID: cred.Account.ID,
					Model:     obs.Model,
					Remaining: obs.Remaining,
					ResetAt:   obs.ResetAt,
					Enabled:   true,
				}
				if err := accounts.UpsertModelQuota(ctx, q); err != nil {
					log.Printf("⚠️ Quota mirror failed for %s/%s: %v", cred.Account.ID, obs.Model, err)
				}
			}
			rec.Before = before
			rec.After = quotaAfter(observations, model, before)
		}
	}

	if err := accounts.RecordConsumption(ctx, rec); err != nil {
		log.Printf("⚠️ Consumption record failed for account %s: %v", cred.Account.ID, err)
	}
}

// quotaAfter picks the post-call remaining for model out of a snapshot: the
// model's own entry when present, otherwise a sharing-family sibling,
// otherwise the pre-call value (zero movement).
func quotaAfter(observations []providers.QuotaObservation, model string, before float64) float64 {
	for _, obs := range observations {
		if obs.Model == model {
			return obs.Remaining
		}
	}
	for _, sibling := range pool.Family(model) {
		for _, obs := range observations {
			if obs.Model == sibling {
				return obs.Remaining
			}
		}
	}
	return before
}

func recordFailure(accounts *pool.Pool, userID, provider string) {
	ctx, cancel := settleContext()
	defer cancel()
	accounts.RecordFailure(ctx, userID, provider)
}

func headerFlag(r *http.Request, name string) bool {
	v := strings.ToLower(strings.TrimSpace(r.Header.Get(name)))
	return v == "1" || v == "true"
}
