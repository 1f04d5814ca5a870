// Package providers defines the translator contract and the registry that
// resolves each request to one upstream provider.
package providers

import (
	"context"
	"strings"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/canonical"
	"github.com/pysugar/pooled-llm-gateway/internal/db/models"
	"github.com/pysugar/pooled-llm-gateway/internal/errs"
)

// Model is one catalog entry in OpenAI list form.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// Credential is the unsealed call material for one selected account. The
// account's stored token columns stay sealed; AccessToken is the plaintext
// bearer minted by the pool for this call.
type Credential struct {
	Account     *models.Account
	AccessToken string
}

// Translator adapts the canonical chat protocol to one provider's wire
// protocol. Stream returns a finite iterator; the consumer stops it by
// cancelling ctx or calling Close.
type Translator interface {
	Name() string
	Models() []Model
	Complete(ctx context.Context, req *canonical.ChatRequest, cred *Credential) (*canonical.ChatResponse, error)
	Stream(ctx context.Context, req *canonical.ChatRequest, cred *Credential) (canonical.DeltaStream, error)
}

// QuotaObservation is one provider-reported remaining allowance.
type QuotaObservation struct {
	Model     string
	Remaining float64
	ResetAt   time.Time
}

// QuotaReporter is implemented by translators whose upstream reports
// per-model remaining quota. The dispatcher mirrors observations into
// ModelQuota rows around calls; providers without it simply never move the
// stored fraction.
type QuotaReporter interface {
	FetchQuotas(ctx context.Context, cred *Credential) ([]QuotaObservation, error)
}

type prefixRule struct {
	prefix   string
	provider string
}

// Registry resolves provider hints and model prefixes to translators and
// serves the merged model catalog.
type Registry struct {
	order    []string
	byName   map[string]Translator
	prefixes []prefixRule
	fallback string
}

// NewRegistry builds an empty registry; defaultProvider serves requests with
// no hint and no matching prefix.
func NewRegistry(defaultProvider string) *Registry {
	return &Registry{
		byName:   make(map[string]Translator),
		fallback: defaultProvider,
	}
}

// Register adds a translator and the model prefixes that route to it.
// Registration order drives catalog union order.
func (r *Registry) Register(t Translator, modelPrefixes ...string) {
	name := t.Name()
	if _, dup := r.byName[name]; !dup {
		r.order = append(r.order, name)
	}
	r.byName[name] = t
	for _, p := range modelPrefixes {
		r.prefixes = append(r.prefixes, prefixRule{prefix: p, provider: name})
	}
}

// Resolve picks the translator for a request: explicit hint first, then model
// prefix, then the default provider. An unknown hint is an error, never a
// silent fallback.
func (r *Registry) Resolve(hint, model string) (Translator, error) {
	if h := strings.ToLower(strings.TrimSpace(hint)); h != "" {
		t, ok := r.byName[h]
		if !ok {
			return nil, errs.UnsupportedProvider(hint)
		}
		return t, nil
	}
	lower := strings.ToLower(strings.TrimSpace(model))
	for _, rule := range r.prefixes {
		if strings.HasPrefix(lower, rule.prefix) {
			return r.byName[rule.provider], nil
		}
	}
	if t, ok := r.byName[r.fallback]; ok {
		return t, nil
	}
	return nil, errs.UnsupportedProvider(r.fallback)
}

// Get returns a registered translator by name.
func (r *Registry) Get(name string) (Translator, bool) {
	t, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	return t, ok
}

// Providers lists registered provider names in registration order.
func (r *Registry) Providers() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// UnionModels merges every provider's catalog in registration order,
// de-duplicated by id. The first occurrence wins, later duplicates are
// dropped wholesale.
func (r *Registry) UnionModels() []Model {
	seen := make(map[string]bool)
	var out []Model
	for _, name := range r.order {
		for _, m := range r.byName[name].Models() {
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}
