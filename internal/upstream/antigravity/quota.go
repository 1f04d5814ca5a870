package antigravity

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/pooled-llm-gateway/internal/providers"
)

type availableModelsResponse struct {
	Models map[string]modelInfo `json:"models"`
}

type modelInfo struct {
	QuotaInfo *quotaInfo `json:"quotaInfo"`
}

// quotaInfo fields arrive as numbers or strings ("0.83", "83%") depending on
// service release; RemainingFraction stays raw until normalization.
type quotaInfo struct {
	RemainingFraction json.RawMessage `json:"remainingFraction"`
	ResetTime         string          `json:"resetTime"`
}

// FetchQuotas implements providers.QuotaReporter against
// fetchAvailableModels. Models without any quota field are skipped rather
// than defaulted to a full allowance.
func (p *Provider) FetchQuotas(ctx context.Context, cred *providers.Credential) ([]providers.QuotaObservation, error) {
	meta := parseMeta(cred.Account.Metadata)
	var resp availableModelsResponse
	body := map[string]string{"project": meta.ProjectID}
	if err := p.postRPC(ctx, cred.AccessToken, "fetchAvailableModels", body, &resp); err != nil {
		return nil, err
	}

	var out []providers.QuotaObservation
	for name, info := range resp.Models {
		name = strings.TrimSpace(name)
		if name == "" || info.QuotaInfo == nil {
			continue
		}
		remaining, okFraction := normalizeFraction(info.QuotaInfo.RemainingFraction)
		resetAt, okReset := parseResetTime(info.QuotaInfo.ResetTime)
		if !okFraction && !okReset {
			continue
		}
		out = append(out, providers.QuotaObservation{Model: name, Remaining: remaining, ResetAt: resetAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// normalizeFraction turns the service's assorted spellings into a [0,1]
// fraction: bare numbers pass through, "83%" and percent-scale numbers
// (1 < f ≤ 100) divide by 100, everything clamps into range.
func normalizeFraction(raw json.RawMessage) (float64, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, false
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, false
		}
		s = strings.TrimSpace(str)
		if s == "" {
			return 0, false
		}
		if pct, ok := strings.CutSuffix(s, "%"); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(pct), 64)
			if err != nil {
				return 0, false
			}
			return clampFraction(f / 100), true
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if f > 1 && f <= 100 {
		f /= 100
	}
	return clampFraction(f), true
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func parseResetTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
