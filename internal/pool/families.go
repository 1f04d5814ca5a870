package pool

// Sharing families: a dated model snapshot shares its quota pool with the
// undated alias, and the gemini-3-pro thinking variants draw from one pool.
// The table is fixed; new snapshots get a row here when providers ship them.
var sharingFamilies = [][]string{
	{"claude-sonnet-4-5", "claude-sonnet-4-5-20250929"},
	{"claude-sonnet-4", "claude-sonnet-4-20250514"},
	{"claude-opus-4-5", "claude-opus-4-5-20251101"},
	{"gemini-3-pro-preview", "gemini-3-pro-high", "gemini-3-pro-low"},
}

// Family returns every model sharing a quota family with model, the model
// itself included. Models outside any family are their own singleton.
func Family(model string) []string {
	for _, fam := range sharingFamilies {
		for _, m := range fam {
			if m == model {
				return fam
			}
		}
	}
	return []string{model}
}

// ExpandFamilies maps a model list to the union of their families, de-duped,
// preserving first-seen order.
func ExpandFamilies(modelIDs []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, id := range modelIDs {
		for _, m := range Family(id) {
			if seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	return out
}
