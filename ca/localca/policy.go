package localca

import "strings"

// The whitelist/blacklist entries are ordered pattern strings:
//
//   - a pattern ending in "$" matches candidates that end with the
//     pattern's text (minus the anchor);
//   - an unanchored pattern matches by containment;
//   - a wildcard candidate ("*.example.com") is only matched by a pattern
//     whose asterisk is escaped ("\*.example.com$").

func matchRule(candidate, rule string) bool {
	if strings.HasPrefix(candidate, "*") && !strings.HasPrefix(rule, `\*`) {
		return false
	}
	rule = strings.TrimPrefix(rule, `\`)
	if anchored, ok := strings.CutSuffix(rule, "$"); ok {
		return strings.HasSuffix(candidate, anchored)
	}
	return strings.Contains(candidate, rule)
}

func matchAny(candidate string, rules []string) bool {
	for _, rule := range rules {
		if matchRule(candidate, rule) {
			return true
		}
	}
	return false
}

// checkCandidate applies blacklist-then-whitelist ordering: a blacklist
// match rejects immediately; otherwise a non-empty whitelist must contain
// at least one matching entry. An empty whitelist accepts.
func (h *Handler) checkCandidate(candidate string) bool {
	if candidate == "" {
		return false
	}
	if matchAny(candidate, h.cfg.Blacklist) {
		return false
	}
	if len(h.cfg.Whitelist) > 0 {
		return matchAny(candidate, h.cfg.Whitelist)
	}
	return true
}

// checkPolicy evaluates the CN and every DNS SAN of a CSR. Any failing
// candidate rejects the whole CSR; a CSR with neither CN nor DNS SAN is
// rejected outright.
func (h *Handler) checkPolicy(cn string, dnsNames []string) bool {
	var candidates []string
	if cn != "" {
		candidates = append(candidates, cn)
	}
	candidates = append(candidates, dnsNames...)
	if len(candidates) == 0 {
		return false
	}
	for _, c := range candidates {
		if !h.checkCandidate(c) {
			return false
		}
	}
	return true
}
