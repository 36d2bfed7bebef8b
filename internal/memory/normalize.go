package memory

import (
	"regexp"
	"strings"
)

// Deterministic gate for rewritten text: no pronouns, no relative time, no
// relative place. The model is asked to eliminate these; this check decides
// whether it actually did.
var (
	pronounRegex = regexp.MustCompile(`(?:^|[^a-zA-Z])(我|你|您|他|她|它|他们|她们|它们|咱们|这位|那位)(?:[^a-zA-Z]|$)` +
		`|(?i)\b(I|me|my|mine|you|your|yours|we|us|our|he|him|his|she|her|hers|they|them|their)\b`)
	relTimeRegex = regexp.MustCompile(`(今天|昨天|明天|前天|后天|刚才|刚刚|稍后|上周|本周|下周|上个月|下个月|最近|当时)` +
		`|(?i)\b(today|yesterday|tomorrow|tonight|recently|last week|next week)\b`)
	relPlaceRegex = regexp.MustCompile(`(这里|那里|那边|这边|本地|当地|这儿|那儿)` +
		`|(?i)\b(over here|over there|nearby|locally)\b`)
)

// OffendingTokens reports every disallowed token left in text, for feeding
// back into the re-prompt. Empty result means the text passed the gate.
func OffendingTokens(text string) []string {
	var tokens []string
	seen := map[string]struct{}{}
	collect := func(re *regexp.Regexp) {
		for _, match := range re.FindAllStringSubmatch(text, -1) {
			for _, group := range match[1:] {
				group = strings.TrimSpace(group)
				if group == "" {
					continue
				}
				if _, ok := seen[group]; ok {
					continue
				}
				seen[group] = struct{}{}
				tokens = append(tokens, group)
			}
		}
	}
	collect(pronounRegex)
	collect(relTimeRegex)
	collect(relPlaceRegex)
	return tokens
}

// IsNormalized reports whether text is fully context-free.
func IsNormalized(text string) bool {
	return len(OffendingTokens(text)) == 0
}
