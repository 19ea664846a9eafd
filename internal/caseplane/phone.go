package caseplane

import "strings"

// phoneVariants expands a raw phone number into the fixed set of
// representations a case row might have stored. The column is not normalized,
// so lookup tries every common format of the same subscriber number rather
// than canonicalizing either side.
func phoneVariants(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	digits := digitsOnly(raw)
	if len(digits) < 10 {
		return dedupeStrings([]string{raw, digits})
	}
	last10 := digits[len(digits)-10:]
	area, exchange, line := last10[:3], last10[3:6], last10[6:]
	variants := []string{
		raw,
		"+1" + last10,
		"+" + last10,
		last10,
		"1" + last10,
		"(" + area + ") " + exchange + "-" + line,
		area + "-" + exchange + "-" + line,
	}
	return dedupeStrings(variants)
}

func digitsOnly(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
