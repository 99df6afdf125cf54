package util

import "strings"

// NormalizeE164 strips separators and keeps a leading '+'. It does not
// validate country codes; callers are expected to pass E.164 already.
func NormalizeE164(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(p))
	for i, r := range p {
		switch {
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out == "+" {
		return ""
	}
	return out
}

// LooksLikeE164 reports whether p is '+' followed by 8 to 15 digits.
func LooksLikeE164(p string) bool {
	if len(p) < 9 || len(p) > 16 || p[0] != '+' || p[1] == '0' {
		return false
	}
	for _, r := range p[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
