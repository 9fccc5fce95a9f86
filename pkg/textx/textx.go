// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Chunks splits a document into retrieval-sized pieces. Paragraphs are the
// unit of packing: consecutive paragraphs are joined until maxRunes would be
// exceeded, and a single oversized paragraph is cut at sentence boundaries
// where possible. Empty input yields nil.
func Chunks(s string, maxRunes int) []string {
	s = SanitizeText(s)
	if s == "" {
		return nil
	}
	if maxRunes <= 0 || len([]rune(s)) <= maxRunes {
		return []string{s}
	}

	var out []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
			curLen = 0
		}
	}
	for _, para := range splitParagraphs(s) {
		pLen := len([]rune(para))
		if pLen > maxRunes {
			flush()
			out = append(out, cutLong(para, maxRunes)...)
			continue
		}
		if curLen > 0 && curLen+2+pLen > maxRunes {
			flush()
		}
		if curLen > 0 {
			cur.WriteString("\n\n")
			curLen += 2
		}
		cur.WriteString(para)
		curLen += pLen
	}
	flush()
	return out
}

func splitParagraphs(s string) []string {
	raw := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// cutLong splits one oversized paragraph, preferring sentence ends. A
// sentence longer than the budget is cut mid-sentence.
func cutLong(p string, maxRunes int) []string {
	var out []string
	runes := []rune(p)
	for len(runes) > maxRunes {
		cut := maxRunes
		for i := maxRunes - 1; i > maxRunes/2; i-- {
			if runes[i] == '.' || runes[i] == '!' || runes[i] == '?' {
				cut = i + 1
				break
			}
		}
		out = append(out, strings.TrimSpace(string(runes[:cut])))
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		out = append(out, rest)
	}
	return out
}
