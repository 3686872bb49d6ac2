package knowledge

import "strings"

// Sanitize removes control characters that postgres text columns reject or
// that only add noise (C0 controls except tab, LF and CR; DEL and C1
// controls; the BOM) and trims the result.
func Sanitize(text string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r <= 0x08, r == 0x0B, r == 0x0C, r >= 0x0E && r <= 0x1F:
			return -1
		case r >= 0x7F && r <= 0x9F:
			return -1
		case r == 0xFEFF:
			return -1
		}
		return r
	}, text)
	return strings.TrimSpace(cleaned)
}
