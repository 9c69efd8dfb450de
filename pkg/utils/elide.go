package utils

const ellipsis = "..."

// Elide shortens s to at most width runes, marking the cut with "...". The
// result always fits the width so table columns stay aligned.
func Elide(s string, width int) string {
	if width <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	if width <= len(ellipsis) {
		return string(runes[:width])
	}
	return string(runes[:width-len(ellipsis)]) + ellipsis
}
