package message

import "strings"

// PreviewLimit bounds text copied into log lines.
const PreviewLimit = 240

// Preview returns a bounded log-safe preview of message text.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	runes := []rune(trimmed)
	if len(runes) <= PreviewLimit {
		return trimmed
	}

	return string(runes[:PreviewLimit]) + "..."
}
