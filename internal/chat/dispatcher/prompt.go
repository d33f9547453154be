package dispatcher

import (
	"strings"

	"github.com/supportdesk/supportdesk/internal/chat/models"
)

// buildPrompt assembles the generation prompt: system prompt, then the
// bounded history oldest-first. Internal notes never enter the prompt.
// history is expected newest-first, as returned by a descending query.
func buildPrompt(systemPrompt string, history []*models.Message) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n\nConversation so far:\n")

	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Visibility == models.VisibilityInternal {
			continue
		}
		switch m.Sender {
		case models.SenderUser:
			b.WriteString("User: ")
		case models.SenderBot:
			b.WriteString("You (Assistant): ")
		case models.SenderAgent:
			b.WriteString("Agent: ")
		default:
			continue
		}
		b.WriteString(m.Text)
		b.WriteString("\n")
	}

	b.WriteString("You (Assistant):")
	return b.String()
}

// truncateWords caps text at limit whitespace-separated tokens, appending
// an ellipsis when cut.
func truncateWords(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	words := strings.Fields(text)
	if len(words) <= limit {
		return text
	}
	return strings.Join(words[:limit], " ") + "..."
}

// maxAccuracyMetaLen bounds the serialized metadata blob on an accuracy
// record.
const maxAccuracyMetaLen = 255

func capAccuracyMeta(meta string) string {
	if len(meta) <= maxAccuracyMetaLen {
		return meta
	}
	return meta[:maxAccuracyMetaLen-3] + "..."
}
