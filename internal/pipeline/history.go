package pipeline

import (
	"github.com/haasonsaas/spectator/pkg/models"
)

// History framing defaults: how much of the rolling message window a
// role prompt may carry.
const (
	DefaultHistoryMessages = 8
	DefaultHistoryMaxChars = 2000
)

// FormatHistory renders the recent message window as a JSON array of
// {role, content} objects bounded by maxMessages and maxChars. Only
// user and assistant messages survive. When the serialized form is too
// long the oldest messages drop first; a single surviving message has
// its content cut from the front to fit. The result is "[]" when
// nothing fits.
func FormatHistory(messages []models.ChatMessage, maxMessages, maxChars int) string {
	filtered := make([]models.ChatMessage, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleUser || m.Role == models.RoleAssistant {
			filtered = append(filtered, m)
		}
	}
	if maxMessages > 0 && len(filtered) > maxMessages {
		filtered = filtered[len(filtered)-maxMessages:]
	}

	history := filtered
	if maxChars > 0 {
		for len(history) > 0 {
			serialized := models.CompactJSON(history)
			if len(serialized) <= maxChars {
				return serialized
			}
			if len(history) > 1 {
				history = history[1:]
				continue
			}
			base := models.CompactJSON([]models.ChatMessage{{Role: history[0].Role, Content: ""}})
			allowed := maxChars - len(base)
			if allowed <= 0 {
				history = nil
				break
			}
			runes := []rune(history[0].Content)
			if len(runes) > allowed {
				runes = runes[len(runes)-allowed:]
			}
			history = []models.ChatMessage{{Role: history[0].Role, Content: string(runes)}}
			break
		}
	}
	if len(history) == 0 {
		return "[]"
	}
	return models.CompactJSON(history)
}
