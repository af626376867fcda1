package memory

import (
	"encoding/json"
	"unicode"

	"github.com/flashclaw/flashclaw/pkg/models"
)

// messageOverheadTokens accounts for role and framing per message.
const messageOverheadTokens = 10

// EstimateText estimates tokens for a string: one token per CJK rune
// plus one per four other runes, rounded up.
func EstimateText(s string) int {
	cjk := 0
	other := 0
	for _, r := range s {
		if isCJK(r) {
			cjk++
		} else {
			other++
		}
	}
	n := cjk + (other+3)/4
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateMessage estimates tokens for one chat message, including the
// per-message overhead. Non-plain content is measured via its JSON form.
func EstimateMessage(msg models.ChatMessage) int {
	var body string
	if msg.TextOnly() {
		body = msg.Text()
	} else {
		data, err := json.Marshal(msg.Content)
		if err != nil {
			body = msg.Text()
		} else {
			body = string(data)
		}
	}
	n := EstimateText(body) + messageOverheadTokens
	if n < 1 {
		n = 1
	}
	return n
}

// EstimateHistory sums EstimateMessage over msgs; it is additive by
// construction.
func EstimateHistory(msgs []models.ChatMessage) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateMessage(msg)
	}
	return total
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hangul, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}
