package llm

import "unicode/utf8"

// JSONInstruction is appended to the system prompt when JSON mode is
// requested from a backend that has no native response-format switch.
const JSONInstruction = "Respond with a single JSON object and nothing else."

// Message represents a single message in an LLM conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string
}

// ModelCapabilities describes the limits of an LLM model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsJSONMode indicates the backend can be asked to emit a bare JSON
	// object.
	SupportsJSONMode bool
}

// Remaining returns how many tokens are left for output once prompt tokens
// are spent, capped at MaxOutputTokens. A zero ContextWindow means unknown and
// yields MaxOutputTokens.
func (c ModelCapabilities) Remaining(prompt int) int {
	if c.ContextWindow <= 0 {
		return c.MaxOutputTokens
	}
	left := c.ContextWindow - prompt
	if left < 0 {
		return 0
	}
	if c.MaxOutputTokens > 0 && left > c.MaxOutputTokens {
		return c.MaxOutputTokens
	}
	return left
}

// EstimateTokens approximates the prompt size of messages: one token per
// four characters, rounded up, plus four tokens of role and framing overhead
// per message. Multi-byte runes count once.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (utf8.RuneCountInString(m.Content)+3)/4 + 4
	}
	return total
}
