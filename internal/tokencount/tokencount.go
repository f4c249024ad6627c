// Package tokencount estimates token counts for quota pre-checks and for
// streams whose vendor reports no usage. It uses a character heuristic
// (~4 bytes per token for English), which is close enough for both.
package tokencount

import (
	gateway "github.com/eugener/capgate/internal"
)

// Counter estimates token counts for requests and text.
type Counter struct{}

// NewCounter creates a new Counter.
func NewCounter() *Counter {
	return &Counter{}
}

// perMessage is the role and framing overhead of one chat turn.
const perMessage = 4

// replyPriming is the overhead of priming the assistant reply.
const replyPriming = 3

// EstimateMessages estimates the prompt tokens of a chat request.
func (c *Counter) EstimateMessages(messages []gateway.Message) int {
	total := replyPriming
	for _, m := range messages {
		total += perMessage + estimate(m.Role) + estimate(m.Content)
	}
	return max(total, 1)
}

// EstimateRequest estimates the prompt tokens of a text request, whether it
// carries messages or a legacy prompt.
func (c *Counter) EstimateRequest(req *gateway.TextRequest) int {
	if len(req.Messages) == 0 && req.Prompt != "" {
		return c.EstimateMessages([]gateway.Message{{Role: "user", Content: req.Prompt}})
	}
	return c.EstimateMessages(req.Messages)
}

// CountText estimates tokens for plain text. Empty text counts as zero.
func (c *Counter) CountText(text string) int {
	return estimate(text)
}

// CountLength estimates tokens for n bytes of text.
func (c *Counter) CountLength(n int) int {
	return (max(n, 0) + 3) / 4
}

// estimate is a ceiling division of the byte length by four.
func estimate(s string) int {
	return (len(s) + 3) / 4
}
