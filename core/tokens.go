package core

// EstimateTokens estimates the token count of text using the documented
// heuristic of 4 characters per token, rounded up. The engine deliberately
// does not embed a tokenizer; this estimate backs optional usage synthesis
// and cost projection only.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// EstimateRequestTokens estimates the prompt token count of a request by
// summing the text content of all messages.
func EstimateRequestTokens(req *ChatRequest) int {
	total := 0
	for _, m := range req.Messages {
		total += EstimateTokens(m.Text())
	}
	return total
}

// EstimateUsage synthesizes a Usage from request and response text.
func EstimateUsage(req *ChatRequest, resp *ChatResponse) *Usage {
	prompt := EstimateRequestTokens(req)
	completion := EstimateTokens(resp.Message.Text())
	return &Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}
