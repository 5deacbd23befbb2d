package llm

// Message represents a chat message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Response represents a complete response from an LLM provider.
type Response struct {
	Content string `json:"content"`
	Usage   Usage  `json:"usage"`
}

// Usage tracks token consumption for a request/response pair.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Delta represents an incremental update during streaming. Usage is set on
// the chunk that reports it, usually the last. A non-nil Err ends the stream.
type Delta struct {
	Content string `json:"content,omitempty"`
	Usage   *Usage `json:"usage,omitempty"`
	Err     error  `json:"-"`
}
