// Package context assembles token-budgeted prompts from group history.
package context

import (
	"bytes"
	"fmt"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/groupstream/internal/types"
	"github.com/user/groupstream/pkg/llm"
)

// perMessageOverhead approximates the role and separator tokens the chat
// format adds to every message.
const perMessageOverhead = 4

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompts   map[string]*template.Template
	now       func() time.Time
}

// New creates a context engine with the given token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	e := &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompts:   make(map[string]*template.Template),
		now:       time.Now,
	}
	if err := e.RegisterPrompt(DefaultPromptKey, DefaultPrompt); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterPrompt adds or replaces the system prompt template for key.
func (e *Engine) RegisterPrompt(key, text string) error {
	tmpl, err := template.New(key).Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt %q: %w", key, err)
	}
	e.prompts[key] = tmpl
	return nil
}

// Count returns the token count for a string.
func (e *Engine) Count(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// CountMessages returns the approximate prompt size of msgs.
func (e *Engine) CountMessages(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += e.Count(m.Content) + perMessageOverhead
	}
	return n
}

// PromptRequest describes the run a prompt is built for.
type PromptRequest struct {
	GroupID   types.GroupID
	SessionID types.SessionID
	PromptKey string
	// History holds earlier messages in ascending order, excluding the input.
	History []*types.Message
	Input   types.ChatInput
}

// BuildPrompt assembles the system prompt, as much recent history as fits the
// budget and the triggering input. The newest history is kept when the budget
// runs out.
func (e *Engine) BuildPrompt(req PromptRequest) ([]llm.Message, error) {
	sysPrompt, err := e.systemPrompt(req)
	if err != nil {
		return nil, err
	}

	role := req.Input.Role
	if role == "" {
		role = types.RoleUser
	}
	input := llm.Message{Role: role, Content: req.Input.Content}

	budget := e.maxTokens - e.reserve -
		e.Count(sysPrompt) - perMessageOverhead -
		e.Count(input.Content) - perMessageOverhead

	var history []llm.Message
	used := 0
	for i := len(req.History) - 1; i >= 0; i-- {
		msg, ok := historyMessage(req.History[i], req.GroupID != "")
		if !ok {
			continue
		}
		cost := e.Count(msg.Content) + perMessageOverhead
		if used+cost > budget {
			break
		}
		history = append(history, msg)
		used += cost
	}

	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{Role: "system", Content: sysPrompt})
	for i := len(history) - 1; i >= 0; i-- {
		messages = append(messages, history[i])
	}
	messages = append(messages, input)
	return messages, nil
}

// historyMessage converts a stored message. Deleted messages and empty
// assistant placeholders are skipped; in groups user messages are prefixed
// with their sender.
func historyMessage(m *types.Message, group bool) (llm.Message, bool) {
	if m.IsDeleted || m.Content == "" {
		return llm.Message{}, false
	}
	switch m.Role {
	case types.RoleAssistant:
		return llm.Message{Role: "assistant", Content: m.Content}, true
	default:
		content := m.Content
		if group && m.SenderID != "" {
			content = string(m.SenderID) + ": " + content
		}
		return llm.Message{Role: "user", Content: content}, true
	}
}

func (e *Engine) systemPrompt(req PromptRequest) (string, error) {
	key := req.PromptKey
	tmpl, ok := e.prompts[key]
	if !ok {
		key = DefaultPromptKey
		tmpl = e.prompts[key]
	}
	var buf bytes.Buffer
	err := tmpl.Execute(&buf, PromptData{
		Time:      e.now().Format(time.RFC3339),
		GroupID:   string(req.GroupID),
		SessionID: string(req.SessionID),
	})
	if err != nil {
		return "", fmt.Errorf("render prompt %q: %w", key, err)
	}
	return buf.String(), nil
}
