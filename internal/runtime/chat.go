package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	ctxengine "github.com/user/groupstream/internal/context"
	"github.com/user/groupstream/internal/types"
	"github.com/user/groupstream/pkg/llm"
)

// ChatPipeline answers a chat run by streaming a completion for the recent
// conversation.
type ChatPipeline struct {
	provider     llm.Provider
	engine       *ctxengine.Engine
	messages     types.MessageStore
	historyLimit int
}

func NewChatPipeline(provider llm.Provider, engine *ctxengine.Engine, messages types.MessageStore, historyLimit int) *ChatPipeline {
	if historyLimit <= 0 {
		historyLimit = 50
	}
	return &ChatPipeline{
		provider:     provider,
		engine:       engine,
		messages:     messages,
		historyLimit: historyLimit,
	}
}

func (c *ChatPipeline) Kind() types.RunKind { return types.KindChat }

// Produce builds the prompt and starts the completion stream.
func (c *ChatPipeline) Produce(ctx context.Context, run *types.RunMeta) (<-chan Chunk, error) {
	var in types.ChatInput
	if err := json.Unmarshal(run.Input, &in); err != nil {
		return nil, types.Invalid("decode run input: %v", err)
	}
	if strings.TrimSpace(in.Content) == "" {
		return nil, types.Invalid("run input has no content")
	}

	history, err := c.history(ctx, run)
	if err != nil {
		return nil, err
	}
	prompt, err := c.engine.BuildPrompt(ctxengine.PromptRequest{
		GroupID:   run.GroupID,
		SessionID: run.SessionID,
		PromptKey: in.PromptKey,
		History:   history,
		Input:     in,
	})
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	stream, err := c.provider.Stream(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("start completion: %v: %w", err, types.ErrUpstream)
	}

	out := make(chan Chunk)
	go c.forward(ctx, run.ID, prompt, stream, out)
	return out, nil
}

// history returns the group messages sequenced before the run's user message.
func (c *ChatPipeline) history(ctx context.Context, run *types.RunMeta) ([]*types.Message, error) {
	if run.GroupID == "" || run.UserMessageID == "" {
		return nil, nil
	}
	user, err := c.messages.Get(ctx, run.UserMessageID)
	if err != nil {
		return nil, fmt.Errorf("load user message: %w", err)
	}
	if user.GroupSeq == nil {
		return nil, nil
	}
	msgs, err := c.messages.List(ctx, types.MessageQuery{
		GroupID:   run.GroupID,
		BeforeSeq: user.Seq(),
		Limit:     c.historyLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return msgs, nil
}

func (c *ChatPipeline) forward(ctx context.Context, runID types.RunID, prompt []llm.Message, stream <-chan llm.Delta, out chan<- Chunk) {
	defer close(out)

	send := func(ch Chunk) bool {
		select {
		case out <- ch:
			return true
		case <-ctx.Done():
			return false
		}
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("chat pipeline panicked", "run_id", runID, "panic", r)
			send(Chunk{Type: ChunkError, ErrorCode: types.CodeInternal, ErrorMessage: "internal error"})
		}
	}()

	var (
		text  strings.Builder
		usage *types.TokenUsage
	)
	for d := range stream {
		if d.Err != nil {
			send(Chunk{Type: ChunkError, ErrorCode: types.CodeUpstreamFailure, ErrorMessage: d.Err.Error()})
			return
		}
		if d.Usage != nil {
			usage = &types.TokenUsage{Input: d.Usage.InputTokens, Output: d.Usage.OutputTokens}
		}
		if d.Content == "" {
			continue
		}
		text.WriteString(d.Content)
		if !send(Chunk{Type: ChunkDelta, Content: d.Content}) {
			return
		}
	}
	if ctx.Err() != nil {
		return
	}

	if usage == nil {
		usage = &types.TokenUsage{
			Input:  c.engine.CountMessages(prompt),
			Output: c.engine.Count(text.String()),
		}
	}
	send(Chunk{Type: ChunkDone, Content: text.String(), Usage: usage})
}
