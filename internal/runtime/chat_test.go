package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	ctxengine "github.com/user/groupstream/internal/context"
	"github.com/user/groupstream/internal/types"
	"github.com/user/groupstream/pkg/llm"
)

// streamProvider streams the configured deltas and records the prompt.
type streamProvider struct {
	mu       sync.Mutex
	deltas   []llm.Delta
	startErr error
	prompt   []llm.Message
}

func (s *streamProvider) Complete(context.Context, []llm.Message) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (s *streamProvider) Stream(ctx context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	s.mu.Lock()
	s.prompt = messages
	s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	ch := make(chan llm.Delta)
	go func() {
		defer close(ch)
		for _, d := range s.deltas {
			select {
			case ch <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func newEngine(t *testing.T) *ctxengine.Engine {
	t.Helper()
	e, err := ctxengine.New("gpt-4", 128000, 4096)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func drain(t *testing.T, ch <-chan Chunk) []Chunk {
	t.Helper()
	var out []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("pipeline did not finish")
		}
	}
}

func TestChatPipelineStreamsWithHistory(t *testing.T) {
	f := newFixture(t, nil, Options{})
	ctx := context.Background()

	earlier := int64(1)
	if err := f.messages.Insert(ctx, &types.Message{ID: types.NewMessageID(), GroupID: "g1", GroupSeq: &earlier, SenderID: "u2", Role: types.RoleUser, Content: "the login page is broken"}); err != nil {
		t.Fatal(err)
	}

	userSeq, asstSeq := int64(2), int64(3)
	user := &types.Message{ID: types.NewMessageID(), GroupID: "g1", GroupSeq: &userSeq, SenderID: "u1", Role: types.RoleUser, Content: "fix the login bug"}
	asst := &types.Message{ID: types.NewMessageID(), GroupID: "g1", GroupSeq: &asstSeq, Role: types.RoleAssistant}
	for _, m := range []*types.Message{user, asst} {
		if err := f.messages.Insert(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	input, _ := json.Marshal(types.ChatInput{Content: "fix the login bug"})
	run := &types.RunMeta{ID: types.NewRunID(), Kind: types.KindChat, GroupID: "g1", UserMessageID: user.ID, AssistantMessageID: asst.ID, Input: input}

	provider := &streamProvider{deltas: []llm.Delta{
		{Content: "On "},
		{Content: "it."},
		{Usage: &llm.Usage{InputTokens: 40, OutputTokens: 3}},
	}}
	pipeline := NewChatPipeline(provider, newEngine(t), f.messages, 10)

	ch, err := pipeline.Produce(ctx, run)
	if err != nil {
		t.Fatal(err)
	}
	chunks := drain(t, ch)
	if len(chunks) != 3 {
		t.Fatalf("expected 2 deltas and done, got %+v", chunks)
	}
	last := chunks[2]
	if last.Type != ChunkDone || last.Content != "On it." || last.Usage == nil || last.Usage.Input != 40 {
		t.Errorf("unexpected done chunk %+v", last)
	}

	provider.mu.Lock()
	prompt := provider.prompt
	provider.mu.Unlock()
	if len(prompt) != 3 {
		t.Fatalf("expected system, history and input, got %+v", prompt)
	}
	if prompt[1].Content != "u2: the login page is broken" {
		t.Errorf("unexpected history %q", prompt[1].Content)
	}
	if prompt[2].Content != "fix the login bug" {
		t.Errorf("unexpected input %q", prompt[2].Content)
	}
}

func TestChatPipelineEstimatesUsage(t *testing.T) {
	f := newFixture(t, nil, Options{})
	input, _ := json.Marshal(types.ChatInput{Content: "hello"})
	run := &types.RunMeta{ID: types.NewRunID(), Kind: types.KindChat, SessionID: "s1", Input: input}

	provider := &streamProvider{deltas: []llm.Delta{{Content: "hi there"}}}
	ch, err := NewChatPipeline(provider, newEngine(t), f.messages, 10).Produce(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	chunks := drain(t, ch)
	last := chunks[len(chunks)-1]
	if last.Usage == nil || last.Usage.Input == 0 || last.Usage.Output == 0 {
		t.Errorf("expected estimated usage, got %+v", last.Usage)
	}
}

func TestChatPipelineErrors(t *testing.T) {
	f := newFixture(t, nil, Options{})
	engine := newEngine(t)
	input, _ := json.Marshal(types.ChatInput{Content: "hello"})
	run := &types.RunMeta{ID: types.NewRunID(), Kind: types.KindChat, SessionID: "s1", Input: input}

	_, err := NewChatPipeline(&streamProvider{}, engine, f.messages, 10).Produce(context.Background(),
		&types.RunMeta{ID: run.ID, Input: json.RawMessage(`{"content":""}`)})
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}

	_, err = NewChatPipeline(&streamProvider{startErr: errors.New("401")}, engine, f.messages, 10).Produce(context.Background(), run)
	if types.CodeOf(err) != types.CodeUpstreamFailure {
		t.Errorf("expected upstream failure, got %v", err)
	}

	provider := &streamProvider{deltas: []llm.Delta{{Content: "par"}, {Err: errors.New("connection reset")}}}
	ch, err := NewChatPipeline(provider, engine, f.messages, 10).Produce(context.Background(), run)
	if err != nil {
		t.Fatal(err)
	}
	chunks := drain(t, ch)
	last := chunks[len(chunks)-1]
	if last.Type != ChunkError || last.ErrorCode != types.CodeUpstreamFailure || !strings.Contains(last.ErrorMessage, "connection reset") {
		t.Errorf("unexpected final chunk %+v", last)
	}
}

func TestChatRunEndToEnd(t *testing.T) {
	provider := &streamProvider{deltas: []llm.Delta{{Content: "Done"}, {Content: "!"}}}
	f := newFixture(t, nil, Options{})
	f.registry.Register(NewChatPipeline(provider, newEngine(t), f.messages, 10))
	meta := f.createRun(t, types.KindChat)

	f.pool.Process(context.Background(), f.item(meta))

	if got := f.get(t, meta.ID); got.Status != types.RunStatusDone {
		t.Fatalf("expected done, got %s %s", got.Status, got.ErrorMessage)
	}
	msg, _ := f.messages.Get(context.Background(), meta.AssistantMessageID)
	if msg.Content != "Done!" || msg.TokenUsage == nil {
		t.Errorf("unexpected assistant message %+v", msg)
	}
}
