package generation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/companion/backend/internal/emotion"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type fakeChatModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	delay    time.Duration
	calls    int
	received []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	f.mu.Lock()
	f.calls++
	f.received = input
	reply, err, delay := f.reply, f.err, f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return schema.AssistantMessage(reply, nil), nil
}

func (f *fakeChatModel) Stream(context.Context, []*schema.Message, ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

func TestGenerateBuildsMessagesAndClassifies(t *testing.T) {
	fake := &fakeChatModel{reply: "  Thank you, I'm so glad you came back!  "}
	adapter, err := NewAdapter(AdapterConfig{Model: fake, HistoryLimit: 2})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}

	reply, err := adapter.Generate(context.Background(), Request{
		SystemInstruction: "You are Aoi.",
		History: []Message{
			{Role: RoleUser, Content: "oldest"},
			{Role: RoleCharacter, Content: "older reply"},
			{Role: RoleUser, Content: "recent"},
		},
		Prompt: "I'm back",
	})
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if reply.Text != "Thank you, I'm so glad you came back!" {
		t.Fatalf("unexpected reply text %q", reply.Text)
	}
	if reply.Emotion != emotion.Happy {
		t.Fatalf("expected happy, got %s", reply.Emotion)
	}

	if len(fake.received) != 4 {
		t.Fatalf("expected system + 2 history + prompt, got %d messages", len(fake.received))
	}
	if fake.received[0].Role != schema.System || fake.received[0].Content != "You are Aoi." {
		t.Fatalf("unexpected system message: %+v", fake.received[0])
	}
	if fake.received[1].Role != schema.Assistant || fake.received[1].Content != "older reply" {
		t.Fatalf("expected history to keep the latest messages, got %+v", fake.received[1])
	}
	if fake.received[3].Role != schema.User || fake.received[3].Content != "I'm back" {
		t.Fatalf("unexpected prompt message: %+v", fake.received[3])
	}
}

func TestGenerateTimesOut(t *testing.T) {
	fake := &fakeChatModel{reply: "late", delay: time.Second}
	adapter, err := NewAdapter(AdapterConfig{Model: fake, Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}

	_, err = adapter.Generate(context.Background(), Request{SystemInstruction: "s", Prompt: "p"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded to be wrapped, got %v", err)
	}
}

func TestGenerateTreatsEmptyReplyAsUnavailable(t *testing.T) {
	adapter, err := NewAdapter(AdapterConfig{Model: &fakeChatModel{reply: "   "}})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}
	if _, err := adapter.Generate(context.Background(), Request{Prompt: "p"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	fake := &fakeChatModel{err: errors.New("upstream 503")}
	adapter, err := NewAdapter(AdapterConfig{Model: fake})
	if err != nil {
		t.Fatalf("failed to create adapter: %v", err)
	}

	for index := 0; index < 5; index++ {
		if _, err := adapter.Generate(context.Background(), Request{Prompt: "p"}); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected unavailable, got %v", index, err)
		}
	}
	callsBeforeOpen := fake.calls

	_, err = adapter.Generate(context.Background(), Request{Prompt: "p"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable from open breaker, got %v", err)
	}
	if fake.calls != callsBeforeOpen {
		t.Fatalf("open breaker must not reach the backend")
	}
}

func TestNewAdapterRequiresModel(t *testing.T) {
	if _, err := NewAdapter(AdapterConfig{}); err == nil {
		t.Fatalf("expected an error without a model")
	}
}
