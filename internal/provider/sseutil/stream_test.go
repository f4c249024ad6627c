package sseutil

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/eugener/capgate/internal"
)

func collect(ch <-chan gateway.StreamEvent) []gateway.StreamEvent {
	var out []gateway.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestReadChatStream(t *testing.T) {
	t.Parallel()

	body := `data: {"model":"gpt-4o","choices":[{"delta":{"role":"assistant"}}]}` + "\n\n" +
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":"hello"}}]}` + "\n\n" +
		`data: {"model":"gpt-4o","choices":[{"delta":{"content":" world"},"finish_reason":"stop"}]}` + "\n\n" +
		`data: {"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}` + "\n\n" +
		"data: [DONE]\n\n"

	var released atomic.Bool
	ch := make(chan gateway.StreamEvent, 8)
	go ReadChatStream(context.Background(), "test", io.NopCloser(strings.NewReader(body)),
		func() { released.Store(true) }, ch, OpenAIUsage)

	events := collect(ch)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Delta != "hello" || events[1].Delta != " world" {
		t.Errorf("deltas = %q, %q", events[0].Delta, events[1].Delta)
	}
	last := events[2]
	if !last.Done {
		t.Fatal("last event should be Done")
	}
	if last.FinishReason != "stop" {
		t.Errorf("finish = %q, want stop", last.FinishReason)
	}
	if last.Usage == nil || last.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", last.Usage)
	}
	if last.Model != "gpt-4o" {
		t.Errorf("model = %q", last.Model)
	}
	if !released.Load() {
		t.Error("release not called")
	}
}

func TestReadChatStreamEOFWithoutDone(t *testing.T) {
	t.Parallel()

	body := `data: {"choices":[{"delta":{"content":"partial"}}],"usage":{"prompt_tokens":3,"completion_tokens":1}}` + "\n\n"
	ch := make(chan gateway.StreamEvent, 8)
	go ReadChatStream(context.Background(), "test", io.NopCloser(strings.NewReader(body)), func() {}, ch, OpenAIUsage)

	events := collect(ch)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	last := events[1]
	if !last.Done {
		t.Fatal("expected terminal Done event at EOF")
	}
	if last.Usage == nil || last.Usage.TotalTokens != 4 {
		t.Errorf("usage = %+v, want total 4", last.Usage)
	}
}

func TestReadChatStreamReadError(t *testing.T) {
	t.Parallel()

	ch := make(chan gateway.StreamEvent, 8)
	go ReadChatStream(context.Background(), "test", io.NopCloser(&errReader{}), func() {}, ch, OpenAIUsage)

	events := collect(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if !errors.Is(events[0].Err, gateway.ErrNetwork) {
		t.Errorf("err = %v, want ErrNetwork", events[0].Err)
	}
}

func TestReadChatStreamContextCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan gateway.StreamEvent) // unbuffered: the reader blocks on send
	done := make(chan struct{})
	go func() {
		ReadChatStream(ctx, "test", pr, func() {}, ch, OpenAIUsage)
		close(done)
	}()

	go pw.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n"))
	ev := <-ch
	if ev.Delta != "hi" {
		t.Fatalf("delta = %q", ev.Delta)
	}

	go pw.Write([]byte(`data: {"choices":[{"delta":{"content":"blocked"}}]}` + "\n\n"))
	time.Sleep(20 * time.Millisecond)
	cancel()
	pw.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not exit after cancel")
	}
	for range ch {
	}
}

func TestOpenAIUsage(t *testing.T) {
	t.Parallel()

	ch := make(chan gateway.StreamEvent, 4)
	body := `data: {"choices":[],"usage":{"prompt_tokens":100,"completion_tokens":10,"total_tokens":110,"prompt_tokens_details":{"cached_tokens":64}}}` + "\n\ndata: [DONE]\n\n"
	go ReadChatStream(context.Background(), "test", io.NopCloser(strings.NewReader(body)), func() {}, ch, OpenAIUsage)
	events := collect(ch)
	u := events[len(events)-1].Usage
	if u == nil || u.CachedPromptTokens != 64 {
		t.Fatalf("usage = %+v, want cached 64", u)
	}
}

type errReader struct{}

func (e *errReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
