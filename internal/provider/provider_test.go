package provider

import (
	"context"
	"errors"
	"testing"

	gateway "github.com/eugener/capgate/internal"
)

// fakeAdapter is a minimal gateway.Adapter for registry tests.
type fakeAdapter struct {
	name string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) GenerateText(context.Context, *gateway.RoutingDecision, *gateway.TextRequest) (*gateway.TextResult, error) {
	return nil, nil
}

func (f *fakeAdapter) GenerateTextStream(context.Context, *gateway.RoutingDecision, *gateway.TextRequest) (<-chan gateway.StreamEvent, error) {
	return nil, nil
}

func (f *fakeAdapter) GenerateImage(context.Context, *gateway.RoutingDecision, *gateway.ImageRequest) (*gateway.ImageResult, error) {
	return nil, nil
}

func (f *fakeAdapter) CalculateCost(gateway.Pricing, gateway.Usage) float64 { return 0 }

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(&fakeAdapter{name: "OpenAI"})

	for _, name := range []string{"openai", "OPENAI", "OpenAI"} {
		got, err := reg.Get(name)
		if err != nil {
			t.Fatalf("Get(%q): %v", name, err)
		}
		if got.Name() != "OpenAI" {
			t.Errorf("Name() = %q, want OpenAI", got.Name())
		}
	}

	_, err := reg.Get("nonexistent")
	if !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if reg.Has("nonexistent") {
		t.Error("Has(nonexistent) = true")
	}
}

func TestRegistryOverwrite(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	first := &fakeAdapter{name: "deepseek"}
	second := &fakeAdapter{name: "deepseek"}
	reg.Register(first)
	reg.Register(second)

	got, _ := reg.Get("deepseek")
	if got != second {
		t.Error("expected second registration to win")
	}
}

func TestRegistryList(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	for _, n := range []string{"openai", "anthropic", "gemini"} {
		reg.Register(&fakeAdapter{name: n})
	}
	got := reg.List()
	want := []string{"anthropic", "gemini", "openai"}
	if len(got) != len(want) {
		t.Fatalf("List() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
