package llm

import (
	"context"
	"errors"
	"testing"
)

type mockFactoryProvider struct{ name string }

func (m *mockFactoryProvider) Complete(_ context.Context, _ *Prompt, _ *RequestOptions) (*Response, error) {
	return &Response{Content: "stub"}, nil
}

func (m *mockFactoryProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func (m *mockFactoryProvider) Name() string { return m.name }

func TestFactory_CreateNone(t *testing.T) {
	f := NewFactory()

	for _, name := range []string{"", "none"} {
		p, err := f.Create(ProviderConfig{Provider: name})
		if err != nil {
			t.Errorf("Create(%q): unexpected error %v", name, err)
		}
		if p != nil {
			t.Errorf("Create(%q): expected nil provider", name)
		}
	}
}

func TestFactory_CreateUnknown(t *testing.T) {
	f := NewFactory()
	_, err := f.Create(ProviderConfig{Provider: "imaginary"})
	if err == nil {
		t.Fatal("expected error for unregistered provider")
	}
}

func TestFactory_CreateWrapsWithRetry(t *testing.T) {
	f := NewFactory()
	f.Register("mock", func(cfg ProviderConfig) (Provider, error) {
		return &mockFactoryProvider{name: "mock"}, nil
	})

	p, err := f.Create(ProviderConfig{Provider: "mock"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*RetryProvider); !ok {
		t.Errorf("expected *RetryProvider wrapper, got %T", p)
	}
	if p.Name() != "mock" {
		t.Errorf("wrapper must delegate Name, got %q", p.Name())
	}
}

func TestFactory_ConstructorError(t *testing.T) {
	f := NewFactory()
	boom := errors.New("bad key")
	f.Register("failing", func(cfg ProviderConfig) (Provider, error) {
		return nil, boom
	})

	_, err := f.Create(ProviderConfig{Provider: "failing"})
	if !errors.Is(err, boom) {
		t.Errorf("expected constructor error to surface, got %v", err)
	}
}

func TestKnownProviders(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "groq", "ollama"} {
		if KnownProviders[name] == "" {
			t.Errorf("missing preset base URL for %q", name)
		}
	}
}
