package ragerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"embedding", ErrEmbeddingProvider, true},
		{"generation", ErrGeneration, true},
		{"index", ErrIndexUnavailable, true},
		{"wrapped index", fmt.Errorf("query: %w", ErrIndexUnavailable), true},
		{"invalid parameter", ErrInvalidParameter, false},
		{"unauthorized", ErrUnauthorized, false},
		{"no grounding", ErrNoGrounding, false},
		{"timeout", ErrTimeout, false},
		{"not found", ErrNotFound, false},
		{"unknown", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Retryable(tt.err); got != tt.want {
				t.Errorf("Retryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestFromContext(t *testing.T) {
	if got := FromContext(context.DeadlineExceeded); !errors.Is(got, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", got)
	}
	if got := FromContext(context.Canceled); !errors.Is(got, context.Canceled) {
		t.Errorf("expected context.Canceled to pass through, got %v", got)
	}
	wrapped := fmt.Errorf("attempt: %w", context.DeadlineExceeded)
	if got := FromContext(wrapped); !errors.Is(got, ErrTimeout) {
		t.Errorf("expected wrapped deadline to map to ErrTimeout, got %v", got)
	}
}
