package chat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
)

func TestCreateRequiresOwner(t *testing.T) {
	s := NewStore()
	if _, err := s.Create("", nil); !errors.Is(err, ragerr.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAppendAndGet(t *testing.T) {
	s := NewStore()
	id, err := s.Create("u1", []string{"b1"})
	if err != nil {
		t.Fatal(err)
	}

	turns := []Turn{
		{Role: llm.RoleUser, Content: "who is the narrator?"},
		{Role: llm.RoleAssistant, Content: "Nick Carraway.", Sources: []Source{{BookID: "b1", Page: 3, Score: 0.91}}},
	}
	for _, turn := range turns {
		if err := s.Append(id, "u1", turn); err != nil {
			t.Fatal(err)
		}
	}

	c, err := s.Get(id, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Turns) != 2 {
		t.Fatalf("got %d turns, want 2", len(c.Turns))
	}
	if c.Turns[1].Sources[0].BookID != "b1" {
		t.Errorf("sources not preserved: %+v", c.Turns[1])
	}
	if got := c.BookIDs; len(got) != 1 || got[0] != "b1" {
		t.Errorf("book anchor not preserved: %v", got)
	}
}

func TestOwnerScoping(t *testing.T) {
	s := NewStore()
	id, err := s.Create("u1", nil)
	if err != nil {
		t.Fatal(err)
	}

	// A foreign owner's error must be identical to a missing conversation's.
	if _, err := s.Get(id, "u2"); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("foreign Get: expected ErrNotFound, got %v", err)
	}
	if err := s.Append(id, "u2", Turn{Role: llm.RoleUser, Content: "x"}); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("foreign Append: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(id, "u2"); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("foreign Delete: expected ErrNotFound, got %v", err)
	}

	// The rightful owner is unaffected.
	if _, err := s.Get(id, "u1"); err != nil {
		t.Errorf("owner Get after foreign attempts: %v", err)
	}
}

func TestHistoryWindow(t *testing.T) {
	s := NewStore(WithHistoryWindow(4))
	id, err := s.Create("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		if err := s.Append(id, "u1", Turn{Role: role, Content: fmt.Sprintf("turn %d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.History(id, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 4 {
		t.Fatalf("history length = %d, want window of 4", len(msgs))
	}
	if msgs[0].Content != "turn 6" || msgs[3].Content != "turn 9" {
		t.Errorf("window kept wrong turns: first=%q last=%q", msgs[0].Content, msgs[3].Content)
	}

	// The full conversation is still intact.
	c, err := s.Get(id, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Turns) != 10 {
		t.Errorf("store truncated turns: got %d, want 10", len(c.Turns))
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	id, err := s.Create("u1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(id, "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(id, "u1"); !errors.Is(err, ragerr.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
