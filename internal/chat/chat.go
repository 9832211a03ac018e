// Package chat keeps multi-turn conversation state for the assistant. The
// store is append-only and in-memory; durable conversation history belongs
// to the surrounding application's relational store.
package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
)

// DefaultHistoryWindow bounds how many prior turns are folded into a prompt.
const DefaultHistoryWindow = 12

// Source identifies a passage a turn was grounded on.
type Source struct {
	BookID string  `json:"bookId"`
	Page   int     `json:"page,omitempty"`
	Score  float64 `json:"score"`
}

// Turn is a single message in a conversation.
type Turn struct {
	Role      llm.Role  `json:"role"`
	Content   string    `json:"content"`
	Sources   []Source  `json:"sources,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is a read-only view handed to callers.
type Conversation struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	BookIDs   []string  `json:"bookIds,omitempty"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type conversation struct {
	id        string
	ownerID   string
	bookIDs   []string
	turns     []Turn
	createdAt time.Time
	updatedAt time.Time
}

// Store holds conversations keyed by id, scoped to their owner. A
// conversation belonging to a different owner is reported as not found,
// indistinguishable from one that never existed.
type Store struct {
	mu     sync.RWMutex
	convos map[string]*conversation
	window int
	seq    int64
}

// Option configures a Store.
type Option func(*Store)

// WithHistoryWindow bounds the number of turns History returns.
func WithHistoryWindow(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.window = n
		}
	}
}

// NewStore creates an empty conversation store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		convos: make(map[string]*conversation),
		window: DefaultHistoryWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create opens a new conversation and returns its id. bookIDs records the
// books the conversation is anchored to; nil means all of the owner's books.
func (s *Store) Create(ownerID string, bookIDs []string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: missing owner id", ragerr.ErrUnauthorized)
	}
	now := time.Now().UTC()
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("conv-%d-%d", now.UnixNano(), s.seq)
	s.convos[id] = &conversation{
		id:        id,
		ownerID:   ownerID,
		bookIDs:   append([]string(nil), bookIDs...),
		createdAt: now,
		updatedAt: now,
	}
	s.mu.Unlock()
	return id, nil
}

func (s *Store) lookup(conversationID, ownerID string) (*conversation, error) {
	c, ok := s.convos[conversationID]
	if !ok || c.ownerID != ownerID {
		return nil, fmt.Errorf("%w: conversation %s", ragerr.ErrNotFound, conversationID)
	}
	return c, nil
}

// Append adds a turn to the conversation. Turns are never mutated or removed.
func (s *Store) Append(conversationID, ownerID string, turn Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.lookup(conversationID, ownerID)
	if err != nil {
		return err
	}
	c.turns = append(c.turns, turn)
	c.updatedAt = turn.CreatedAt
	return nil
}

// Get returns a copy of the full conversation.
func (s *Store) Get(conversationID, ownerID string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.lookup(conversationID, ownerID)
	if err != nil {
		return Conversation{}, err
	}
	return Conversation{
		ID:        c.id,
		OwnerID:   c.ownerID,
		BookIDs:   append([]string(nil), c.bookIDs...),
		Turns:     append([]Turn(nil), c.turns...),
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}, nil
}

// History returns the most recent turns as prompt messages, bounded by the
// store's history window.
func (s *Store) History(conversationID, ownerID string) ([]llm.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.lookup(conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	turns := c.turns
	if len(turns) > s.window {
		turns = turns[len(turns)-s.window:]
	}
	msgs := make([]llm.Message, len(turns))
	for i, t := range turns {
		msgs[i] = llm.Message{Role: t.Role, Content: t.Content}
	}
	return msgs, nil
}

// BookIDs returns the books the conversation is anchored to.
func (s *Store) BookIDs(conversationID, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, err := s.lookup(conversationID, ownerID)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), c.bookIDs...), nil
}

// Delete removes a conversation.
func (s *Store) Delete(conversationID, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.lookup(conversationID, ownerID); err != nil {
		return err
	}
	delete(s.convos, conversationID)
	return nil
}
