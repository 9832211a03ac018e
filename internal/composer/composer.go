// Package composer builds a grounded prompt from retrieved passages and
// produces the final answer with source citations, under a bounded context
// token budget.
package composer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bookcompanion/bookcompanion/internal/llm"
	"github.com/bookcompanion/bookcompanion/internal/observability"
	"github.com/bookcompanion/bookcompanion/internal/ragerr"
	"github.com/bookcompanion/bookcompanion/internal/retriever"
)

const (
	// DefaultContextTokens bounds how much retrieved text goes into the
	// prompt, leaving headroom for the question and the answer inside
	// common model context windows.
	DefaultContextTokens = 3000

	// DefaultAnswerTokens caps the generated answer length.
	DefaultAnswerTokens = 1024

	// excerptRunes bounds the passage excerpt echoed back in Sources.
	excerptRunes = 280
)

const systemPrompt = `You are a reading assistant for a personal book library.
Answer the reader's question using the numbered passages provided. Cite the
passages you draw on as [1], [2] and so on. If the passages do not contain
the answer, say so plainly instead of guessing.`

const systemPromptGeneral = `You are a reading assistant for a personal book
library. Prefer the numbered passages provided and cite them as [1], [2] and
so on, but you may also draw on general knowledge when the passages fall
short; make clear which parts of the answer are not from the reader's books.`

// Source is a citation attached to an answer. Confidence is the passage's
// retrieval score.
type Source struct {
	BookID     string  `json:"bookId"`
	Passage    string  `json:"passage"`
	Page       int     `json:"page,omitempty"`
	Confidence float32 `json:"confidence"`
}

// Metadata describes how an answer was produced.
type Metadata struct {
	Model             string `json:"model,omitempty"`
	Grounded          bool   `json:"grounded"`
	PassagesRetrieved int    `json:"passagesRetrieved"`
	PassagesUsed      int    `json:"passagesUsed"`
	ContextTokens     int    `json:"contextTokens"`
	InputTokens       int    `json:"inputTokens,omitempty"`
	OutputTokens      int    `json:"outputTokens,omitempty"`
}

// Result is a composed answer with its citations.
type Result struct {
	Response string   `json:"response"`
	Sources  []Source `json:"sources"`
	Metadata Metadata `json:"metadata"`
}

// Config tunes composition.
type Config struct {
	MaxContextTokens int
	MaxAnswerTokens  int
	Temperature      float64
}

// Composer produces grounded answers.
type Composer struct {
	provider llm.Provider
	config   Config
}

// New creates a Composer. Zero config fields fall back to defaults.
func New(provider llm.Provider, config Config) *Composer {
	if config.MaxContextTokens <= 0 {
		config.MaxContextTokens = DefaultContextTokens
	}
	if config.MaxAnswerTokens <= 0 {
		config.MaxAnswerTokens = DefaultAnswerTokens
	}
	return &Composer{provider: provider, config: config}
}

// Compose builds the prompt from passages (highest score first, until the
// context budget is exhausted) and generates the answer. Passages that do
// not fit the budget are dropped silently from the prompt and never appear
// in Sources, so a citation can only ever reference a passage the model
// actually saw.
//
// With no passages and general knowledge disabled it fails with
// ErrNoGrounding rather than answering ungrounded.
func (c *Composer) Compose(ctx context.Context, query string, passages []retriever.Passage, includeGeneralKnowledge bool) (*Result, error) {
	return c.compose(ctx, query, nil, passages, includeGeneralKnowledge)
}

// ComposeChat is Compose with prior conversation turns folded into the
// prompt ahead of the current question.
func (c *Composer) ComposeChat(ctx context.Context, query string, history []llm.Message, passages []retriever.Passage, includeGeneralKnowledge bool) (*Result, error) {
	return c.compose(ctx, query, history, passages, includeGeneralKnowledge)
}

func (c *Composer) compose(ctx context.Context, query string, history []llm.Message, passages []retriever.Passage, includeGeneralKnowledge bool) (*Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: empty query", ragerr.ErrInvalidParameter)
	}
	if len(passages) == 0 && !includeGeneralKnowledge {
		return nil, fmt.Errorf("%w: no passages retrieved and general knowledge is disabled", ragerr.ErrNoGrounding)
	}

	included, contextTokens := c.fitToBudget(passages)

	prompt := c.buildPrompt(query, included, includeGeneralKnowledge)
	if len(history) > 0 {
		prompt.Messages = append(append([]llm.Message(nil), history...), prompt.Messages...)
	}
	maxTokens := c.config.MaxAnswerTokens
	opts := &llm.RequestOptions{MaxTokens: &maxTokens}
	if c.config.Temperature > 0 {
		temp := c.config.Temperature
		opts.Temperature = &temp
	}

	llmCtx, span := observability.StartLLMSpan(ctx, c.provider.Name(), "")
	llmStart := time.Now()
	observability.Audit().LogLLMRequest(ctx, c.provider.Name(), "", ApproxTokens(prompt.SystemPrompt)+contextTokens+ApproxTokens(query))
	resp, err := c.provider.Complete(llmCtx, prompt, opts)
	if err != nil {
		observability.RecordError(span, err)
		span.End()
		observability.Metrics().RecordLLMRequest(time.Since(llmStart), 0, err)
		observability.Audit().LogLLMError(ctx, c.provider.Name(), "", err)
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: generation abandoned: %w", ragerr.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %w", ragerr.ErrGeneration, err)
	}
	observability.RecordLLMMetrics(span, resp.InputTokens, resp.OutputTokens, time.Since(llmStart))
	span.End()
	observability.Metrics().RecordLLMRequest(time.Since(llmStart), resp.InputTokens+resp.OutputTokens, nil)
	observability.Audit().LogLLMResponse(ctx, c.provider.Name(), "", time.Since(llmStart), resp.InputTokens, resp.OutputTokens)

	sources := make([]Source, len(included))
	for i, p := range included {
		sources[i] = Source{
			BookID:     p.BookID,
			Passage:    excerpt(p.Text),
			Page:       p.Page,
			Confidence: p.Score,
		}
	}

	return &Result{
		Response: llm.StripThinkingTags(resp.Content),
		Sources:  sources,
		Metadata: Metadata{
			Model:             resp.Model,
			Grounded:          len(included) > 0,
			PassagesRetrieved: len(passages),
			PassagesUsed:      len(included),
			ContextTokens:     contextTokens,
			InputTokens:       resp.InputTokens,
			OutputTokens:      resp.OutputTokens,
		},
	}, nil
}

// fitToBudget admits passages highest-score-first until the context token
// budget is exhausted.
func (c *Composer) fitToBudget(passages []retriever.Passage) ([]retriever.Passage, int) {
	ranked := make([]retriever.Passage, len(passages))
	copy(ranked, passages)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	var included []retriever.Passage
	used := 0
	for _, p := range ranked {
		cost := ApproxTokens(p.Text)
		if used+cost > c.config.MaxContextTokens {
			continue
		}
		included = append(included, p)
		used += cost
	}
	return included, used
}

func (c *Composer) buildPrompt(query string, passages []retriever.Passage, includeGeneralKnowledge bool) *llm.Prompt {
	system := systemPrompt
	if includeGeneralKnowledge {
		system = systemPromptGeneral
	}

	var b strings.Builder
	if len(passages) > 0 {
		b.WriteString("Passages from the reader's books:\n\n")
		for i, p := range passages {
			fmt.Fprintf(&b, "[%d] (book %s", i+1, p.BookID)
			if p.Page > 0 {
				fmt.Fprintf(&b, ", page %d", p.Page)
			}
			b.WriteString(")\n")
			b.WriteString(p.Text)
			b.WriteString("\n\n")
		}
	}
	b.WriteString("Question: ")
	b.WriteString(query)

	return &llm.Prompt{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
	}
}

// ApproxTokens estimates token count for budget accounting. Four characters
// per token is the usual rule of thumb for English prose.
func ApproxTokens(s string) int {
	return (len(s) + 3) / 4
}

func excerpt(s string) string {
	runes := []rune(s)
	if len(runes) <= excerptRunes {
		return s
	}
	return string(runes[:excerptRunes]) + "…"
}
