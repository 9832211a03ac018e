package llm

import (
	"context"
	"sync"
	"time"
)

// RateLimitConfig configures client-side rate limiting for model providers.
type RateLimitConfig struct {
	// RequestsPerMinute limits API calls per minute (0 = unlimited).
	RequestsPerMinute int
	// TokensPerMinute limits total tokens per minute (0 = unlimited).
	TokensPerMinute int
	// BurstSize allows a short burst above the steady rate.
	BurstSize int
}

// DefaultRateLimitConfig returns limits safe for free-tier cloud APIs.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerMinute: 30,
		TokensPerMinute:   30000,
		BurstSize:         3,
	}
}

// RateLimitProvider wraps a provider with request- and token-based rate
// limiting. Callers block in waitForCapacity until the bucket refills or
// their context is cancelled.
type RateLimitProvider struct {
	inner  Provider
	config *RateLimitConfig

	mu               sync.Mutex
	requestTokens    int
	tokenBudget      int
	lastRefill       time.Time
	requestsInWindow int
	tokensInWindow   int
	windowStart      time.Time
}

// NewRateLimitProvider creates a rate-limited provider wrapper.
func NewRateLimitProvider(inner Provider, config *RateLimitConfig) *RateLimitProvider {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	burst := config.BurstSize
	if burst <= 0 {
		burst = 1
	}
	now := time.Now()
	return &RateLimitProvider{
		inner:         inner,
		config:        config,
		requestTokens: burst,
		tokenBudget:   config.TokensPerMinute,
		lastRefill:    now,
		windowStart:   now,
	}
}

// Name returns the underlying provider name.
func (r *RateLimitProvider) Name() string { return r.inner.Name() }

// Complete rate-limits and delegates to the inner provider.
func (r *RateLimitProvider) Complete(ctx context.Context, prompt *Prompt, opts *RequestOptions) (*Response, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}
	resp, err := r.inner.Complete(ctx, prompt, opts)
	if err == nil && resp != nil {
		r.trackTokenUsage(resp.InputTokens + resp.OutputTokens)
	}
	return resp, err
}

// Embed rate-limits and delegates to the inner provider.
func (r *RateLimitProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.waitForCapacity(ctx); err != nil {
		return nil, err
	}
	return r.inner.Embed(ctx, texts)
}

func (r *RateLimitProvider) waitForCapacity(ctx context.Context) error {
	for {
		r.mu.Lock()
		r.refill()

		if r.config.RequestsPerMinute == 0 && r.config.TokensPerMinute == 0 {
			r.requestsInWindow++
			r.mu.Unlock()
			return nil
		}

		hasRequests := r.config.RequestsPerMinute == 0 || r.requestTokens > 0
		hasTokens := r.config.TokensPerMinute == 0 || r.tokenBudget > 0
		if hasRequests && hasTokens {
			if r.config.RequestsPerMinute > 0 {
				r.requestTokens--
			}
			r.requestsInWindow++
			r.mu.Unlock()
			return nil
		}

		wait := r.waitTime()
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (r *RateLimitProvider) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)

	if r.config.RequestsPerMinute > 0 {
		add := int(elapsed.Minutes() * float64(r.config.RequestsPerMinute))
		if add > 0 {
			r.requestTokens += add
			max := r.config.BurstSize
			if max <= 0 {
				max = 1
			}
			if r.requestTokens > max {
				r.requestTokens = max
			}
		}
	}

	if now.Sub(r.windowStart) >= time.Minute {
		r.windowStart = now
		r.requestsInWindow = 0
		r.tokensInWindow = 0
		r.tokenBudget = r.config.TokensPerMinute
	}

	r.lastRefill = now
}

func (r *RateLimitProvider) trackTokenUsage(tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tokensInWindow += tokens
	r.tokenBudget -= tokens
	if r.tokenBudget < 0 {
		r.tokenBudget = 0
	}
}

func (r *RateLimitProvider) waitTime() time.Duration {
	if r.config.RequestsPerMinute > 0 && r.requestTokens <= 0 {
		perSecond := float64(r.config.RequestsPerMinute) / 60.0
		if perSecond > 0 {
			return time.Duration(float64(time.Second) / perSecond)
		}
	}
	if r.config.TokensPerMinute > 0 && r.tokenBudget <= 0 {
		if remaining := time.Minute - time.Since(r.windowStart); remaining > 0 {
			return remaining
		}
	}
	return 100 * time.Millisecond
}

// RateLimitStats contains rate limiting statistics.
type RateLimitStats struct {
	RequestsInWindow  int
	TokensInWindow    int
	RemainingRequests int
	RemainingTokens   int
	WindowStart       time.Time
}

// Stats returns current rate limiting statistics.
func (r *RateLimitProvider) Stats() RateLimitStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RateLimitStats{
		RequestsInWindow:  r.requestsInWindow,
		TokensInWindow:    r.tokensInWindow,
		RemainingRequests: r.requestTokens,
		RemainingTokens:   r.tokenBudget,
		WindowStart:       r.windowStart,
	}
}

// WithRateLimit wraps a provider with rate limiting.
func WithRateLimit(p Provider, config *RateLimitConfig) Provider {
	if p == nil {
		return nil
	}
	return NewRateLimitProvider(p, config)
}
