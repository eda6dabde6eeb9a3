package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoProvider is returned by Generate when no provider is registered.
var ErrNoProvider = errors.New("no text-generation provider configured")

// Router holds the registered providers and applies the retry policy.
type Router struct {
	providers map[string]Provider
	defaults  string
	model     string
	policy    RetryPolicy
	observe   func(providerID, result string)
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(policy RetryPolicy, logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		policy:    policy,
		logger:    logger,
	}
}

// Register adds a provider to the router. The first registered provider becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the provider and model used by Generate.
func (r *Router) SetDefault(providerID, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if providerID != "" {
		r.defaults = providerID
	}
	r.model = model
}

// OnResult registers a callback invoked once per Generate call with
// "ok" or the failure kind.
func (r *Router) OnResult(fn func(providerID, result string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observe = fn
}

// Generate sends messages to the default provider. Unavailable failures are
// retried per the policy; rate-limit, quota and bad-request failures return at once.
func (r *Router) Generate(ctx context.Context, messages []Message) (string, error) {
	r.mu.RLock()
	p, ok := r.providers[r.defaults]
	model := r.model
	observe := r.observe
	r.mu.RUnlock()
	if !ok {
		return "", ErrNoProvider
	}

	var resp *ChatResponse
	err := r.policy.do(ctx, func() error {
		var err error
		resp, err = p.Chat(ctx, &ChatRequest{Model: model, Messages: messages, MaxTokens: 256})
		return err
	}, func(attempt int, err error, wait time.Duration) {
		r.logger.Debug("retrying text generation",
			zap.String("provider", p.ID()),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(err))
	})

	result := "ok"
	if err != nil {
		result = string(KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	if observe != nil {
		observe(p.ID(), result)
	}
	if err != nil {
		return "", fmt.Errorf("generate via %s: %w", p.ID(), err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// NewFromConfig builds a provider for a config entry by its type.
func NewFromConfig(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	}
	return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
}
