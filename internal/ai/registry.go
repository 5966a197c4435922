package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/suPer8Hu/oldsparrow/internal/logger"
)

type ProviderFactory func(ctx context.Context, target Target) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds the provider for target, keyed by the target's label.
func (r *Registry) Get(ctx context.Context, target Target) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(target.Label))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, target)
}

// RegisterCompat wires every selector label to the OpenAI-compatible client.
func RegisterCompat(r *Registry, siteURL, appName string, log *logger.Logger) {
	factory := func(ctx context.Context, target Target) (Provider, error) {
		_ = ctx
		return NewCompatProvider(target, siteURL, appName, log), nil
	}
	for _, label := range []string{LabelDefault, LabelOpenRouter, LabelOpenAI, LabelAnthropic, LabelGoogle} {
		r.Register(label, factory)
	}
}
