// Package provider invokes agents: it turns (agent, message, reset) into a
// text reply using a command-line assistant or an HTTP model API.
package provider

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/jordanhubbard/tinyloom/pkg/config"
	"github.com/jordanhubbard/tinyloom/pkg/models"
)

// Request is one agent invocation.
type Request struct {
	Agent        models.Agent
	Message      string
	Reset        bool   // start a fresh session
	SystemPrompt string // agent prompt plus team roster
}

// Invoker runs one provider.
type Invoker interface {
	Invoke(ctx context.Context, req *Request) (string, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req *Request) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, req *Request) (string, error) {
	return f(ctx, req)
}

// Registry maps provider names to invokers
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// NewDefaultRegistry registers every built-in provider from cfg.
func NewDefaultRegistry(cfg config.ProvidersConfig) *Registry {
	r := NewRegistry()
	r.Register("anthropic", NewClaudeInvoker(cfg.ClaudeBinary))
	r.Register("openai", NewCodexInvoker(cfg.CodexBinary))
	r.Register("opencode", NewOpencodeInvoker(cfg.OpencodeBinary))
	r.Register("ollama", NewChatInvoker(NewOllamaProvider(cfg.OllamaEndpoint, cfg.HTTPTimeout)))
	r.Register("openai-compatible", NewChatInvoker(NewOpenAIProvider(cfg.OpenAIEndpoint, cfg.OpenAIAPIKey, cfg.HTTPTimeout)))
	return r
}

// Register sets the invoker for a provider name, replacing any previous one.
func (r *Registry) Register(name string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[strings.ToLower(name)] = inv
}

// Get returns the invoker for a provider name.
func (r *Registry) Get(name string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return inv, nil
}

// Names lists the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.invokers))
	for n := range r.invokers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke runs agent on message with its provider. The agent's working
// directory is created if missing.
func (r *Registry) Invoke(ctx context.Context, agent models.Agent, message string, reset bool, reg *models.Registry) (string, error) {
	inv, err := r.Get(agent.Provider)
	if err != nil {
		return "", err
	}

	if agent.WorkingDirectory != "" {
		if err := os.MkdirAll(agent.WorkingDirectory, 0755); err != nil {
			return "", fmt.Errorf("prepare working directory for %s: %w", agent.ID, err)
		}
	}

	prompt, err := SystemPrompt(agent, reg)
	if err != nil {
		return "", err
	}

	out, err := inv.Invoke(ctx, &Request{
		Agent:        agent,
		Message:      message,
		Reset:        reset,
		SystemPrompt: prompt,
	})
	if err != nil {
		return "", fmt.Errorf("%s (%s): %w", agent.ID, agent.Provider, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%s (%s): %w", agent.ID, agent.Provider, ErrEmptyResponse)
	}
	return out, nil
}
