package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider talks to a local Ollama server's native /api/chat
// endpoint. Ollama keeps no session between calls.
type OllamaProvider struct {
	endpoint string
	client   *http.Client
}

func NewOllamaProvider(endpoint string, timeout time.Duration) *OllamaProvider {
	return &OllamaProvider{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Model      string      `json:"model"`
	Message    ChatMessage `json:"message"`
	DoneReason string      `json:"done_reason"`
	PromptEval int         `json:"prompt_eval_count"`
	EvalCount  int         `json:"eval_count"`
}

func (p *OllamaProvider) CreateChatCompletion(ctx context.Context, req *ChatCompletionRequest) (*ChatCompletionResponse, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		return nil, ErrModelRequired
	}

	in := ollamaChatRequest{
		Model:    model,
		Messages: req.Messages,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	var out ollamaChatResponse
	if err := postJSON(ctx, p.client, p.endpoint+"/api/chat", nil, in, &out); err != nil {
		return nil, err
	}

	finish := out.DoneReason
	if finish == "" {
		finish = "stop"
	}
	resp := &ChatCompletionResponse{
		Model:   out.Model,
		Choices: []Choice{{Message: out.Message, Finish: finish}},
	}
	resp.Usage.PromptTokens = out.PromptEval
	resp.Usage.CompletionTokens = out.EvalCount
	resp.Usage.TotalTokens = out.PromptEval + out.EvalCount
	return resp, nil
}
