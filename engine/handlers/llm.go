package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weftlabs/weft/engine/bus"
	"github.com/weftlabs/weft/engine/executor"
)

// LLMOptions configures the llm node handler. Client overrides APIKey and
// BaseURL when set, which is how tests point the handler at a fake server.
type LLMOptions struct {
	APIKey         string
	BaseURL        string
	DefaultModel   string
	MaxRetries     int
	RetryBaseDelay time.Duration
	Client         *openai.Client
}

type llmHandler struct {
	client       *openai.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
	log          Logger
}

func newLLMHandler(deps Deps) *llmHandler {
	client := deps.LLM.Client
	if client == nil {
		cfg := openai.DefaultConfig(deps.LLM.APIKey)
		if deps.LLM.BaseURL != "" {
			cfg.BaseURL = deps.LLM.BaseURL
		}
		client = openai.NewClientWithConfig(cfg)
	}
	model := deps.LLM.DefaultModel
	if model == "" {
		model = openai.GPT4oMini
	}
	retries := deps.LLM.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	delay := deps.LLM.RetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	return &llmHandler{
		client:       client,
		defaultModel: model,
		maxRetries:   retries,
		retryDelay:   delay,
		log:          deps.Logger,
	}
}

// Execute runs a chat completion and returns
// {text, model, provider, tokens: {prompt, completion, total} | null}.
//
// Streaming is the default: content deltas are emitted as token events,
// with <think>...</think> spans rerouted to thinking_start/thinking_token/
// thinking_complete and stripped from the final text. Config
// {stream: false} switches to a single-shot completion.
func (h *llmHandler) Execute(ctx context.Context, in executor.Input) (map[string]interface{}, error) {
	prompt, _ := in.Config["prompt"].(string)
	if prompt == "" {
		return nil, fmt.Errorf("llm node %q: missing prompt", in.Node.ID)
	}

	req := openai.ChatCompletionRequest{
		Model: h.defaultModel,
	}
	if m, ok := in.Config["model"].(string); ok && m != "" {
		req.Model = m
	}
	if sys, ok := in.Config["systemPrompt"].(string); ok && sys != "" {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: sys,
		})
	}
	req.Messages = append(req.Messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: prompt,
	})
	if t, ok := in.Config["temperature"].(float64); ok {
		req.Temperature = float32(t)
	}
	if n, ok := asCount(in.Config["maxTokens"]); ok && n > 0 {
		req.MaxTokens = n
	}

	stream := true
	if s, ok := in.Config["stream"].(bool); ok {
		stream = s
	}

	var out map[string]interface{}
	var err error
	if stream {
		out, err = h.streamCompletion(ctx, in, req)
	} else {
		out, err = h.completion(ctx, in, req)
	}
	if err != nil {
		return nil, fmt.Errorf("llm node %q: %w", in.Node.ID, err)
	}

	if detect, _ := in.Config["detectPlan"].(bool); detect {
		if plan, ok := detectPlan(out["text"].(string)); ok && in.Emit != nil {
			in.Emit(bus.EventPlanDetected, map[string]interface{}{"plan": plan})
		}
	}
	return out, nil
}

func (h *llmHandler) completion(ctx context.Context, in executor.Input, req openai.ChatCompletionRequest) (map[string]interface{}, error) {
	var resp openai.ChatCompletionResponse
	err := executor.Retry(ctx, h.maxRetries, h.retryDelay, func() error {
		var err error
		resp, err = h.client.CreateChatCompletion(ctx, req)
		return externalize(err)
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	sc := newThinkScanner(in.Emit)
	sc.feed(resp.Choices[0].Message.Content)
	sc.flush()

	return llmOutput(sc.text(), resp.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, resp.Usage.TotalTokens), nil
}

func (h *llmHandler) streamCompletion(ctx context.Context, in executor.Input, req openai.ChatCompletionRequest) (map[string]interface{}, error) {
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	// Only the initial call retries. Once deltas have been emitted a replay
	// would duplicate them downstream.
	var stream *openai.ChatCompletionStream
	err := executor.Retry(ctx, h.maxRetries, h.retryDelay, func() error {
		var err error
		stream, err = h.client.CreateChatCompletionStream(ctx, req)
		return externalize(err)
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	sc := newThinkScanner(in.Emit)
	model := req.Model
	var prompt, completion, total int

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("stream: %w", externalize(err))
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			prompt = chunk.Usage.PromptTokens
			completion = chunk.Usage.CompletionTokens
			total = chunk.Usage.TotalTokens
		}
		if len(chunk.Choices) > 0 {
			sc.feed(chunk.Choices[0].Delta.Content)
		}
	}
	sc.flush()

	return llmOutput(sc.text(), model, prompt, completion, total), nil
}

func llmOutput(text, model string, prompt, completion, total int) map[string]interface{} {
	var tokens interface{}
	if total > 0 {
		tokens = map[string]interface{}{
			"prompt":     prompt,
			"completion": completion,
			"total":      total,
		}
	}
	return map[string]interface{}{
		"text":     text,
		"model":    model,
		"provider": "openai",
		"tokens":   tokens,
	}
}

// externalize maps go-openai errors onto the shared retry classifier
func externalize(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &executor.ExternalError{StatusCode: apiErr.HTTPStatusCode, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &executor.ExternalError{StatusCode: reqErr.HTTPStatusCode, Err: err}
	}
	return err
}

// detectPlan looks for a JSON plan in the model's answer: a fenced json
// block or the whole text, holding an object with a steps array.
func detectPlan(text string) (map[string]interface{}, bool) {
	candidate := text
	if start := strings.Index(text, "```json"); start >= 0 {
		rest := text[start+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			candidate = rest[:end]
		}
	}
	var plan map[string]interface{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(candidate)), &plan); err != nil {
		return nil, false
	}
	if _, ok := plan["steps"].([]interface{}); !ok {
		return nil, false
	}
	return plan, true
}
