package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rvbbit/lars/pkg/config"
)

// OpenAIProvider speaks the OpenAI-compatible chat completions API. It
// also serves OpenRouter-style hosts, where a /generation endpoint
// returns authoritative cost a few seconds after the response; on such
// hosts the provider implements CostFetcher.
type OpenAIProvider struct {
	name       string
	config     *config.LLMProviderConfig
	httpClient *http.Client
	baseURL    string
	model      string
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAIResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func NewOpenAIProvider(name string, cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api_key is required for openai provider")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &OpenAIProvider{
		name:    name,
		config:  cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// NewOllamaProvider builds an OpenAI-compatible provider pointed at a
// local Ollama host; no API key, free pricing.
func NewOllamaProvider(name string, cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}

	model := cfg.Model
	if model == "" {
		return nil, fmt.Errorf("model is required for ollama provider")
	}

	return &OpenAIProvider{
		name:    name,
		config:  cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) Model() string {
	return p.model
}

func (p *OpenAIProvider) Prices() (float64, float64) {
	return p.config.InputPricePerMTok, p.config.OutputPricePerMTok
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (*Response, error) {
	reqBody := openAIRequest{
		Model:       p.model,
		Messages:    toOpenAIMessages(messages),
		MaxTokens:   p.config.MaxTokens,
		Temperature: p.config.Temperature,
	}
	for _, tool := range tools {
		reqBody.Tools = append(reqBody.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed openAIResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("llm error (status %d): %s", resp.StatusCode, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llm request failed with status %d: %s", resp.StatusCode, truncate(string(body), 300))
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("llm returned no choices")
	}

	choice := parsed.Choices[0]
	out := &Response{
		Content:    choice.Message.Content,
		Model:      parsed.Model,
		StopReason: choice.FinishReason,
		RequestID:  parsed.ID,
		Usage: Usage{
			TokensIn:  parsed.Usage.PromptTokens,
			TokensOut: parsed.Usage.CompletionTokens,
		},
	}
	if out.Model == "" {
		out.Model = p.model
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return out, nil
}

// generationStats is the OpenRouter /generation response shape.
type generationStats struct {
	Data struct {
		TotalCost        float64 `json:"total_cost"`
		TokensPrompt     int     `json:"tokens_prompt"`
		TokensCompletion int     `json:"tokens_completion"`
	} `json:"data"`
}

// FetchCost polls the generation-stats endpoint for authoritative cost.
// Hosts without the endpoint report cost from the static price table.
func (p *OpenAIProvider) FetchCost(ctx context.Context, requestID string) (*CostData, error) {
	if !strings.Contains(p.baseURL, "openrouter") {
		return &CostData{Available: false}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		p.baseURL+"/generation?id="+requestID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cost fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Not settled yet.
		return &CostData{Available: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cost fetch failed with status %d", resp.StatusCode)
	}

	var stats generationStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to parse generation stats: %w", err)
	}

	return &CostData{
		Cost:      stats.Data.TotalCost,
		TokensIn:  stats.Data.TokensPrompt,
		TokensOut: stats.Data.TokensCompletion,
		Available: true,
	}, nil
}

func toOpenAIMessages(messages []Message) []openAIMessage {
	out := make([]openAIMessage, len(messages))
	for i, msg := range messages {
		om := openAIMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		}
		for _, tc := range msg.ToolCalls {
			args, _ := json.Marshal(tc.Arguments)
			otc := openAIToolCall{ID: tc.ID, Type: "function"}
			otc.Function.Name = tc.Name
			otc.Function.Arguments = string(args)
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out[i] = om
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ CostFetcher = (*OpenAIProvider)(nil)
