// Package openai adapts the OpenAI Chat Completions API to the provider
// contract.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Config holds the provider settings. APIKey is required.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Provider speaks the OpenAI Chat Completions API. Safe for concurrent
// use; each GenerateContent call owns its stream and goroutine.
type Provider struct {
	client       *sdk.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds the provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := sdk.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &Provider{
		client:       sdk.NewClientWithConfig(clientConfig),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "openai" }

func (p *Provider) GenerateContent(ctx context.Context, req *provider.Request, stream bool) (<-chan *provider.Response, error) {
	chatReq, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *provider.Response)
	go func() {
		defer close(out)
		if stream {
			p.generateStreaming(ctx, chatReq, out)
			return
		}
		p.generateBatch(ctx, chatReq, out)
	}()
	return out, nil
}

func (p *Provider) generateBatch(ctx context.Context, chatReq sdk.ChatCompletionRequest, out chan<- *provider.Response) {
	var resp sdk.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}
		if !retryable(err) || attempt == p.maxRetries {
			emit(ctx, out, provider.ErrorResponse("openai: "+err.Error()))
			return
		}
		select {
		case <-ctx.Done():
			emit(context.Background(), out, provider.ErrorResponse("openai: "+ctx.Err().Error()))
			return
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}

	if len(resp.Choices) == 0 {
		emit(ctx, out, provider.ErrorResponse("openai: empty response"))
		return
	}
	choice := resp.Choices[0]

	content, err := contentFromMessage(choice.Message.Content, choice.Message.ToolCalls)
	if err != nil {
		emit(ctx, out, provider.ErrorResponse(err.Error()))
		return
	}
	emit(ctx, out, &provider.Response{
		Content:      content,
		TurnComplete: true,
		FinishReason: string(choice.FinishReason),
		Usage: &provider.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	})
}

// contentFromMessage converts a completed chat message into model
// content, mirroring the accumulation the streaming path performs.
func contentFromMessage(text string, toolCalls []sdk.ToolCall) (*models.Content, error) {
	content := &models.Content{Role: models.RoleModel}
	if text != "" {
		content.Parts = append(content.Parts, models.Part{Text: text})
	}
	for _, tc := range toolCalls {
		call := &models.FunctionCall{ID: tc.ID, Name: tc.Function.Name}
		if raw := tc.Function.Arguments; raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
				return nil, fmt.Errorf("openai: decode tool arguments for %s: %v", tc.Function.Name, err)
			}
		}
		content.Parts = append(content.Parts, models.Part{FunctionCall: call})
	}
	return content, nil
}

func (p *Provider) generateStreaming(ctx context.Context, chatReq sdk.ChatCompletionRequest, out chan<- *provider.Response) {
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		emit(ctx, out, provider.ErrorResponse("openai: "+err.Error()))
		return
	}
	defer stream.Close()

	var text strings.Builder
	// Tool calls stream incrementally; accumulate by index.
	type pendingCall struct {
		id   string
		name string
		args strings.Builder
	}
	var calls []*pendingCall
	finishReason := ""

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				emit(context.Background(), out, &provider.Response{
					Interrupted:  true,
					TurnComplete: true,
					ErrorCode:    models.CodeLLMError,
					ErrorMessage: ctx.Err().Error(),
				})
				return
			}
			emit(ctx, out, provider.ErrorResponse("openai: "+err.Error()))
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			if !emit(ctx, out, &provider.Response{
				Content: models.NewTextContent(models.RoleModel, choice.Delta.Content),
				Partial: true,
			}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(calls) <= idx {
				calls = append(calls, &pendingCall{})
			}
			pending := calls[idx]
			if tc.ID != "" {
				pending.id = tc.ID
			}
			if tc.Function.Name != "" {
				pending.name = tc.Function.Name
			}
			pending.args.WriteString(tc.Function.Arguments)
		}
	}

	final := &models.Content{Role: models.RoleModel}
	if text.Len() > 0 {
		final.Parts = append(final.Parts, models.Part{Text: text.String()})
	}
	for _, pending := range calls {
		call := &models.FunctionCall{ID: pending.id, Name: pending.name}
		if raw := pending.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &call.Args); err != nil {
				emit(ctx, out, provider.ErrorResponse(fmt.Sprintf("openai: decode tool arguments for %s: %v", pending.name, err)))
				return
			}
		}
		final.Parts = append(final.Parts, models.Part{FunctionCall: call})
	}

	emit(ctx, out, &provider.Response{
		Content:      final,
		TurnComplete: true,
		FinishReason: finishReason,
	})
}

func (p *Provider) buildRequest(req *provider.Request) (sdk.ChatCompletionRequest, error) {
	messages, err := convertContents(req.Contents, req.SystemInstruction)
	if err != nil {
		return sdk.ChatCompletionRequest{}, err
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := sdk.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	}
	if req.Config.MaxTokens > 0 {
		chatReq.MaxTokens = req.Config.MaxTokens
	}
	if req.Config.Temperature != nil {
		chatReq.Temperature = float32(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		chatReq.TopP = float32(*req.Config.TopP)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertTools(req.Tools)
	}
	return chatReq, nil
}

// convertContents maps conversation contents onto chat messages. The
// system instruction leads; function responses become one tool message
// per response, keyed by the originating call id.
func convertContents(contents []*models.Content, system string) ([]sdk.ChatCompletionMessage, error) {
	result := make([]sdk.ChatCompletionMessage, 0, len(contents)+1)
	if system != "" {
		result = append(result, sdk.ChatCompletionMessage{
			Role:    sdk.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, content := range contents {
		if content == nil || content.Role == models.RoleSystem {
			continue
		}

		if content.Role == models.RoleFunction {
			for _, fr := range content.FunctionResponses() {
				payload, err := json.Marshal(fr.Response)
				if err != nil {
					return nil, fmt.Errorf("openai: encode tool result for %s: %w", fr.Name, err)
				}
				result = append(result, sdk.ChatCompletionMessage{
					Role:       sdk.ChatMessageRoleTool,
					Content:    string(payload),
					ToolCallID: fr.ID,
				})
			}
			continue
		}

		msg := sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleUser}
		if content.Role == models.RoleModel {
			msg.Role = sdk.ChatMessageRoleAssistant
		}
		msg.Content = content.Text()

		for _, call := range content.FunctionCalls() {
			args, err := json.Marshal(call.Args)
			if err != nil {
				return nil, fmt.Errorf("openai: encode tool arguments for %s: %w", call.Name, err)
			}
			msg.ToolCalls = append(msg.ToolCalls, sdk.ToolCall{
				ID:   call.ID,
				Type: sdk.ToolTypeFunction,
				Function: sdk.FunctionCall{
					Name:      call.Name,
					Arguments: string(args),
				},
			})
		}
		result = append(result, msg)
	}
	return result, nil
}

func convertTools(decls []provider.ToolDecl) []sdk.Tool {
	result := make([]sdk.Tool, len(decls))
	for i, decl := range decls {
		var schema any
		if len(decl.Schema) > 0 {
			schema = json.RawMessage(decl.Schema)
		} else {
			schema = map[string]any{"type": "object"}
		}
		result[i] = sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        decl.Name,
				Description: decl.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func retryable(err error) bool {
	var apiErr *sdk.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	msg := err.Error()
	return strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused")
}

func emit(ctx context.Context, out chan<- *provider.Response, resp *provider.Response) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}
