// Package anthropic adapts the Claude Messages API to the provider
// contract.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/pkg/models"
)

const defaultMaxTokens = 4096

// Config holds the provider settings. APIKey is required; everything
// else defaults.
type Config struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// Provider speaks the Anthropic Messages API. Safe for concurrent use;
// each GenerateContent call owns its stream and goroutine.
type Provider struct {
	client       sdk.Client
	defaultModel string
	maxRetries   int
	retryDelay   time.Duration
}

// New builds the provider.
func New(config Config) (*Provider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &Provider{
		client:       sdk.NewClient(options...),
		defaultModel: config.DefaultModel,
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
	}, nil
}

var _ provider.Provider = (*Provider)(nil)

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) GenerateContent(ctx context.Context, req *provider.Request, stream bool) (<-chan *provider.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan *provider.Response)
	go func() {
		defer close(out)
		if stream {
			p.generateStreaming(ctx, params, out)
			return
		}
		p.generateBatch(ctx, params, out)
	}()
	return out, nil
}

func (p *Provider) generateBatch(ctx context.Context, params sdk.MessageNewParams, out chan<- *provider.Response) {
	var message *sdk.Message
	err := p.withRetries(ctx, out, func() error {
		var callErr error
		message, callErr = p.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return
	}

	content := &models.Content{Role: models.RoleModel}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			content.Parts = append(content.Parts, models.Part{Text: block.Text})
		case "tool_use":
			var args map[string]any
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					emit(ctx, out, provider.ErrorResponse(fmt.Sprintf("anthropic: decode tool input: %v", err)))
					return
				}
			}
			content.Parts = append(content.Parts, models.Part{FunctionCall: &models.FunctionCall{
				ID:   block.ID,
				Name: block.Name,
				Args: args,
			}})
		}
	}

	emit(ctx, out, &provider.Response{
		Content:      content,
		TurnComplete: true,
		FinishReason: string(message.StopReason),
		Usage: &provider.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	})
}

func (p *Provider) generateStreaming(ctx context.Context, params sdk.MessageNewParams, out chan<- *provider.Response) {
	stream := p.client.Messages.NewStreaming(ctx, params)

	final := &models.Content{Role: models.RoleModel}
	var text strings.Builder
	var currentCall *models.FunctionCall
	var currentInput strings.Builder
	var usage provider.Usage
	finishReason := ""

	flushText := func() {
		if text.Len() > 0 {
			final.Parts = append(final.Parts, models.Part{Text: text.String()})
			text.Reset()
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				flushText()
				toolUse := block.AsToolUse()
				currentCall = &models.FunctionCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if !emit(ctx, out, &provider.Response{
						Content: models.NewTextContent(models.RoleModel, delta.Text),
						Partial: true,
					}) {
						return
					}
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if currentCall != nil {
				if raw := currentInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &currentCall.Args); err != nil {
						emit(ctx, out, provider.ErrorResponse(fmt.Sprintf("anthropic: decode tool input: %v", err)))
						return
					}
				}
				final.Parts = append(final.Parts, models.Part{FunctionCall: currentCall})
				currentCall = nil
			}

		case "message_delta":
			messageDelta := event.AsMessageDelta()
			usage.OutputTokens = int(messageDelta.Usage.OutputTokens)
			finishReason = string(messageDelta.Delta.StopReason)

		case "message_stop":
			flushText()
			emit(ctx, out, &provider.Response{
				Content:      final,
				TurnComplete: true,
				FinishReason: finishReason,
				Usage:        &usage,
			})
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			emit(context.Background(), out, &provider.Response{
				Interrupted:  true,
				TurnComplete: true,
				ErrorCode:    models.CodeLLMError,
				ErrorMessage: ctx.Err().Error(),
			})
			return
		}
		emit(ctx, out, provider.ErrorResponse("anthropic: "+err.Error()))
	}
}

// withRetries runs call with exponential backoff on retryable failures.
// A terminal failure is reported on out and returned.
func (p *Provider) withRetries(ctx context.Context, out chan<- *provider.Response, call func() error) error {
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		err = call()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			break
		}
		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				emit(context.Background(), out, provider.ErrorResponse("anthropic: " + ctx.Err().Error()))
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	emit(ctx, out, provider.ErrorResponse("anthropic: "+err.Error()))
	return err
}

func (p *Provider) buildParams(req *provider.Request) (sdk.MessageNewParams, error) {
	messages, err := convertContents(req.Contents)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	maxTokens := req.Config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemInstruction != "" {
		params.System = []sdk.TextBlockParam{{Type: "text", Text: req.SystemInstruction}}
	}
	if req.Config.Temperature != nil {
		params.Temperature = sdk.Float(*req.Config.Temperature)
	}
	if req.Config.TopP != nil {
		params.TopP = sdk.Float(*req.Config.TopP)
	}
	if req.Config.TopK != nil {
		params.TopK = sdk.Int(int64(*req.Config.TopK))
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertContents maps conversation contents onto Anthropic messages.
// Model contents become assistant messages; user and function contents
// become user messages, with function responses as tool_result blocks.
func convertContents(contents []*models.Content) ([]sdk.MessageParam, error) {
	var result []sdk.MessageParam
	for _, content := range contents {
		if content == nil || content.Role == models.RoleSystem {
			continue
		}

		var blocks []sdk.ContentBlockParamUnion
		for _, part := range content.Parts {
			switch {
			case part.Text != "":
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			case part.FunctionCall != nil:
				args := part.FunctionCall.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(part.FunctionCall.ID, args, part.FunctionCall.Name))
			case part.FunctionResponse != nil:
				payload, err := json.Marshal(part.FunctionResponse.Response)
				if err != nil {
					return nil, fmt.Errorf("anthropic: encode tool result for %s: %w", part.FunctionResponse.Name, err)
				}
				blocks = append(blocks, sdk.NewToolResultBlock(part.FunctionResponse.ID, string(payload), false))
			}
		}
		if len(blocks) == 0 {
			continue
		}

		if content.Role == models.RoleModel {
			result = append(result, sdk.NewAssistantMessage(blocks...))
		} else {
			result = append(result, sdk.NewUserMessage(blocks...))
		}
	}
	return result, nil
}

func convertTools(decls []provider.ToolDecl) ([]sdk.ToolUnionParam, error) {
	var result []sdk.ToolUnionParam
	for _, decl := range decls {
		var schema sdk.ToolInputSchemaParam
		if len(decl.Schema) > 0 {
			if err := json.Unmarshal(decl.Schema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", decl.Name, err)
			}
		} else {
			schema.Type = "object"
		}
		tool := sdk.ToolUnionParamOfTool(schema, decl.Name)
		if tool.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s", decl.Name)
		}
		tool.OfTool.Description = sdk.String(decl.Description)
		result = append(result, tool)
	}
	return result, nil
}

func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// emit sends resp unless ctx is done; reports whether the send happened.
func emit(ctx context.Context, out chan<- *provider.Response, resp *provider.Response) bool {
	select {
	case out <- resp:
		return true
	case <-ctx.Done():
		return false
	}
}
