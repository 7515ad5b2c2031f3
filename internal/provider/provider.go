// Package provider defines the model-facing contract: a uniform request
// shape, a streamed response shape, and a registry of named backends.
//
// A Provider turns a conversation into a channel of responses. In
// streaming mode the channel carries partial text deltas followed by one
// aggregated final response; in batch mode it carries the final response
// alone. Either way the channel is closed when the turn is over, and
// errors ride on responses rather than breaking the channel.
package provider

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// GenerateConfig carries the sampling knobs of one model call. Pointer
// fields distinguish "unset" from zero.
type GenerateConfig struct {
	Temperature *float64
	TopP        *float64
	TopK        *int
	MaxTokens   int
}

// ToolDecl is the declaration of one callable surfaced to the model.
type ToolDecl struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one model call: the conversation so far, the system
// instruction, the declared tools, and the sampling configuration.
type Request struct {
	Model             string
	SystemInstruction string
	Contents          []*models.Content
	Tools             []ToolDecl
	Config            GenerateConfig
}

// Usage reports token consumption of a completed call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is one element of a model turn. Partial responses carry text
// deltas; the final response of a turn carries the full content,
// TurnComplete, and usage. A failed call surfaces ErrorCode/ErrorMessage
// on the last response before the channel closes.
type Response struct {
	Content      *models.Content
	Partial      bool
	TurnComplete bool
	Interrupted  bool
	FinishReason string
	ErrorCode    string
	ErrorMessage string
	Usage        *Usage
}

// Provider is a model backend.
type Provider interface {
	Name() string

	// GenerateContent runs one model turn. The returned channel is
	// closed when the turn finishes; cancelling ctx interrupts the
	// stream. Errors during streaming arrive as responses with
	// ErrorCode set, not as channel breakage.
	GenerateContent(ctx context.Context, req *Request, stream bool) (<-chan *Response, error)
}

// ErrorResponse builds the terminal response of a failed model turn.
func ErrorResponse(message string) *Response {
	return &Response{
		ErrorCode:    models.CodeLLMError,
		ErrorMessage: message,
		TurnComplete: true,
	}
}
