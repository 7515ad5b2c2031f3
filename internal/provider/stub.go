package provider

import (
	"context"
	"sync"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Stub is a scripted provider for tests and local wiring. Each call to
// GenerateContent replays the next turn in order; in streaming mode the
// final content is preceded by per-part partial responses. Calls beyond
// the script return an LLM error response.
type Stub struct {
	mu    sync.Mutex
	turns [][]*Response
	calls []*Request
}

// NewStub builds a stub from scripted turns. Each turn is the response
// sequence of one model call.
func NewStub(turns ...[]*Response) *Stub {
	return &Stub{turns: turns}
}

// TextTurn is a one-response turn carrying final text.
func TextTurn(text string) []*Response {
	return []*Response{{
		Content:      models.NewTextContent(models.RoleModel, text),
		TurnComplete: true,
	}}
}

// CallTurn is a one-response turn requesting tool calls.
func CallTurn(calls ...*models.FunctionCall) []*Response {
	content := &models.Content{Role: models.RoleModel}
	for _, call := range calls {
		content.Parts = append(content.Parts, models.Part{FunctionCall: call})
	}
	return []*Response{{Content: content}}
}

var _ Provider = (*Stub)(nil)

func (s *Stub) Name() string { return "stub" }

// Calls returns the requests seen so far.
func (s *Stub) Calls() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Request(nil), s.calls...)
}

func (s *Stub) GenerateContent(ctx context.Context, req *Request, stream bool) (<-chan *Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var turn []*Response
	if len(s.turns) > 0 {
		turn = s.turns[0]
		s.turns = s.turns[1:]
	}
	s.mu.Unlock()

	out := make(chan *Response)
	go func() {
		defer close(out)
		if turn == nil {
			select {
			case out <- ErrorResponse("stub script exhausted"):
			case <-ctx.Done():
			}
			return
		}
		for _, resp := range turn {
			if stream && resp.Content != nil && !resp.Partial {
				for _, part := range resp.Content.Parts {
					if part.Text == "" {
						continue
					}
					partial := &Response{
						Content: models.NewTextContent(resp.Content.Role, part.Text),
						Partial: true,
					}
					select {
					case out <- partial:
					case <-ctx.Done():
						return
					}
				}
			}
			select {
			case out <- resp:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
