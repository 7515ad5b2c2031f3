package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/tool"
	"github.com/haasonsaas/conductor/pkg/models"
)

// MaxIterations bounds the model-call/tool-dispatch loop of one
// invocation. On exhaustion the loop ends silently after the last
// emitted events.
const MaxIterations = 10

// LLMAgentConfig configures an LLMAgent. Name and Provider are
// required.
type LLMAgentConfig struct {
	Name        string
	Model       string
	Instruction string

	Provider provider.Provider

	// Tools are bound statically; Toolsets are resolved once per
	// invocation. On name collisions, later toolsets win over earlier
	// ones and static tools beat both.
	Tools    []tool.Tool
	Toolsets []tool.Toolset

	// SubAgents are available for delegation.
	SubAgents []Agent

	GenerateConfig provider.GenerateConfig

	// MaxIterations overrides the default bound when positive.
	MaxIterations int

	Logger *slog.Logger
}

// LLMAgent drives a model through the turn loop: call the model,
// execute requested tools, feed results back, repeat until the model
// produces a final answer or the iteration bound is hit.
type LLMAgent struct {
	cfg    LLMAgentConfig
	logger *slog.Logger
	tracer trace.Tracer
}

// NewLLMAgent validates the configuration and builds the agent.
func NewLLMAgent(cfg LLMAgentConfig) (*LLMAgent, error) {
	if cfg.Name == "" {
		return nil, errors.New("agent name is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("agent %s: provider is required", cfg.Name)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = MaxIterations
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAgent{
		cfg:    cfg,
		logger: logger.With("agent", cfg.Name),
		tracer: otel.Tracer("conductor/agent"),
	}, nil
}

var _ Agent = (*LLMAgent)(nil)

func (a *LLMAgent) Name() string { return a.cfg.Name }

// SubAgents returns the delegation targets.
func (a *LLMAgent) SubAgents() []Agent { return a.cfg.SubAgents }

func (a *LLMAgent) Run(ictx *InvocationContext) <-chan *models.Event {
	out := make(chan *models.Event)
	go func() {
		defer close(out)
		a.run(ictx, out)
	}()
	return out
}

func (a *LLMAgent) run(ictx *InvocationContext, out chan<- *models.Event) {
	toolMap, toolOrder := a.resolveTools(ictx)
	conversation := a.seedConversation(ictx)

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		req := a.buildRequest(conversation, toolMap, toolOrder)

		accumulated, pendingCalls, ok := a.modelTurn(ictx, req, out)
		if !ok {
			return
		}

		if accumulated != nil {
			conversation = append(conversation, accumulated)
		}
		if len(pendingCalls) == 0 {
			return
		}

		responses := a.dispatch(ictx, toolMap, pendingCalls, out)
		if ictx.Err() != nil {
			return
		}
		if len(responses.Parts) > 0 {
			conversation = append(conversation, responses)
		}
	}

	a.logger.Warn("iteration bound reached",
		"invocation_id", ictx.InvocationID,
		"max_iterations", a.cfg.MaxIterations)
}

// modelTurn runs one model call, yielding every response as an event.
// It returns the last content the model produced, the function calls it
// requested, and whether the loop should continue. A response carrying
// an error fails the invocation after its terminal event is yielded.
func (a *LLMAgent) modelTurn(ictx *InvocationContext, req *provider.Request, out chan<- *models.Event) (*models.Content, []*models.FunctionCall, bool) {
	start := time.Now()
	ctx, span := a.tracer.Start(ictx.Context, "llm.generate_content",
		trace.WithAttributes(
			attribute.String("llm.model", req.Model),
			attribute.String("invocation.id", ictx.InvocationID),
			attribute.String("session.id", ictx.Session.ID),
		))
	defer span.End()
	span.SetAttributes(attribute.String("llm.request", compactJSON(req)))

	stream, err := a.cfg.Provider.GenerateContent(ctx, req, ictx.Config.Streaming)
	if err != nil {
		a.logger.Error("model call failed", "invocation_id", ictx.InvocationID, "error", err)
		a.observeModelCall(ictx, req.Model, "error", start, nil)
		ev := models.NewEvent(ictx.InvocationID, a.cfg.Name)
		ev.Branch = ictx.Branch
		ev.ErrorCode = models.CodeLLMError
		ev.ErrorMessage = err.Error()
		ev.TurnComplete = true
		Emit(ictx, out, ev)
		return nil, nil, false
	}

	var accumulated *models.Content
	var pendingCalls []*models.FunctionCall
	var last *provider.Response

	for {
		var resp *provider.Response
		var open bool
		select {
		case resp, open = <-stream:
		case <-ictx.Done():
			return nil, nil, false
		}
		if !open {
			break
		}
		last = resp

		ev := models.NewEvent(ictx.InvocationID, a.cfg.Name)
		ev.Branch = ictx.Branch
		ev.Content = resp.Content
		ev.Partial = resp.Partial
		ev.TurnComplete = resp.TurnComplete
		ev.Interrupted = resp.Interrupted
		ev.ErrorCode = resp.ErrorCode
		ev.ErrorMessage = resp.ErrorMessage
		if !Emit(ictx, out, ev) {
			return nil, nil, false
		}

		if resp.ErrorMessage != "" {
			span.SetAttributes(attribute.String("llm.error", resp.ErrorMessage))
			a.observeModelCall(ictx, req.Model, "error", start, resp.Usage)
			return nil, nil, false
		}
		if resp.Content != nil && !resp.Partial {
			accumulated = resp.Content
			pendingCalls = resp.Content.FunctionCalls()
		}
	}

	if last != nil {
		span.SetAttributes(attribute.String("llm.response", compactJSON(last)))
		a.observeModelCall(ictx, req.Model, "ok", start, last.Usage)
	}
	return accumulated, pendingCalls, true
}

func (a *LLMAgent) observeModelCall(ictx *InvocationContext, model, outcome string, start time.Time, usage *provider.Usage) {
	if ictx.Metrics == nil {
		return
	}
	var inputTokens, outputTokens int
	if usage != nil {
		inputTokens = usage.InputTokens
		outputTokens = usage.OutputTokens
	}
	ictx.Metrics.ObserveModelCall(model, outcome, time.Since(start), inputTokens, outputTokens)
}

// resolveTools freezes the tool map for this invocation. Toolset
// failures are logged and skipped; they never abort the invocation.
// The returned order is first-registration order, for a stable tool
// declaration list across iterations.
func (a *LLMAgent) resolveTools(ictx *InvocationContext) (map[string]tool.Tool, []string) {
	rctx := &tool.ReadonlyContext{
		Context:      ictx.Context,
		InvocationID: ictx.InvocationID,
		AgentName:    a.cfg.Name,
		AppName:      ictx.AppName,
		UserID:       ictx.UserID,
		SessionID:    ictx.Session.ID,
		State:        ictx.Session.State,
	}

	toolMap := map[string]tool.Tool{}
	var order []string
	add := func(t tool.Tool) {
		if _, seen := toolMap[t.Name()]; !seen {
			order = append(order, t.Name())
		}
		toolMap[t.Name()] = t
	}

	for _, set := range a.cfg.Toolsets {
		tools, err := set.Tools(rctx)
		if err != nil {
			a.logger.Warn("toolset resolution failed",
				"invocation_id", ictx.InvocationID, "error", err)
			continue
		}
		for _, t := range tools {
			add(t)
		}
	}
	for _, t := range a.cfg.Tools {
		add(t)
	}
	return toolMap, order
}

// seedConversation re-materialises the session events' contents in
// order, then appends the invocation's user content unless it already
// arrived as the last session event.
func (a *LLMAgent) seedConversation(ictx *InvocationContext) []*models.Content {
	var conversation []*models.Content
	for _, ev := range ictx.Session.Events {
		if ev.Content == nil {
			continue
		}
		conversation = append(conversation, ev.Content)
	}
	if ictx.UserContent != nil {
		if len(conversation) == 0 || conversation[len(conversation)-1] != ictx.UserContent {
			conversation = append(conversation, ictx.UserContent)
		}
	}
	return conversation
}

func (a *LLMAgent) buildRequest(conversation []*models.Content, toolMap map[string]tool.Tool, toolOrder []string) *provider.Request {
	req := &provider.Request{
		Model:             a.cfg.Model,
		SystemInstruction: a.cfg.Instruction,
		Contents:          conversation,
		Config:            a.cfg.GenerateConfig,
	}
	for _, name := range toolOrder {
		t := toolMap[name]
		req.Tools = append(req.Tools, provider.ToolDecl{
			Name:        t.Name(),
			Description: t.Description(),
			Schema:      t.Schema(),
		})
	}
	return req
}

func compactJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
