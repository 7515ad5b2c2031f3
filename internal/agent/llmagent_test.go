package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/internal/provider"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/internal/tool"
	"github.com/haasonsaas/conductor/pkg/models"
)

func newTestInvocation(t *testing.T) *InvocationContext {
	t.Helper()
	svc := sessions.NewMemoryService()
	sess, err := svc.Create(context.Background(), "app", "alice", "s1")
	require.NoError(t, err)
	return &InvocationContext{
		Context:      context.Background(),
		InvocationID: "inv-1",
		AppName:      "app",
		UserID:       "alice",
		Session:      sess,
		Sessions:     svc,
		UserContent:  models.NewTextContent(models.RoleUser, "hello"),
	}
}

func newTestAgent(t *testing.T, stub *provider.Stub, opts func(*LLMAgentConfig)) *LLMAgent {
	t.Helper()
	cfg := LLMAgentConfig{Name: "assistant", Provider: stub}
	if opts != nil {
		opts(&cfg)
	}
	a, err := NewLLMAgent(cfg)
	require.NoError(t, err)
	return a
}

func collect(t *testing.T, ch <-chan *models.Event) []*models.Event {
	t.Helper()
	var events []*models.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not close")
		}
	}
}

func calculatorTool(t *testing.T) tool.Tool {
	t.Helper()
	return tool.MustFuncTool("calculator", "evaluates arithmetic",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"result": 4}, nil
		})
}

func TestSingleTurnChat(t *testing.T) {
	stub := provider.NewStub(provider.TextTurn("Hello!"))
	a := newTestAgent(t, stub, nil)

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 1)
	assert.Equal(t, "assistant", events[0].Author)
	assert.Equal(t, "inv-1", events[0].InvocationID)
	assert.Equal(t, "Hello!", events[0].Content.Text())
	assert.True(t, events[0].TurnComplete)
	assert.Len(t, stub.Calls(), 1)
}

func TestToolCallThenFinalText(t *testing.T) {
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "call-1", Name: "calculator", Args: map[string]any{"expression": "2+2"}}),
		provider.TextTurn("The result is 4"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{calculatorTool(t)}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 3)

	require.Len(t, events[0].Content.FunctionCalls(), 1)

	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "call-1", responses[0].ID)
	assert.Equal(t, map[string]any{"result": 4}, responses[0].Response)
	assert.Equal(t, models.RoleFunction, events[1].Content.Role)

	assert.Equal(t, "The result is 4", events[2].Content.Text())

	// The second model call sees the tool response in the conversation.
	calls := stub.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Contents[len(calls[1].Contents)-1]
	assert.Equal(t, models.RoleFunction, last.Role)
	require.Len(t, last.FunctionResponses(), 1)
}

func TestUnknownToolIsRecoverable(t *testing.T) {
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "x", Name: "frobnicate"}),
		provider.TextTurn("I cannot do that"),
	)
	a := newTestAgent(t, stub, nil)

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 3)
	assert.Equal(t, models.CodeToolNotFound, events[1].ErrorCode)
	assert.Equal(t, "Tool frobnicate not found", events[1].ErrorMessage)
	assert.False(t, events[1].Fatal())

	// No synthetic response enters the conversation for the failed call.
	calls := stub.Calls()
	require.Len(t, calls, 2)
	for _, content := range calls[1].Contents {
		assert.Empty(t, content.FunctionResponses())
	}
}

func TestToolErrorIsRecoverable(t *testing.T) {
	failing := tool.MustFuncTool("flaky", "always fails",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			return nil, assert.AnError
		})
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "1", Name: "flaky"}),
		provider.TextTurn("giving up"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{failing}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 3)
	assert.Equal(t, models.CodeToolError, events[1].ErrorCode)
	assert.Contains(t, events[1].ErrorMessage, "Tool flaky failed:")
	assert.Equal(t, "giving up", events[2].Content.Text())
}

func TestLLMErrorIsFatal(t *testing.T) {
	stub := provider.NewStub([]*provider.Response{provider.ErrorResponse("upstream 500")})
	a := newTestAgent(t, stub, nil)

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 1)
	assert.Equal(t, models.CodeLLMError, events[0].ErrorCode)
	assert.True(t, events[0].Fatal())
	assert.Len(t, stub.Calls(), 1, "no further model calls after a fatal error")
}

func TestMaxIterationsBound(t *testing.T) {
	var turns [][]*provider.Response
	for i := 0; i < 15; i++ {
		turns = append(turns, provider.CallTurn(&models.FunctionCall{Name: "calculator"}))
	}
	stub := provider.NewStub(turns...)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{calculatorTool(t)}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	assert.Len(t, stub.Calls(), MaxIterations)
	// Each iteration yields one model event and one tool response event.
	assert.Len(t, events, MaxIterations*2)
	last := events[len(events)-1]
	assert.Equal(t, models.RoleFunction, last.Content.Role)
}

func TestEmptyToolListOmitsDeclarations(t *testing.T) {
	stub := provider.NewStub(provider.TextTurn("ok"))
	a := newTestAgent(t, stub, nil)

	collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, stub.Calls(), 1)
	assert.Empty(t, stub.Calls()[0].Tools)
}

func TestMissingCallIDIsSynthesised(t *testing.T) {
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{Name: "calculator"}),
		provider.TextTurn("done"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{calculatorTool(t)}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 3)
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.NotEmpty(t, responses[0].ID)

	// The synthesised id lands on the call in the conversation too.
	calls := stub.Calls()[1].Contents
	var callID string
	for _, content := range calls {
		for _, fc := range content.FunctionCalls() {
			callID = fc.ID
		}
	}
	assert.Equal(t, callID, responses[0].ID)
}

func TestToolShadowing(t *testing.T) {
	mk := func(name, marker string) tool.Tool {
		return tool.MustFuncTool(name, marker,
			func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
				return map[string]any{"from": marker}, nil
			})
	}
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "1", Name: "lookup"}),
		provider.TextTurn("done"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Toolsets = []tool.Toolset{
			tool.Static{mk("lookup", "first set")},
			tool.Static{mk("lookup", "second set")},
			tool.Static{mk("other", "second set")},
		}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, map[string]any{"from": "second set"}, responses[0].Response,
		"later toolsets shadow earlier ones")

	require.Len(t, stub.Calls(), 2)
	assert.Len(t, stub.Calls()[0].Tools, 2)
}

func TestStaticToolBeatsToolset(t *testing.T) {
	setTool := tool.MustFuncTool("lookup", "from toolset",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"from": "toolset"}, nil
		})
	staticTool := tool.MustFuncTool("lookup", "static",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"from": "static"}, nil
		})
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "1", Name: "lookup"}),
		provider.TextTurn("done"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{staticTool}
		cfg.Toolsets = []tool.Toolset{tool.Static{setTool}}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	responses := events[1].Content.FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, map[string]any{"from": "static"}, responses[0].Response)
}

func TestToolActionsRideOnResponseEvent(t *testing.T) {
	writer := tool.MustFuncTool("writer", "writes state",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			tctx.SetState("user:seen", true)
			tctx.Escalate()
			return map[string]any{"ok": true}, nil
		})
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "1", Name: "writer"}),
		provider.TextTurn("done"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{writer}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	ev := events[1]
	assert.Equal(t, map[string]any{"user:seen": true}, ev.Actions.StateDelta)
	assert.True(t, ev.Actions.Escalate)
}

func TestLongRunningToolIDsSurface(t *testing.T) {
	slow := tool.MustFuncTool("bg", "long running",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"started": true}, nil
		}, tool.LongRunning())
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "call-9", Name: "bg"}),
		provider.TextTurn("done"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{slow}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	assert.Equal(t, []string{"call-9"}, events[1].LongRunningToolIDs)
}

func TestParallelDispatchPreservesCallOrder(t *testing.T) {
	slow := tool.MustFuncTool("slow", "",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			time.Sleep(50 * time.Millisecond)
			return map[string]any{"tool": "slow"}, nil
		})
	fast := tool.MustFuncTool("fast", "",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			return map[string]any{"tool": "fast"}, nil
		})
	stub := provider.NewStub(
		provider.CallTurn(
			&models.FunctionCall{ID: "1", Name: "slow"},
			&models.FunctionCall{ID: "2", Name: "fast"},
		),
		provider.TextTurn("done"),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{slow, fast}
	})

	events := collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, events, 4)
	assert.Equal(t, "1", events[1].Content.FunctionResponses()[0].ID)
	assert.Equal(t, "2", events[2].Content.FunctionResponses()[0].ID)
}

func TestStreamingForwardsPartials(t *testing.T) {
	stub := provider.NewStub(provider.TextTurn("streamed"))
	a := newTestAgent(t, stub, nil)

	ictx := newTestInvocation(t)
	ictx.Config.Streaming = true
	events := collect(t, a.Run(ictx))
	require.Len(t, events, 2)
	assert.True(t, events[0].Partial)
	assert.Equal(t, "streamed", events[0].Content.Text())
	assert.False(t, events[1].Partial)
	assert.True(t, events[1].TurnComplete)
}

func TestSeedConversationFromSessionEvents(t *testing.T) {
	ictx := newTestInvocation(t)
	prior := models.NewEvent("inv-0", "user")
	prior.Content = models.NewTextContent(models.RoleUser, "earlier question")
	require.NoError(t, ictx.Sessions.AppendEvent(context.Background(), ictx.Session, prior))

	userEvent := models.NewEvent("inv-1", "user")
	userEvent.Content = ictx.UserContent
	require.NoError(t, ictx.Sessions.AppendEvent(context.Background(), ictx.Session, userEvent))

	stub := provider.NewStub(provider.TextTurn("answer"))
	a := newTestAgent(t, stub, nil)
	collect(t, a.Run(ictx))

	require.Len(t, stub.Calls(), 1)
	contents := stub.Calls()[0].Contents
	require.Len(t, contents, 2, "user content must not be duplicated")
	assert.Equal(t, "earlier question", contents[0].Text())
	assert.Equal(t, "hello", contents[1].Text())
}

func TestCancellationStopsEngine(t *testing.T) {
	blocked := tool.MustFuncTool("block", "",
		func(tctx *tool.Context, args map[string]any) (map[string]any, error) {
			<-tctx.Done()
			return nil, tctx.Err()
		})
	stub := provider.NewStub(
		provider.CallTurn(&models.FunctionCall{ID: "1", Name: "block"}),
	)
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Tools = []tool.Tool{blocked}
	})

	ictx := newTestInvocation(t)
	ctx, cancel := context.WithCancel(context.Background())
	ictx.Context = ctx

	ch := a.Run(ictx)
	first := <-ch
	require.NotNil(t, first)
	cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("engine did not stop after cancellation")
		}
	}
}

// brokenStore fails every append.
type brokenStore struct {
	sessions.Service
}

func (brokenStore) AppendEvent(ctx context.Context, sess *sessions.Session, ev *models.Event) error {
	return errors.New("disk full")
}

func TestPersistFailureEndsInvocation(t *testing.T) {
	stub := provider.NewStub(provider.TextTurn("Hello!"))
	a := newTestAgent(t, stub, nil)

	ictx := newTestInvocation(t)
	ictx.Sessions = brokenStore{Service: ictx.Sessions}

	events := collect(t, a.Run(ictx))
	require.Len(t, events, 1)
	assert.Equal(t, "system", events[0].Author)
	assert.Equal(t, models.CodeSessionError, events[0].ErrorCode)
	assert.Contains(t, events[0].ErrorMessage, "disk full")
	assert.True(t, events[0].TurnComplete)
}

func TestEmitPersistsBeforeSend(t *testing.T) {
	ictx := newTestInvocation(t)
	ev := models.NewEvent("inv-1", "assistant")
	ev.Content = models.NewTextContent(models.RoleModel, "durable")

	out := make(chan *models.Event, 2)
	require.True(t, Emit(ictx, out, ev))

	sess, err := ictx.Sessions.Get(context.Background(), "app", "alice", "s1")
	require.NoError(t, err)
	require.Len(t, sess.Events, 1)
	assert.Equal(t, ev.ID, sess.Events[0].ID)

	partial := models.NewEvent("inv-1", "assistant")
	partial.Partial = true
	require.True(t, Emit(ictx, out, partial))
	sess, err = ictx.Sessions.Get(context.Background(), "app", "alice", "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Events, 1, "partials are never persisted")
}

func TestBuildRequestCarriesConfig(t *testing.T) {
	temp := 0.2
	stub := provider.NewStub(provider.TextTurn("ok"))
	a := newTestAgent(t, stub, func(cfg *LLMAgentConfig) {
		cfg.Model = "claude-sonnet-4-20250514"
		cfg.Instruction = "be terse"
		cfg.GenerateConfig = provider.GenerateConfig{Temperature: &temp, MaxTokens: 256}
	})

	collect(t, a.Run(newTestInvocation(t)))
	require.Len(t, stub.Calls(), 1)
	req := stub.Calls()[0]
	assert.Equal(t, "claude-sonnet-4-20250514", req.Model)
	assert.Equal(t, "be terse", req.SystemInstruction)
	require.NotNil(t, req.Config.Temperature)
	assert.Equal(t, 0.2, *req.Config.Temperature)
	assert.Equal(t, 256, req.Config.MaxTokens)
}

func TestToolDeclarationsSerializable(t *testing.T) {
	calc := calculatorTool(t)
	decl := provider.ToolDecl{Name: calc.Name(), Description: calc.Description(), Schema: calc.Schema()}
	_, err := json.Marshal(decl)
	assert.NoError(t, err)
}
