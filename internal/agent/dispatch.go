package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/tool"
	"github.com/haasonsaas/conductor/pkg/models"
)

type dispatchResult struct {
	event    *models.Event
	response *models.FunctionResponse
}

// dispatch executes the pending function calls. Calls run concurrently,
// but their events are emitted in call order so replays are
// deterministic. The returned function-role content bundles the
// successful responses; failed calls contribute an error event and no
// response, so the model sees their absence on the next iteration.
func (a *LLMAgent) dispatch(ictx *InvocationContext, toolMap map[string]tool.Tool, calls []*models.FunctionCall, out chan<- *models.Event) *models.Content {
	results := make([]*dispatchResult, len(calls))
	done := make([]chan struct{}, len(calls))
	for i := range done {
		done[i] = make(chan struct{})
	}

	for i, call := range calls {
		if call.ID == "" {
			call.ID = uuid.NewString()
		}

		t, ok := toolMap[call.Name]
		if !ok {
			ev := models.NewEvent(ictx.InvocationID, a.cfg.Name)
			ev.Branch = ictx.Branch
			ev.ErrorCode = models.CodeToolNotFound
			ev.ErrorMessage = fmt.Sprintf("Tool %s not found", call.Name)
			results[i] = &dispatchResult{event: ev}
			close(done[i])
			continue
		}

		go func(i int, call *models.FunctionCall, t tool.Tool) {
			defer close(done[i])
			results[i] = a.executeCall(ictx, t, call)
		}(i, call, t)
	}

	bundle := &models.Content{Role: models.RoleFunction}
	for i := range calls {
		select {
		case <-done[i]:
		case <-ictx.Done():
			return bundle
		}
		res := results[i]
		if !Emit(ictx, out, res.event) {
			return bundle
		}
		if res.response != nil {
			bundle.Parts = append(bundle.Parts, models.Part{FunctionResponse: res.response})
		}
	}
	return bundle
}

func (a *LLMAgent) executeCall(ictx *InvocationContext, t tool.Tool, call *models.FunctionCall) *dispatchResult {
	tctx := tool.NewContext(tool.ReadonlyContext{
		Context:      ictx.Context,
		InvocationID: ictx.InvocationID,
		AgentName:    a.cfg.Name,
		AppName:      ictx.AppName,
		UserID:       ictx.UserID,
		SessionID:    ictx.Session.ID,
		State:        ictx.Session.State,
	}, call.ID)

	start := time.Now()
	result, err := t.Execute(tctx, call.Args)
	if ictx.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		ictx.Metrics.ObserveToolCall(call.Name, outcome, time.Since(start))
	}

	ev := models.NewEvent(ictx.InvocationID, a.cfg.Name)
	ev.Branch = ictx.Branch
	if err != nil {
		a.logger.Warn("tool failed",
			"invocation_id", ictx.InvocationID, "tool", call.Name, "error", err)
		ev.ErrorCode = models.CodeToolError
		ev.ErrorMessage = fmt.Sprintf("Tool %s failed: %v", call.Name, err)
		return &dispatchResult{event: ev}
	}

	response := &models.FunctionResponse{
		ID:       call.ID,
		Name:     call.Name,
		Response: result,
	}
	ev.Content = &models.Content{
		Role:  models.RoleFunction,
		Parts: []models.Part{{FunctionResponse: response}},
	}
	ev.Actions = tctx.Actions.Clone()
	if t.IsLongRunning() {
		ev.LongRunningToolIDs = []string{call.ID}
	}
	return &dispatchResult{event: ev, response: response}
}
