package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/internal/invocations"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/runner"
	"github.com/haasonsaas/conductor/internal/sessions"
	"github.com/haasonsaas/conductor/pkg/models"
)

// echoAgent replies with one model event per run.
type echoAgent struct{ reply string }

func (a *echoAgent) Name() string { return "echo" }

func (a *echoAgent) Run(ictx *agent.InvocationContext) <-chan *models.Event {
	out := make(chan *models.Event, 1)
	go func() {
		defer close(out)
		ev := models.NewEvent(ictx.InvocationID, a.Name())
		ev.Content = models.NewTextContent(models.RoleModel, a.reply)
		ev.TurnComplete = true
		agent.Emit(ictx, out, ev)
	}()
	return out
}

// trackedAgent records what the tracker reports for its own invocation
// while the run is in flight.
type trackedAgent struct {
	tracker *invocations.Tracker
	id      string
	status  invocations.Status
}

func (a *trackedAgent) Name() string { return "tracked" }

func (a *trackedAgent) Run(ictx *agent.InvocationContext) <-chan *models.Event {
	a.id = ictx.InvocationID
	a.status = a.tracker.Status(ictx.InvocationID)
	out := make(chan *models.Event, 1)
	go func() {
		defer close(out)
		ev := models.NewEvent(ictx.InvocationID, a.Name())
		ev.Content = models.NewTextContent(models.RoleModel, "ok")
		ev.TurnComplete = true
		agent.Emit(ictx, out, ev)
	}()
	return out
}

// blockingAgent never replies until cancelled.
type blockingAgent struct{}

func (a *blockingAgent) Name() string { return "blocker" }

func (a *blockingAgent) Run(ictx *agent.InvocationContext) <-chan *models.Event {
	out := make(chan *models.Event)
	go func() {
		defer close(out)
		<-ictx.Done()
	}()
	return out
}

func newTestServer(t *testing.T, root agent.Agent) (*Server, sessions.Service) {
	t.Helper()
	svc := sessions.NewMemoryService()
	return New(AppState{
		Runner:   runner.New("app", root, svc, nil, nil),
		Sessions: svc,
		Tracker:  invocations.NewTracker(),
		Metrics:  observability.NewMetrics(nil),
	}), svc
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "hi"})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readiness", nil))
	assert.Equal(t, "READY", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "hi"})

	srv.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conductor_http_requests_total")
}

func TestBatchRunReturnsEvents(t *testing.T) {
	srv, svc := newTestServer(t, &echoAgent{reply: "hello back"})

	rec := postJSON(t, srv, "/api/v1/sessions/s1/run", map[string]any{
		"userId":     "alice",
		"newMessage": models.NewTextContent(models.RoleUser, "hello"),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Events []*models.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "hello back", resp.Events[0].Content.Text())

	// The user message and the reply are both durable.
	sess, err := svc.Get(context.Background(), "app", "alice", "s1")
	require.NoError(t, err)
	assert.Len(t, sess.Events, 2)
}

func TestBatchAndSSERunsAreTracked(t *testing.T) {
	tracker := invocations.NewTracker()
	root := &trackedAgent{tracker: tracker}
	svc := sessions.NewMemoryService()
	srv := New(AppState{
		Runner:   runner.New("app", root, svc, nil, nil),
		Sessions: svc,
		Tracker:  tracker,
	})

	rec := postJSON(t, srv, "/api/v1/sessions/s1/run", map[string]any{
		"newMessage": models.NewTextContent(models.RoleUser, "hi"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, invocations.StatusActive, root.status,
		"batch run must be registered before the agent starts")

	var resp struct {
		Events []*models.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	assert.Equal(t, root.id, resp.Events[0].InvocationID,
		"events carry the tracker's invocation id")
	assert.Equal(t, invocations.StatusNotFound, tracker.Status(root.id),
		"completion releases the entry")

	root.status = invocations.StatusNotFound
	rec = postJSON(t, srv, "/api/v1/sessions/s1/run/sse", map[string]any{
		"newMessage": models.NewTextContent(models.RoleUser, "again"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, invocations.StatusActive, root.status,
		"SSE run must be registered before the agent starts")
}

func TestBatchRunRejectsBadBody(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "x"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions/s1/run",
		strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
}

func TestSSEStreamsEvents(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "streamed"})

	rec := postJSON(t, srv, "/api/v1/sessions/s1/run/sse", map[string]any{
		"newMessage": models.NewTextContent(models.RoleUser, "go"),
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var payloads []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			payloads = append(payloads, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, payloads)

	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(payloads[len(payloads)-1]), &ev))
	assert.Equal(t, "streamed", ev.Content.Text())
}

func dialWS(t *testing.T, handler http.Handler, path string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame serverFrame
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestWSRunLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "over ws"})
	conn := dialWS(t, srv, "/api/v1/sessions/s1/run/ws")

	require.NoError(t, conn.WriteJSON(clientFrame{
		Type:       "run",
		NewMessage: models.NewTextContent(models.RoleUser, "hi"),
	}))

	started := readFrame(t, conn)
	require.Equal(t, "started", started.Type)
	require.NotEmpty(t, started.InvocationID)

	event := readFrame(t, conn)
	require.Equal(t, "event", event.Type)
	assert.Equal(t, "over ws", event.Event.Content.Text())

	completed := readFrame(t, conn)
	assert.Equal(t, "completed", completed.Type)
	assert.Equal(t, started.InvocationID, completed.InvocationID)
}

func TestWSCancelStopsRun(t *testing.T) {
	srv, _ := newTestServer(t, &blockingAgent{})
	conn := dialWS(t, srv, "/api/v1/sessions/s1/run/ws")

	require.NoError(t, conn.WriteJSON(clientFrame{
		Type:       "run",
		NewMessage: models.NewTextContent(models.RoleUser, "hang"),
	}))
	started := readFrame(t, conn)
	require.Equal(t, "started", started.Type)

	require.NoError(t, conn.WriteJSON(clientFrame{
		Type:         "cancel",
		InvocationID: started.InvocationID,
	}))

	// The cancelled ack and the synthetic cancellation event both
	// arrive, then the run completes; order between the ack and the
	// event is not fixed.
	seen := map[string]bool{}
	for !seen["completed"] {
		frame := readFrame(t, conn)
		seen[frame.Type] = true
		if frame.Type == "event" {
			assert.Equal(t, "Invocation cancelled", frame.Event.ErrorMessage)
		}
	}
	assert.True(t, seen["cancelled"])
	assert.True(t, seen["event"])
}

func TestWSStatusUnknownInvocation(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "x"})
	conn := dialWS(t, srv, "/api/v1/sessions/s1/run/ws")

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "status", InvocationID: "nope"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "status", frame.Type)
	assert.Equal(t, string(invocations.StatusNotFound), frame.Status)
}

func TestWSCancelUnknownInvocation(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "x"})
	conn := dialWS(t, srv, "/api/v1/sessions/s1/run/ws")

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "cancel", InvocationID: "nope"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestWSBinaryFrameRejected(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "x"})
	conn := dialWS(t, srv, "/api/v1/sessions/s1/run/ws")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
	assert.Equal(t, "Binary messages not supported", frame.Message)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t, &echoAgent{reply: "x"})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/v1/sessions/s1/run", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
